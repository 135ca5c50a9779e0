package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/devasphn/orpheus-chat/internal/tts"
)

var (
	benchServer  string
	benchMessage string
	benchVoice   string
	benchRuns    int
	benchText    bool
	benchSave    string
	benchPlay    bool
	benchTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "orpheus-bench",
	Short: "Latency benchmark client for the Orpheus chat service",
	Long: `orpheus-bench sends chat requests to a running service and measures
time to first audio, total turn time and realtime factor.

Audio responses stream as WAV. Pass --save to keep the last run's audio
or --play to hear it live while it downloads.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !tts.IsValidVoice(benchVoice) {
			return fmt.Errorf("unknown voice %q, available: %v", benchVoice, tts.Voices)
		}
		if benchRuns < 1 {
			return fmt.Errorf("runs must be at least 1, got %d", benchRuns)
		}
		if benchText && (benchPlay || benchSave != "") {
			return fmt.Errorf("--play and --save only apply to audio runs")
		}
		return runBench(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&benchServer, "server", "http://localhost:8080", "Base URL of the chat service")
	rootCmd.Flags().StringVarP(&benchMessage, "message", "m", "Tell me a short fun fact about space.", "Chat message to send")
	rootCmd.Flags().StringVar(&benchVoice, "voice", tts.DefaultVoice, "Voice for the spoken reply")
	rootCmd.Flags().IntVarP(&benchRuns, "runs", "n", 3, "Number of benchmark runs")
	rootCmd.Flags().BoolVar(&benchText, "text", false, "Benchmark text streaming instead of audio")
	rootCmd.Flags().StringVar(&benchSave, "save", "", "Write the last run's audio to a WAV file")
	rootCmd.Flags().BoolVar(&benchPlay, "play", false, "Play audio live while it streams")
	rootCmd.Flags().DurationVar(&benchTimeout, "timeout", 120*time.Second, "Per-run request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
