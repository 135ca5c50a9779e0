package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"github.com/devasphn/orpheus-chat/internal/audio"
)

// chatPayload mirrors the /chat request body
type chatPayload struct {
	Message    string `json:"message"`
	Voice      string `json:"voice,omitempty"`
	StreamText bool   `json:"stream_text,omitempty"`
}

type runResult struct {
	firstByte time.Duration
	total     time.Duration
	bytes     int64
	audio     time.Duration
}

func realtimeFactor(r runResult) float64 {
	if r.total <= 0 {
		return 0
	}
	return r.audio.Seconds() / r.total.Seconds()
}

func runBench(ctx context.Context) error {
	client := &http.Client{Timeout: benchTimeout}
	mode := "audio"
	if benchText {
		mode = "text"
	}
	fmt.Printf("Benchmarking %s mode against %s (%d runs, voice %s)\n\n", mode, benchServer, benchRuns, benchVoice)

	results := make([]runResult, 0, benchRuns)
	var lastAudio []byte
	for i := 0; i < benchRuns; i++ {
		var (
			res  runResult
			data []byte
			err  error
		)
		if benchText {
			res, err = benchTextOnce(ctx, client)
		} else {
			res, data, err = benchAudioOnce(ctx, client)
		}
		if err != nil {
			return fmt.Errorf("run %d: %w", i+1, err)
		}
		results = append(results, res)
		lastAudio = data

		if benchText {
			fmt.Printf("run %d: ttft=%s total=%s chars=%d\n",
				i+1, res.firstByte.Round(time.Millisecond), res.total.Round(time.Millisecond), res.bytes)
		} else {
			fmt.Printf("run %d: ttfa=%s total=%s audio=%s bytes=%d rtf=%.2f\n",
				i+1, res.firstByte.Round(time.Millisecond), res.total.Round(time.Millisecond),
				res.audio.Round(time.Millisecond), res.bytes, realtimeFactor(res))
		}
	}

	printSummary(results)

	if benchSave != "" && len(lastAudio) > 0 {
		if err := saveWAV(benchSave, lastAudio); err != nil {
			return err
		}
		fmt.Printf("\nSaved %d bytes to %s\n", len(lastAudio)+audio.HeaderSize, benchSave)
	}
	return nil
}

// benchAudioOnce runs one audio chat turn. Time to first audio is taken
// at the first body read after the WAV header, which is flushed before
// synthesis starts.
func benchAudioOnce(ctx context.Context, client *http.Client) (runResult, []byte, error) {
	payload, err := sonic.Marshal(chatPayload{Message: benchMessage, Voice: benchVoice})
	if err != nil {
		return runResult{}, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, benchServer+"/chat", bytes.NewReader(payload))
	if err != nil {
		return runResult{}, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return runResult{}, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return runResult{}, nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	header := make([]byte, audio.HeaderSize)
	if _, err := io.ReadFull(resp.Body, header); err != nil {
		return runResult{}, nil, fmt.Errorf("read WAV header: %w", err)
	}

	var playback *livePlayback
	if benchPlay {
		playback, err = startPlayback()
		if err != nil {
			return runResult{}, nil, err
		}
	}

	var (
		res  runResult
		data bytes.Buffer
		buf  = make([]byte, 8192)
	)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if res.firstByte == 0 {
				res.firstByte = time.Since(start)
			}
			data.Write(buf[:n])
			if playback != nil {
				playback.buffer.Write(buf[:n])
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if playback != nil {
				playback.buffer.CloseWithError(err)
			}
			return runResult{}, nil, fmt.Errorf("read audio: %w", err)
		}
	}
	res.total = time.Since(start)
	res.bytes = int64(data.Len())
	res.audio = audio.PCMDuration(data.Len(), audio.SampleRate, audio.BitsPerSample, audio.Channels)

	if playback != nil {
		playback.buffer.Close()
		playback.wait()
	}
	return res, data.Bytes(), nil
}

// benchTextOnce runs one chat turn in text streaming mode
func benchTextOnce(ctx context.Context, client *http.Client) (runResult, error) {
	payload, err := sonic.Marshal(chatPayload{Message: benchMessage, Voice: benchVoice, StreamText: true})
	if err != nil {
		return runResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, benchServer+"/chat", bytes.NewReader(payload))
	if err != nil {
		return runResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return runResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return runResult{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var res runResult
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if res.firstByte == 0 {
				res.firstByte = time.Since(start)
			}
			res.bytes += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return runResult{}, fmt.Errorf("read text: %w", err)
		}
	}
	res.total = time.Since(start)
	return res, nil
}

func printSummary(results []runResult) {
	if len(results) < 2 {
		return
	}
	first := make([]float64, len(results))
	totals := make([]float64, len(results))
	for i, r := range results {
		first[i] = r.firstByte.Seconds()
		totals[i] = r.total.Seconds()
	}

	label := "ttfa"
	if benchText {
		label = "ttft"
	}
	fmt.Println()
	printStat(label, first)
	printStat("total", totals)
	if !benchText {
		rtfs := make([]float64, len(results))
		for i, r := range results {
			rtfs[i] = realtimeFactor(r)
		}
		lo, hi := minMax(rtfs)
		fmt.Printf("%-6s mean=%.2f min=%.2f max=%.2f\n", "rtf", mean(rtfs), lo, hi)
	}
}

func printStat(label string, xs []float64) {
	lo, hi := minMax(xs)
	fmt.Printf("%-6s mean=%.3fs min=%.3fs max=%.3fs stddev=%.3fs\n", label, mean(xs), lo, hi, stddev(xs))
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func minMax(xs []float64) (lo, hi float64) {
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

// saveWAV writes pcm to path with a header carrying the real data size,
// unlike the streamed response's zero-length header
func saveWAV(path string, pcm []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(audio.WAVHeader(audio.SampleRate, audio.BitsPerSample, audio.Channels, len(pcm))); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(pcm); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
