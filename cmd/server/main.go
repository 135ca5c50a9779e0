package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/devasphn/orpheus-chat/internal/config"
	"github.com/devasphn/orpheus-chat/internal/llm"
	"github.com/devasphn/orpheus-chat/internal/observability"
	"github.com/devasphn/orpheus-chat/internal/pipeline"
	"github.com/devasphn/orpheus-chat/internal/resilience"
	"github.com/devasphn/orpheus-chat/internal/server"
	"github.com/devasphn/orpheus-chat/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("llm_url", cfg.LLMBaseURL).
		Str("llm_model", cfg.LLMModel).
		Str("tts_url", cfg.TTSBaseURL).
		Str("voice", cfg.TTSVoice).
		Int("engine_capacity", cfg.EngineCapacity()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Orpheus chat service starting")

	llmClient := llm.NewClient(llm.Config{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		TokenTimeout: time.Duration(cfg.GenerationTimeout) * time.Second,
	})
	ttsClient := tts.NewClient(tts.Config{
		BaseURL:      cfg.TTSBaseURL,
		ChunkTimeout: time.Duration(cfg.TTSChunkTimeout) * time.Second,
	})

	gate := pipeline.NewEngineGate(cfg.EngineCapacity())
	orch := pipeline.New(llmClient, ttsClient, gate, pipeline.Config{
		SystemPrompt: cfg.SystemPrompt,
		Generation: llm.Params{
			Temperature: cfg.LLMTemperature,
			TopP:        cfg.LLMTopP,
			MaxTokens:   cfg.LLMMaxTokens,
		},
		FlushWordLimit: cfg.FlushWordLimit,
		FlushBoundary:  cfg.FlushBoundary,
	})

	resetTimeout := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	llmBreaker := resilience.NewCircuitBreaker("llm", cfg.CircuitBreakerMaxFailures, resetTimeout)
	ttsBreaker := resilience.NewCircuitBreaker("tts", cfg.CircuitBreakerMaxFailures, resetTimeout)

	mux := http.NewServeMux()
	srv := server.New(cfg, orch, llmBreaker, ttsBreaker)
	srv.Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Model servers take a while to load weights, so readiness gates on a
	// background warmup probe rather than blocking startup.
	var warmed atomic.Bool
	go warmupBackends(cfg, llmClient, ttsClient, &warmed, logger)

	mux.HandleFunc("/ready", observability.ReadinessHandler(
		observability.NamedCheck{Name: "warmup", Check: func(ctx context.Context) (bool, error) {
			if !warmed.Load() {
				return false, errors.New("backends still warming up")
			}
			return true, nil
		}},
		observability.NamedCheck{Name: "llm", Check: llmClient.HealthCheck},
		observability.NamedCheck{Name: "tts", Check: ttsClient.HealthCheck},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WriteTimeout stays zero: audio responses stream for as long as the
	// reply lasts, and the pipeline already bounds its own phases.
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("addr", cfg.Addr()).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/chat", cfg.Port)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// warmupBackends polls both model servers until they answer healthy.
// vLLM and Orpheus load multi-gigabyte weights on boot, so the first
// probes routinely fail for a minute or two.
func warmupBackends(cfg *config.Config, llmClient *llm.Client, ttsClient *tts.Client, warmed *atomic.Bool, logger zerolog.Logger) {
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       cfg.WarmupMaxAttempts,
		InitialBackoff:    time.Duration(cfg.WarmupInitialBackoff) * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	}

	probe := func(name string, check observability.HealthCheckFunc) error {
		start := time.Now()
		err := resilience.Retry(context.Background(), func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			healthy, err := check(ctx)
			if err != nil {
				return err
			}
			if !healthy {
				return fmt.Errorf("%s reports unhealthy", name)
			}
			return nil
		}, retryCfg, nil)
		if err != nil {
			logger.Error().Err(err).Str("backend", name).Msg("Backend never became ready")
			return err
		}
		logger.Info().Str("backend", name).Dur("took", time.Since(start)).Msg("Backend ready")
		return nil
	}

	llmErr := probe("llm", llmClient.HealthCheck)
	ttsErr := probe("tts", ttsClient.HealthCheck)
	if llmErr == nil && ttsErr == nil {
		warmed.Store(true)
		logger.Info().Msg("Backends ready, accepting traffic")
	}
}
