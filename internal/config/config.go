package config

import (
	"fmt"
	"net"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the chat service
type Config struct {
	// Server configuration
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port string `envconfig:"PORT" default:"8080"`

	// LLM backend: any OpenAI-compatible completion server (vLLM in the
	// reference deployment)
	LLMBaseURL string `envconfig:"LLM_BASE_URL" default:"http://localhost:8000/v1"`
	LLMAPIKey  string `envconfig:"LLM_API_KEY" default:""` // vLLM ignores it, hosted backends need it
	LLMModel   string `envconfig:"LLM_MODEL" required:"true"`

	// Generation sampling defaults
	LLMTemperature    float32 `envconfig:"LLM_TEMPERATURE" default:"0.7"`
	LLMTopP           float32 `envconfig:"LLM_TOP_P" default:"0.9"`
	LLMMaxTokens      int     `envconfig:"LLM_MAX_TOKENS" default:"1024"`
	SystemPrompt      string  `envconfig:"SYSTEM_PROMPT" default:"You are a helpful voice assistant. Keep your answers short and conversational."`
	GenerationTimeout int     `envconfig:"GENERATION_TIMEOUT" default:"30"` // seconds to wait for the next token

	// TTS backend: the Orpheus speech server
	TTSBaseURL      string `envconfig:"TTS_BASE_URL" default:"http://localhost:5005"`
	TTSVoice        string `envconfig:"TTS_VOICE" default:"tara"`
	TTSChunkTimeout int    `envconfig:"TTS_CHUNK_TIMEOUT" default:"30"` // seconds to wait for the next audio chunk

	// Phrase flush policy
	FlushWordLimit int    `envconfig:"FLUSH_WORD_LIMIT" default:"10"`
	FlushBoundary  string `envconfig:"FLUSH_BOUNDARY" default:".!?,"`

	// Engine topology. The gate admits one request at a time unless the
	// backends run on isolated accelerators.
	EngineIsolated        bool `envconfig:"ENGINE_ISOLATED" default:"false"`
	MaxConcurrentRequests int  `envconfig:"MAX_CONCURRENT_REQUESTS" default:"4"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	WarmupMaxAttempts          int `envconfig:"WARMUP_MAX_ATTEMPTS" default:"30"`           // Startup probes before giving up
	WarmupInitialBackoff       int `envconfig:"WARMUP_INITIAL_BACKOFF" default:"1000"`      // Initial warmup backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if one exists, then the environment.
func Load() (*Config, error) {
	// Ignore a missing .env file
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without consulting a .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.LLMModel == "" {
		return fmt.Errorf("LLM_MODEL is required")
	}
	if c.FlushWordLimit < 1 {
		return fmt.Errorf("FLUSH_WORD_LIMIT must be at least 1, got %d", c.FlushWordLimit)
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be positive, got %d", c.GenerationTimeout)
	}
	if c.TTSChunkTimeout <= 0 {
		return fmt.Errorf("TTS_CHUNK_TIMEOUT must be positive, got %d", c.TTSChunkTimeout)
	}
	if c.LLMMaxTokens < 1 {
		return fmt.Errorf("LLM_MAX_TOKENS must be at least 1, got %d", c.LLMMaxTokens)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be at least 1, got %d", c.MaxConcurrentRequests)
	}
	return nil
}

// Addr returns the listen address in host:port form
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// EngineCapacity returns how many request pipelines may run at once
// given the engine topology
func (c *Config) EngineCapacity() int {
	if c.EngineIsolated {
		return c.MaxConcurrentRequests
	}
	return 1
}
