// Package server exposes the chat pipeline over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/devasphn/orpheus-chat/internal/config"
	"github.com/devasphn/orpheus-chat/internal/llm"
	"github.com/devasphn/orpheus-chat/internal/observability"
	"github.com/devasphn/orpheus-chat/internal/pipeline"
	"github.com/devasphn/orpheus-chat/internal/resilience"
	"github.com/devasphn/orpheus-chat/internal/tts"
)

const maxBodyBytes = 1 << 20

// Pipeline is the orchestrator surface the transport depends on
type Pipeline interface {
	HandleChat(ctx context.Context, req pipeline.ChatRequest) (*pipeline.AudioStream, error)
	StreamText(ctx context.Context, req pipeline.ChatRequest) (<-chan llm.TokenDelta, error)
	Speak(ctx context.Context, req pipeline.SpeakRequest) (*pipeline.AudioStream, error)
}

// Server handles the chat service's client-facing endpoints. Circuit
// breakers gate admission per backend so requests fail fast with 503
// while an engine is wedged.
type Server struct {
	pipe       Pipeline
	llmBreaker *resilience.CircuitBreaker
	ttsBreaker *resilience.CircuitBreaker
	voice      tts.VoiceParams
	logger     zerolog.Logger
}

// New creates a Server
func New(cfg *config.Config, pipe Pipeline, llmBreaker, ttsBreaker *resilience.CircuitBreaker) *Server {
	return &Server{
		pipe:       pipe,
		llmBreaker: llmBreaker,
		ttsBreaker: ttsBreaker,
		voice:      tts.VoiceParams{Voice: cfg.TTSVoice}.WithDefaults(),
		logger:     observability.GetLogger(),
	}
}

// Register attaches all client-facing routes to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/chat/ws", s.handleChatWS)
	mux.HandleFunc("/tts", s.handleTTS)
	mux.HandleFunc("/voices", s.handleVoices)
	mux.HandleFunc("/", s.handleIndex)
}

// Wire types

type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Message    string        `json:"message"`
	Voice      string        `json:"voice,omitempty"`
	History    []historyTurn `json:"history,omitempty"`
	StreamText bool          `json:"stream_text,omitempty"`
}

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type voicesResponse struct {
	Voices  []string `json:"voices"`
	Default string   `json:"default"`
}

// chatPipelineRequest validates a wire request and converts it
func (s *Server) chatPipelineRequest(req chatRequest, requestID string) (pipeline.ChatRequest, error) {
	if strings.TrimSpace(req.Message) == "" {
		return pipeline.ChatRequest{}, errors.New("message is required")
	}
	if req.Voice != "" && !tts.IsValidVoice(req.Voice) {
		return pipeline.ChatRequest{}, fmt.Errorf("unknown voice %q", req.Voice)
	}
	history := make([]llm.Turn, 0, len(req.History))
	for i, h := range req.History {
		switch llm.Role(h.Role) {
		case llm.RoleUser, llm.RoleAssistant:
			history = append(history, llm.Turn{Role: llm.Role(h.Role), Content: h.Content})
		default:
			return pipeline.ChatRequest{}, fmt.Errorf("history[%d]: unknown role %q", i, h.Role)
		}
	}
	return pipeline.ChatRequest{
		RequestID: requestID,
		History:   history,
		Message:   req.Message,
		Voice:     s.voiceParams(req.Voice),
	}, nil
}

// voiceParams resolves a request's voice name against the configured
// default
func (s *Server) voiceParams(name string) tts.VoiceParams {
	if name == "" {
		return s.voice
	}
	return tts.VoiceParams{Voice: name}.WithDefaults()
}

// decodeJSON reads and parses a request body
func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("request body is required")
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusForError maps a pipeline failure to an HTTP status and a
// client-safe message
func statusForError(err error) (int, string) {
	var synthErr *tts.SynthesisError
	switch {
	case errors.Is(err, pipeline.ErrEmptyMessage):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, pipeline.ErrEmptyPhrase):
		return http.StatusBadRequest, "text is required"
	case errors.Is(err, llm.ErrGenerationTimeout):
		return http.StatusGatewayTimeout, "generation timed out"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "backend unavailable"
	case errors.As(err, &synthErr):
		return http.StatusBadGateway, "speech synthesis failed"
	default:
		return http.StatusBadGateway, "backend request failed"
	}
}

// backendFault reports whether err should count against a backend's
// circuit breaker. Client cancellations and validation failures do not.
func backendFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, pipeline.ErrEmptyMessage) || errors.Is(err, pipeline.ErrEmptyPhrase) {
		return false
	}
	return true
}

// recordBreaker records a backend outcome and refreshes its metrics
func recordBreaker(cb *resilience.CircuitBreaker, success bool) {
	cb.Record(success)
	observability.UpdateCircuitBreakerState(cb.Name(), int(cb.State()))
	if !success {
		observability.IncrementCircuitBreakerFailures(cb.Name())
	}
}
