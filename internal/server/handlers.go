package server

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/devasphn/orpheus-chat/internal/llm"
	"github.com/devasphn/orpheus-chat/internal/observability"
	"github.com/devasphn/orpheus-chat/internal/pipeline"
	"github.com/devasphn/orpheus-chat/internal/tts"
)

// handleChat runs the full pipeline for one chat turn and streams the
// reply as WAV audio. With stream_text set it skips synthesis and
// streams raw token text instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	requestID := requestIDFor(r)
	logger := observability.WithRequestID(requestID)

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	preq, err := s.chatPipelineRequest(req, requestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.llmBreaker.Allow(); err != nil {
		logger.Warn().Str("backend", s.llmBreaker.Name()).Msg("Request rejected, circuit open")
		writeError(w, http.StatusServiceUnavailable, "language model unavailable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if req.StreamText {
		s.streamTextResponse(ctx, w, logger, preq)
		return
	}

	if err := s.ttsBreaker.Allow(); err != nil {
		recordBreaker(s.llmBreaker, true)
		logger.Warn().Str("backend", s.ttsBreaker.Name()).Msg("Request rejected, circuit open")
		writeError(w, http.StatusServiceUnavailable, "speech engine unavailable")
		return
	}

	stream, err := s.pipe.HandleChat(ctx, preq)
	if err != nil {
		if backendFault(err) {
			recordBreaker(s.llmBreaker, false)
		}
		status, msg := statusForError(err)
		logger.Error().Err(err).Int("status", status).Msg("Chat request failed")
		writeError(w, status, msg)
		return
	}
	recordBreaker(s.llmBreaker, true)

	s.streamAudioResponse(w, logger, cancel, requestID, stream)
}

// handleTTS synthesizes a fixed text without involving the language
// model. Accepts POST with a JSON body or GET with query parameters.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFor(r)
	logger := observability.WithRequestID(requestID)

	var req ttsRequest
	switch r.Method {
	case http.MethodPost:
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case http.MethodGet:
		req.Text = r.URL.Query().Get("text")
		req.Voice = r.URL.Query().Get("voice")
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if req.Voice != "" && !tts.IsValidVoice(req.Voice) {
		writeError(w, http.StatusBadRequest, "unknown voice "+req.Voice)
		return
	}

	if err := s.ttsBreaker.Allow(); err != nil {
		logger.Warn().Str("backend", s.ttsBreaker.Name()).Msg("Request rejected, circuit open")
		writeError(w, http.StatusServiceUnavailable, "speech engine unavailable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := s.pipe.Speak(ctx, pipeline.SpeakRequest{
		RequestID: requestID,
		Text:      req.Text,
		Voice:     s.voiceParams(req.Voice),
	})
	if err != nil {
		status, msg := statusForError(err)
		logger.Error().Err(err).Int("status", status).Msg("Synthesis request failed")
		writeError(w, status, msg)
		return
	}

	s.streamAudioResponse(w, logger, cancel, requestID, stream)
}

// streamAudioResponse relays an audio stream to the client. The WAV
// header goes out first with a zero data size, so clients must read
// until EOF rather than trust the declared length.
func (s *Server) streamAudioResponse(w http.ResponseWriter, logger zerolog.Logger, cancel context.CancelFunc, requestID string, stream *pipeline.AudioStream) {
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	clientGone := false
	if _, err := w.Write(stream.Header()); err != nil {
		clientGone = true
		cancel()
	}
	if flusher != nil {
		flusher.Flush()
	}

	for ev := range stream.Events() {
		switch ev.Kind {
		case pipeline.EventPhrase:
			logger.Debug().Int("phrase", ev.PhraseIndex).Int("chars", len(ev.Phrase)).Msg("Synthesizing phrase")
		case pipeline.EventAudio:
			if clientGone {
				continue
			}
			if _, err := w.Write(ev.Data); err != nil {
				logger.Debug().Err(err).Msg("Client disconnected mid-stream")
				clientGone = true
				cancel()
				continue
			}
			if flusher != nil {
				flusher.Flush()
			}
		case pipeline.EventError:
			// Stats carries the error, the channel closes right after
		}
	}

	stats := stream.Stats()
	err := stream.Err()
	switch {
	case err == nil:
		recordBreaker(s.ttsBreaker, true)
		logger.Info().
			Int("phrases", stats.Phrases).
			Int64("audio_bytes", stats.AudioBytes).
			Dur("audio_duration", stats.AudioDuration).
			Dur("ttfa", stats.TimeToFirstAudio).
			Msg("Audio response complete")
	case backendFault(err):
		recordBreaker(s.ttsBreaker, false)
		logger.Warn().Err(err).Int64("audio_bytes", stats.AudioBytes).Msg("Audio response truncated")
	default:
		logger.Debug().Err(err).Msg("Audio response canceled")
	}
}

// streamTextResponse streams token deltas as plain text. The first
// delta is inspected before the response status goes out so immediate
// generation failures still map to a proper error code.
func (s *Server) streamTextResponse(ctx context.Context, w http.ResponseWriter, logger zerolog.Logger, preq pipeline.ChatRequest) {
	deltas, err := s.pipe.StreamText(ctx, preq)
	if err != nil {
		status, msg := statusForError(err)
		writeError(w, status, msg)
		return
	}

	first, ok := <-deltas
	if ok && first.Err != nil && first.Cumulative == "" {
		if backendFault(first.Err) {
			recordBreaker(s.llmBreaker, false)
		}
		status, msg := statusForError(first.Err)
		logger.Error().Err(first.Err).Int("status", status).Msg("Text stream failed")
		writeError(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Request-ID", preq.RequestID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var streamErr error
	emit := func(d llm.TokenDelta) {
		if d.Text != "" {
			if _, err := w.Write([]byte(d.Text)); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if d.Err != nil {
			streamErr = d.Err
		}
	}

	if ok {
		emit(first)
	}
	for d := range deltas {
		emit(d)
	}

	switch {
	case streamErr == nil:
		recordBreaker(s.llmBreaker, true)
	case backendFault(streamErr):
		recordBreaker(s.llmBreaker, false)
		logger.Warn().Err(streamErr).Msg("Text stream truncated")
	}
}

// handleVoices lists the voices the speech engine ships with
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, voicesResponse{
		Voices:  tts.Voices,
		Default: tts.DefaultVoice,
	})
}

// handleIndex describes the service for anyone poking at the root URL
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "orpheus-chat",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"POST /chat":   "Chat with the assistant, response streamed as WAV audio",
			"GET /chat/ws": "Chat over WebSocket with interleaved phrase and audio frames",
			"POST /tts":    "Synthesize a fixed text as WAV audio",
			"GET /voices":  "List available voices",
			"GET /health":  "Liveness probe",
			"GET /ready":   "Readiness probe, checks backend engines",
			"GET /metrics": "Prometheus metrics",
		},
	})
}

// requestIDFor honors a caller-supplied request ID so IDs propagate
// through proxies
func requestIDFor(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return observability.NewRequestID()
}
