package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/devasphn/orpheus-chat/internal/observability"
	"github.com/devasphn/orpheus-chat/internal/pipeline"
)

const (
	wsRequestWait = 30 * time.Second
	wsWriteWait   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsEvent is a control frame on the chat socket. Audio travels in
// separate binary frames between these.
type wsEvent struct {
	Type       string  `json:"type"`
	RequestID  string  `json:"request_id,omitempty"`
	Index      int     `json:"index"`
	Text       string  `json:"text,omitempty"`
	Error      string  `json:"error,omitempty"`
	Phrases    int     `json:"phrases,omitempty"`
	AudioBytes int64   `json:"audio_bytes,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	TTFAMs     int64   `json:"ttfa_ms,omitempty"`
	RTF        float64 `json:"rtf,omitempty"`
}

// handleChatWS runs a chat turn over a WebSocket. The client sends one
// JSON request frame, then receives a started event, the WAV header as
// a binary frame, phrase events interleaved with binary audio frames,
// and a final done or error event.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	requestID := requestIDFor(r)
	logger := observability.WithRequestID(requestID)

	conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		logger.Debug().Err(err).Msg("WebSocket closed before request frame")
		return
	}

	var req chatRequest
	if err := sonic.Unmarshal(payload, &req); err != nil {
		s.writeWSError(conn, logger, "invalid JSON: "+err.Error())
		return
	}
	preq, err := s.chatPipelineRequest(req, requestID)
	if err != nil {
		s.writeWSError(conn, logger, err.Error())
		return
	}
	if err := s.llmBreaker.Allow(); err != nil {
		s.writeWSError(conn, logger, "language model unavailable")
		return
	}
	if err := s.ttsBreaker.Allow(); err != nil {
		recordBreaker(s.llmBreaker, true)
		s.writeWSError(conn, logger, "speech engine unavailable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Watch for the client going away so the pipeline stops early
	conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	stream, err := s.pipe.HandleChat(ctx, preq)
	if err != nil {
		if backendFault(err) {
			recordBreaker(s.llmBreaker, false)
		}
		_, msg := statusForError(err)
		logger.Error().Err(err).Msg("Chat request failed")
		s.writeWSError(conn, logger, msg)
		return
	}
	recordBreaker(s.llmBreaker, true)

	if err := s.writeWSEvent(conn, wsEvent{Type: "started", RequestID: requestID}); err != nil {
		return
	}
	if err := s.writeWSBinary(conn, stream.Header()); err != nil {
		return
	}

	clientGone := false
	for ev := range stream.Events() {
		if clientGone {
			continue
		}
		switch ev.Kind {
		case pipeline.EventPhrase:
			if err := s.writeWSEvent(conn, wsEvent{Type: "phrase", Index: ev.PhraseIndex, Text: ev.Phrase}); err != nil {
				clientGone = true
				cancel()
			}
		case pipeline.EventAudio:
			if err := s.writeWSBinary(conn, ev.Data); err != nil {
				clientGone = true
				cancel()
			}
		case pipeline.EventError:
			// Reported below once the stream settles
		}
	}

	stats := stream.Stats()
	streamErr := stream.Err()
	switch {
	case streamErr == nil:
		recordBreaker(s.ttsBreaker, true)
	case backendFault(streamErr):
		recordBreaker(s.ttsBreaker, false)
	}
	if clientGone {
		logger.Debug().Msg("WebSocket client disconnected mid-stream")
		return
	}

	if streamErr != nil {
		_, msg := statusForError(streamErr)
		logger.Warn().Err(streamErr).Msg("WebSocket stream truncated")
		s.writeWSError(conn, logger, msg)
		return
	}

	done := wsEvent{
		Type:       "done",
		RequestID:  requestID,
		Phrases:    stats.Phrases,
		AudioBytes: stats.AudioBytes,
		DurationMs: stats.AudioDuration.Milliseconds(),
		TTFAMs:     stats.TimeToFirstAudio.Milliseconds(),
		RTF:        stats.RealtimeFactor,
	}
	if err := s.writeWSEvent(conn, done); err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	logger.Info().
		Int("phrases", stats.Phrases).
		Int64("audio_bytes", stats.AudioBytes).
		Msg("WebSocket chat complete")
}

func (s *Server) writeWSEvent(conn *websocket.Conn, ev wsEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) writeWSBinary(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Server) writeWSError(conn *websocket.Conn, logger zerolog.Logger, msg string) {
	if err := s.writeWSEvent(conn, wsEvent{Type: "error", Error: msg}); err != nil {
		logger.Debug().Err(err).Msg("Failed to deliver error frame")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
}
