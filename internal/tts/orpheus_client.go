package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devasphn/orpheus-chat/internal/audio"
	"github.com/devasphn/orpheus-chat/internal/observability"
)

const (
	defaultChunkSize    = 4096
	defaultChunkTimeout = 30 * time.Second
)

// Config holds settings for the Orpheus server connection
type Config struct {
	// BaseURL of the Orpheus TTS server, e.g. http://localhost:5005
	BaseURL string
	// ChunkTimeout bounds the wait for each next audio chunk
	ChunkTimeout time.Duration
	// ChunkSize is the read granularity for the streamed body
	ChunkSize int
}

// Client streams synthesized speech from an Orpheus TTS server
type Client struct {
	baseURL      string
	httpClient   *http.Client
	chunkSize    int
	chunkTimeout time.Duration
}

type synthesisRequest struct {
	Text              string  `json:"text"`
	Voice             string  `json:"voice"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	MaxTokens         int     `json:"max_tokens"`
}

// NewClient creates an Orpheus TTS client
func NewClient(cfg Config) *Client {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	chunkTimeout := cfg.ChunkTimeout
	if chunkTimeout <= 0 {
		chunkTimeout = defaultChunkTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{},
		chunkSize:    chunkSize,
		chunkTimeout: chunkTimeout,
	}
}

// Synthesize posts the phrase to the backend and streams the resulting
// audio. Chunks arrive on the returned channel in emission order; the
// channel closes after the last one, with any failure on the final
// chunk's Err.
func (c *Client) Synthesize(ctx context.Context, text string, voice VoiceParams) (<-chan AudioChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &SynthesisError{Voice: voice.Voice, Message: "empty text"}
	}
	voice = voice.WithDefaults()

	payload, err := json.Marshal(synthesisRequest{
		Text:              text,
		Voice:             voice.Voice,
		Temperature:       voice.Temperature,
		TopP:              voice.TopP,
		RepetitionPenalty: voice.RepetitionPenalty,
		MaxTokens:         voice.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SynthesisError{Voice: voice.Voice, Message: "request failed", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, &SynthesisError{Voice: voice.Voice, Status: resp.StatusCode, Message: msg}
	}

	out := make(chan AudioChunk, 8)
	go c.pump(ctx, resp.Body, voice.Voice, out)
	return out, nil
}

// pump reads the response body into chunks, enforcing the per-chunk
// timeout. The backend frames each response as a standalone WAV file, so
// its container header is dropped; the caller emits a single header for
// the whole response.
func (c *Client) pump(ctx context.Context, body io.ReadCloser, voiceName string, out chan<- AudioChunk) {
	defer close(out)
	defer body.Close()

	logger := observability.GetLogger()

	type readResult struct {
		data []byte
		err  error
	}
	reads := make(chan readResult)
	go func() {
		defer close(reads)

		hdr := make([]byte, audio.HeaderSize)
		if _, err := io.ReadFull(body, hdr); err != nil {
			select {
			case reads <- readResult{err: &SynthesisError{Voice: voiceName, Message: "truncated container header", Cause: err}}:
			case <-ctx.Done():
			}
			return
		}

		buf := make([]byte, c.chunkSize)
		for {
			n, err := body.Read(buf)
			var data []byte
			if n > 0 {
				data = append([]byte(nil), buf[:n]...)
			}
			select {
			case reads <- readResult{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(c.chunkTimeout)
	defer timer.Stop()

	idx := 0
	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			logger.Error().
				Str("voice", voiceName).
				Dur("wait", c.chunkTimeout).
				Int("chunks_received", idx).
				Msg("Synthesis stream stalled, aborting")
			select {
			case out <- AudioChunk{Index: idx, Err: &SynthesisError{Voice: voiceName, Message: "synthesis stream stalled"}}:
			case <-ctx.Done():
			}
			return

		case r, ok := <-reads:
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.chunkTimeout)

			if len(r.data) > 0 {
				select {
				case out <- AudioChunk{Data: r.data, Index: idx}:
					idx++
				case <-ctx.Done():
					return
				}
			}
			if r.err != nil {
				var serr *SynthesisError
				switch {
				case errors.As(r.err, &serr):
					select {
					case out <- AudioChunk{Index: idx, Err: serr}:
					case <-ctx.Done():
					}
				case errors.Is(r.err, io.EOF):
					// clean end of stream
				default:
					select {
					case out <- AudioChunk{Index: idx, Err: &SynthesisError{Voice: voiceName, Message: "stream read failed", Cause: r.err}}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}
}

// HealthCheck queries the backend's health endpoint. It reports ready
// only once the model has finished loading.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, fmt.Errorf("tts: create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("tts backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("tts backend returned status %d", resp.StatusCode)
	}

	var health struct {
		Status      string `json:"status"`
		ModelLoaded bool   `json:"model_loaded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, fmt.Errorf("tts: decode health response: %w", err)
	}
	return health.ModelLoaded, nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	if len(b) > 0 {
		return string(b)
	}
	return "backend returned an error"
}
