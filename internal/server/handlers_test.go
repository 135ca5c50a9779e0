package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/devasphn/orpheus-chat/internal/audio"
	"github.com/devasphn/orpheus-chat/internal/config"
	"github.com/devasphn/orpheus-chat/internal/llm"
	"github.com/devasphn/orpheus-chat/internal/pipeline"
	"github.com/devasphn/orpheus-chat/internal/resilience"
	"github.com/devasphn/orpheus-chat/internal/tts"
)

type fakeTokens struct {
	deltas []llm.TokenDelta
	genErr error
}

func (f *fakeTokens) Generate(ctx context.Context, turns []llm.Turn, params llm.Params) (<-chan llm.TokenDelta, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	out := make(chan llm.TokenDelta, len(f.deltas))
	for _, d := range f.deltas {
		out <- d
	}
	close(out)
	return out, nil
}

// scriptDeltas builds a completed delta stream from text fragments
func scriptDeltas(fragments ...string) []llm.TokenDelta {
	var full strings.Builder
	deltas := make([]llm.TokenDelta, 0, len(fragments)+1)
	for _, f := range fragments {
		full.WriteString(f)
		deltas = append(deltas, llm.TokenDelta{Text: f, Cumulative: full.String()})
	}
	return append(deltas, llm.TokenDelta{Cumulative: full.String(), Done: true})
}

type fakeSpeech struct {
	failText string
	failErr  error

	mu     sync.Mutex
	texts  []string
	voices []tts.VoiceParams
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string, voice tts.VoiceParams) (<-chan tts.AudioChunk, error) {
	f.mu.Lock()
	call := len(f.texts)
	f.texts = append(f.texts, text)
	f.voices = append(f.voices, voice)
	f.mu.Unlock()

	out := make(chan tts.AudioChunk, 3)
	if f.failText != "" && text == f.failText {
		out <- tts.AudioChunk{Err: f.failErr}
		close(out)
		return out, nil
	}
	out <- tts.AudioChunk{Data: []byte(fmt.Sprintf("p%dc0|", call)), Index: 0}
	out <- tts.AudioChunk{Data: []byte(fmt.Sprintf("p%dc1|", call)), Index: 1}
	close(out)
	return out, nil
}

func (f *fakeSpeech) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeSpeech) voiceAt(i int) tts.VoiceParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.voices) {
		return tts.VoiceParams{}
	}
	return f.voices[i]
}

func newTestServer(tokens llm.TokenStreamer, speech tts.Synthesizer) (*Server, *resilience.CircuitBreaker, *resilience.CircuitBreaker) {
	orch := pipeline.New(tokens, speech, pipeline.NewEngineGate(1), pipeline.Config{})
	llmCB := resilience.NewCircuitBreaker("llm", 5, time.Second)
	ttsCB := resilience.NewCircuitBreaker("tts", 5, time.Second)
	cfg := &config.Config{TTSVoice: tts.DefaultVoice}
	return New(cfg, orch, llmCB, ttsCB), llmCB, ttsCB
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	srv.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Expected JSON error body, got %q", rec.Body.String())
	}
	return resp.Error
}

func audioBody(payloads ...string) []byte {
	body := append([]byte(nil), audio.StreamHeader()...)
	for _, p := range payloads {
		body = append(body, []byte(p)...)
	}
	return body
}

func TestHandleChat_StreamsWAVAudio(t *testing.T) {
	tokens := &fakeTokens{deltas: scriptDeltas("Hello ", "there! ", "General ", "Kenobi")}
	speech := &fakeSpeech{}
	srv, llmCB, ttsCB := newTestServer(tokens, speech)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"Say the line"}`))
	rec := serve(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Expected Content-Type audio/wav, got %q", ct)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}

	want := audioBody("p0c0|p0c1|", "p1c0|p1c1|")
	if !bytes.Equal(rec.Body.Bytes(), want) {
		t.Errorf("Expected body %q, got %q", want, rec.Body.Bytes())
	}

	calls := speech.calls()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 synthesis calls, got %d: %v", len(calls), calls)
	}
	if calls[0] != "Hello there!" || calls[1] != "General Kenobi" {
		t.Errorf("Expected phrases [Hello there! | General Kenobi], got %v", calls)
	}

	if _, requests, failures, _ := llmCB.Stats(); requests != 1 || failures != 0 {
		t.Errorf("Expected llm breaker to record 1 success, got requests=%d failures=%d", requests, failures)
	}
	if _, requests, failures, _ := ttsCB.Stats(); requests != 1 || failures != 0 {
		t.Errorf("Expected tts breaker to record 1 success, got requests=%d failures=%d", requests, failures)
	}
}

func TestHandleChat_RequestIDPropagation(t *testing.T) {
	tokens := &fakeTokens{deltas: scriptDeltas("Hi.")}
	srv, _, _ := newTestServer(tokens, &fakeSpeech{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("X-Request-ID", "req-abc-123")
	rec := serve(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-abc-123" {
		t.Errorf("Expected X-Request-ID req-abc-123, got %q", got)
	}
}

func TestHandleChat_EmptyMessage(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"   "}`))
	rec := serve(srv, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "message is required" {
		t.Errorf("Expected error 'message is required', got %q", msg)
	}
}

func TestHandleChat_InvalidJSON(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":`))
	rec := serve(srv, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestHandleChat_UnknownVoice(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi","voice":"robot"}`))
	rec := serve(srv, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != `unknown voice "robot"` {
		t.Errorf("Expected unknown voice error, got %q", msg)
	}
}

func TestHandleChat_BadHistoryRole(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	body := `{"message":"hi","history":[{"role":"wizard","content":"abra"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	rec := serve(srv, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != `history[0]: unknown role "wizard"` {
		t.Errorf("Expected unknown role error, got %q", msg)
	}
}

func TestHandleChat_MethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/chat", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", rec.Code)
	}
}

func TestHandleChat_GenerationTimeout(t *testing.T) {
	tokens := &fakeTokens{deltas: []llm.TokenDelta{
		{Text: "Once ", Cumulative: "Once "},
		{Cumulative: "Once ", Done: true, Err: llm.ErrGenerationTimeout},
	}}
	speech := &fakeSpeech{}
	srv, llmCB, _ := newTestServer(tokens, speech)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := serve(srv, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("Expected status 504, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := decodeError(t, rec); msg != "generation timed out" {
		t.Errorf("Expected timeout error message, got %q", msg)
	}
	if calls := speech.calls(); len(calls) != 0 {
		t.Errorf("Expected no synthesis after timeout, got %v", calls)
	}
	if _, requests, failures, _ := llmCB.Stats(); requests != 1 || failures != 1 {
		t.Errorf("Expected llm breaker to record 1 failure, got requests=%d failures=%d", requests, failures)
	}
}

func TestHandleChat_BackendError(t *testing.T) {
	tokens := &fakeTokens{genErr: fmt.Errorf("connect: connection refused")}
	srv, llmCB, _ := newTestServer(tokens, &fakeSpeech{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := serve(srv, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "backend request failed" {
		t.Errorf("Expected generic backend error, got %q", msg)
	}
	if _, _, failures, _ := llmCB.Stats(); failures != 1 {
		t.Errorf("Expected llm breaker failure recorded, got %d", failures)
	}
}

func TestHandleChat_SynthesisFailureTruncatesStream(t *testing.T) {
	tokens := &fakeTokens{deltas: scriptDeltas("Hello ", "there! ", "Stop ", "now")}
	speech := &fakeSpeech{
		failText: "Stop now",
		failErr:  &tts.SynthesisError{Voice: "tara", Status: 500, Message: "engine fault"},
	}
	srv, _, ttsCB := newTestServer(tokens, speech)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := serve(srv, req)

	// The header went out before the failure, so the status is already 200
	// and the body is simply truncated.
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	want := audioBody("p0c0|p0c1|")
	if !bytes.Equal(rec.Body.Bytes(), want) {
		t.Errorf("Expected truncated body %q, got %q", want, rec.Body.Bytes())
	}
	if _, requests, failures, _ := ttsCB.Stats(); requests != 1 || failures != 1 {
		t.Errorf("Expected tts breaker to record 1 failure, got requests=%d failures=%d", requests, failures)
	}
}

func TestHandleChat_LLMCircuitOpen(t *testing.T) {
	srv, llmCB, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})
	for i := 0; i < 5; i++ {
		llmCB.Record(false)
	}

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := serve(srv, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "language model unavailable" {
		t.Errorf("Expected llm unavailable error, got %q", msg)
	}
}

func TestHandleChat_TTSCircuitOpen(t *testing.T) {
	speech := &fakeSpeech{}
	srv, _, ttsCB := newTestServer(&fakeTokens{deltas: scriptDeltas("Hi.")}, speech)
	for i := 0; i < 5; i++ {
		ttsCB.Record(false)
	}

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := serve(srv, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "speech engine unavailable" {
		t.Errorf("Expected speech unavailable error, got %q", msg)
	}
	if calls := speech.calls(); len(calls) != 0 {
		t.Errorf("Expected no synthesis with circuit open, got %v", calls)
	}
}

func TestHandleChat_StreamText(t *testing.T) {
	tokens := &fakeTokens{deltas: scriptDeltas("Hello ", "there! ", "General ", "Kenobi")}
	speech := &fakeSpeech{}
	srv, llmCB, _ := newTestServer(tokens, speech)

	body := `{"message":"Say the line","stream_text":true}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	rec := serve(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Expected text/plain content type, got %q", ct)
	}
	if got := rec.Body.String(); got != "Hello there! General Kenobi" {
		t.Errorf("Expected full reply text, got %q", got)
	}
	if calls := speech.calls(); len(calls) != 0 {
		t.Errorf("Expected no synthesis in text mode, got %v", calls)
	}
	if _, requests, failures, _ := llmCB.Stats(); requests != 1 || failures != 0 {
		t.Errorf("Expected llm breaker success, got requests=%d failures=%d", requests, failures)
	}
}

func TestHandleChat_StreamTextImmediateFailure(t *testing.T) {
	tokens := &fakeTokens{deltas: []llm.TokenDelta{
		{Done: true, Err: llm.ErrGenerationTimeout},
	}}
	srv, _, _ := newTestServer(tokens, &fakeSpeech{})

	body := `{"message":"hi","stream_text":true}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	rec := serve(srv, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("Expected status 504, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := decodeError(t, rec); msg != "generation timed out" {
		t.Errorf("Expected timeout error, got %q", msg)
	}
}

func TestHandleTTS_Post(t *testing.T) {
	speech := &fakeSpeech{}
	srv, _, ttsCB := newTestServer(&fakeTokens{}, speech)

	body := `{"text":"Hello from the speech engine.","voice":"leo"}`
	req := httptest.NewRequest(http.MethodPost, "/tts", strings.NewReader(body))
	rec := serve(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Expected Content-Type audio/wav, got %q", ct)
	}
	want := audioBody("p0c0|p0c1|")
	if !bytes.Equal(rec.Body.Bytes(), want) {
		t.Errorf("Expected body %q, got %q", want, rec.Body.Bytes())
	}

	if calls := speech.calls(); len(calls) != 1 || calls[0] != "Hello from the speech engine." {
		t.Errorf("Expected single synthesis of the request text, got %v", calls)
	}
	voice := speech.voiceAt(0)
	if voice.Voice != "leo" {
		t.Errorf("Expected voice leo, got %q", voice.Voice)
	}
	if voice.Temperature != tts.DefaultTemperature {
		t.Errorf("Expected default temperature %v, got %v", tts.DefaultTemperature, voice.Temperature)
	}
	if _, requests, failures, _ := ttsCB.Stats(); requests != 1 || failures != 0 {
		t.Errorf("Expected tts breaker success, got requests=%d failures=%d", requests, failures)
	}
}

func TestHandleTTS_Get(t *testing.T) {
	speech := &fakeSpeech{}
	srv, _, _ := newTestServer(&fakeTokens{}, speech)

	req := httptest.NewRequest(http.MethodGet, "/tts?text=Hi+there.&voice=zoe", nil)
	rec := serve(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if calls := speech.calls(); len(calls) != 1 || calls[0] != "Hi there." {
		t.Errorf("Expected synthesis of query text, got %v", calls)
	}
	if voice := speech.voiceAt(0); voice.Voice != "zoe" {
		t.Errorf("Expected voice zoe, got %q", voice.Voice)
	}
}

func TestHandleTTS_EmptyText(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	req := httptest.NewRequest(http.MethodPost, "/tts", strings.NewReader(`{"text":"  "}`))
	rec := serve(srv, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "text is required" {
		t.Errorf("Expected 'text is required', got %q", msg)
	}
}

func TestHandleTTS_UnknownVoice(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	req := httptest.NewRequest(http.MethodGet, "/tts?text=hi&voice=hal9000", nil)
	rec := serve(srv, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestHandleVoices(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/voices", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp voicesResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Expected JSON voices body, got error: %v", err)
	}
	if resp.Default != tts.DefaultVoice {
		t.Errorf("Expected default voice %q, got %q", tts.DefaultVoice, resp.Default)
	}
	if len(resp.Voices) != len(tts.Voices) {
		t.Errorf("Expected %d voices, got %d", len(tts.Voices), len(resp.Voices))
	}
}

func TestHandleIndex(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Expected JSON index body, got error: %v", err)
	}
	if resp["service"] != "orpheus-chat" {
		t.Errorf("Expected service orpheus-chat, got %v", resp["service"])
	}
}

func TestHandleIndex_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(&fakeTokens{}, &fakeSpeech{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}
