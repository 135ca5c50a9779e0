// Package pipeline drives a chat request through token generation,
// phrase buffering, and speech synthesis, emitting one ordered audio
// stream per request.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/devasphn/orpheus-chat/internal/audio"
	"github.com/devasphn/orpheus-chat/internal/llm"
	"github.com/devasphn/orpheus-chat/internal/observability"
	"github.com/devasphn/orpheus-chat/internal/phrase"
	"github.com/devasphn/orpheus-chat/internal/tts"
)

// State names the stages a request moves through
type State int

const (
	StateAwaitingFirstToken State = iota
	StateBuffering
	StateFlushing
	StateDraining
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirstToken:
		return "awaiting_first_token"
	case StateBuffering:
		return "buffering"
	case StateFlushing:
		return "flushing"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptyMessage rejects a chat request whose message is blank
	ErrEmptyMessage = errors.New("pipeline: message must not be empty")

	// ErrEmptyPhrase guards the synthesizer against blank input. The
	// phrase buffer never flushes an empty phrase, so hitting this on a
	// chat request is a pipeline defect; on a direct synthesis request
	// it means the caller sent blank text.
	ErrEmptyPhrase = errors.New("pipeline: empty phrase must not reach synthesis")

	// ErrIncompleteStream reports a token stream that closed without a
	// completion marker.
	ErrIncompleteStream = errors.New("pipeline: token stream ended without completion")
)

// ChatRequest is one conversation turn to be answered with speech
type ChatRequest struct {
	RequestID string
	History   []llm.Turn
	Message   string
	Voice     tts.VoiceParams
}

// SpeakRequest is a direct synthesis request with no generation step
type SpeakRequest struct {
	RequestID string
	Text      string
	Voice     tts.VoiceParams
}

// Config tunes the pipeline
type Config struct {
	// SystemPrompt is prepended to every conversation
	SystemPrompt string
	// Generation holds the sampling settings passed to the LLM
	Generation llm.Params
	// FlushWordLimit and FlushBoundary tune phrase segmentation; zero
	// values use the phrase package defaults
	FlushWordLimit int
	FlushBoundary  string
}

// Orchestrator runs the generation and synthesis pipeline. Generation
// always runs to completion before the first synthesis call: the
// backends contend for the same accelerator, so interleaving them
// degrades both. The engine gate extends the same rule across
// concurrent requests.
type Orchestrator struct {
	tokens llm.TokenStreamer
	speech tts.Synthesizer
	gate   *EngineGate
	cfg    Config
}

// New creates an Orchestrator
func New(tokens llm.TokenStreamer, speech tts.Synthesizer, gate *EngineGate, cfg Config) *Orchestrator {
	if gate == nil {
		gate = NewEngineGate(1)
	}
	return &Orchestrator{
		tokens: tokens,
		speech: speech,
		gate:   gate,
		cfg:    cfg,
	}
}

// HandleChat generates a reply to req and synthesizes it. The returned
// stream carries a WAV header plus phrase and audio events. Generation
// failures are returned here, before any event is produced, so callers
// can still send a clean error to the client.
func (o *Orchestrator) HandleChat(ctx context.Context, req ChatRequest) (*AudioStream, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	r := newRun(o, "chat", req.RequestID)
	if err := r.acquireGate(ctx); err != nil {
		r.metrics.Done(false)
		return nil, err
	}

	fullText, phrases, err := r.generate(ctx, o.conversation(req))
	if err != nil {
		o.gate.Release()
		r.metrics.RecordError(errorType(err), "llm")
		r.metrics.Done(false)
		return nil, err
	}

	stream := newAudioStream(audio.StreamHeader())
	go r.synthesize(ctx, stream, phrases, fullText, req.Voice.WithDefaults())
	return stream, nil
}

// Speak synthesizes text directly, skipping generation. The whole text
// is passed to the synthesizer as a single phrase.
func (o *Orchestrator) Speak(ctx context.Context, req SpeakRequest) (*AudioStream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyPhrase
	}

	r := newRun(o, "tts", req.RequestID)
	if err := r.acquireGate(ctx); err != nil {
		r.metrics.Done(false)
		return nil, err
	}

	stream := newAudioStream(audio.StreamHeader())
	go r.synthesize(ctx, stream, []string{req.Text}, req.Text, req.Voice.WithDefaults())
	return stream, nil
}

// StreamText generates a reply and streams the raw token deltas without
// synthesis. The final delta has Done set; a failed stream carries its
// error on the final delta.
func (o *Orchestrator) StreamText(ctx context.Context, req ChatRequest) (<-chan llm.TokenDelta, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	r := newRun(o, "chat_text", req.RequestID)
	if err := r.acquireGate(ctx); err != nil {
		r.metrics.Done(false)
		return nil, err
	}

	deltas, err := o.tokens.Generate(ctx, o.conversation(req), o.cfg.Generation)
	if err != nil {
		o.gate.Release()
		r.metrics.RecordError(errorType(err), "llm")
		r.metrics.Done(false)
		return nil, err
	}
	r.metrics.RecordGenerationStart()

	out := make(chan llm.TokenDelta, 32)
	go func() {
		defer close(out)
		defer o.gate.Release()

		completed := false
		for d := range deltas {
			if d.Err != nil {
				r.metrics.RecordError(errorType(d.Err), "llm")
			} else if d.Done {
				completed = true
			}
			select {
			case out <- d:
			case <-ctx.Done():
				r.metrics.RecordGenerationEnd(false)
				r.metrics.Done(false)
				return
			}
		}
		r.metrics.RecordGenerationEnd(completed)
		r.metrics.Done(completed)
		r.logger.Info().
			Bool("completed", completed).
			Dur("total", time.Since(r.started)).
			Msg("Text stream finished")
	}()
	return out, nil
}

// conversation assembles the turn list sent to the LLM
func (o *Orchestrator) conversation(req ChatRequest) []llm.Turn {
	turns := make([]llm.Turn, 0, len(req.History)+2)
	if o.cfg.SystemPrompt != "" {
		turns = append(turns, llm.Turn{Role: llm.RoleSystem, Content: o.cfg.SystemPrompt})
	}
	turns = append(turns, req.History...)
	turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: req.Message})
	return turns
}

// run is the per-request pipeline state
type run struct {
	o          *Orchestrator
	state      State
	logger     zerolog.Logger
	metrics    *observability.RequestMetrics
	started    time.Time
	generation time.Duration
}

func newRun(o *Orchestrator, mode, requestID string) *run {
	return &run{
		o:       o,
		state:   StateAwaitingFirstToken,
		logger:  observability.WithRequestID(requestID),
		metrics: observability.NewRequestMetrics(mode),
		started: time.Now(),
	}
}

func (r *run) acquireGate(ctx context.Context) error {
	start := time.Now()
	if err := r.o.gate.Acquire(ctx); err != nil {
		return err
	}
	wait := time.Since(start)
	r.metrics.RecordGateWait(wait)
	if wait > 100*time.Millisecond {
		r.logger.Debug().Dur("wait", wait).Msg("Request queued for engine gate")
	}
	return nil
}

func (r *run) transition(next State) {
	r.logger.Debug().
		Str("from", r.state.String()).
		Str("to", next.String()).
		Msg("Pipeline state change")
	r.state = next
}

// generate drains the token stream to completion, segmenting the text
// into phrases as deltas arrive. It returns the full reply text and the
// phrase queue, including the forced flush of any trailing words.
func (r *run) generate(ctx context.Context, turns []llm.Turn) (string, []string, error) {
	r.metrics.RecordGenerationStart()
	genStart := time.Now()

	deltas, err := r.o.tokens.Generate(ctx, turns, r.o.cfg.Generation)
	if err != nil {
		r.metrics.RecordGenerationEnd(false)
		return "", nil, err
	}

	buf := phrase.NewBuffer(r.o.cfg.FlushWordLimit, r.o.cfg.FlushBoundary)
	var (
		phrases   []string
		fullText  string
		completed bool
	)
	for d := range deltas {
		if d.Err != nil {
			r.metrics.RecordGenerationEnd(false)
			return d.Cumulative, nil, d.Err
		}
		if d.Done {
			completed = true
			fullText = d.Cumulative
			r.transition(StateDraining)
			if buf.Len() > 0 {
				phrases = append(phrases, buf.TakeAndClear())
			}
			continue
		}
		if r.state == StateAwaitingFirstToken {
			r.logger.Debug().Dur("latency", time.Since(r.started)).Msg("First token received")
			r.transition(StateBuffering)
		}
		buf.Append(phrase.SplitWords(d.Text)...)
		if buf.ShouldFlush() {
			r.transition(StateFlushing)
			phrases = append(phrases, buf.TakeAndClear())
			r.transition(StateBuffering)
		}
	}
	if !completed {
		r.metrics.RecordGenerationEnd(false)
		if ctx.Err() != nil {
			return fullText, nil, ctx.Err()
		}
		return fullText, nil, ErrIncompleteStream
	}

	r.generation = time.Since(genStart)
	r.metrics.RecordGenerationEnd(true)
	r.logger.Info().
		Int("chars", len(fullText)).
		Int("phrases", len(phrases)).
		Dur("duration", r.generation).
		Msg("Generation complete")
	return fullText, phrases, nil
}

// synthesize turns the queued phrases into audio events in flush order.
// It owns the stream and the gate slot and always releases both.
func (r *run) synthesize(ctx context.Context, stream *AudioStream, phrases []string, fullText string, voice tts.VoiceParams) {
	defer r.o.gate.Release()

	stats := Stats{
		FullText:       fullText,
		Phrases:        len(phrases),
		GenerationTime: r.generation,
	}
	r.metrics.RecordPhrases(len(phrases))
	r.metrics.RecordSynthesisStart()
	synthStart := time.Now()

	var firstAudio time.Time
	finish := func(err error) {
		stats.SynthesisTime = time.Since(synthStart)
		stats.TotalTime = time.Since(r.started)
		stats.AudioDuration = audio.PCMDuration(int(stats.AudioBytes), audio.SampleRate, audio.BitsPerSample, audio.Channels)
		if stats.TotalTime > 0 {
			stats.RealtimeFactor = stats.AudioDuration.Seconds() / stats.TotalTime.Seconds()
		}
		r.metrics.RecordSynthesisEnd(err == nil)
		r.metrics.RecordAudio(stats.AudioBytes, stats.AudioDuration.Seconds())
		r.metrics.Done(err == nil)
		if err == nil {
			r.transition(StateComplete)
		}
		stream.finish(ctx, stats, err)

		ev := r.logger.Info()
		if err != nil {
			ev = r.logger.Warn().Err(err)
		}
		ev.Str("voice", voice.Voice).
			Int("phrases", stats.Phrases).
			Int64("audio_bytes", stats.AudioBytes).
			Dur("audio_duration", stats.AudioDuration).
			Dur("ttfa", stats.TimeToFirstAudio).
			Dur("total", stats.TotalTime).
			Float64("rtf", stats.RealtimeFactor).
			Msg("Request finished")
	}

	for i, p := range phrases {
		if strings.TrimSpace(p) == "" {
			r.logger.Error().Int("phrase", i).Msg("Empty phrase reached synthesis")
			r.metrics.RecordError("empty_phrase", "pipeline")
			finish(ErrEmptyPhrase)
			return
		}
		if err := stream.emit(ctx, Event{Kind: EventPhrase, PhraseIndex: i, Phrase: p}); err != nil {
			finish(err)
			return
		}

		chunks, err := r.o.speech.Synthesize(ctx, p, voice)
		if err != nil {
			r.metrics.RecordError(errorType(err), "tts")
			finish(err)
			return
		}
		for c := range chunks {
			if c.Err != nil {
				r.metrics.RecordError(errorType(c.Err), "tts")
				finish(c.Err)
				return
			}
			if len(c.Data) == 0 {
				continue
			}
			if firstAudio.IsZero() {
				firstAudio = time.Now()
				stats.TimeToFirstAudio = firstAudio.Sub(r.started)
				r.metrics.RecordFirstAudio(stats.TimeToFirstAudio)
			}
			stats.AudioBytes += int64(len(c.Data))
			if err := stream.emit(ctx, Event{Kind: EventAudio, PhraseIndex: i, Data: c.Data}); err != nil {
				finish(err)
				return
			}
		}
	}
	finish(nil)
}

// errorType maps an error to its metrics label
func errorType(err error) string {
	var synthErr *tts.SynthesisError
	switch {
	case errors.Is(err, llm.ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &synthErr):
		return "synthesis"
	default:
		return "backend"
	}
}
