package pipeline

import (
	"context"
	"time"
)

// EventKind discriminates the events emitted on an AudioStream.
type EventKind int

const (
	// EventPhrase announces that a phrase is entering synthesis.
	EventPhrase EventKind = iota
	// EventAudio carries a slice of PCM bytes in playback order.
	EventAudio
	// EventError reports the terminal failure of the stream.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPhrase:
		return "phrase"
	case EventAudio:
		return "audio"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one element of a chat audio stream. Phrase events carry the
// text about to be synthesized, audio events carry PCM bytes, and an
// error event, always the last element, carries the failure that
// truncated the stream.
type Event struct {
	Kind        EventKind
	PhraseIndex int
	Phrase      string
	Data        []byte
	Err         error
}

// Stats summarizes a completed request. It is valid only after the
// event channel has been closed.
type Stats struct {
	FullText         string
	Phrases          int
	AudioBytes       int64
	AudioDuration    time.Duration
	GenerationTime   time.Duration
	SynthesisTime    time.Duration
	TimeToFirstAudio time.Duration
	TotalTime        time.Duration
	RealtimeFactor   float64
}

// AudioStream is the ordered output of one request: a WAV header
// followed by phrase and audio events. The channel returned by Events
// is closed once the stream completes or fails; Err and Stats report
// the outcome after that.
type AudioStream struct {
	header []byte
	events chan Event
	done   chan struct{}
	stats  Stats
	err    error
}

func newAudioStream(header []byte) *AudioStream {
	return &AudioStream{
		header: header,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Header returns the WAV header that precedes the audio events. Its
// declared data size is zero because the stream length is unknown
// until generation completes.
func (s *AudioStream) Header() []byte {
	return s.header
}

// Events returns the stream's event channel. It is closed after the
// final event.
func (s *AudioStream) Events() <-chan Event {
	return s.events
}

// Err blocks until the stream has finished and returns the error that
// terminated it, or nil on clean completion.
func (s *AudioStream) Err() error {
	<-s.done
	return s.err
}

// Stats blocks until the stream has finished and returns its summary.
func (s *AudioStream) Stats() Stats {
	<-s.done
	return s.stats
}

// emit delivers an event, giving up when ctx is done so a vanished
// consumer cannot wedge the producer.
func (s *AudioStream) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish records the outcome and closes the stream. It must be called
// exactly once. A non-nil err is delivered as the final event when the
// consumer is still listening.
func (s *AudioStream) finish(ctx context.Context, stats Stats, err error) {
	if err != nil {
		select {
		case s.events <- Event{Kind: EventError, Err: err}:
		case <-ctx.Done():
		}
	}
	s.stats = stats
	s.err = err
	close(s.events)
	close(s.done)
}
