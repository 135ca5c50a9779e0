package tts

import (
	"context"
	"fmt"
)

// AudioChunk is one synthesis step's output. Chunks for a phrase arrive
// in emission order; a failed stream carries the error on its final
// chunk.
type AudioChunk struct {
	Data  []byte
	Index int
	Err   error
}

// VoiceParams selects the voice and sampling settings for synthesis
type VoiceParams struct {
	Voice             string  `json:"voice"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
	MaxTokens         int     `json:"max_tokens,omitempty"`
}

// Synthesizer turns a phrase of text into an ordered stream of audio
// chunks. The sequence is finite and non-restartable; no state is kept
// across calls, so prosody does not carry over phrase boundaries.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceParams) (<-chan AudioChunk, error)
}

// SynthesisError reports a failed synthesis call. It is fatal to the
// request that triggered it; audio already streamed cannot be retracted.
type SynthesisError struct {
	Voice   string
	Status  int
	Message string
	Cause   error
}

func (e *SynthesisError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tts: synthesis failed (voice %s): %s: %v", e.Voice, e.Message, e.Cause)
	}
	return fmt.Sprintf("tts: synthesis failed (voice %s): %s", e.Voice, e.Message)
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}
