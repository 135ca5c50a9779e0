package llm

import (
	"context"
	"errors"
)

// Role identifies the speaker of a conversation turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one exchange in a conversation history
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params holds per-request generation settings
type Params struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
	Stop        []string
}

// TokenDelta is one increment of a streamed completion. Text carries the
// new fragment and Cumulative the full text seen so far. The final delta
// has Done set with Cumulative equal to the complete response; a failed
// stream sets Err on its final delta instead.
type TokenDelta struct {
	Text       string
	Cumulative string
	Done       bool
	Err        error
}

// ErrGenerationTimeout reports a stalled completion stream: no delta
// arrived within the configured wait window. A stuck generation means
// the engine is in a bad state, so the request is aborted rather than
// retried.
var ErrGenerationTimeout = errors.New("llm: generation timed out waiting for next token")

// TokenStreamer produces a streamed completion for a conversation.
// The returned channel delivers deltas in emission order and is closed
// after the final one.
type TokenStreamer interface {
	Generate(ctx context.Context, turns []Turn, params Params) (<-chan TokenDelta, error)
}
