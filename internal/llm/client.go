package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/devasphn/orpheus-chat/internal/observability"
)

const defaultTokenTimeout = 30 * time.Second

// Config holds settings for the completion backend connection
type Config struct {
	// Base URL of an OpenAI-compatible API (vLLM serves this dialect),
	// e.g. http://localhost:8000/v1
	BaseURL string
	APIKey  string
	Model   string
	// TokenTimeout bounds the wait for each next delta
	TokenTimeout time.Duration
}

// Client streams chat completions from an OpenAI-compatible backend
type Client struct {
	api          *openai.Client
	model        string
	tokenTimeout time.Duration
}

// NewClient creates a completion client for the configured backend
func NewClient(cfg Config) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.TokenTimeout
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}

	return &Client{
		api:          openai.NewClientWithConfig(apiCfg),
		model:        cfg.Model,
		tokenTimeout: timeout,
	}
}

// Generate opens a streaming completion for the conversation and returns
// a channel of deltas. The channel is closed after the done marker or a
// failure; a stalled stream fails with ErrGenerationTimeout.
func (c *Client) Generate(ctx context.Context, turns []Turn, params Params) (<-chan TokenDelta, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toMessages(turns),
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stop:        params.Stop,
		Stream:      true,
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm: create completion stream: %w", err)
	}

	out := make(chan TokenDelta, 32)
	go c.pump(ctx, stream, out)
	return out, nil
}

// pump forwards stream deltas to out, enforcing the per-delta timeout.
// Recv has no deadline of its own, so it runs on a helper goroutine and
// the select below arbitrates between its results, the timer, and
// cancellation.
func (c *Client) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- TokenDelta) {
	defer close(out)
	defer stream.Close()

	logger := observability.GetLogger()

	type recvResult struct {
		resp openai.ChatCompletionStreamResponse
		err  error
	}
	recvCh := make(chan recvResult)
	go func() {
		defer close(recvCh)
		for {
			resp, err := stream.Recv()
			select {
			case recvCh <- recvResult{resp: resp, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(c.tokenTimeout)
	defer timer.Stop()

	var cum strings.Builder
	for {
		select {
		case <-ctx.Done():
			select {
			case out <- TokenDelta{Cumulative: cum.String(), Done: true, Err: ctx.Err()}:
			default:
			}
			return

		case <-timer.C:
			logger.Error().
				Dur("wait", c.tokenTimeout).
				Int("received_chars", cum.Len()).
				Msg("Token stream stalled, aborting generation")
			out <- TokenDelta{Cumulative: cum.String(), Done: true, Err: ErrGenerationTimeout}
			return

		case r, ok := <-recvCh:
			if !ok {
				return
			}
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					out <- TokenDelta{Cumulative: cum.String(), Done: true}
				} else {
					out <- TokenDelta{
						Cumulative: cum.String(),
						Done:       true,
						Err:        fmt.Errorf("llm: stream receive: %w", r.err),
					}
				}
				return
			}

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.tokenTimeout)

			if len(r.resp.Choices) == 0 {
				continue
			}
			text := r.resp.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			cum.WriteString(text)

			select {
			case out <- TokenDelta{Text: text, Cumulative: cum.String()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HealthCheck verifies the backend answers its models listing
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if _, err := c.api.ListModels(ctx); err != nil {
		return false, fmt.Errorf("llm backend unreachable: %w", err)
	}
	return true, nil
}

func toMessages(turns []Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    backendRole(t.Role),
			Content: t.Content,
		})
	}
	return msgs
}

// backendRole maps conversation roles onto the API's role vocabulary.
// Unknown roles degrade to user rather than failing the request.
func backendRole(r Role) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
