// Package copilot – llm.go defines the language model client capability used
// by the agent loop: given a context and tool schemas it yields a stream of
// text, reasoning and tool-call events.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// CompletionRequest is one model round trip.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []conversation.Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature *float64
}

// ToolCallRequest is a fully assembled tool call from the model.
type ToolCallRequest struct {
	ID   string
	Name string // logical "area.operation"
	Args map[string]any

	// ArgsError is set when the streamed argument JSON could not be decoded.
	ArgsError string
}

// Usage reports token accounting for one round trip.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is one item of a model stream. Exactly one of the payload
// fields is set; the last event of a successful stream has Done set.
type StreamEvent struct {
	TextDelta      string
	ReasoningDelta string
	ToolCall       *ToolCallRequest
	Done           bool
	StopReason     string
	Usage          *Usage
	Err            error
}

// LanguageModelClient streams a completion. The returned channel is closed
// after a Done or Err event. Cancelling ctx stops the stream.
type LanguageModelClient interface {
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

// apiError is a non-2xx response from a provider.
type apiError struct {
	statusCode int
	body       string
	provider   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.provider, e.statusCode, truncate(e.body, 200))
}

// isRetryable reports whether a request can be retried before any output
// has been streamed.
func isRetryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.statusCode == 429 || ae.statusCode >= 500
	}
	return false
}

// NewLanguageModelClient builds the client selected by cfg.API.Provider.
func NewLanguageModelClient(cfg *Config, logger *slog.Logger) (LanguageModelClient, error) {
	switch strings.ToLower(cfg.API.Provider) {
	case "anthropic":
		return NewAnthropicClient(cfg, logger), nil
	case "", "openai", "openrouter", "ollama", "custom":
		return NewOpenAIClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.API.Provider)
	}
}

// retryDelay is the backoff before attempt n (1-based).
func retryDelay(n int) time.Duration {
	d := time.Duration(1<<uint(n-1)) * 500 * time.Millisecond
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}

// sendEvent delivers ev unless ctx is done.
func sendEvent(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// truncate shortens s to at most n bytes plus an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return cutUTF8(s, n) + "..."
}

// cutUTF8 returns the longest prefix of s within n bytes that does not split
// a multi-byte character.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// errStreamTruncated reports a model stream that ended without its
// completion marker.
var errStreamTruncated = errors.New("model stream ended before completion")
