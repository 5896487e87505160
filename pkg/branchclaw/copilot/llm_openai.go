// Package copilot – llm_openai.go streams chat completions from any
// OpenAI-compatible endpoint (OpenAI, OpenRouter, Ollama, vLLM) over SSE.
package copilot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// OpenAIClient talks to an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client from config.
func NewOpenAIClient(cfg *Config, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.API.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.API.MaxRetries,
		httpClient: &http.Client{
			// No global timeout: streams may run for minutes; ctx bounds each call.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", "openai"),
	}
}

// ---------- Wire Types ----------

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type oaiRequest struct {
	Model         string       `json:"model"`
	Messages      []oaiMessage `json:"messages"`
	Tools         []oaiTool    `json:"tools,omitempty"`
	Stream        bool         `json:"stream"`
	MaxTokens     int          `json:"max_tokens,omitempty"`
	Temperature   *float64     `json:"temperature,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// toOpenAIMessages flattens the conversation shape into chat messages. An
// assistant message with tool calls becomes the assistant turn followed by
// one tool message per call.
func toOpenAIMessages(system string, msgs []conversation.Message) []oaiMessage {
	out := make([]oaiMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, oaiMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleTool:
			out = append(out, oaiMessage{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID})
		case conversation.RoleAssistant:
			am := oaiMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				var call oaiToolCall
				call.ID = tc.ID
				call.Type = "function"
				call.Function.Name = wireToolName(tc.Name)
				call.Function.Arguments = string(args)
				am.ToolCalls = append(am.ToolCalls, call)
			}
			out = append(out, am)
			for _, tc := range m.ToolCalls {
				out = append(out, oaiMessage{Role: "tool", Content: toolCallOutput(tc), ToolCallID: tc.ID})
			}
		default:
			out = append(out, oaiMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}

// toolCallOutput is what the model sees for a recorded call.
func toolCallOutput(tc conversation.ToolCall) string {
	if tc.Aborted {
		return "Error: tool call aborted by cancellation"
	}
	return formatToolOutput(tc.Result)
}

// Stream implements LanguageModelClient.
func (c *OpenAIClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body := oaiRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.System, req.Messages),
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = c.maxTokens
	}
	body.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}
	for _, t := range req.Tools {
		var tool oaiTool
		tool.Type = "function"
		tool.Function.Name = wireToolName(t.Name)
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, tool)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.send(ctx, payload, model, len(req.Messages), len(req.Tools))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 16)
	go c.readStream(ctx, resp, model, ch)
	return ch, nil
}

// send posts the request, retrying transient failures before any output.
func (c *OpenAIClient) send(ctx context.Context, payload []byte, model string, nMsgs, nTools int) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			c.logger.Warn("retrying chat completion", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		c.logger.Debug("sending streaming chat completion", "model", model, "messages", nMsgs, "tools", nTools)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("API request failed: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastErr = &apiError{statusCode: resp.StatusCode, body: string(data), provider: "OpenAI-compatible"}
		if !isRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *OpenAIClient) readStream(ctx context.Context, resp *http.Response, model string, ch chan<- StreamEvent) {
	defer close(ch)
	defer resp.Body.Close()

	start := time.Now()
	type partialCall struct {
		id, name string
		args     strings.Builder
	}
	calls := make(map[int]*partialCall)
	finish := ""
	sawDone := false
	var usage *Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("failed to parse SSE chunk, skipping", "payload", truncate(data, 100), "error", err)
			continue
		}
		if chunk.Usage != nil {
			usage = &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.ReasoningContent != "" {
				if !sendEvent(ctx, ch, StreamEvent{ReasoningDelta: choice.Delta.ReasoningContent}) {
					return
				}
			}
			if choice.Delta.Content != "" {
				if !sendEvent(ctx, ch, StreamEvent{TextDelta: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := calls[tc.Index]
				if !ok {
					acc = &partialCall{}
					calls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finish = *choice.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		sendEvent(ctx, ch, StreamEvent{Err: fmt.Errorf("reading stream: %w", err)})
		return
	}
	if ctx.Err() != nil {
		sendEvent(context.Background(), ch, StreamEvent{Err: ctx.Err()})
		return
	}
	// A body that ends without [DONE] or a finish_reason was cut off.
	if !sawDone && finish == "" {
		c.logger.Warn("stream ended before completion", "model", model, "duration_ms", time.Since(start).Milliseconds())
		sendEvent(ctx, ch, StreamEvent{Err: errStreamTruncated})
		return
	}

	indices := make([]int, 0, len(calls))
	for i := range calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		acc := calls[i]
		if acc.id == "" && acc.name == "" {
			continue
		}
		req := &ToolCallRequest{ID: acc.id, Name: logicalToolName(acc.name)}
		req.Args, req.ArgsError = decodeToolArgs(acc.args.String())
		if !sendEvent(ctx, ch, StreamEvent{ToolCall: req}) {
			return
		}
	}

	c.logger.Info("streaming chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"finish_reason", finish,
		"tool_calls", len(indices),
	)
	sendEvent(ctx, ch, StreamEvent{Done: true, StopReason: finish, Usage: usage})
}

// decodeToolArgs parses streamed argument JSON. Empty input is an empty
// object; malformed input is reported rather than dropped.
func decodeToolArgs(raw string) (map[string]any, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}, fmt.Sprintf("malformed tool arguments: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, ""
}
