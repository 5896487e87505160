// Package copilot – llm_anthropic.go streams messages from the Anthropic
// Messages API through the official SDK.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient adapts the Anthropic SDK to LanguageModelClient.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a client from config.
func NewAnthropicClient(cfg *Config, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.API.APIKey)}
	if cfg.API.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.API.BaseURL))
	}
	opts = append(opts, option.WithMaxRetries(cfg.API.MaxRetries))

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "llm", "provider", "anthropic"),
	}
}

// toAnthropicMessages converts the conversation shape. Consecutive messages
// with the same role are merged since the API requires alternation.
func toAnthropicMessages(msgs []conversation.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	push := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			var results []anthropic.ContentBlockParamUnion
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, wireToolName(tc.Name)))
				isErr := tc.Aborted || tc.Result == nil || !tc.Result.Success
				results = append(results, anthropic.NewToolResultBlock(tc.ID, toolCallOutput(tc), isErr))
			}
			push(anthropic.MessageParamRoleAssistant, blocks...)
			push(anthropic.MessageParamRoleUser, results...)
		case conversation.RoleTool:
			push(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case conversation.RoleSystem:
			// System text is carried separately; inline system notes become user text.
			if m.Content != "" {
				push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock("[system] "+m.Content))
			}
		default:
			if m.Content != "" {
				push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
			}
		}
	}
	return out
}

func toAnthropicTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		tool := anthropic.ToolParam{
			Name:        wireToolName(t.Name),
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

// Stream implements LanguageModelClient.
func (c *AnthropicClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	msgs := toAnthropicMessages(req.Messages)
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: c.maxTokens,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	c.logger.Debug("sending streaming message", "model", model, "messages", len(msgs), "tools", len(req.Tools))

	ch := make(chan StreamEvent, 16)
	go c.readStream(ctx, params, ch)
	return ch, nil
}

func (c *AnthropicClient) readStream(ctx context.Context, params anthropic.MessageNewParams, ch chan<- StreamEvent) {
	defer close(ch)

	start := time.Now()
	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	type partialCall struct {
		id, name string
		args     strings.Builder
	}
	calls := make(map[int64]*partialCall)
	var usage Usage
	stopReason := ""

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			usage.InputTokens = int(event.Message.Usage.InputTokens)
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				calls[event.Index] = &partialCall{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" && !sendEvent(ctx, ch, StreamEvent{TextDelta: event.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if event.Delta.Thinking != "" && !sendEvent(ctx, ch, StreamEvent{ReasoningDelta: event.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if acc, ok := calls[event.Index]; ok {
					acc.args.WriteString(event.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				stopReason = string(event.Delta.StopReason)
			}
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(event.Usage.OutputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		sendEvent(context.Background(), ch, StreamEvent{Err: fmt.Errorf("anthropic stream: %w", err)})
		return
	}
	if ctx.Err() != nil {
		sendEvent(context.Background(), ch, StreamEvent{Err: ctx.Err()})
		return
	}

	indices := make([]int64, 0, len(calls))
	for i := range calls {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	for _, i := range indices {
		acc := calls[i]
		req := &ToolCallRequest{ID: acc.id, Name: logicalToolName(acc.name)}
		req.Args, req.ArgsError = decodeToolArgs(acc.args.String())
		if !sendEvent(ctx, ch, StreamEvent{ToolCall: req}) {
			return
		}
	}

	c.logger.Info("streaming message done",
		"model", string(params.Model),
		"duration_ms", time.Since(start).Milliseconds(),
		"stop_reason", stopReason,
		"tool_calls", len(indices),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	sendEvent(ctx, ch, StreamEvent{Done: true, StopReason: stopReason, Usage: &usage})
}
