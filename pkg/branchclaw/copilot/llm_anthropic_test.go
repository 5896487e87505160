package copilot

import (
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/go-cmp/cmp"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// describeAnthropic flattens wire messages to role[block, block] strings.
// Tool results read id, an error marker, then their text.
func describeAnthropic(msgs []anthropic.MessageParam) []string {
	var out []string
	for _, m := range msgs {
		var parts []string
		for _, b := range m.Content {
			switch {
			case b.OfText != nil:
				parts = append(parts, "text:"+b.OfText.Text)
			case b.OfToolUse != nil:
				parts = append(parts, "tool_use:"+b.OfToolUse.ID+":"+b.OfToolUse.Name)
			case b.OfToolResult != nil:
				s := "tool_result:" + b.OfToolResult.ToolUseID
				if b.OfToolResult.IsError.Or(false) {
					s += "!"
				}
				for _, c := range b.OfToolResult.Content {
					if c.OfText != nil {
						s += "=" + c.OfText.Text
					}
				}
				parts = append(parts, s)
			default:
				parts = append(parts, "?")
			}
		}
		out = append(out, string(m.Role)+"["+strings.Join(parts, ", ")+"]")
	}
	return out
}

func TestToAnthropicMessages(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msgs []conversation.Message
		want []string
	}{
		{
			name: "tool calls pair with results in the next user turn",
			msgs: []conversation.Message{
				{Role: conversation.RoleUser, Content: "hi"},
				{Role: conversation.RoleAssistant, Content: "checking", ToolCalls: []conversation.ToolCall{
					{ID: "a", Name: "storage.read", Args: map[string]any{"path": "x"}, Result: &conversation.ToolResult{Success: true, Data: "contents"}},
					{ID: "b", Name: "storage.list", Aborted: true},
				}},
				{Role: conversation.RoleUser, Content: "thanks"},
			},
			want: []string{
				"user[text:hi]",
				"assistant[text:checking, tool_use:a:storage__read, tool_use:b:storage__list]",
				"user[tool_result:a=contents, tool_result:b!=Error: tool call aborted by cancellation, text:thanks]",
			},
		},
		{
			name: "failed and pending calls are errors",
			msgs: []conversation.Message{
				{Role: conversation.RoleUser, Content: "go"},
				{Role: conversation.RoleAssistant, ToolCalls: []conversation.ToolCall{
					{ID: "f", Name: "memory.recall", Result: &conversation.ToolResult{Success: false, Error: "boom"}},
					{ID: "p", Name: "memory.recall"},
				}},
			},
			want: []string{
				"user[text:go]",
				"assistant[tool_use:f:memory__recall, tool_use:p:memory__recall]",
				"user[tool_result:f!=Error: boom, tool_result:p!=Error: no result]",
			},
		},
		{
			name: "consecutive same-role turns merge",
			msgs: []conversation.Message{
				{Role: conversation.RoleUser, Content: "one"},
				{Role: conversation.RoleUser, Content: "two"},
				{Role: conversation.RoleAssistant, Content: "a"},
				{Role: conversation.RoleAssistant, Content: "b"},
			},
			want: []string{
				"user[text:one, text:two]",
				"assistant[text:a, text:b]",
			},
		},
		{
			name: "system notes become user text",
			msgs: []conversation.Message{
				{Role: conversation.RoleUser, Content: "count my notes"},
				{Role: conversation.RoleAssistant, Content: "spawned"},
				{Role: conversation.RoleSystem, Content: "sub-agent finished: 3 files"},
				{Role: conversation.RoleAssistant, Content: "You have 3 notes."},
			},
			want: []string{
				"user[text:count my notes]",
				"assistant[text:spawned]",
				"user[text:[system] sub-agent finished: 3 files]",
				"assistant[text:You have 3 notes.]",
			},
		},
		{
			name: "tool role messages are results",
			msgs: []conversation.Message{
				{Role: conversation.RoleTool, ToolCallID: "x", Content: "out"},
			},
			want: []string{"user[tool_result:x=out]"},
		},
		{
			name: "empty messages are dropped",
			msgs: []conversation.Message{
				{Role: conversation.RoleUser},
				{Role: conversation.RoleSystem},
				{Role: conversation.RoleAssistant},
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := describeAnthropic(toAnthropicMessages(tt.msgs))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("messages mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestToAnthropicMessages_NilArgsSendEmptyObject(t *testing.T) {
	t.Parallel()
	out := toAnthropicMessages([]conversation.Message{
		{Role: conversation.RoleUser, Content: "list"},
		{Role: conversation.RoleAssistant, ToolCalls: []conversation.ToolCall{{ID: "a", Name: "storage.list"}}},
	})
	if len(out) < 2 || len(out[1].Content) != 1 || out[1].Content[0].OfToolUse == nil {
		t.Fatalf("messages = %v", describeAnthropic(out))
	}
	input, ok := out[1].Content[0].OfToolUse.Input.(map[string]any)
	if !ok || input == nil || len(input) != 0 {
		t.Errorf("input = %#v, want empty object", out[1].Content[0].OfToolUse.Input)
	}
}
