// Package conversation defines the conversation tree: messages on a main line,
// branches hung off committed messages, and the policies that decide what a
// language model sees for a given branch.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageState is the lifecycle state of a message.
type MessageState string

const (
	StateDraft     MessageState = "draft"
	StateStreaming MessageState = "streaming"
	StateComplete  MessageState = "complete"
	StateAborted   MessageState = "aborted"
	StateInvalid   MessageState = "invalid"
)

// Conversation is the root aggregate persisted by a Storage.
type Conversation struct {
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	Messages []Message      `json:"messages"`
	Created  time.Time      `json:"created"`
	Updated  time.Time      `json:"updated"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is one turn in a conversation or in a branch.
type Message struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	State     MessageState `json:"state"`
	ToolCalls []ToolCall   `json:"toolCalls,omitempty"`
	Reasoning string       `json:"reasoning,omitempty"`
	Branches  []Branch     `json:"branches,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// ToolCall is a structured request from the model to run an operation.
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"` // "area.operation"
	Args    map[string]any `json:"args,omitempty"`
	Result  *ToolResult    `json:"result,omitempty"`
	Pending bool           `json:"pending,omitempty"`
	Aborted bool           `json:"aborted,omitempty"`
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Success    bool      `json:"success"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
	Code       string    `json:"code,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// NewID returns a fresh identifier for conversations, messages and branches.
func NewID() string {
	return uuid.New().String()
}

// New creates an empty conversation.
func New(title string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:       NewID(),
		Title:    title,
		Messages: []Message{},
		Created:  now,
		Updated:  now,
		Metadata: map[string]any{},
	}
}

// NewMessage creates a committed message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		State:     StateComplete,
	}
}

// IsCommitted reports whether the message has been fully produced.
func (m *Message) IsCommitted() bool {
	return m.State == StateComplete
}

// PendingToolCalls returns the calls that still have no result.
func (m *Message) PendingToolCalls() []ToolCall {
	var out []ToolCall
	for _, tc := range m.ToolCalls {
		if tc.Result == nil {
			out = append(out, tc)
		}
	}
	return out
}

// MessageIndex returns the index of a main-line message, or -1.
func (c *Conversation) MessageIndex(messageID string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// Message returns a pointer to a main-line message, or nil.
func (c *Conversation) Message(messageID string) *Message {
	if i := c.MessageIndex(messageID); i >= 0 {
		return &c.Messages[i]
	}
	return nil
}

// LastCommittedIndex returns the index of the latest committed main-line
// message, or -1 when nothing has been committed yet.
func (c *Conversation) LastCommittedIndex() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].IsCommitted() {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = cloneMessages(c.Messages)
	out.Metadata = cloneMap(c.Metadata)
	return &out
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// Clone returns a deep copy of the message, including branches.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			out.ToolCalls[i].Args = cloneMap(tc.Args)
			if tc.Result != nil {
				r := *tc.Result
				out.ToolCalls[i].Result = &r
			}
		}
	}
	if m.Branches != nil {
		out.Branches = make([]Branch, len(m.Branches))
		for i, b := range m.Branches {
			out.Branches[i] = b.Clone()
		}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
