// Package copilot – events.go implements an in-memory pub/sub event bus for
// conversation lifecycle events consumed by UI renderers.
//
// Event types:
//   - message:created, message:updated
//   - tool:detected, tool:started, tool:completed
//   - branch:created, branch:updated
//   - turn:done, turn:error, subagent:finished
package copilot

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event type names.
const (
	EventMessageCreated   = "message:created"
	EventMessageUpdated   = "message:updated"
	EventToolDetected     = "tool:detected"
	EventToolStarted      = "tool:started"
	EventToolCompleted    = "tool:completed"
	EventBranchCreated    = "branch:created"
	EventBranchUpdated    = "branch:updated"
	EventTurnDone         = "turn:done"
	EventTurnError        = "turn:error"
	EventSubagentFinished = "subagent:finished"
)

// Event is a single notification about a conversation.
type Event struct {
	ConversationID string    `json:"conversation_id"`
	BranchID       string    `json:"branch_id,omitempty"`
	Seq            int64     `json:"seq"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	Data           any       `json:"data,omitempty"`
}

// EventListener receives events.
type EventListener func(event Event)

// EventBus is a thread-safe fan-out hub. Listeners are called synchronously
// during Emit and should hand off slow work to their own goroutines.
type EventBus struct {
	listeners sync.Map // uint64 → EventListener
	nextID    atomic.Uint64
	seqByConv sync.Map // conversationID → *atomic.Int64
}

// NewEventBus creates an event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a listener and returns an unsubscribe function.
func (eb *EventBus) Subscribe(fn EventListener) func() {
	id := eb.nextID.Add(1)
	eb.listeners.Store(id, fn)
	return func() { eb.listeners.Delete(id) }
}

// SubscribeConversation only delivers events for one conversation.
func (eb *EventBus) SubscribeConversation(conversationID string, fn EventListener) func() {
	return eb.Subscribe(func(event Event) {
		if event.ConversationID == conversationID {
			fn(event)
		}
	})
}

// Emit sends event to all listeners, assigning a per-conversation sequence
// number.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	event.Seq = eb.seq(event.ConversationID).Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	eb.listeners.Range(func(_, value any) bool {
		if fn, ok := value.(EventListener); ok {
			fn(event)
		}
		return true
	})
}

// EmitMessage emits message:created or message:updated.
func (eb *EventBus) EmitMessage(eventType, conversationID, branchID string, msg any) {
	eb.Emit(Event{
		ConversationID: conversationID,
		BranchID:       branchID,
		Type:           eventType,
		Data:           msg,
	})
}

// EmitTool emits one of the tool:* events.
func (eb *EventBus) EmitTool(eventType, conversationID, branchID, callID, tool string, payload any) {
	eb.Emit(Event{
		ConversationID: conversationID,
		BranchID:       branchID,
		Type:           eventType,
		Data:           map[string]any{"call_id": callID, "tool": tool, "payload": payload},
	})
}

// EmitBranch emits branch:created or branch:updated.
func (eb *EventBus) EmitBranch(eventType, conversationID, branchID string, data any) {
	eb.Emit(Event{
		ConversationID: conversationID,
		BranchID:       branchID,
		Type:           eventType,
		Data:           data,
	})
}

// Forget drops the sequence counter of a deleted conversation.
func (eb *EventBus) Forget(conversationID string) {
	eb.seqByConv.Delete(conversationID)
}

func (eb *EventBus) seq(conversationID string) *atomic.Int64 {
	if v, ok := eb.seqByConv.Load(conversationID); ok {
		return v.(*atomic.Int64)
	}
	seq := &atomic.Int64{}
	actual, _ := eb.seqByConv.LoadOrStore(conversationID, seq)
	return actual.(*atomic.Int64)
}
