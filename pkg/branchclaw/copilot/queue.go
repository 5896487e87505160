// Package copilot – queue.go serializes access to "generate the next turn"
// for one conversation. Human input outranks queued sub-agent results; at
// most one message is processed at a time.
package copilot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedType is the source of a queued message.
type QueuedType string

const (
	QueuedUser           QueuedType = "user"
	QueuedSubagentResult QueuedType = "subagent_result"
	QueuedSystem         QueuedType = "system"
)

// QueuedMessage is a unit of work waiting for the generation slot. It lives
// only for the lifetime of the process.
type QueuedMessage struct {
	ID         string         `json:"id"`
	Type       QueuedType     `json:"type"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// NewQueuedMessage stamps a message with an id and enqueue time.
func NewQueuedMessage(t QueuedType, content string, metadata map[string]any) QueuedMessage {
	return QueuedMessage{
		ID:         uuid.New().String()[:8],
		Type:       t,
		Content:    content,
		Metadata:   metadata,
		EnqueuedAt: time.Now(),
	}
}

// MessageProcessor handles one dequeued message to completion.
type MessageProcessor func(ctx context.Context, msg QueuedMessage) error

// MessageQueue is a single-slot busy flag plus an ordered backlog.
type MessageQueue struct {
	mu        sync.Mutex
	busy      bool
	draining  bool
	backlog   []QueuedMessage
	processor MessageProcessor
	logger    *slog.Logger
}

// NewMessageQueue creates an idle queue with no processor.
func NewMessageQueue(logger *slog.Logger) *MessageQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageQueue{logger: logger.With("component", "queue")}
}

// SetProcessor registers the handler that produces turns.
func (q *MessageQueue) SetProcessor(p MessageProcessor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = p
}

// Enqueue hands msg straight to the processor when idle. While a generation
// is running, user messages are placed right after the last queued user
// message and everything else goes to the tail.
func (q *MessageQueue) Enqueue(ctx context.Context, msg QueuedMessage) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.busy || q.draining {
		q.insertLocked(msg)
		depth := len(q.backlog)
		q.mu.Unlock()
		q.logger.Debug("message queued", "id", msg.ID, "type", msg.Type, "depth", depth)
		return
	}
	q.busy = true
	q.mu.Unlock()

	q.process(ctx, msg)
	q.OnGenerationComplete(ctx)
}

func (q *MessageQueue) insertLocked(msg QueuedMessage) {
	if msg.Type != QueuedUser {
		q.backlog = append(q.backlog, msg)
		return
	}
	pos := 0
	for i, m := range q.backlog {
		if m.Type == QueuedUser {
			pos = i + 1
		}
	}
	q.backlog = append(q.backlog, QueuedMessage{})
	copy(q.backlog[pos+1:], q.backlog[pos:])
	q.backlog[pos] = msg
}

// OnGenerationStart marks the generation slot as taken.
func (q *MessageQueue) OnGenerationStart() {
	q.mu.Lock()
	q.busy = true
	q.mu.Unlock()
}

// TryStart takes the generation slot only if it is free. Generations that do
// not come through Enqueue use it so they never overlap a queued turn.
func (q *MessageQueue) TryStart() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.busy || q.draining {
		return false
	}
	q.busy = true
	return true
}

// OnGenerationComplete releases the slot and drains the backlog one item at
// a time, waiting for each to finish before taking the next. Processors run
// inside the slot and must not call it themselves.
func (q *MessageQueue) OnGenerationComplete(ctx context.Context) {
	q.mu.Lock()
	q.busy = false
	if q.draining {
		// An outer drain loop picks up the next item.
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if q.busy || len(q.backlog) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		msg := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.busy = true
		q.mu.Unlock()

		q.process(ctx, msg)

		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
	}
}

func (q *MessageQueue) process(ctx context.Context, msg QueuedMessage) {
	q.mu.Lock()
	p := q.processor
	q.mu.Unlock()

	if p == nil {
		q.logger.Error("no message processor registered, dropping message", "id", msg.ID, "type", msg.Type)
		return
	}
	if err := p(ctx, msg); err != nil {
		q.logger.Warn("message processing failed", "id", msg.ID, "type", msg.Type, "error", err)
	}
}

// Busy reports whether a generation is in progress.
func (q *MessageQueue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy || q.draining
}

// Len returns the backlog depth.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Pending returns a copy of the backlog in drain order.
func (q *MessageQueue) Pending() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.backlog))
	copy(out, q.backlog)
	return out
}
