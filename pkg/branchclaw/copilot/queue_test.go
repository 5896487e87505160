package copilot

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) process(_ context.Context, msg QueuedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, msg.Content)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestMessageQueue_IdleProcessesDirectly(t *testing.T) {
	t.Parallel()
	q := NewMessageQueue(nil)
	rec := &recorder{}
	q.SetProcessor(rec.process)

	q.Enqueue(context.Background(), NewQueuedMessage(QueuedUser, "hello", nil))

	if diff := cmp.Diff([]string{"hello"}, rec.got()); diff != "" {
		t.Errorf("processed mismatch (-want +got):\n%s", diff)
	}
	if q.Busy() || q.Len() != 0 {
		t.Errorf("after direct processing: busy=%v len=%d, want idle and empty", q.Busy(), q.Len())
	}
}

func TestMessageQueue_UserPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []QueuedMessage
		want  []string
	}{
		{
			name: "users outrank subagent results",
			input: []QueuedMessage{
				NewQueuedMessage(QueuedUser, "U1", nil),
				NewQueuedMessage(QueuedUser, "U2", nil),
				NewQueuedMessage(QueuedSubagentResult, "S1", nil),
				NewQueuedMessage(QueuedUser, "U3", nil),
			},
			want: []string{"U1", "U2", "U3", "S1"},
		},
		{
			name: "user jumps ahead of background entries",
			input: []QueuedMessage{
				NewQueuedMessage(QueuedSubagentResult, "S1", nil),
				NewQueuedMessage(QueuedSystem, "Y1", nil),
				NewQueuedMessage(QueuedUser, "U1", nil),
				NewQueuedMessage(QueuedSubagentResult, "S2", nil),
			},
			want: []string{"U1", "S1", "Y1", "S2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := NewMessageQueue(nil)
			rec := &recorder{}
			q.SetProcessor(rec.process)
			ctx := context.Background()

			q.OnGenerationStart()
			for _, m := range tt.input {
				q.Enqueue(ctx, m)
			}
			if len(rec.got()) != 0 {
				t.Fatalf("processed while busy: %v", rec.got())
			}
			q.OnGenerationComplete(ctx)

			if diff := cmp.Diff(tt.want, rec.got()); diff != "" {
				t.Errorf("drain order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessageQueue_EnqueueDuringProcessing(t *testing.T) {
	t.Parallel()
	q := NewMessageQueue(nil)
	ctx := context.Background()
	var order []string

	q.SetProcessor(func(ctx context.Context, msg QueuedMessage) error {
		order = append(order, msg.Content)
		if msg.Content == "first" {
			// Arrives while "first" holds the slot.
			q.Enqueue(ctx, NewQueuedMessage(QueuedSubagentResult, "result", nil))
			q.Enqueue(ctx, NewQueuedMessage(QueuedUser, "second", nil))
		}
		return nil
	})

	q.Enqueue(ctx, NewQueuedMessage(QueuedUser, "first", nil))

	if diff := cmp.Diff([]string{"first", "second", "result"}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageQueue_NoProcessorDrops(t *testing.T) {
	t.Parallel()
	q := NewMessageQueue(nil)
	ctx := context.Background()

	q.Enqueue(ctx, NewQueuedMessage(QueuedUser, "lost", nil))
	q.OnGenerationStart()
	q.Enqueue(ctx, NewQueuedMessage(QueuedUser, "also lost", nil))
	q.OnGenerationComplete(ctx)

	if q.Len() != 0 || q.Busy() {
		t.Errorf("len=%d busy=%v, want messages dropped and queue idle", q.Len(), q.Busy())
	}
}

func TestMessageQueue_TryStart(t *testing.T) {
	t.Parallel()
	q := NewMessageQueue(nil)
	if !q.TryStart() {
		t.Fatal("TryStart on idle queue = false")
	}
	if q.TryStart() {
		t.Error("TryStart on busy queue = true")
	}
	q.OnGenerationComplete(context.Background())
	if q.Busy() {
		t.Error("queue still busy after completion")
	}
}
