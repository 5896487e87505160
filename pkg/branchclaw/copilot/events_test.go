package copilot

import (
	"testing"
)

func TestEventBus_SequenceAndUnsubscribe(t *testing.T) {
	t.Parallel()
	eb := NewEventBus()

	var all []Event
	unsub := eb.Subscribe(func(e Event) { all = append(all, e) })

	var onlyA []Event
	eb.SubscribeConversation("a", func(e Event) { onlyA = append(onlyA, e) })

	eb.EmitMessage(EventMessageCreated, "a", "", nil)
	eb.EmitMessage(EventMessageUpdated, "a", "", nil)
	eb.EmitBranch(EventBranchCreated, "b", "br1", nil)

	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].Seq != 1 || all[1].Seq != 2 || all[2].Seq != 1 {
		t.Errorf("seqs = %d,%d,%d, want 1,2,1 (per conversation)", all[0].Seq, all[1].Seq, all[2].Seq)
	}
	if len(onlyA) != 2 {
		t.Errorf("conversation subscriber got %d events, want 2", len(onlyA))
	}
	if all[2].BranchID != "br1" || all[0].Timestamp.IsZero() {
		t.Errorf("event fields not populated: %+v", all[2])
	}

	unsub()
	eb.EmitTool(EventToolStarted, "a", "", "c1", "storage.list", nil)
	if len(all) != 3 {
		t.Errorf("unsubscribed listener still called: %d events", len(all))
	}
	if len(onlyA) != 3 {
		t.Errorf("conversation subscriber got %d events, want 3", len(onlyA))
	}
}

func TestEventBus_NilSafe(t *testing.T) {
	t.Parallel()
	var eb *EventBus
	eb.EmitMessage(EventMessageCreated, "a", "", nil)
}
