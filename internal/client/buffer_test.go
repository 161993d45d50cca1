package client

import (
	"fmt"
	"testing"

	"github.com/assessd/crewrelay/internal/event"
)

func bufEvent(i int) event.Event {
	return event.Event{
		ID:        fmt.Sprintf("evt-%d", i),
		ProjectID: "proj-1",
		TaskID:    "task-1",
		Sequence:  int64(i),
		Type:      event.TypeReasoningStep,
		Status:    event.StatusRunning,
		Reasoning: &event.ReasoningDetail{Text: fmt.Sprintf("step %d", i)},
	}
}

func TestBufferNewestFirst(t *testing.T) {
	b := NewBuffer(10)
	for i := 1; i <= 3; i++ {
		b.PushFront(bufEvent(i))
	}
	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 items, got %d", len(snap))
	}
	for i, want := range []string{"evt-3", "evt-2", "evt-1"} {
		if snap[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, snap[i].ID)
		}
	}
}

func TestBufferEvictsOldestAtCap(t *testing.T) {
	b := NewBuffer(5)
	for i := 1; i <= 8; i++ {
		b.PushFront(bufEvent(i))
	}
	if b.Len() != 5 {
		t.Fatalf("expected len 5, got %d", b.Len())
	}
	snap := b.Snapshot()
	if snap[0].ID != "evt-8" {
		t.Fatalf("newest should survive, got %s", snap[0].ID)
	}
	if snap[4].ID != "evt-4" {
		t.Fatalf("expected evt-4 as oldest kept, got %s", snap[4].ID)
	}
}

func TestBufferDefaultCap(t *testing.T) {
	b := NewBuffer(0)
	for i := 1; i <= DefaultBufferCap+50; i++ {
		b.PushFront(bufEvent(i))
	}
	if b.Len() != DefaultBufferCap {
		t.Fatalf("expected cap %d, got %d", DefaultBufferCap, b.Len())
	}
}

func TestBufferReplaceKeepsOrderAndTruncates(t *testing.T) {
	b := NewBuffer(3)
	b.PushFront(bufEvent(99))

	items := []event.Event{bufEvent(1), bufEvent(2), bufEvent(3), bufEvent(4)}
	b.Replace(items)

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected truncation to 3, got %d", len(snap))
	}
	if snap[0].ID != "evt-1" || snap[2].ID != "evt-3" {
		t.Fatalf("replace must preserve given order: %s .. %s", snap[0].ID, snap[2].ID)
	}
}

func TestBufferClear(t *testing.T) {
	b := NewBuffer(10)
	b.PushFront(bufEvent(1))
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d", b.Len())
	}
}

func TestBufferSnapshotIsCopy(t *testing.T) {
	b := NewBuffer(10)
	b.PushFront(bufEvent(1))
	snap := b.Snapshot()
	snap[0].ID = "mutated"
	if b.Snapshot()[0].ID != "evt-1" {
		t.Fatalf("snapshot must not alias internal storage")
	}
}
