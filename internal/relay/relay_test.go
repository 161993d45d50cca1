package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/assessd/crewrelay/internal/event"
)

func testEvent(taskID string, seq int64) event.Event {
	return event.Event{
		ID:        fmt.Sprintf("evt-%s-%d", taskID, seq),
		ProjectID: "proj-1",
		TaskID:    taskID,
		Sequence:  seq,
		Type:      event.TypeReasoningStep,
		Status:    event.StatusRunning,
		Timestamp: time.Now().UTC(),
		Reasoning: &event.ReasoningDetail{Text: "thinking"},
	}
}

func collect(t *testing.T, ch <-chan Message, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d messages", len(out), n)
			}
			out = append(out, msg)
		case <-deadline:
			t.Fatalf("timeout after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestPublishDeliversInSequenceOrder(t *testing.T) {
	r := New(nil)
	defer r.Close()

	ch := r.Attach("conn-1", "proj-1", 16)
	r.Subscribe("conn-1", "t1")

	for seq := int64(1); seq <= 5; seq++ {
		r.Publish(testEvent("t1", seq))
	}

	msgs := collect(t, ch, 5)
	for i, msg := range msgs {
		if msg.Event == nil {
			t.Fatalf("message %d is not an event", i)
		}
		if msg.Event.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d at position %d, got %d", i+1, i, msg.Event.Sequence)
		}
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r := New(nil)
	defer r.Close()

	ch := r.Attach("conn-1", "", 16)
	r.Subscribe("conn-1", "t1")
	r.Subscribe("conn-1", "t1")

	r.Publish(testEvent("t1", 1))

	msgs := collect(t, ch, 1)
	if msgs[0].Event.Sequence != 1 {
		t.Fatalf("unexpected event")
	}
	select {
	case extra := <-ch:
		t.Fatalf("duplicate delivery after double subscribe: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeRemovesAllSubscriptions(t *testing.T) {
	r := New(nil)
	defer r.Close()

	ch := r.Attach("conn-1", "", 16)
	for i := 0; i < 4; i++ {
		r.Subscribe("conn-1", fmt.Sprintf("t%d", i))
	}
	if got := len(r.Subscriptions("conn-1")); got != 4 {
		t.Fatalf("expected 4 subscriptions, got %d", got)
	}

	r.Unsubscribe("conn-1")

	for i := 0; i < 4; i++ {
		r.Publish(testEvent(fmt.Sprintf("t%d", i), 1))
	}
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case msg, ok := <-ch:
			if ok {
				t.Fatalf("delivery after unsubscribe: %+v", msg)
			}
			return
		case <-deadline:
			t.Fatalf("expected channel to be closed")
		}
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	r := New(nil)
	defer r.Close()

	ch := r.Attach("conn-1", "", 16)
	r.Subscribe("conn-1", "t1")

	r.Publish(testEvent("t2", 1))

	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery for unsubscribed task: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	if r.SubscriberCount() != 1 {
		t.Fatalf("registry state disturbed by no-op publish")
	}
}

func TestHistoricalModeReceivesNoTraffic(t *testing.T) {
	r := New(nil)
	defer r.Close()

	ch := r.Attach("conn-1", "proj-1", 16)
	r.Subscribe("conn-1", "t1")
	r.SetMode("conn-1", event.ModeHistorical)

	r.Publish(testEvent("t1", 1))
	r.AnnounceTask("proj-1", "t2")

	select {
	case msg := <-ch:
		t.Fatalf("historical connection received traffic: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	r.SetMode("conn-1", event.ModeRealtime)
	r.Publish(testEvent("t1", 2))
	msgs := collect(t, ch, 1)
	if msgs[0].Event.Sequence != 2 {
		t.Fatalf("expected delivery to resume in realtime mode")
	}
}

func TestAnnounceRespectsProjectScope(t *testing.T) {
	r := New(nil)
	defer r.Close()

	scoped := r.Attach("conn-scoped", "proj-1", 16)
	global := r.Attach("conn-global", "", 16)
	other := r.Attach("conn-other", "proj-2", 16)

	r.AnnounceTask("proj-1", "t1")

	if msg := collect(t, scoped, 1)[0]; msg.TaskStarted != "t1" {
		t.Fatalf("scoped connection expected task_started, got %+v", msg)
	}
	if msg := collect(t, global, 1)[0]; msg.TaskStarted != "t1" {
		t.Fatalf("global connection expected task_started, got %+v", msg)
	}
	select {
	case msg := <-other:
		t.Fatalf("other-project connection received announcement: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	r := New(nil)
	defer r.Close()

	// conn-slow gets a 1-slot buffer that is never drained.
	_ = r.Attach("conn-slow", "", 1)
	r.Subscribe("conn-slow", "t1")
	fast := r.Attach("conn-fast", "", 16)
	r.Subscribe("conn-fast", "t1")

	for seq := int64(1); seq <= 5; seq++ {
		r.Publish(testEvent("t1", seq))
	}

	msgs := collect(t, fast, 5)
	if msgs[4].Event.Sequence != 5 {
		t.Fatalf("fast subscriber missed deliveries")
	}
}

func TestCloseShutsDownChannels(t *testing.T) {
	r := New(nil)
	ch := r.Attach("conn-1", "", 16)
	r.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel after relay close")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after relay close")
	}

	// Post-close operations must not panic or hang.
	r.Publish(testEvent("t1", 1))
	r.Unsubscribe("conn-1")
	if r.SubscriberCount() != 0 {
		t.Fatalf("expected zero subscribers after close")
	}
}

func TestCloseConcurrently(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close()
		}()
	}
	wg.Wait()
	// And once more after everyone is done.
	r.Close()
}
