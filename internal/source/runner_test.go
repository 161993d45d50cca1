package source_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/assessd/crewrelay/internal/event"
	"github.com/assessd/crewrelay/internal/history"
	"github.com/assessd/crewrelay/internal/relay"
	"github.com/assessd/crewrelay/internal/source"
	"github.com/assessd/crewrelay/internal/testutil"
)

func newRunner(t *testing.T) (*source.Runner, *history.Store, *relay.Relay) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	store := history.NewStore(db)
	r := relay.New(nil)
	t.Cleanup(r.Close)
	runner := source.NewRunner(store, r, nil)
	return runner, store, r
}

func waitForRunStatus(t *testing.T, store *history.Store, runID string, want event.Status) history.Run {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		run, err := store.GetRun(context.Background(), runID)
		if err == nil && run.Status == want {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for run %s to reach %s (last: %+v, err: %v)", runID, want, run, err)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestScriptedRunProducesOrderedHistory(t *testing.T) {
	runner, store, _ := newRunner(t)

	exec := source.ExecutorFunc(func(ctx context.Context, run history.Run, emit source.EmitFunc) error {
		steps := []source.Step{
			{Type: event.TypeAgentStart, Status: event.StatusRunning, Agent: &event.AgentDetail{Name: "infra-analyst", Role: "analysis"}},
			{Type: event.TypeToolCall, Status: event.StatusRunning, Tool: &event.ToolDetail{Name: "doc_search", Input: "vpn topology"}},
			{Type: event.TypeToolResponse, Status: event.StatusCompleted, Tool: &event.ToolDetail{Name: "doc_search", Output: "2 documents"}},
			{Type: event.TypeAgentComplete, Status: event.StatusCompleted, Agent: &event.AgentDetail{Name: "infra-analyst", TokensUsed: 1200}},
		}
		for _, step := range steps {
			if _, err := emit(step); err != nil {
				return err
			}
		}
		return nil
	})

	run, err := runner.Start(context.Background(), source.Spec{ProjectID: "proj-1"}, exec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForRunStatus(t, store, run.ID, event.StatusCompleted)

	items, err := store.List(context.Background(), history.Filter{TaskID: run.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	wantTypes := []event.Type{
		event.TypeCrewStart, event.TypeAgentStart, event.TypeToolCall,
		event.TypeToolResponse, event.TypeAgentComplete, event.TypeCrewComplete,
	}
	if len(items) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantTypes), len(items), items)
	}
	for i, e := range items {
		if e.Type != wantTypes[i] {
			t.Fatalf("position %d: expected %s, got %s", i, wantTypes[i], e.Type)
		}
		if e.Sequence != int64(i+1) {
			t.Fatalf("position %d: expected sequence %d, got %d", i, i+1, e.Sequence)
		}
		if i > 0 && !items[i].Timestamp.After(items[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing at position %d", i)
		}
	}
}

func TestRemoteRunFlowsThroughRelay(t *testing.T) {
	runner, _, rly := newRunner(t)

	ctx := context.Background()
	run, err := runner.Start(ctx, source.Spec{ProjectID: "proj-1"}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ch := rly.Attach("conn-1", "proj-1", 16)
	rly.Subscribe("conn-1", run.ID)

	if _, err := runner.Emit(ctx, run.ID, source.Step{
		Type: event.TypeReasoningStep, Status: event.StatusRunning,
		Reasoning: &event.ReasoningDetail{Text: "assessing workloads"},
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := runner.Complete(ctx, run.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	deadline := time.After(2 * time.Second)
	var got []event.Type
	for len(got) < 2 {
		select {
		case msg := <-ch:
			if msg.Event != nil {
				got = append(got, msg.Event.Type)
			}
		case <-deadline:
			t.Fatalf("timeout; got %v", got)
		}
	}
	if got[0] != event.TypeReasoningStep || got[1] != event.TypeCrewComplete {
		t.Fatalf("unexpected relay order: %v", got)
	}

	if _, err := runner.Emit(ctx, run.ID, source.Step{Type: event.TypeReasoningStep, Status: event.StatusRunning, Reasoning: &event.ReasoningDetail{Text: "late"}}); !errors.Is(err, source.ErrRunNotActive) {
		t.Fatalf("expected ErrRunNotActive after completion, got %v", err)
	}
}

func TestCancelStopsExecutor(t *testing.T) {
	runner, store, _ := newRunner(t)

	started := make(chan string, 1)
	exec := source.ExecutorFunc(func(ctx context.Context, run history.Run, emit source.EmitFunc) error {
		started <- run.ID
		<-ctx.Done()
		return ctx.Err()
	})

	run, err := runner.Start(context.Background(), source.Spec{ProjectID: "proj-1"}, exec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("executor never started")
	}

	if err := runner.Cancel(context.Background(), run.ID, "operator stop"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForRunStatus(t, store, run.ID, event.StatusCancelled)

	items, err := store.List(context.Background(), history.Filter{TaskID: run.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	last := items[len(items)-1]
	if last.Type != event.TypeCrewComplete || last.Status != event.StatusCancelled {
		t.Fatalf("expected cancelled terminal event, got %+v", last)
	}
}

func TestFailingExecutorEmitsErrorEvent(t *testing.T) {
	runner, store, _ := newRunner(t)

	exec := source.ExecutorFunc(func(ctx context.Context, run history.Run, emit source.EmitFunc) error {
		return fmt.Errorf("weaviate unreachable")
	})

	run, err := runner.Start(context.Background(), source.Spec{ProjectID: "proj-1"}, exec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := waitForRunStatus(t, store, run.ID, event.StatusFailed)
	if got.Error != "weaviate unreachable" {
		t.Fatalf("expected run error recorded, got %q", got.Error)
	}

	items, err := store.List(context.Background(), history.Filter{TaskID: run.ID, Status: event.StatusFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].Failure == nil || items[0].Failure.ErrorMessage != "weaviate unreachable" {
		t.Fatalf("expected one failed event with message, got %+v", items)
	}
}

func TestDoubleFinishIsRejected(t *testing.T) {
	runner, _, _ := newRunner(t)

	ctx := context.Background()
	run, err := runner.Start(ctx, source.Spec{ProjectID: "proj-1"}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := runner.Complete(ctx, run.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	err = runner.Complete(ctx, run.ID)
	if err == nil {
		t.Fatalf("expected error on double complete")
	}
	if !errors.Is(err, source.ErrRunNotActive) {
		t.Fatalf("expected ErrRunNotActive, got %v", err)
	}
}

func TestEmitValidatesParentReference(t *testing.T) {
	runner, _, _ := newRunner(t)

	ctx := context.Background()
	run, err := runner.Start(ctx, source.Spec{ProjectID: "proj-1"}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	parent, err := runner.Emit(ctx, run.ID, source.Step{
		Type: event.TypeAgentStart, Status: event.StatusRunning,
		Agent: &event.AgentDetail{Name: "planner"},
	})
	if err != nil {
		t.Fatalf("emit parent: %v", err)
	}

	if _, err := runner.Emit(ctx, run.ID, source.Step{
		Type: event.TypeToolCall, Status: event.StatusRunning, ParentID: parent.ID,
		Tool: &event.ToolDetail{Name: "graph_query"},
	}); err != nil {
		t.Fatalf("emit child: %v", err)
	}

	if _, err := runner.Emit(ctx, run.ID, source.Step{
		Type: event.TypeToolCall, Status: event.StatusRunning, ParentID: "no-such-event",
		Tool: &event.ToolDetail{Name: "graph_query"},
	}); err == nil {
		t.Fatalf("expected error for unknown parent")
	}
}

func TestConcurrentEmitsStaySequenced(t *testing.T) {
	runner, _, rly := newRunner(t)

	ctx := context.Background()
	run, err := runner.Start(ctx, source.Spec{ProjectID: "proj-1"}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ch := rly.Attach("conn-1", "proj-1", 512)
	rly.Subscribe("conn-1", run.ID)

	const emitters = 100
	var wg sync.WaitGroup
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := runner.Emit(ctx, run.ID, source.Step{
				Type: event.TypeReasoningStep, Status: event.StatusRunning,
				Reasoning: &event.ReasoningDetail{Text: fmt.Sprintf("thought %d", n)},
			}); err != nil {
				t.Errorf("emit %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	if err := runner.Complete(ctx, run.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	deadline := time.After(5 * time.Second)
	var seqs []int64
	for {
		select {
		case msg := <-ch:
			if msg.Event == nil {
				continue
			}
			seqs = append(seqs, msg.Event.Sequence)
			if msg.Event.Type == event.TypeCrewComplete {
				goto done
			}
		case <-deadline:
			t.Fatalf("timeout; received %d events", len(seqs))
		}
	}
done:
	// crew_start holds sequence 1; the emitted steps and the terminal
	// event must arrive in exactly the order their sequences were
	// allocated, with no gaps.
	if len(seqs) != emitters+1 {
		t.Fatalf("expected %d events, got %d", emitters+1, len(seqs))
	}
	for i, s := range seqs {
		if s != int64(i+2) {
			t.Fatalf("position %d: expected sequence %d, got %d", i, i+2, s)
		}
	}
}

func TestEmitFailsWhenStoreIsDown(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := history.NewStore(db)
	rly := relay.New(nil)
	t.Cleanup(rly.Close)
	runner := source.NewRunner(store, rly, nil)

	ctx := context.Background()
	run, err := runner.Start(ctx, source.Spec{ProjectID: "proj-1"}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ch := rly.Attach("conn-1", "proj-1", 16)
	rly.Subscribe("conn-1", run.ID)

	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	if _, err := runner.Emit(ctx, run.ID, source.Step{
		Type: event.TypeReasoningStep, Status: event.StatusRunning,
		Reasoning: &event.ReasoningDetail{Text: "lost"},
	}); err == nil {
		t.Fatalf("expected emit to fail once the store is gone")
	}

	// Nothing that failed to persist may reach subscribers.
	select {
	case msg := <-ch:
		if msg.Event != nil {
			t.Fatalf("unexpected event delivered: %+v", msg.Event)
		}
	case <-time.After(100 * time.Millisecond):
	}
}
