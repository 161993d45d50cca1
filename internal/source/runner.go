package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/assessd/crewrelay/internal/event"
	"github.com/assessd/crewrelay/internal/history"
	"github.com/assessd/crewrelay/internal/idgen"
	"github.com/assessd/crewrelay/internal/relay"
)

// Spec describes a crew run to start.
type Spec struct {
	ProjectID      string         `json:"project_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Step is one execution step reported by a crew runtime. The runner turns
// it into a persisted, published interaction event; identity, sequence, and
// timestamp are the runner's to assign, never the caller's.
type Step struct {
	Type      event.Type             `json:"type"`
	Status    event.Status           `json:"status"`
	ParentID  string                 `json:"parent_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Agent     *event.AgentDetail     `json:"agent,omitempty"`
	Tool      *event.ToolDetail      `json:"tool,omitempty"`
	Reasoning *event.ReasoningDetail `json:"reasoning,omitempty"`
	Failure   *event.FailureDetail   `json:"failure,omitempty"`
}

// EmitFunc reports one step of the bound run.
type EmitFunc func(Step) (event.Event, error)

// Executor is the external crew runtime. Execute blocks until the run is
// done, reporting intermediate steps through emit; returning an error fails
// the run. A nil Executor on Start leaves the run open to be fed remotely
// through Emit/Complete/Fail.
type Executor interface {
	Execute(ctx context.Context, run history.Run, emit EmitFunc) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, run history.Run, emit EmitFunc) error

func (f ExecutorFunc) Execute(ctx context.Context, run history.Run, emit EmitFunc) error {
	return f(ctx, run, emit)
}

var ErrRunNotActive = errors.New("run is not active")

// StatusTransitionError reports an attempt to move a run out of order, e.g.
// completing a run that already failed.
type StatusTransitionError struct {
	TaskID string
	From   event.Status
	To     event.Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid run status transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error { return ErrRunNotActive }

type activeRun struct {
	run    history.Run
	cancel context.CancelFunc

	// emitMu serializes emission for this run from sequence allocation
	// through the relay publish, so per-task publish order always equals
	// sequence order even under concurrent ingest.
	emitMu   sync.Mutex
	sequence int64
	lastTS   time.Time

	status    event.Status
	finishing bool
}

// Runner is the event source adapter: it owns run lifecycle, allocates the
// per-task monotonic sequence, persists every event to the history store,
// and publishes it through the relay. It is the only component allowed to
// mint interaction events.
type Runner struct {
	store *history.Store
	relay *relay.Relay
	log   *slog.Logger

	nowFn   func() time.Time
	newIDFn func() string

	mu     sync.Mutex
	active map[string]*activeRun
}

func NewRunner(store *history.Store, r *relay.Relay, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:   store,
		relay:   r,
		log:     log,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
		active:  map[string]*activeRun{},
	}
}

// Start creates and announces a run and emits its crew_start event. With a
// non-nil executor the run executes on its own goroutine, detached from the
// caller's context; with nil it stays running until Complete, Fail, or
// Cancel is called (the remote-runtime path).
func (r *Runner) Start(ctx context.Context, spec Spec, exec Executor) (history.Run, error) {
	if strings.TrimSpace(spec.ProjectID) == "" {
		return history.Run{}, fmt.Errorf("project_id is required")
	}

	now := r.nowFn()
	run := history.Run{
		ID:             r.newIDFn(),
		ProjectID:      spec.ProjectID,
		ConversationID: spec.ConversationID,
		Status:         event.StatusRunning,
		Metadata:       spec.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return history.Run{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.active[run.ID] = &activeRun{run: run, cancel: cancel, status: event.StatusRunning}
	r.mu.Unlock()

	r.relay.AnnounceTask(run.ProjectID, run.ID)

	if _, err := r.Emit(ctx, run.ID, Step{Type: event.TypeCrewStart, Status: event.StatusRunning}); err != nil {
		r.log.Warn("emit crew_start", "task_id", run.ID, "error", err)
	}

	if exec != nil {
		go r.execute(runCtx, run, exec)
	}
	return run, nil
}

func (r *Runner) execute(ctx context.Context, run history.Run, exec Executor) {
	emit := func(step Step) (event.Event, error) {
		return r.Emit(ctx, run.ID, step)
	}
	err := exec.Execute(ctx, run, emit)
	switch {
	case err == nil:
		if cerr := r.Complete(context.Background(), run.ID); cerr != nil && !errors.Is(cerr, ErrRunNotActive) {
			r.log.Error("complete run", "task_id", run.ID, "error", cerr)
		}
	case ctx.Err() != nil:
		// Cancel already recorded the terminal state.
	default:
		if ferr := r.Fail(context.Background(), run.ID, err.Error()); ferr != nil && !errors.Is(ferr, ErrRunNotActive) {
			r.log.Error("fail run", "task_id", run.ID, "error", ferr)
		}
	}
}

// Emit records one step of an active run: sequence and timestamp are
// assigned monotonically per task, the event is validated, appended to the
// history store, and published. The store is the source of truth for
// reconciliation, so a persist failure fails the emit and nothing reaches
// the stream; the caller retries the step. Emission is serialized per run,
// so subscribers always see a task's events in sequence order.
func (r *Runner) Emit(ctx context.Context, taskID string, step Step) (event.Event, error) {
	return r.emit(ctx, taskID, step, false)
}

func (r *Runner) emit(ctx context.Context, taskID string, step Step, terminal bool) (event.Event, error) {
	r.mu.Lock()
	ar, ok := r.active[taskID]
	r.mu.Unlock()
	if !ok {
		return event.Event{}, fmt.Errorf("emit for %s: %w", taskID, ErrRunNotActive)
	}

	ar.emitMu.Lock()
	defer ar.emitMu.Unlock()

	r.mu.Lock()
	if ar.status != event.StatusRunning || (ar.finishing && !terminal) {
		r.mu.Unlock()
		return event.Event{}, fmt.Errorf("emit for %s: %w", taskID, ErrRunNotActive)
	}
	prevTS := ar.lastTS
	ar.sequence++
	ts := r.nowFn()
	if !ts.After(ar.lastTS) {
		ts = ar.lastTS.Add(time.Microsecond)
	}
	ar.lastTS = ts
	e := event.Event{
		ID:             ulid.Make().String(),
		ProjectID:      ar.run.ProjectID,
		TaskID:         taskID,
		ConversationID: ar.run.ConversationID,
		ParentID:       step.ParentID,
		Sequence:       ar.sequence,
		Type:           step.Type,
		Status:         step.Status,
		Timestamp:      ts,
		Message:        step.Message,
		Agent:          step.Agent,
		Tool:           step.Tool,
		Reasoning:      step.Reasoning,
		Failure:        step.Failure,
	}
	r.mu.Unlock()

	// Nothing has been persisted or published yet, and emitMu is held, so a
	// failed step hands its sequence back instead of leaving a gap.
	unwind := func() {
		r.mu.Lock()
		ar.sequence--
		ar.lastTS = prevTS
		r.mu.Unlock()
	}

	if err := event.Validate(e); err != nil {
		unwind()
		return event.Event{}, err
	}
	if e.ParentID != "" {
		parent, err := r.store.Get(ctx, e.ParentID)
		if err != nil {
			unwind()
			return event.Event{}, fmt.Errorf("resolve parent: %w", err)
		}
		if err := event.CheckParent(e, parent); err != nil {
			unwind()
			return event.Event{}, err
		}
	}

	if err := r.store.Append(ctx, e); err != nil {
		unwind()
		return event.Event{}, fmt.Errorf("append interaction %s seq %d: %w", taskID, e.Sequence, err)
	}
	r.relay.Publish(e)
	return e, nil
}

// Complete ends a run successfully with a crew_complete event.
func (r *Runner) Complete(ctx context.Context, taskID string) error {
	return r.finish(ctx, taskID, event.StatusCompleted, "", Step{
		Type:   event.TypeCrewComplete,
		Status: event.StatusCompleted,
	})
}

// Fail ends a run with an error event carrying the failure message. An
// upstream task failure is a normal event on the stream, not a transport
// error.
func (r *Runner) Fail(ctx context.Context, taskID, errMsg string) error {
	if errMsg == "" {
		errMsg = "run failed"
	}
	return r.finish(ctx, taskID, event.StatusFailed, errMsg, Step{
		Type:    event.TypeError,
		Status:  event.StatusFailed,
		Failure: &event.FailureDetail{ErrorMessage: errMsg},
	})
}

// Cancel stops a running executor and records the cancelled terminal state.
func (r *Runner) Cancel(ctx context.Context, taskID, reason string) error {
	return r.finish(ctx, taskID, event.StatusCancelled, reason, Step{
		Type:    event.TypeCrewComplete,
		Status:  event.StatusCancelled,
		Message: reason,
	})
}

func (r *Runner) finish(ctx context.Context, taskID string, to event.Status, errMsg string, terminal Step) error {
	r.mu.Lock()
	ar, ok := r.active[taskID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("finish %s: %w", taskID, ErrRunNotActive)
	}
	if ar.status != event.StatusRunning || ar.finishing {
		from := ar.status
		r.mu.Unlock()
		return &StatusTransitionError{TaskID: taskID, From: from, To: to}
	}
	ar.finishing = true
	r.mu.Unlock()

	// Terminal event goes out while the run still counts as active.
	if _, err := r.emit(ctx, taskID, terminal, true); err != nil {
		r.log.Warn("emit terminal event", "task_id", taskID, "error", err)
	}

	r.mu.Lock()
	ar.status = to
	ar.cancel()
	delete(r.active, taskID)
	r.mu.Unlock()

	storeErr := ""
	if to == event.StatusFailed {
		storeErr = errMsg
	}
	if err := r.store.UpdateRunStatus(ctx, taskID, to, storeErr); err != nil {
		return err
	}
	return nil
}

// ActiveCount returns how many runs are currently executing.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) GetRun(ctx context.Context, id string) (history.Run, error) {
	return r.store.GetRun(ctx, id)
}

func (r *Runner) ListRuns(ctx context.Context, f history.RunFilter) ([]history.Run, error) {
	return r.store.ListRuns(ctx, f)
}
