// Package task runs long computations on their own goroutines with progress
// reporting and cooperative cancellation.
//
// Cancellation is advisory. A task body observes it through its context or
// Progress.Cancelled and decides where to stop; nothing is preempted.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrAlreadyStarted is returned by Start for a task that has already
	// run or is running.
	ErrAlreadyStarted = errors.New("task: already started")
	// ErrCancelled is returned by Start for a task cancelled before it ran.
	ErrCancelled = errors.New("task: cancelled before start")
	// ErrShutdown is returned by Start after the executor shut down.
	ErrShutdown = errors.New("task: executor is shut down")
)

// State is a task's lifecycle stage.
type State string

const (
	StateCreated   State = "created"
	StateStarted   State = "started"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Done reports whether s is terminal.
func (s State) Done() bool { return s == StateCompleted || s == StateCancelled }

// Func is a task body. It should check ctx (or p.Cancelled) between units
// of work and return promptly once cancelled.
type Func func(ctx context.Context, p *Progress) error

// ProgressObserver is called with each progress increase, on the goroutine
// that reported it. Calls are serialized and their values strictly increase.
type ProgressObserver func(t *Task, progress float64)

// CompletionHandler is called once after the task reaches a terminal state.
type CompletionHandler func(t *Task)

// Option configures a Task.
type Option func(*Task)

// WithProgressObserver registers fn for progress updates.
func WithProgressObserver(fn ProgressObserver) Option {
	return func(t *Task) { t.observer = fn }
}

// WithCompletionHandler registers fn to run after completion.
func WithCompletionHandler(fn CompletionHandler) Option {
	return func(t *Task) { t.onComplete = fn }
}

// Task is a handle on one background computation. It runs at most once.
type Task struct {
	id         string
	name       string
	fn         Func
	exec       *Executor
	observer   ProgressObserver
	onComplete CompletionHandler

	// notifyMu orders observer calls; notified is the last value passed on.
	notifyMu sync.Mutex
	notified float64

	mu         sync.Mutex
	changed    *sync.Cond
	state      State
	progress   float64
	err        error
	cancelled  bool
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc

	done chan struct{}
}

// Snapshot is a point-in-time copy of a task's public state.
type Snapshot struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      State      `json:"state"`
	Progress   float64    `json:"progress"`
	Cancelled  bool       `json:"cancelled"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Name() string { return t.name }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns the last reported progress in [0, 1].
func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Err returns the error a completed task failed with. It is nil for
// successful and cancelled tasks.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// IsCancelled reports whether Cancel was called.
func (t *Task) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Cancel requests cancellation. A running body sees its context cancelled;
// a task that has not started moves straight to Cancelled.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.cancelled || t.state.Done() {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	cancel := t.cancel
	notStarted := t.state == StateCreated
	if notStarted {
		t.state = StateCancelled
		t.finishedAt = t.exec.clock.Now()
	}
	t.mu.Unlock()
	t.changed.Broadcast()

	if cancel != nil {
		cancel()
	}
	if notStarted {
		close(t.done)
		t.exec.finish(t, StateCancelled, nil)
	}
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// WaitUntilCompletion blocks until the task is Completed or Cancelled.
func (t *Task) WaitUntilCompletion() { <-t.done }

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForChange blocks until the task's progress or state differs from
// the caller's last-seen snapshot, or ctx is done, and returns the current
// snapshot.
func (t *Task) WaitForChange(ctx context.Context, last Snapshot) Snapshot {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Taking the lock orders this wakeup after the waiter's check.
			t.mu.Lock()
			t.mu.Unlock() //nolint:staticcheck
			t.changed.Broadcast()
		case <-stop:
		}
	}()

	t.mu.Lock()
	for t.state == last.State && t.progress == last.Progress && ctx.Err() == nil {
		t.changed.Wait()
	}
	t.mu.Unlock()
	close(stop)
	return t.Snapshot()
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:        t.id,
		Name:      t.name,
		State:     t.state,
		Progress:  t.progress,
		Cancelled: t.cancelled,
		CreatedAt: t.createdAt,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	if !t.startedAt.IsZero() {
		st := t.startedAt
		s.StartedAt = &st
	}
	if !t.finishedAt.IsZero() {
		ft := t.finishedAt
		s.FinishedAt = &ft
	}
	return s
}

func (t *Task) String() string {
	return fmt.Sprintf("task %s (%s)", t.name, t.id)
}

// Progress is the body's handle for reporting completion fraction.
type Progress struct {
	t   *Task
	ctx context.Context
}

// Report records v, clamped to [0, 1]. Values below the current progress
// are ignored so progress never moves backwards.
func (p *Progress) Report(v float64) {
	if v != v {
		return
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	t := p.t
	t.mu.Lock()
	if v <= t.progress || t.state.Done() {
		t.mu.Unlock()
		return
	}
	t.progress = v
	t.mu.Unlock()
	t.changed.Broadcast()

	if t.observer == nil {
		return
	}
	// Reporters may race past each other between the two locks; drop any
	// value that arrives after a larger one was already observed.
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if v <= t.notified {
		return
	}
	t.notified = v
	t.observer(t, v)
}

// Value returns the current progress.
func (p *Progress) Value() float64 { return p.t.Progress() }

// Cancelled reports whether the task was asked to stop.
func (p *Progress) Cancelled() bool { return p.ctx.Err() != nil || p.t.IsCancelled() }
