package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/depthkit/internal/monitoring"
	"github.com/banshee-data/depthkit/internal/timeutil"
)

// History persists finished tasks. RecordTask is called once per task
// after it reaches a terminal state.
type History interface {
	RecordTask(ctx context.Context, s Snapshot) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClock sets the clock used for task timestamps.
func WithClock(c timeutil.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// WithMetrics records task transitions.
func WithMetrics(m *monitoring.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithHistory persists finished tasks to h.
func WithHistory(h History) ExecutorOption {
	return func(e *Executor) { e.history = h }
}

// WithRetention bounds the number of finished tasks kept for listing.
func WithRetention(n int) ExecutorOption {
	return func(e *Executor) { e.retain = n }
}

// Executor creates and runs tasks.
type Executor struct {
	clock   timeutil.Clock
	metrics *monitoring.Metrics
	history History
	retain  int

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		clock:  timeutil.RealClock{},
		retain: 100,
		tasks:  make(map[string]*Task),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewTask creates a task in the Created state. It does not run until Start.
func (e *Executor) NewTask(name string, fn Func, opts ...Option) *Task {
	t := &Task{
		id:        uuid.NewString(),
		name:      name,
		fn:        fn,
		exec:      e,
		state:     StateCreated,
		createdAt: e.clock.Now(),
		done:      make(chan struct{}),
	}
	t.changed = sync.NewCond(&t.mu)
	for _, o := range opts {
		o(t)
	}

	e.mu.Lock()
	e.tasks[t.id] = t
	e.pruneLocked()
	e.mu.Unlock()
	e.metrics.TaskTransition(string(StateCreated))
	return t
}

// Start runs t on a new goroutine.
func (e *Executor) Start(t *Task) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShutdown
	}
	t.mu.Lock()
	switch {
	case t.state == StateCancelled:
		t.mu.Unlock()
		e.mu.Unlock()
		return fmt.Errorf("start %s: %w", t, ErrCancelled)
	case t.state != StateCreated:
		t.mu.Unlock()
		e.mu.Unlock()
		return fmt.Errorf("start %s: %w", t, ErrAlreadyStarted)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.state = StateStarted
	t.startedAt = e.clock.Now()
	t.mu.Unlock()
	e.wg.Add(1)
	e.mu.Unlock()

	t.changed.Broadcast()
	e.metrics.TaskTransition(string(StateStarted))
	monitoring.Debugf("[Task] started %s", t)

	go e.run(ctx, t)
	return nil
}

// Run is NewTask followed by Start.
func (e *Executor) Run(name string, fn Func, opts ...Option) (*Task, error) {
	t := e.NewTask(name, fn, opts...)
	if err := e.Start(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Executor) run(ctx context.Context, t *Task) {
	defer e.wg.Done()

	err := e.invoke(ctx, t)

	t.mu.Lock()
	t.cancel()
	t.finishedAt = e.clock.Now()
	switch {
	case err == nil:
		t.state = StateCompleted
		t.progress = 1
	case t.cancelled:
		t.state = StateCancelled
	default:
		t.state = StateCompleted
		t.err = err
	}
	state := t.state
	t.mu.Unlock()
	t.changed.Broadcast()
	close(t.done)

	e.finish(t, state, err)
}

// finish reports a task that reached a terminal state, whether it ran or
// was cancelled before starting.
func (e *Executor) finish(t *Task, state State, err error) {
	e.metrics.TaskTransition(string(state))
	if err != nil && state == StateCompleted {
		monitoring.Logf("[Task] %s failed: %v", t, err)
	} else {
		monitoring.Debugf("[Task] %s %s", t, state)
	}

	if e.history != nil {
		if herr := e.history.RecordTask(context.Background(), t.Snapshot()); herr != nil {
			monitoring.Logf("[Task] failed to record %s: %v", t, herr)
		}
	}
	if t.onComplete != nil {
		t.onComplete(t)
	}
}

func (e *Executor) invoke(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.fn(ctx, &Progress{t: t, ctx: ctx})
}

// Get returns the task with the given ID.
func (e *Executor) Get(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// List returns snapshots of known tasks, newest first.
func (e *Executor) List() []Snapshot {
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Shutdown cancels every task and waits for running ones to return, or for
// ctx to be done. No task can be started afterwards.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}

// pruneLocked drops the oldest finished tasks beyond the retention bound.
func (e *Executor) pruneLocked() {
	if e.retain <= 0 || len(e.tasks) <= e.retain {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	var finished []aged
	for id, t := range e.tasks {
		t.mu.Lock()
		if t.state.Done() {
			finished = append(finished, aged{id, t.finishedAt})
		}
		t.mu.Unlock()
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })
	for _, f := range finished {
		if len(e.tasks) <= e.retain {
			break
		}
		delete(e.tasks, f.id)
	}
}
