// Package scheduler admits submitted tasks under a bounded concurrency cap,
// respecting priority order and FIFO order within a priority level.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/moltbot/moltbot/service/observability"
	"github.com/moltbot/moltbot/service/task"
)

// Runner starts execution of an admitted task. It is called in its own
// goroutine with a context the scheduler cancels if the task is cancelled
// while running. Run must eventually call the Scheduler's MarkCompleted or
// MarkFailed once the task reaches a terminal state.
type Runner interface {
	Run(ctx context.Context, t *task.Task)
}

// EmitFunc is invoked for lifecycle events, outside of any scheduler lock.
type EmitFunc func(event string, t *task.Task)

const (
	EventSubmit = "on_submit"
	EventStart  = "on_start"
	EventCancel = "on_cancel"
)

// Scheduler admits tasks, bounds global concurrency, and is the sole owner
// of the Pending<->Running and ->Cancelled transitions.
type Scheduler struct {
	mu            sync.Mutex
	tasks         map[string]*entry
	queue         *taskQueue
	maxConcurrent int
	maxQueued     int
	running       int
	nextSeq       uint64
	signal        chan struct{}

	runner Runner
	emit   EmitFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

type entry struct {
	t      *task.Task
	cancel context.CancelFunc
}

// New builds a Scheduler with the given global concurrency bound. The queue
// of Pending tasks is unbounded; use NewBounded to cap it.
func New(maxConcurrent int, runner Runner, emit EmitFunc) *Scheduler {
	return NewBounded(maxConcurrent, 0, runner, emit)
}

// NewBounded is New with an additional cap on the number of Pending tasks
// that may sit in the queue at once. A maxQueued of 0 means unbounded.
// Submit returns task.ErrQueueFull once that many tasks are waiting.
func NewBounded(maxConcurrent, maxQueued int, runner Runner, emit EmitFunc) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		tasks:         make(map[string]*entry),
		queue:         newTaskQueue(),
		maxConcurrent: maxConcurrent,
		maxQueued:     maxQueued,
		signal:        make(chan struct{}, 1),
		runner:        runner,
		emit:          emit,
		stopCh:        make(chan struct{}),
	}
}

// Submit validates and enqueues a task, assigning its ID's FIFO sequence
// and initial Pending state. The on_submit event fires after the task is
// queued, outside the scheduler's lock.
func (s *Scheduler) Submit(t *task.Task) error {
	if !t.Priority.Valid() {
		return errors.Wrap(task.ErrIllegalArgument, "invalid priority")
	}
	if t.Prompt == "" {
		return errors.Wrap(task.ErrIllegalArgument, "prompt required")
	}

	s.mu.Lock()
	if s.maxQueued > 0 && s.queue.Len() >= s.maxQueued {
		s.mu.Unlock()
		return errors.Wrap(task.ErrQueueFull, "queue at capacity")
	}
	t.State = task.StatePending
	t.SubmitTime = time.Now()
	s.nextSeq++
	t.SetSequence(s.nextSeq)
	s.tasks[t.ID] = &entry{t: t}
	s.mu.Unlock()

	s.queue.Push(t)
	observability.TasksSubmitted.WithLabelValues(t.Priority.String()).Inc()
	observability.QueueDepth.WithLabelValues(t.Priority.String()).Inc()
	s.wake()
	s.emit(EventSubmit, t)
	return nil
}

// Cancel transitions a task to Cancelled if it is Pending (removed from the
// queue before ever running) or Running (its context is cancelled; the
// Runner is responsible for observing ctx.Done and stopping promptly). It
// returns task.ErrNotFound for an unknown task and task.ErrIllegalArgument
// for an already-terminal one, changing nothing in either case.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return task.ErrNotFound
	}
	switch e.t.State {
	case task.StatePending:
		s.queue.Remove(id)
		e.t.State = task.StateCancelled
		e.t.EndTime = time.Now()
		observability.QueueDepth.WithLabelValues(e.t.Priority.String()).Dec()
		observability.TasksCompleted.WithLabelValues(string(task.StateCancelled)).Inc()
	case task.StateRunning:
		e.t.State = task.StateCancelled
		e.t.EndTime = time.Now()
		observability.TasksCompleted.WithLabelValues(string(task.StateCancelled)).Inc()
		cancel := e.cancel
		s.finishLocked()
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.emit(EventCancel, e.t)
		return nil
	default:
		s.mu.Unlock()
		return errors.Wrap(task.ErrIllegalArgument, "task already terminal")
	}
	s.mu.Unlock()
	s.emit(EventCancel, e.t)
	return nil
}

// Get returns the task with the given ID.
func (s *Scheduler) Get(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *e.t
	return &cp, true
}

// List returns every tracked task.
func (s *Scheduler) List() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		cp := *e.t
		out = append(out, &cp)
	}
	return out
}

// MarkCompleted records a successful terminal result. It is a no-op if the
// task was concurrently cancelled, per the cancellation-suppression
// resolution: a late success must not overwrite a Cancelled state.
func (s *Scheduler) MarkCompleted(id, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok || e.t.State == task.StateCancelled {
		return
	}
	e.t.State = task.StateCompleted
	e.t.Result = result
	e.t.EndTime = time.Now()
	observability.TasksCompleted.WithLabelValues(string(task.StateCompleted)).Inc()
	observability.TaskDuration.Observe(e.t.EndTime.Sub(e.t.StartTime).Seconds())
	s.finishLocked()
}

// MarkFailed is MarkCompleted's failure-path counterpart.
func (s *Scheduler) MarkFailed(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok || e.t.State == task.StateCancelled {
		return
	}
	e.t.State = task.StateFailed
	e.t.Err = err
	e.t.EndTime = time.Now()
	observability.TasksCompleted.WithLabelValues(string(task.StateFailed)).Inc()
	observability.TaskDuration.Observe(e.t.EndTime.Sub(e.t.StartTime).Seconds())
	s.finishLocked()
}

// finishLocked releases the task's concurrency slot. Caller holds s.mu.
func (s *Scheduler) finishLocked() {
	s.running--
	s.wake()
}

// Metrics is a point-in-time count of tasks by state.
type Metrics struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m Metrics
	for _, e := range s.tasks {
		switch e.t.State {
		case task.StatePending:
			m.Pending++
		case task.StateRunning:
			m.Running++
		case task.StateCompleted:
			m.Completed++
		case task.StateFailed:
			m.Failed++
		case task.StateCancelled:
			m.Cancelled++
		}
	}
	return m
}

// wake signals the admission loop without blocking if it is already
// pending a wakeup.
func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Start runs the admission loop in a new goroutine until Stop is called.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop halts the admission loop. Already-running tasks are unaffected.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.signal:
			s.admitReady()
		}
	}
}

// admitReady pops and starts as many pending tasks as available
// concurrency slots allow, highest priority and earliest submission first.
func (s *Scheduler) admitReady() {
	for {
		s.mu.Lock()
		if s.running >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		t := s.queue.Pop()
		if t == nil {
			s.mu.Unlock()
			return
		}
		e, ok := s.tasks[t.ID]
		if !ok || e.t.State != task.StatePending {
			// cancelled between enqueue and pop; already handled by Cancel.
			s.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.t.State = task.StateRunning
		e.t.StartTime = time.Now()
		s.running++
		observability.QueueDepth.WithLabelValues(e.t.Priority.String()).Dec()
		s.mu.Unlock()

		s.emit(EventStart, e.t)
		go s.runner.Run(ctx, e.t)
	}
}
