package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/moltbot/service/task"
)

type fakeRunner struct {
	mu      sync.Mutex
	started []string
	hold    chan struct{}
	sched   *Scheduler
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{hold: make(chan struct{})}
}

func (f *fakeRunner) Run(ctx context.Context, t *task.Task) {
	f.mu.Lock()
	f.started = append(f.started, t.ID)
	f.mu.Unlock()
	select {
	case <-f.hold:
	case <-ctx.Done():
	}
	f.sched.MarkCompleted(t.ID, "ok")
}

func (f *fakeRunner) startedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func newTestScheduler(maxConcurrent int) (*Scheduler, *fakeRunner) {
	runner := newFakeRunner()
	s := New(maxConcurrent, runner, func(string, *task.Task) {})
	runner.sched = s
	return s, runner
}

func mustSubmit(t *testing.T, s *Scheduler, id string, pri task.Priority) *task.Task {
	tk := &task.Task{ID: id, Prompt: "hi", Priority: pri}
	require.NoError(t, s.Submit(tk))
	return tk
}

func TestSubmitRejectsInvalidPriority(t *testing.T) {
	s, _ := newTestScheduler(1)
	err := s.Submit(&task.Task{ID: "x", Prompt: "hi", Priority: task.Priority(2)})
	assert.ErrorIs(t, err, task.ErrIllegalArgument)
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	s, _ := newTestScheduler(1)
	err := s.Submit(&task.Task{ID: "x", Priority: task.PriorityNormal})
	assert.ErrorIs(t, err, task.ErrIllegalArgument)
}

func TestAdmissionRespectsPriorityThenFIFO(t *testing.T) {
	s, runner := newTestScheduler(1)
	close(runner.hold) // tasks complete immediately once started

	// All three are pending before the admission loop starts.
	mustSubmit(t, s, "low1", task.PriorityLow)
	mustSubmit(t, s, "high1", task.PriorityHigh)
	mustSubmit(t, s, "high2", task.PriorityHigh)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(runner.startedOrder()) == 3
	}, time.Second, 5*time.Millisecond)

	order := runner.startedOrder()
	assert.Equal(t, []string{"high1", "high2", "low1"}, order)
}

func TestConcurrencyCapIsRespected(t *testing.T) {
	s, runner := newTestScheduler(2)
	s.Start()
	defer s.Stop()

	mustSubmit(t, s, "a", task.PriorityNormal)
	mustSubmit(t, s, "b", task.PriorityNormal)
	mustSubmit(t, s, "c", task.PriorityNormal)

	require.Eventually(t, func() bool {
		return len(runner.startedOrder()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, len(runner.startedOrder()))

	close(runner.hold)
	require.Eventually(t, func() bool {
		return len(runner.startedOrder()) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestCancelPendingTaskNeverRuns(t *testing.T) {
	s, runner := newTestScheduler(1)
	tk := mustSubmit(t, s, "p1", task.PriorityNormal)
	require.NoError(t, s.Cancel(tk.ID))

	got, ok := s.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, task.StateCancelled, got.State)

	close(runner.hold)
	s.Start()
	defer s.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, runner.startedOrder())
}

func TestCancelRunningTaskCancelsContext(t *testing.T) {
	s, runner := newTestScheduler(1)
	s.Start()
	defer s.Stop()

	tk := mustSubmit(t, s, "r1", task.PriorityNormal)
	require.Eventually(t, func() bool {
		return len(runner.startedOrder()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(tk.ID))
	got, ok := s.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, task.StateCancelled, got.State)
}

func TestCancelRunningTaskFreesConcurrencySlot(t *testing.T) {
	s, runner := newTestScheduler(1)
	s.Start()
	defer s.Stop()

	first := mustSubmit(t, s, "r1", task.PriorityNormal)
	require.Eventually(t, func() bool {
		return len(runner.startedOrder()) == 1
	}, time.Second, 5*time.Millisecond)

	second := mustSubmit(t, s, "r2", task.PriorityNormal)
	require.NoError(t, s.Cancel(first.ID))

	require.Eventually(t, func() bool {
		return len(runner.startedOrder()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"r1", "r2"}, runner.startedOrder())

	got, ok := s.Get(second.ID)
	require.True(t, ok)
	assert.Equal(t, task.StateRunning, got.State)
}

func TestSubmitRejectsOnceQueueIsFull(t *testing.T) {
	runner := newFakeRunner()
	s := NewBounded(1, 2, runner, func(string, *task.Task) {})
	runner.sched = s

	mustSubmit(t, s, "a", task.PriorityNormal)
	mustSubmit(t, s, "b", task.PriorityNormal)

	err := s.Submit(&task.Task{ID: "c", Prompt: "hi", Priority: task.PriorityNormal})
	assert.ErrorIs(t, err, task.ErrQueueFull)
}

func TestMarkCompletedSuppressedAfterCancel(t *testing.T) {
	s, _ := newTestScheduler(1)
	tk := mustSubmit(t, s, "x", task.PriorityNormal)
	require.NoError(t, s.Cancel(tk.ID))

	s.MarkCompleted(tk.ID, "late result")
	got, _ := s.Get(tk.ID)
	assert.Equal(t, task.StateCancelled, got.State)
	assert.Empty(t, got.Result)
}
