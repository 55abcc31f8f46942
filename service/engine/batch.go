package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/moltbot/moltbot/service/task"
)

// Result pairs a task with the outcome of ExecuteBatch running it.
type Result struct {
	Task *task.Task
	Text string
	Err  error
}

// ExecuteBatch runs each task's full retry algorithm directly, gating how
// many run at once with a local semaphore. concurrency below 1 is coerced
// to 1. This gates when a task's goroutine is allowed to start; it is not
// an admission control and has no bearing on a Scheduler's own concurrency
// cap when tasks are also submitted there.
func (e *Engine) ExecuteBatch(ctx context.Context, tasks []*task.Task, concurrency int) []Result {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]Result, len(tasks))

	var wg sync.WaitGroup
	for i, t := range tasks {
		i, t := i, t
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{Task: t, Err: err}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			text, err := e.Execute(ctx, t)
			results[i] = Result{Task: t, Text: text, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// Wait blocks until the task reaches a terminal state or the timeout
// elapses, polling the bound Scheduler's task table. This mirrors the
// original service's polling-based wait rather than a purely event-driven
// one; the timeout is waiter-side only and never cancels the task itself.
func (e *Engine) Wait(ctx context.Context, id string, timeout time.Duration) (*task.Task, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 50 * time.Millisecond
	for {
		t, ok := e.sched.Get(id)
		if !ok {
			return nil, task.ErrNotFound
		}
		if t.State.Terminal() {
			return t, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, task.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
