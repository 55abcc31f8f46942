package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/moltbot/service/dispatcher"
	"github.com/moltbot/moltbot/service/provider"
	"github.com/moltbot/moltbot/service/registry"
	"github.com/moltbot/moltbot/service/task"
)

type scriptedAdapter struct {
	calls   int32
	results []struct {
		text string
		err  error
	}
}

func (a *scriptedAdapter) ChatCompletion(ctx context.Context, _ []task.Message, _ task.Params) (string, error) {
	i := atomic.AddInt32(&a.calls, 1) - 1
	r := a.results[int(i)%len(a.results)]
	return r.text, r.err
}

func (a *scriptedAdapter) Embeddings(context.Context, string) ([]float32, error) { return nil, nil }

var registerOnce sync.Once
var currentAdapter *scriptedAdapter
var adapterMu sync.Mutex

func useAdapter(a *scriptedAdapter) {
	registerOnce.Do(func() {
		provider.Register("scripted-test", func(provider.Config) provider.Adapter {
			adapterMu.Lock()
			defer adapterMu.Unlock()
			return currentAdapter
		})
	})
	adapterMu.Lock()
	currentAdapter = a
	adapterMu.Unlock()
}

type fakeScheduler struct {
	mu        sync.Mutex
	completed map[string]string
	failed    map[string]error
	tasks     map[string]*task.Task
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		completed: make(map[string]string),
		failed:    make(map[string]error),
		tasks:     make(map[string]*task.Task),
	}
}

func (f *fakeScheduler) MarkCompleted(id, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = result
	if tk, ok := f.tasks[id]; ok {
		tk.State = task.StateCompleted
	}
}

func (f *fakeScheduler) MarkFailed(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = err
	if tk, ok := f.tasks[id]; ok {
		tk.State = task.StateFailed
	}
}

func (f *fakeScheduler) Get(id string) (*task.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tk, ok := f.tasks[id]
	return tk, ok
}

func (f *fakeScheduler) put(tk *task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[tk.ID] = tk
}

func newTestEngine(t *testing.T, adapter *scriptedAdapter) (*Engine, *fakeScheduler) {
	useAdapter(adapter)
	reg := registry.New(registry.StrategyAvailability)
	reg.Register(registry.Model{Name: "m1", ProviderTag: "scripted-test"})
	disp := dispatcher.New(dispatcher.DefaultConfig(), nil)
	eng := New(Config{SystemPrompt: "sys", RetryTimes: 2, TaskTimeout: 10 * time.Second}, reg, disp)
	sched := newFakeScheduler()
	eng.Bind(sched)
	return eng, sched
}

func TestExecuteSucceedsOnFirstAttempt(t *testing.T) {
	adapter := &scriptedAdapter{results: []struct {
		text string
		err  error
	}{{text: "hello", err: nil}}}
	eng, _ := newTestEngine(t, adapter)

	result, err := eng.Execute(context.Background(), &task.Task{ID: "t1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.calls))
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	adapter := &scriptedAdapter{results: []struct {
		text string
		err  error
	}{
		{err: errors.Wrap(task.ErrUpstreamTransient, "timeout")},
		{text: "recovered", err: nil},
	}}
	eng, _ := newTestEngine(t, adapter)

	tk := &task.Task{ID: "t2", Prompt: "hi", MaxRetries: 2}
	result, err := eng.Execute(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 1, tk.RetryCount)
}

func TestExecuteRetriesPermanentErrorUpToMaxRetries(t *testing.T) {
	adapter := &scriptedAdapter{results: []struct {
		text string
		err  error
	}{{err: errors.Wrap(task.ErrUpstreamPermanent, "bad request")}}}
	eng, _ := newTestEngine(t, adapter)

	tk := &task.Task{ID: "t3", Prompt: "hi", MaxRetries: 2}
	_, err := eng.Execute(context.Background(), tk)
	assert.ErrorIs(t, err, task.ErrUpstreamPermanent)
	assert.Equal(t, int32(3), atomic.LoadInt32(&adapter.calls))
	assert.Equal(t, 2, tk.RetryCount)
}

func TestExecuteStopsAtZeroMaxRetries(t *testing.T) {
	adapter := &scriptedAdapter{results: []struct {
		text string
		err  error
	}{{err: errors.Wrap(task.ErrUpstreamPermanent, "bad request")}}}
	eng, _ := newTestEngine(t, adapter)

	_, err := eng.Execute(context.Background(), &task.Task{ID: "t3b", Prompt: "hi"})
	assert.ErrorIs(t, err, task.ErrUpstreamPermanent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.calls))
}

func TestRunMarksSchedulerTerminalState(t *testing.T) {
	adapter := &scriptedAdapter{results: []struct {
		text string
		err  error
	}{{text: "done", err: nil}}}
	eng, sched := newTestEngine(t, adapter)

	tk := &task.Task{ID: "t4", Prompt: "hi", State: task.StateRunning}
	sched.put(tk)
	eng.Run(context.Background(), tk)

	got, ok := sched.Get("t4")
	require.True(t, ok)
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Equal(t, "done", sched.completed["t4"])
}

func TestRunSuppressesTerminalStateAfterCancellation(t *testing.T) {
	adapter := &scriptedAdapter{results: []struct {
		text string
		err  error
	}{{text: "too late", err: nil}}}
	eng, sched := newTestEngine(t, adapter)

	tk := &task.Task{ID: "t5", Prompt: "hi", State: task.StateCancelled}
	sched.put(tk)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eng.Run(ctx, tk)

	_, completed := sched.completed["t5"]
	_, failed := sched.failed["t5"]
	assert.False(t, completed)
	assert.False(t, failed)
}
