// Package engine runs the per-task generation algorithm: select a model,
// call its adapter, and retry across two distinct tiers — the adapter's
// own internal transport retry, and the engine's outer retry which reuses
// the same model after a backoff sleep regardless of why the prior attempt
// failed. The two tiers are kept separate by construction: the adapter
// never touches Task.RetryCount, and the Registry receives exactly one
// metric update per outer attempt.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/moltbot/moltbot/service/dispatcher"
	"github.com/moltbot/moltbot/service/observability"
	"github.com/moltbot/moltbot/service/provider"
	"github.com/moltbot/moltbot/service/registry"
	"github.com/moltbot/moltbot/service/scheduler"
	"github.com/moltbot/moltbot/service/task"
)

// Scheduler is the subset of *scheduler.Scheduler the engine needs to
// finalize task state. Declared as an interface so engine tests can use a
// lightweight fake.
type Scheduler interface {
	MarkCompleted(id, result string)
	MarkFailed(id string, err error)
	Get(id string) (*task.Task, bool)
}

// Config carries engine-wide tunables.
type Config struct {
	SystemPrompt string
	// RetryTimes is the default applied to Task.MaxRetries by callers that
	// construct a Task without an explicit override (the HTTP API and the
	// CLI's one-shot command both do this); the engine's retry loop itself
	// only ever reads Task.MaxRetries.
	RetryTimes  int
	TaskTimeout time.Duration
}

// DefaultConfig matches the defaults of the original service.
func DefaultConfig() Config {
	return Config{
		SystemPrompt: "You are a helpful AI assistant.",
		RetryTimes:   3,
		TaskTimeout:  60 * time.Second,
	}
}

// Engine runs tasks to completion and reports terminal state through the
// Scheduler it is bound to. It satisfies scheduler.Runner.
type Engine struct {
	cfg        Config
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	sched      Scheduler

	mu       sync.Mutex
	adapters map[string]provider.Adapter
}

var _ scheduler.Runner = (*Engine)(nil)

// New builds an Engine. sched is set after construction via Bind, since
// the Scheduler itself is built with the Engine as its Runner — the two
// depend on each other and are wired together by the caller.
func New(cfg Config, reg *registry.Registry, disp *dispatcher.Dispatcher) *Engine {
	return &Engine{
		cfg:        cfg,
		registry:   reg,
		dispatcher: disp,
		adapters:   make(map[string]provider.Adapter),
	}
}

// Bind attaches the Scheduler the engine reports terminal state to.
func (e *Engine) Bind(s Scheduler) { e.sched = s }

// DefaultMaxRetries is the retry budget callers should stamp onto a Task
// that doesn't specify its own, taken from the engine's configured
// RetryTimes.
func (e *Engine) DefaultMaxRetries() int { return e.cfg.RetryTimes }

// Run implements scheduler.Runner: it is invoked once per admitted task,
// in its own goroutine, with a context the scheduler cancels on
// cancellation.
func (e *Engine) Run(ctx context.Context, t *task.Task) {
	runCtx := ctx
	if e.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
		defer cancel()
	}
	result, err := e.runAttempts(runCtx, t)
	if ctx.Err() != nil {
		// Cancelled by the scheduler mid-flight: the task is already
		// Cancelled and its slot released, so the engine must not emit a
		// late on_complete/on_error.
		return
	}
	if err != nil {
		// Includes the engine's own TaskTimeout expiring: the task is marked
		// Failed so it still reaches a terminal state and frees its slot.
		e.sched.MarkFailed(t.ID, err)
		e.dispatcher.Emit(dispatcher.EventError, t)
		return
	}
	e.sched.MarkCompleted(t.ID, result)
	e.dispatcher.Emit(dispatcher.EventComplete, t)
}

// Execute runs a task's full retry algorithm directly, without going
// through a Scheduler, for callers (the CLI's one-shot `run` command) that
// want a single synchronous generation.
func (e *Engine) Execute(ctx context.Context, t *task.Task) (string, error) {
	if e.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
		defer cancel()
	}
	return e.runAttempts(ctx, t)
}

// runAttempts is the shared outer-retry loop used by both Run and Execute.
// Exactly one Registry metric update happens per iteration (per outer
// attempt), regardless of how many internal transport retries the adapter
// performed within that attempt.
func (e *Engine) runAttempts(ctx context.Context, t *task.Task) (string, error) {
	model, err := e.registry.Select(t.ModelHint)
	if err != nil {
		return "", err
	}
	observability.ModelSelections.WithLabelValues(model.Name).Inc()
	adapter := e.adapterFor(model)
	messages := t.BuildMessages(e.cfg.SystemPrompt)

	var lastErr error
	for attempt := 0; attempt <= t.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		t.Model = model.Name
		start := time.Now()
		result, callErr := adapter.ChatCompletion(ctx, messages, t.Params)

		if callErr == nil {
			e.registry.RecordSuccess(model.Name, time.Since(start))
			return result, nil
		}
		// The failure path always records a zero sample rather than the
		// failed call's wall-clock time; that zero is averaged into
		// avg_response_time like any other sample.
		e.registry.RecordFailure(model.Name, 0)
		lastErr = callErr

		if attempt == t.MaxRetries {
			break
		}
		t.RetryCount++
		observability.EngineRetries.WithLabelValues(model.Name).Inc()
		e.dispatcher.Emit(dispatcher.EventProgress, t)
		sleep := time.Duration(1<<uint(t.RetryCount)) * time.Second
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sleep):
		}
	}
	return "", lastErr
}

func (e *Engine) adapterFor(m registry.Snapshot) provider.Adapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.adapters[m.Name]; ok {
		return a
	}
	a := provider.New(m.ProviderTag, provider.Config{
		Name:        m.Name,
		BaseURL:     m.BaseURL,
		Credentials: m.Credentials,
		MaxTokens:   m.MaxTokens,
		Temperature: m.DefaultTemp,
	})
	e.adapters[m.Name] = a
	return a
}
