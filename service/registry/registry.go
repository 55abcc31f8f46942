package registry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/moltbot/moltbot/service/observability"
	"github.com/moltbot/moltbot/service/task"
)

// Registry tracks registered models and answers selection requests. All
// mutation happens through its exported methods, which hold a single
// RWMutex across the short critical section and never perform I/O while
// holding it.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]*Model
	strategy Strategy
	rng      *rand.Rand
}

// New builds a Registry using the given default selection strategy.
func New(strategy StrategyName) *Registry {
	return &Registry{
		models:   make(map[string]*Model),
		strategy: NewStrategy(strategy),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds or replaces a model entry. A freshly registered model
// starts available with a success rate of 1.0, matching the original
// manager's optimistic-until-proven-otherwise default.
func (r *Registry) Register(m Model) {
	m.successRate = 1.0
	m.Available = true
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := m
	r.models[m.Name] = &stored
}

// Deregister removes a model by name. It is a no-op if the name is unknown.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, name)
}

// SetAvailable flips a model's availability flag, used by health checks or
// operators to pull a model out of rotation without deregistering it.
func (r *Registry) SetAvailable(name string, available bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[name]
	if !ok {
		return false
	}
	m.Available = available
	return true
}

// Get returns a read-only snapshot of one model.
func (r *Registry) Get(name string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshot(), true
}

// List returns a read-only snapshot of every registered model.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m.snapshot())
	}
	return out
}

// Select picks a model for a task: the hint wins if it names an available
// model; otherwise the configured strategy runs over all available models,
// ignoring unavailable or unknown names (including an unavailable hint).
func (r *Registry) Select(hint string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hint != "" {
		if m, ok := r.models[hint]; ok && m.Available {
			return m.snapshot(), nil
		}
	}

	candidates := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		if m.Available {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return Snapshot{}, task.ErrNoAvailableModel
	}
	chosen := r.strategy.Select(candidates, r.rng)
	return chosen.snapshot(), nil
}

// RecordSuccess updates a model's rolling success rate and latency after a
// successful generation. Exactly one call is expected per outer engine
// attempt, never per adapter-internal retry.
func (r *Registry) RecordSuccess(name string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[name]; ok {
		m.recordSuccess(latency)
		observability.ModelSuccessRate.WithLabelValues(name).Set(m.successRate)
	}
}

// RecordFailure is RecordSuccess's failure-path counterpart.
func (r *Registry) RecordFailure(name string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[name]; ok {
		m.recordFailure(latency)
		observability.ModelSuccessRate.WithLabelValues(name).Set(m.successRate)
	}
}
