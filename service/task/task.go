// Package task defines the shared data model for submitted generation
// requests: priorities, lifecycle states, and the Task record itself.
package task

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Priority is a closed set of admission priorities. Higher values are more
// urgent.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// Valid reports whether p is one of the four recognised priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON renders a Priority by name rather than its numeric weight, so
// API responses match the vocabulary clients submit with.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// State is a task's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a state the task cannot leave.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Message is one entry of a chat-style prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params holds per-task generation parameters forwarded to the provider.
// SystemPrompt, if set, overrides the engine's default system prompt for
// this task alone. Extras carries additional upstream request options
// (e.g. "top_p", "seed", "user", "stop", "presence_penalty",
// "frequency_penalty") preserved verbatim and passed to the adapter.
type Params struct {
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    *int           `json:"max_tokens,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
}

// Task is the unit of work accepted by the scheduler and run by the engine.
//
// Only the Scheduler mutates State/SubmitTime/StartTime and the
// Pending<->Running<->Cancelled transitions; only the Engine mutates
// Result/Err/RetryCount/Model and the Running->{Completed,Failed} terminal
// transitions. Fields are accessed only while the owning component holds
// its table lock; callers outside that component must treat a returned
// *Task as a read-only snapshot.
// Task carries no struct tags: MarshalJSON below defines the wire
// representation entirely, substituting a plain string for Err.
type Task struct {
	ID       string
	Prompt   string
	History  []Message
	Priority Priority
	Params   Params

	// MaxRetries bounds the engine's outer retry loop for this task
	// specifically: retry_count must never exceed it. Zero means the task
	// gets exactly one attempt with no retries.
	MaxRetries int

	// ModelHint, if set, is the name of the model the caller would like
	// used. An unavailable or unknown hint falls back to the registry's
	// selection strategy.
	ModelHint string

	Deadline time.Time

	State      State
	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time

	Model      string
	Result     string
	Err        error
	RetryCount int

	// sequence breaks ties between tasks submitted at the same priority,
	// preserving FIFO order within a level.
	sequence uint64
}

// taskJSON mirrors Task's exported shape for marshaling, substituting a
// plain string for Err: most error values carry unexported fields that
// encoding/json would otherwise render as "{}".
type taskJSON struct {
	ID         string    `json:"id"`
	Prompt     string    `json:"prompt"`
	History    []Message `json:"history,omitempty"`
	Priority   Priority  `json:"priority"`
	Params     Params    `json:"params,omitempty"`
	MaxRetries int       `json:"max_retries"`
	ModelHint  string    `json:"model_hint,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`
	State      State     `json:"state"`
	SubmitTime time.Time `json:"submit_time"`
	StartTime  time.Time `json:"start_time,omitempty"`
	EndTime    time.Time `json:"end_time,omitempty"`
	Model      string    `json:"model,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
}

// MarshalJSON renders Task for the HTTP API, surfacing Err as a string.
func (t *Task) MarshalJSON() ([]byte, error) {
	out := taskJSON{
		ID:         t.ID,
		Prompt:     t.Prompt,
		History:    t.History,
		Priority:   t.Priority,
		Params:     t.Params,
		MaxRetries: t.MaxRetries,
		ModelHint:  t.ModelHint,
		Deadline:   t.Deadline,
		State:      t.State,
		SubmitTime: t.SubmitTime,
		StartTime:  t.StartTime,
		EndTime:    t.EndTime,
		Model:      t.Model,
		Result:     t.Result,
		RetryCount: t.RetryCount,
	}
	if t.Err != nil {
		out.Error = t.Err.Error()
	}
	return json.Marshal(out)
}

// Sentinel error kinds, matching the taxonomy every component surfaces.
var (
	ErrIllegalArgument   = errors.New("illegal argument")
	ErrNotFound          = errors.New("not found")
	ErrNoAvailableModel  = errors.New("no available model")
	ErrUpstreamTransient = errors.New("upstream transient error")
	ErrUpstreamPermanent = errors.New("upstream permanent error")
	ErrCancelled         = errors.New("task cancelled")
	ErrTimeout           = errors.New("wait timed out")
	ErrQueueFull         = errors.New("queue full")
)

// SetSequence is used by the scheduler's admission queue to record insertion
// order; it must only be called while the scheduler holds its table lock.
func (t *Task) SetSequence(seq uint64) { t.sequence = seq }

// Sequence returns the insertion-order tiebreaker set by SetSequence.
func (t *Task) Sequence() uint64 { return t.sequence }

// BuildMessages assembles the full message list sent to the provider:
// prior history first, then the system turn, then the task's prompt as
// the final user turn. defaultSystemPrompt is used unless the task's own
// Params.SystemPrompt overrides it.
func (t *Task) BuildMessages(defaultSystemPrompt string) []Message {
	systemPrompt := defaultSystemPrompt
	if t.Params.SystemPrompt != "" {
		systemPrompt = t.Params.SystemPrompt
	}
	msgs := make([]Message, 0, len(t.History)+2)
	msgs = append(msgs, t.History...)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, Message{Role: "user", Content: t.Prompt})
	return msgs
}
