package dispatcher

import (
	"sync"
	"time"

	"github.com/moltbot/moltbot/service/task"
)

// Entry is one recorded lifecycle event, shaped for the live stream and
// for ad-hoc debugging.
type Entry struct {
	Event     Event     `json:"event"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Timeline is a bounded, thread-safe ring buffer of recent lifecycle
// events, grounded on the teacher's unbounded debug event store but capped
// so a long-running process doesn't grow it without limit.
type Timeline struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	next     int
	full     bool
}

func NewTimeline(capacity int) *Timeline {
	return &Timeline{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

func (tl *Timeline) Record(event Event, t *task.Task) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries[tl.next] = Entry{
		Event:     event,
		TaskID:    t.ID,
		Status:    string(t.State),
		Model:     t.Model,
		Timestamp: time.Now(),
	}
	tl.next = (tl.next + 1) % tl.capacity
	if tl.next == 0 {
		tl.full = true
	}
}

// Recent returns entries oldest-first.
func (tl *Timeline) Recent() []Entry {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	if !tl.full {
		out := make([]Entry, tl.next)
		copy(out, tl.entries[:tl.next])
		return out
	}
	out := make([]Entry, tl.capacity)
	copy(out, tl.entries[tl.next:])
	copy(out[tl.capacity-tl.next:], tl.entries[:tl.next])
	return out
}
