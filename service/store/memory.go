package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the always-available reference Store implementation,
// sharded the way the teacher's in-memory backend shards agent state, to
// keep one hot model or priority level from serializing every caller
// behind a single mutex.
type MemoryStore struct {
	shards [16]*shard
}

type shard struct {
	mu        sync.Mutex
	overflow  map[int][]string
	tasks     map[string]expiring[TaskRecord]
	usage     map[string]expiring[int64]
	available map[string]expiring[bool]
	locks     map[string]time.Time
	subs      map[string][]chan []byte
}

type expiring[T any] struct {
	val       T
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	ms := &MemoryStore{}
	for i := range ms.shards {
		ms.shards[i] = &shard{
			overflow:  make(map[int][]string),
			tasks:     make(map[string]expiring[TaskRecord]),
			usage:     make(map[string]expiring[int64]),
			available: make(map[string]expiring[bool]),
			locks:     make(map[string]time.Time),
			subs:      make(map[string][]chan []byte),
		}
	}
	return ms
}

func (ms *MemoryStore) shardFor(key string) *shard {
	return ms.shards[fnvHash(key)%uint32(len(ms.shards))]
}

func fnvHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (ms *MemoryStore) PushOverflow(_ context.Context, priority int, taskID string) error {
	s := ms.shardFor(fmt.Sprintf("priority:%d", priority))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overflow[priority] = append(s.overflow[priority], taskID)
	return nil
}

func (ms *MemoryStore) PopOverflow(_ context.Context, priority int) (string, error) {
	s := ms.shardFor(fmt.Sprintf("priority:%d", priority))
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.overflow[priority]
	if len(list) == 0 {
		return "", nil
	}
	id := list[0]
	s.overflow[priority] = list[1:]
	return id, nil
}

func (ms *MemoryStore) SaveTask(_ context.Context, rec TaskRecord) error {
	s := ms.shardFor(rec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rec.ID] = expiring[TaskRecord]{val: rec, expiresAt: time.Now().Add(TaskTTL)}
	return nil
}

func (ms *MemoryStore) GetTask(_ context.Context, id string) (TaskRecord, bool, error) {
	s := ms.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok || time.Now().After(e.expiresAt) {
		return TaskRecord{}, false, nil
	}
	return e.val, true, nil
}

func (ms *MemoryStore) IncrModelUsage(_ context.Context, model string) (int64, error) {
	s := ms.shardFor(model)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.usage[model]
	if !ok || time.Now().After(e.expiresAt) {
		e = expiring[int64]{val: 0, expiresAt: time.Now().Add(ModelUsageTTL)}
	}
	e.val++
	s.usage[model] = e
	return e.val, nil
}

func (ms *MemoryStore) GetModelUsage(_ context.Context, model string) (int64, error) {
	s := ms.shardFor(model)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.usage[model]
	if !ok || time.Now().After(e.expiresAt) {
		return 0, nil
	}
	return e.val, nil
}

func (ms *MemoryStore) SetAvailability(_ context.Context, model string, available bool) error {
	s := ms.shardFor(model)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available[model] = expiring[bool]{val: available, expiresAt: time.Now().Add(AvailabilityTTL)}
	return nil
}

func (ms *MemoryStore) GetAvailability(_ context.Context, model string) (bool, bool, error) {
	s := ms.shardFor(model)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.available[model]
	if !ok || time.Now().After(e.expiresAt) {
		return false, false, nil
	}
	return e.val, true, nil
}

func (ms *MemoryStore) Lock(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	s := ms.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.locks[name]; ok && time.Now().Before(until) {
		return nil, fmt.Errorf("store: lock %q held", name)
	}
	s.locks[name] = time.Now().Add(ttl)
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, name)
		return nil
	}, nil
}

func (ms *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s := ms.shardFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (ms *MemoryStore) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	s := ms.shardFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, 16)
	s.subs[channel] = append(s.subs[channel], ch)
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, c := range subs {
			if c == ch {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

var _ Store = (*MemoryStore)(nil)
