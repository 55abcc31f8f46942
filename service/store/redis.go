package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the Store backend for multi-process deployments, grounded
// on the distributed coordination layer's exact key shapes and TTLs:
// priority-keyed lists for queue overflow, a per-task JSON record, per-model
// usage counters, and availability flags, plus SET NX-based locks and
// native pub/sub.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces every key,
// e.g. "moltbot:".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisStore) PushOverflow(ctx context.Context, priority int, taskID string) error {
	return r.rdb.RPush(ctx, r.key("queue", fmt.Sprint(priority)), taskID).Err()
}

func (r *RedisStore) PopOverflow(ctx context.Context, priority int) (string, error) {
	id, err := r.rdb.LPop(ctx, r.key("queue", fmt.Sprint(priority))).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

func (r *RedisStore) SaveTask(ctx context.Context, rec TaskRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key("task", rec.ID), body, TaskTTL).Err()
}

func (r *RedisStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	body, err := r.rdb.Get(ctx, r.key("task", id)).Bytes()
	if err == redis.Nil {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	var rec TaskRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return TaskRecord{}, false, err
	}
	return rec, true, nil
}

func (r *RedisStore) IncrModelUsage(ctx context.Context, model string) (int64, error) {
	key := r.key("usage", model)
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		r.rdb.Expire(ctx, key, ModelUsageTTL)
	}
	return n, nil
}

func (r *RedisStore) GetModelUsage(ctx context.Context, model string) (int64, error) {
	n, err := r.rdb.Get(ctx, r.key("usage", model)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *RedisStore) SetAvailability(ctx context.Context, model string, available bool) error {
	return r.rdb.Set(ctx, r.key("avail", model), available, AvailabilityTTL).Err()
}

func (r *RedisStore) GetAvailability(ctx context.Context, model string) (bool, bool, error) {
	v, err := r.rdb.Get(ctx, r.key("avail", model)).Bool()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return v, true, nil
}

// Lock acquires a named lock via SET NX PX, storing a random token so only
// the acquiring caller can release it.
func (r *RedisStore) Lock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	key := r.key("lock", name)
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store: lock %q held", name)
	}
	release := func(ctx context.Context) error {
		cur, err := r.rdb.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return err
		}
		if cur != token {
			return nil
		}
		return r.rdb.Del(ctx, key).Err()
	}
	return release, nil
}

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.rdb.Publish(ctx, r.key("channel", channel), payload).Err()
}

func (r *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := r.rdb.Subscribe(ctx, r.key("channel", channel))
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return out, func() { sub.Close() }, nil
}

var _ Store = (*RedisStore)(nil)
