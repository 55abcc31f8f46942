package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreTaskRoundTrip(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	rec := TaskRecord{ID: "t1", State: "completed", UpdatedAt: time.Now()}
	require.NoError(t, ms.SaveTask(ctx, rec))

	got, ok, err := ms.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "completed", got.State)

	_, ok, err = ms.GetTask(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreModelUsageIncrements(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	n, err := ms.IncrModelUsage(ctx, "gpt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ms.IncrModelUsage(ctx, "gpt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStoreOverflowIsFIFO(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.PushOverflow(ctx, 10, "a"))
	require.NoError(t, ms.PushOverflow(ctx, 10, "b"))

	id, err := ms.PopOverflow(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	id, err = ms.PopOverflow(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestMemoryStoreLockExcludesConcurrentHolder(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	release, err := ms.Lock(ctx, "job-x", time.Minute)
	require.NoError(t, err)

	_, err = ms.Lock(ctx, "job-x", time.Minute)
	assert.Error(t, err)

	require.NoError(t, release(ctx))
	_, err = ms.Lock(ctx, "job-x", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryStorePubSub(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ch, cancel, err := ms.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ms.Publish(ctx, "events", []byte("hello")))
	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("did not receive published message")
	}
}

func TestMemoryStoreAvailabilityFlag(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.SetAvailability(ctx, "m1", true))

	avail, ok, err := ms.GetAvailability(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, avail)
}
