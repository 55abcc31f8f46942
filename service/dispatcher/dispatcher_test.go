package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/moltbot/service/task"
)

func TestEmitRunsHandlersSequentially(t *testing.T) {
	d := New(DefaultConfig(), nil)
	var order []int
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		i := i
		d.OnEvent(EventComplete, func(ctx context.Context, tk *task.Task) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	d.Emit(EventComplete, &task.Task{ID: "t1", State: task.StateCompleted})
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestEmitRecoversHandlerPanic(t *testing.T) {
	d := New(DefaultConfig(), nil)
	var ran int32
	d.OnEvent(EventComplete, func(ctx context.Context, tk *task.Task) {
		panic("boom")
	})
	d.OnEvent(EventComplete, func(ctx context.Context, tk *task.Task) {
		atomic.AddInt32(&ran, 1)
	})
	assert.NotPanics(t, func() {
		d.Emit(EventComplete, &task.Task{ID: "t1"})
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestHandlerTimeoutDoesNotBlockEmit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	d := New(cfg, nil)
	d.OnEvent(EventComplete, func(ctx context.Context, tk *task.Task) {
		<-ctx.Done()
	})
	done := make(chan struct{})
	go func() {
		d.Emit(EventComplete, &task.Task{ID: "t1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked past handler timeout")
	}
}

func TestWebhookDeliveredOnSubscribedEvent(t *testing.T) {
	var received webhookPayload
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		close(done)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	d.RegisterWebhook(Webhook{URL: srv.URL, Events: []Event{EventComplete}})
	d.Emit(EventComplete, &task.Task{ID: "t1", State: task.StateCompleted, Result: "42"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("webhook never delivered")
	}
	assert.Equal(t, "t1", received.TaskID)
	assert.Equal(t, "42", received.Result)
}

func TestWebhookNotDeliveredForUnsubscribedEvent(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	d.RegisterWebhook(Webhook{URL: srv.URL, Events: []Event{EventError}})
	d.Emit(EventComplete, &task.Task{ID: "t1"})

	select {
	case <-called:
		t.Fatal("webhook should not have fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimelineWrapsAtCapacity(t *testing.T) {
	tl := NewTimeline(2)
	tl.Record(EventSubmit, &task.Task{ID: "a"})
	tl.Record(EventStart, &task.Task{ID: "b"})
	tl.Record(EventComplete, &task.Task{ID: "c"})

	recent := tl.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].TaskID)
	assert.Equal(t, "c", recent[1].TaskID)
}
