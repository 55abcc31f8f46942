// Package dispatcher fans task lifecycle events out to in-process handlers
// and registered webhooks. Handler failures are logged and never block or
// alter task state; webhook delivery is fire-and-forget with its own
// bounded retry.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/moltbot/moltbot/service/observability"
	"github.com/moltbot/moltbot/service/task"
)

// Event is the closed set of lifecycle events a Task can emit.
type Event string

const (
	EventSubmit   Event = "on_submit"
	EventStart    Event = "on_start"
	EventComplete Event = "on_complete"
	EventError    Event = "on_error"
	EventCancel   Event = "on_cancel"
	EventProgress Event = "on_progress"
)

// Handler is an in-process callback invoked for a given event.
type Handler func(ctx context.Context, t *task.Task)

// Webhook is a registered HTTP endpoint notified of events.
type Webhook struct {
	URL         string
	Events      []Event
	MaxAttempts int
	Timeout     time.Duration
}

// Config carries dispatcher-wide defaults.
type Config struct {
	HandlerTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandlerTimeout:     10 * time.Second,
		WebhookMaxAttempts: 3,
		WebhookTimeout:     10 * time.Second,
	}
}

// Dispatcher holds registered handlers and webhooks and emits events to
// both. It also feeds a bounded Timeline for live observability.
type Dispatcher struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[Event][]Handler
	webhooks []Webhook

	client   *http.Client
	timeline *Timeline
	logger   *log.Logger
}

// New builds a Dispatcher. logger defaults to the standard library's
// package-level logger if nil.
func New(cfg Config, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		handlers: make(map[Event][]Handler),
		client:   &http.Client{},
		timeline: NewTimeline(256),
		logger:   logger,
	}
}

// OnEvent registers an in-process handler for an event.
func (d *Dispatcher) OnEvent(event Event, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = append(d.handlers[event], h)
}

// RegisterWebhook adds a webhook notified of the given events. Safe to call
// concurrently with Emit, including from a live HTTP registration endpoint.
func (d *Dispatcher) RegisterWebhook(w Webhook) {
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = d.cfg.WebhookMaxAttempts
	}
	if w.Timeout <= 0 {
		w.Timeout = d.cfg.WebhookTimeout
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.webhooks = append(d.webhooks, w)
}

// Timeline returns the dispatcher's bounded event history, consumed by the
// live progress stream.
func (d *Dispatcher) Timeline() *Timeline { return d.timeline }

// Emit runs every in-process handler for event sequentially, then fires
// webhook deliveries concurrently (one goroutine per matching webhook). A
// handler's panic or timeout is recovered/logged and never propagates.
func (d *Dispatcher) Emit(event Event, t *task.Task) {
	d.timeline.Record(event, t)

	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[event]...)
	webhooks := append([]Webhook(nil), d.webhooks...)
	d.mu.RUnlock()

	for _, h := range handlers {
		d.runHandler(h, event, t)
	}
	for _, w := range webhooks {
		if !subscribesTo(w, event) {
			continue
		}
		go d.deliverWebhook(w, event, t)
	}
}

func subscribesTo(w Webhook, event Event) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (d *Dispatcher) runHandler(h Handler, event Event, t *task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HandlerTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Printf("dispatcher: handler for %s panicked: %v", event, r)
			}
		}()
		h(ctx, t)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Printf("dispatcher: handler for %s timed out on task %s", event, t.ID)
	}
}

type webhookPayload struct {
	Event     Event     `json:"event"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *Dispatcher) deliverWebhook(w Webhook, event Event, t *task.Task) {
	payload := webhookPayload{
		Event:     event,
		TaskID:    t.ID,
		Status:    string(t.State),
		Result:    t.Result,
		Timestamp: time.Now(),
	}
	if t.Err != nil {
		payload.Error = t.Err.Error()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Printf("dispatcher: marshal webhook payload for %s: %v", t.ID, err)
		return
	}

	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= w.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.Timeout)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			resp, err := d.client.Do(req)
			if err == nil {
				resp.Body.Close()
				cancel()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					observability.WebhookDeliveries.WithLabelValues("success").Inc()
					return
				}
			}
		}
		cancel()
		if attempt < w.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	observability.WebhookDeliveries.WithLabelValues("failure").Inc()
	d.logger.Printf("dispatcher: webhook %s gave up after %d attempts for task %s", w.URL, w.MaxAttempts, t.ID)
}
