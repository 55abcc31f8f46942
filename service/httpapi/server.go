// Package httpapi exposes the task-dispatch service over HTTP: task
// submission, lookup, cancellation, blocking wait, batch submission, model
// listing, webhook registration, aggregate status, health, and a live
// lifecycle event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/moltbot/moltbot/service/dispatcher"
	"github.com/moltbot/moltbot/service/engine"
	"github.com/moltbot/moltbot/service/provider"
	_ "github.com/moltbot/moltbot/service/provider/openai"
	"github.com/moltbot/moltbot/service/registry"
	"github.com/moltbot/moltbot/service/scheduler"
	"github.com/moltbot/moltbot/service/task"
)

// Server wires the core components behind an HTTP façade. Construction is
// explicit dependency injection — there is no package-level singleton.
type Server struct {
	scheduler  *scheduler.Scheduler
	registry   *registry.Registry
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	hub        *streamHub
	limiter    *rate.Limiter
	logger     *log.Logger
	upgrader   websocket.Upgrader
}

// Deps carries every component the façade delegates to.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Registry   *registry.Registry
	Engine     *engine.Engine
	Dispatcher *dispatcher.Dispatcher
	Logger     *log.Logger
}

// New builds a Server. Ingress is rate-limited to 50 requests/second with
// a burst of 100, the same storm-protection pattern the control plane
// applies to its own write endpoints.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	hub := newStreamHub(d.Logger)
	hub.attach(d.Dispatcher)
	return &Server{
		scheduler:  d.Scheduler,
		registry:   d.Registry,
		engine:     d.Engine,
		dispatcher: d.Dispatcher,
		hub:        hub,
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
		logger:     d.Logger,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Handler returns the fully routed, middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /tasks/{id}/wait", s.handleWait)
	mux.HandleFunc("POST /tasks/batch", s.handleBatch)
	mux.HandleFunc("GET /models", s.handleListModels)
	mux.HandleFunc("POST /models/{name}/embeddings", s.handleEmbeddings)
	mux.HandleFunc("POST /webhooks", s.handleRegisterWebhook)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	return corsMiddleware(s.rateLimit(mux))
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, task.ErrIllegalArgument):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrNoAvailableModel):
		return http.StatusServiceUnavailable
	case errors.Is(err, task.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, task.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, task.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, task.ErrUpstreamPermanent):
		return http.StatusBadGateway
	case errors.Is(err, task.ErrUpstreamTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type submitRequest struct {
	Prompt     string         `json:"prompt"`
	History    []task.Message `json:"history,omitempty"`
	Priority   string         `json:"priority"`
	ModelHint  string         `json:"model_hint,omitempty"`
	Params     task.Params    `json:"params,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}

func parsePriority(s string) (task.Priority, bool) {
	switch s {
	case "", "normal":
		return task.PriorityNormal, true
	case "low":
		return task.PriorityLow, true
	case "high":
		return task.PriorityHigh, true
	case "critical":
		return task.PriorityCritical, true
	default:
		return 0, false
	}
}

func (s *Server) newTask(req submitRequest) (*task.Task, error) {
	pri, ok := parsePriority(req.Priority)
	if !ok {
		return nil, task.ErrIllegalArgument
	}
	maxRetries := s.engine.DefaultMaxRetries()
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	return &task.Task{
		ID:         uuid.NewString(),
		Prompt:     req.Prompt,
		History:    req.History,
		Priority:   pri,
		ModelHint:  req.ModelHint,
		Params:     req.Params,
		MaxRetries: maxRetries,
	}, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.newTask(req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.scheduler.Submit(t); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []submitRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tasks := make([]*task.Task, 0, len(reqs))
	for _, req := range reqs {
		t, err := s.newTask(req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if err := s.scheduler.Submit(t); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		tasks = append(tasks, t)
	}
	writeJSON(w, http.StatusAccepted, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.scheduler.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, task.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.scheduler.List()
	if status := r.URL.Query().Get("status"); status != "" {
		state := task.State(status)
		if !state.Terminal() && state != task.StatePending && state != task.StateRunning {
			writeError(w, http.StatusBadRequest, task.ErrIllegalArgument)
			return
		}
		filtered := make([]*task.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.State == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Cancel(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	t, _ := s.scheduler.Get(id)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeout := 30 * time.Second
	if v := r.URL.Query().Get("timeout_seconds"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			timeout = time.Duration(secs) * time.Second
		}
	}
	t, err := s.engine.Wait(r.Context(), id, timeout)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	model, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, task.ErrNotFound)
		return
	}
	adapter := provider.New(model.ProviderTag, provider.Config{
		Name:        model.Name,
		BaseURL:     model.BaseURL,
		Credentials: model.Credentials,
	})
	vec, err := adapter.Embeddings(r.Context(), body.Input)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"embedding": vec})
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL         string   `json:"url"`
		Events      []string `json:"events"`
		MaxAttempts int      `json:"max_attempts,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, task.ErrIllegalArgument)
		return
	}
	events := make([]dispatcher.Event, 0, len(body.Events))
	for _, e := range body.Events {
		events = append(events, dispatcher.Event(e))
	}
	s.dispatcher.RegisterWebhook(dispatcher.Webhook{
		URL:         body.URL,
		Events:      events,
		MaxAttempts: body.MaxAttempts,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scheduler": s.scheduler.Metrics(),
		"models":    s.registry.List(),
		"recent":    s.dispatcher.Timeline().Recent(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("httpapi: websocket upgrade failed: %v", err)
		return
	}
	if !s.hub.register(conn) {
		conn.Close()
		return
	}
	defer s.hub.unregister(conn)

	// Drain and discard client frames; this is a one-way event feed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
