package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jpalmerr/taskpool/internal/pool"
	"github.com/jpalmerr/taskpool/internal/store"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	// maxRequestBody limits task creation payloads.
	maxRequestBody = 1 << 20 // 1MB
)

// ErrInvalidTask marks a schedule request the controller refused as malformed,
// such as one naming an unregistered task type.
var ErrInvalidTask = errors.New("invalid task")

// Controller performs the write operations that need task manager context.
type Controller interface {
	// Schedule validates and stores a new task.
	Schedule(ctx context.Context, task store.Task) (store.Task, error)

	// RunSoon makes an idle task due now and wakes the claim loop.
	RunSoon(ctx context.Context, id string) (store.Task, error)

	// PoolStats reports worker usage.
	PoolStats() pool.Stats
}

// Server handles HTTP requests for the task API.
//
// Routes:
//   - GET /api/tasks: All tasks as JSON
//   - POST /api/tasks: Schedule a task
//   - GET /api/tasks/{id}: One task
//   - DELETE /api/tasks/{id}: Remove a task
//   - POST /api/tasks/{id}/run-now: Make an idle task due now
//   - GET /api/pool: Worker pool statistics
//   - GET /api/sse: Server-Sent Events stream of task events
//   - GET /metrics: Prometheus metrics (when a handler is configured)
//   - GET /healthz: Liveness probe
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	store      store.Store
	ctl        Controller
	metrics    http.Handler
	port       int
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - st: Store the task data is read from and events are streamed from
//   - ctl: Controller for schedule and run-now requests
//   - metrics: Handler for /metrics (may be nil)
//   - port: TCP port to listen on (0 picks a free port)
//   - logger: Logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, ctl Controller, metrics http.Handler, port int, logger *slog.Logger) *Server {
	return &Server{
		store:   st,
		ctl:     ctl,
		metrics: metrics,
		port:    port,
		logger:  logger,
	}
}

// Handler returns the router serving every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleScheduleTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleRemoveTask)
	mux.HandleFunc("POST /api/tasks/{id}/run-now", s.handleRunNow)
	mux.HandleFunc("GET /api/pool", s.handlePool)
	mux.HandleFunc("GET /api/sse", s.handleSSE)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// scheduleRequest is the body of POST /api/tasks.
type scheduleRequest struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Params   json.RawMessage `json:"params"`
	State    json.RawMessage `json:"state"`
	RunAt    time.Time       `json:"run_at"`
	Interval string          `json:"interval"`
}

func (req scheduleRequest) toTask() (store.Task, error) {
	if req.Type == "" {
		return store.Task{}, fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			return store.Task{}, fmt.Errorf("%w: interval: %v", ErrInvalidTask, err)
		}
		if d < 0 {
			return store.Task{}, fmt.Errorf("%w: interval must not be negative", ErrInvalidTask)
		}
		interval = d
	}
	return store.Task{
		ID:       req.ID,
		TaskType: req.Type,
		Params:   req.Params,
		State:    req.State,
		RunAt:    req.RunAt,
		Interval: interval,
	}, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", ErrInvalidTask, err))
		return
	}

	task, err := req.toTask()
	if err != nil {
		s.writeError(w, err)
		return
	}

	task, err = s.ctl.Schedule(r.Context(), task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	task, err := s.ctl.RunSoon(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctl.PoolStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSSE streams task events via Server-Sent Events.
//
// The stream starts with a "scheduled" event per existing task so a client
// can build its view from the stream alone. The handler uses write deadlines
// to prevent goroutine leaks when clients are slow or disconnected.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// check if flushing is supported
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(ev store.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			// skip unencodable events rather than dropping the stream
			return nil
		}

		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				// deadline not supported by underlying connection, continue without
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}

		// ResponseController.Flush respects the write deadline
		return rc.Flush()
	}

	// set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// subscribe before the snapshot so no event falls in between
	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	tasks, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Warn("sse snapshot failed", "error", err)
		return
	}
	for _, task := range tasks {
		if err := writeAndFlush(store.Event{Type: store.EventScheduled, Task: task}); err != nil {
			return
		}
	}

	// stream updates
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeAndFlush(ev); err != nil {
				return
			}

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps store and controller errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidTask):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
