// Package api exposes the scheduler's HTTP surface: a thin JSON facade
// over the task manager and record store, plus liveness/readiness checks
// and the Prometheus scrape endpoint. All scanning logic lives behind it;
// handlers validate, delegate, and encode.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vulnscan/pkg/events"
	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/metrics"
	"github.com/cuemby/vulnscan/pkg/storage"
	"github.com/cuemby/vulnscan/pkg/task"
	"github.com/cuemby/vulnscan/pkg/types"
)

// Server is the scheduler's HTTP server.
type Server struct {
	tasks  *task.Manager
	store  storage.Store
	bus    *events.Broker
	mux    *http.ServeMux
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer wires the handler table. bus may be nil to disable event
// emission.
func NewServer(tasks *task.Manager, store storage.Store, bus *events.Broker) *Server {
	mux := http.NewServeMux()
	s := &Server{
		tasks:  tasks,
		store:  store,
		bus:    bus,
		mux:    mux,
		logger: log.WithComponent("api"),
	}

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/tasks", s.createTask)
	mux.HandleFunc("GET /api/v1/tasks", s.listTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.deleteTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/pause", s.pauseTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/resume", s.resumeTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/stats", s.taskStats)
	mux.HandleFunc("GET /api/v1/nodes", s.listNodes)

	return s
}

// Handler returns the routing table, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving on addr and blocks until the listener fails or
// Stop is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api server listening")

	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// HealthResponse represents the liveness check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyHandler verifies the record store answers before reporting ready.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok"}
	status := http.StatusOK

	if _, err := s.store.ListScanNodes(); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, ReadyResponse{Status: state, Timestamp: time.Now(), Checks: checks})
}

type createTaskRequest struct {
	Name     string                        `json:"name"`
	Targets  []string                      `json:"targets"`
	Auth     map[string]*types.Credentials `json:"auth,omitempty"`
	Policy   types.Policy                  `json:"policy,omitempty"`
	VulnIDs  []string                      `json:"vuln_ids,omitempty"`
	Priority int                           `json:"priority,omitempty"`
	Options  map[string]string             `json:"options,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "name and targets are required")
		return
	}
	if req.Policy == types.PolicySpecified && len(req.VulnIDs) == 0 {
		writeError(w, http.StatusBadRequest, "vuln_ids is required when policy is specified")
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}

	created, err := s.tasks.Create(req.Name, req.Targets, req.Auth, req.Policy, req.VulnIDs, req.Priority, req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.emit(events.EventTaskCreated, "task created", created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := types.TaskStatus(q.Get("status"))
	page := intQuery(q.Get("page"), 1)
	size := intQuery(q.Get("size"), 20)

	tasks, total, err := s.tasks.List(status, page, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": tasks,
		"total": total,
		"page":  page,
		"size":  size,
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.tasks.Pause, events.EventTaskPaused, "task paused")
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.tasks.Resume, events.EventTaskResumed, "task resumed")
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.tasks.Cancel, events.EventTaskFailed, "task cancelled")
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(string) (bool, error), eventType events.EventType, message string) {
	id := r.PathValue("id")
	ok, err := op(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "illegal state transition")
		return
	}
	s.emit(eventType, message, id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) taskStats(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListStatRecordsByTask(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []*types.StatRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListScanNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if nodes == nil {
		nodes = []*types.ScanNode{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) emit(eventType events.EventType, message, taskID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.New(eventType, message, map[string]string{"task_id": taskID}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
