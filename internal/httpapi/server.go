// Package httpapi exposes the task, workflow and backend control surface
// over HTTP with JSON bodies.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/health"
	"github.com/conductorlabs/conductor/internal/lifecycle"
	"github.com/conductorlabs/conductor/internal/models"
	"github.com/conductorlabs/conductor/internal/registry"
	"github.com/conductorlabs/conductor/internal/scheduler"
	"github.com/conductorlabs/conductor/internal/store"
	"github.com/conductorlabs/conductor/internal/workflow"
)

// Server wires the API handlers to the core components.
type Server struct {
	scheduler *scheduler.Scheduler
	engine    *workflow.Engine
	registry  *registry.Registry
	lifecycle *lifecycle.Manager
	prober    *health.Prober
	store     store.Store
	logger    *zap.Logger
}

// NewServer creates the API server.
func NewServer(
	sched *scheduler.Scheduler,
	engine *workflow.Engine,
	reg *registry.Registry,
	lm *lifecycle.Manager,
	prober *health.Prober,
	st store.Store,
	logger *zap.Logger,
) *Server {
	return &Server{
		scheduler: sched,
		engine:    engine,
		registry:  reg,
		lifecycle: lm,
		prober:    prober,
		store:     st,
		logger:    logger,
	}
}

// RegisterRoutes attaches all handlers to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/start", s.handleStartTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/stop", s.handleStopTask)
	mux.HandleFunc("POST /api/v1/history/flush", s.handleFlushHistory)
	mux.HandleFunc("POST /api/v1/workflows", s.handleSubmitWorkflow)
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/stop", s.handleStopWorkflow)
	mux.HandleFunc("GET /api/v1/backends", s.handleListBackends)
	mux.HandleFunc("POST /api/v1/backends/{class}/wake", s.handleWakeBackend)
	mux.HandleFunc("POST /api/v1/backends/{class}/sleep", s.handleSleepBackend)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encode failed", zap.Error(err))
	}
}

type errorBody struct {
	Error          string `json:"error"`
	Classification string `json:"classification,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	body := errorBody{Error: err.Error()}
	if te, ok := models.AsTaskError(err); ok {
		body.Classification = te.Classification
		body.Error = te.Message
	}
	s.writeJSON(w, code, body)
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTaskNotFound),
		errors.Is(err, models.ErrWorkflowNotFound),
		errors.Is(err, models.ErrBackendNotFound):
		return http.StatusNotFound
	}
	if te, ok := models.AsTaskError(err); ok {
		switch te.Classification {
		case models.ClassInvalidDependency:
			return http.StatusBadRequest
		case models.ClassBackendUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
