package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/models"
	"github.com/conductorlabs/conductor/internal/scheduler"
	"github.com/conductorlabs/conductor/internal/store"
)

type submitTaskRequest struct {
	models.TaskSpec
	// Hold keeps the task pending until an explicit start call.
	Hold bool `json:"hold,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Description == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "description is required"})
		return
	}

	task, err := s.scheduler.Submit(r.Context(), req.TaskSpec, scheduler.SubmitOptions{Hold: req.Hold})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.logger.Debug("Task accepted", zap.String("task_id", task.ID))
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		State:        q.Get("state"),
		BackendClass: q.Get("backend_class"),
		WorkflowID:   q.Get("workflow_id"),
		Limit:        100,
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Start(id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "started"})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.StopTask(id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "stopping"})
}

func (s *Server) handleFlushHistory(w http.ResponseWriter, _ *http.Request) {
	s.scheduler.FlushHistory()
	s.engine.Flush()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}
