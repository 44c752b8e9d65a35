package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/conductorlabs/conductor/internal/models"
)

type submitWorkflowRequest struct {
	Name  string                `json:"name"`
	Steps []models.WorkflowStep `json:"steps"`
}

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	status, err := s.engine.Submit(r.Context(), req.Name, req.Steps)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStopWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Stop(id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id, "status": "stopping"})
}
