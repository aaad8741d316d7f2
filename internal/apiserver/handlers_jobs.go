package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/casarerpa/core/internal/queue"
)

// createJobRequest is the POST /jobs body: either a reference to a
// stored workflow or an inline workflow blob, plus job submission
// fields.
type createJobRequest struct {
	WorkflowID           string         `json:"workflow_id" validate:"required_without=WorkflowBlob"`
	WorkflowBlob         json.RawMessage `json:"workflow_blob,omitempty"`
	Inputs               map[string]any `json:"inputs"`
	Priority             int            `json:"priority"`
	MaxAttempts          int            `json:"max_attempts"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	TenantID             string         `json:"tenant_id"`
}

type jobResponse struct {
	JobID                string         `json:"job_id"`
	WorkflowID           string         `json:"workflow_id"`
	State                queue.State    `json:"state"`
	AssignedRobotID      *string        `json:"assigned_robot_id,omitempty"`
	Priority             int            `json:"priority"`
	AttemptCount         int            `json:"attempt_count"`
	MaxAttempts          int            `json:"max_attempts"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	TenantID             string         `json:"tenant_id,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                *queue.JobError `json:"error,omitempty"`
}

func toJobResponse(j *queue.Job) jobResponse {
	caps := make([]string, 0, len(j.RequiredCapabilities))
	for c := range j.RequiredCapabilities {
		caps = append(caps, c)
	}
	return jobResponse{
		JobID:                j.JobID,
		WorkflowID:           j.WorkflowID,
		State:                j.State,
		AssignedRobotID:      j.AssignedRobotID,
		Priority:             j.Priority,
		AttemptCount:         j.AttemptCount,
		MaxAttempts:          j.MaxAttempts,
		RequiredCapabilities: caps,
		TenantID:             j.TenantID,
		Result:               j.Result,
		Error:                j.Error,
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.TenantID != "" && s.quotas != nil {
		if err := s.quotas.TryAcquire(r.Context(), req.TenantID); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
	}

	caps := make(map[string]bool, len(req.RequiredCapabilities))
	for _, c := range req.RequiredCapabilities {
		caps[c] = true
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	job := &queue.Job{
		JobID:                uuid.NewString(),
		WorkflowID:           req.WorkflowID,
		WorkflowBlob:         req.WorkflowBlob,
		Inputs:               req.Inputs,
		Priority:             req.Priority,
		State:                queue.StateQueued,
		MaxAttempts:          maxAttempts,
		RequiredCapabilities: caps,
		TenantID:             req.TenantID,
		CreatedAt:            s.nowFunc(),
	}

	if err := s.store.Enqueue(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.Get(r.Context(), jobID)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	err := s.store.Cancel(r.Context(), jobID, s.nowFunc())
	s.releaseQuotaIfTerminal(r, jobID, err)
	s.respondToTransition(w, err)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	err := s.store.UpdateState(r.Context(), jobID, queue.StatePaused, s.nowFunc())
	s.respondToTransition(w, err)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	err := s.store.UpdateState(r.Context(), jobID, queue.StateRunning, s.nowFunc())
	s.respondToTransition(w, err)
}

func (s *Server) respondToTransition(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "job is already in a terminal state")
	default:
		writeError(w, http.StatusInternalServerError, "transition failed")
	}
}

// releaseQuotaIfTerminal frees the tenant's admission slot once a job
// reaches a terminal state via this handler's own transition.
func (s *Server) releaseQuotaIfTerminal(r *http.Request, jobID string, transitionErr error) {
	if transitionErr != nil || s.quotas == nil {
		return
	}
	job, err := s.store.Get(r.Context(), jobID)
	if err != nil || job.TenantID == "" {
		return
	}
	s.quotas.Release(r.Context(), job.TenantID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
