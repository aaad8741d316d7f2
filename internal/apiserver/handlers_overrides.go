package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/casarerpa/core/internal/queue"
)

type overrideRequest struct {
	Disabled  *bool          `json:"disabled,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	TimeoutMS *int64         `json:"timeout_ms,omitempty"`
}

// handleListOverrides serves GET /workflows/{workflowID}/overrides,
// listing every override recorded for a workflow.
func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	if s.overrides == nil {
		writeError(w, http.StatusNotImplemented, "node overrides are not configured")
		return
	}
	workflowID := chi.URLParam(r, "workflowID")
	overrides, err := s.overrides.GetOverrides(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, overrides)
}

// handlePutOverride serves PUT /workflows/{workflowID}/overrides/{nodeID}.
func (s *Server) handlePutOverride(w http.ResponseWriter, r *http.Request) {
	if s.overrides == nil {
		writeError(w, http.StatusNotImplemented, "node overrides are not configured")
		return
	}
	workflowID := chi.URLParam(r, "workflowID")
	nodeID := chi.URLParam(r, "nodeID")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	robotID := robotIDFromContext(r.Context())
	override := &queue.NodeOverride{
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Disabled:   req.Disabled,
		Config:     req.Config,
		TimeoutMS:  req.TimeoutMS,
		UpdatedBy:  robotID,
		UpdatedAt:  s.nowFunc(),
	}
	if err := s.overrides.PutOverride(r.Context(), override); err != nil {
		writeError(w, http.StatusInternalServerError, "put override failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
