package apiserver

import (
	"net/http"

	"github.com/casarerpa/core/internal/fleet"
)

type robotResponse struct {
	RobotID           string   `json:"robot_id"`
	Name              string   `json:"name"`
	Status            string   `json:"status"`
	Capabilities      []string `json:"capabilities"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	CurrentJobCount   int      `json:"current_job_count"`
	Environment       string   `json:"environment,omitempty"`
}

func toRobotResponse(r *fleet.Robot) robotResponse {
	caps := make([]string, 0, len(r.Capabilities))
	for c := range r.Capabilities {
		caps = append(caps, string(c))
	}
	return robotResponse{
		RobotID:           r.RobotID,
		Name:              r.Name,
		Status:            string(r.Status),
		Capabilities:      caps,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		CurrentJobCount:   r.CurrentJobCount,
		Environment:       r.Environment,
	}
}

// handleListRobots serves GET /robots.
func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	robots := s.robots.List()
	out := make([]robotResponse, 0, len(robots))
	for _, robot := range robots {
		out = append(out, toRobotResponse(robot))
	}
	writeJSON(w, http.StatusOK, out)
}
