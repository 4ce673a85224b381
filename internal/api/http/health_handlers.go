package httpapi

import (
	"net/http"

	"github.com/multiedit/multiedit/internal/health"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.checker.Liveness())
}
