package server

import (
	"net/http"

	"github.com/Kavis1/enhanced-marzban/internal/coordinator"
)

func (s *Server) servicesStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engines.Coordinator.Status())
}

func (s *Server) servicesHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engines.Coordinator.HealthCheck(r.Context()))
}

func (s *Server) servicesMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engines.Coordinator.Metrics(r.Context()))
}

func (s *Server) restartService(w http.ResponseWriter, r *http.Request) {
	id, ok := coordinator.ParseEngineID(r.PathValue("name"))
	if !ok {
		writeError(w, "Unknown service", http.StatusNotFound)
		return
	}

	outcome, err := s.engines.Coordinator.Restart(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
