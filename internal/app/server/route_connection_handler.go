package server

import (
	"net/http"

	"github.com/Kavis1/enhanced-marzban/internal/admission"
)

type releaseRequest struct {
	UserID uint   `json:"user_id" validate:"required"`
	IP     string `json:"ip" validate:"required,ip"`
	Reason string `json:"reason,omitempty" validate:"max=64"`
}

type heartbeatRequest struct {
	UserID        uint   `json:"user_id" validate:"required"`
	IP            string `json:"ip" validate:"required,ip"`
	BytesSent     int64  `json:"bytes_sent" validate:"gte=0"`
	BytesReceived int64  `json:"bytes_received" validate:"gte=0"`
}

type disconnectRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=64"`
}

func (s *Server) admitConnection(w http.ResponseWriter, r *http.Request) {
	var req admission.Request
	if !decodeBody(w, r, &req) {
		return
	}

	allowed, err := s.engines.Admission.Admit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (s *Server) releaseConnection(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = admission.ReasonManual
	}

	if err := s.engines.Admission.Release(r.Context(), req.UserID, req.IP, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connectionHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.engines.Admission.Heartbeat(r.Context(), req.UserID, req.IP, req.BytesSent, req.BytesReceived); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkConnection is the dry-run of admit. It stays reachable while tracking
// is off and reports that as its reason.
func (s *Server) checkConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}
	if userID == nil {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	allowed, reason := s.engines.Admission.CheckAllowed(r.Context(), *userID, r.URL.Query().Get("ip"))
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed, "reason": reason})
}

func (s *Server) connectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engines.Admission.Stats())
}

func (s *Server) userConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engines.Admission.UserConnections(userID))
}

func (s *Server) disconnectUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	req := disconnectRequest{}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = admission.ReasonManual
	}

	n := s.engines.Admission.ForceDisconnectAll(r.Context(), userID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]int{"disconnected": n})
}
