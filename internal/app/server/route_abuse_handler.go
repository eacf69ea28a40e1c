package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
)

type torrentReport struct {
	UserID uint   `json:"user_id" validate:"required"`
	IP     string `json:"ip" validate:"required,ip"`
	// Payload is a captured packet sample; JSON carries it base64-encoded.
	Payload []byte `json:"payload" validate:"required"`
}

type trafficReport struct {
	UserID           uint   `json:"user_id" validate:"required"`
	IP               string `json:"ip" validate:"required,ip"`
	BytesTransferred int64  `json:"bytes_transferred" validate:"gte=0"`
	ConnectionCount  int64  `json:"connection_count" validate:"gte=0"`
	WindowSeconds    int    `json:"window_seconds" validate:"gt=0"`
}

func (s *Server) reportTorrent(w http.ResponseWriter, r *http.Request) {
	var req torrentReport
	if !decodeBody(w, r, &req) {
		return
	}

	verdict, err := s.engines.Abuse.ReportTorrent(r.Context(), req.UserID, req.IP, req.Payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) reportTraffic(w http.ResponseWriter, r *http.Request) {
	var req trafficReport
	if !decodeBody(w, r, &req) {
		return
	}

	kinds, err := s.engines.Abuse.ReportTraffic(r.Context(), req.UserID, req.IP, req.BytesTransferred, req.ConnectionCount, req.WindowSeconds)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if kinds == nil {
		kinds = []domain.ViolationKind{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": kinds})
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}

	filter := domain.ViolationFilter{
		Kind:       domain.ViolationKind(q.Get("kind")),
		Unresolved: q.Get("unresolved") == "true",
	}
	if userID != nil {
		filter.UserID = *userID
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	violations, err := s.engines.Abuse.Violations(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, violations)
}

func (s *Server) resolveViolation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.engines.Abuse.ResolveViolation(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) violationCount(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "Invalid hours", http.StatusBadRequest)
			return
		}
		hours = n
	}

	count := s.engines.Abuse.ViolationCountSince(username, hours)
	writeJSON(w, http.StatusOK, map[string]any{"username": username, "hours": hours, "count": count})
}

func (s *Server) jailConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.engines.Abuse.JailConfig()))
}

func (s *Server) filterConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.engines.Abuse.FilterConfig()))
}

func (s *Server) abuseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engines.Abuse.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
