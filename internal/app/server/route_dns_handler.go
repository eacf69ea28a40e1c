package server

import (
	"net/http"

	"github.com/Kavis1/enhanced-marzban/internal/dnsoverride"
)

func (s *Server) listGlobalRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engines.DNS.GlobalRules())
}

func (s *Server) addGlobalRule(w http.ResponseWriter, r *http.Request) {
	var in dnsoverride.RuleInput
	if !decodeBody(w, r, &in) {
		return
	}

	rule, err := s.engines.DNS.AddGlobalRule(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) removeGlobalRule(w http.ResponseWriter, r *http.Request) {
	ruleID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.engines.DNS.RemoveGlobalRule(r.Context(), ruleID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listUserRules(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engines.DNS.UserRules(userID))
}

func (s *Server) addUserRule(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in dnsoverride.RuleInput
	if !decodeBody(w, r, &in) {
		return
	}

	rule, err := s.engines.DNS.AddUserRule(r.Context(), userID, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) removeUserRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := pathID(w, r, "id"); !ok {
		return
	}
	ruleID, ok := pathID(w, r, "ruleID")
	if !ok {
		return
	}
	if err := s.engines.DNS.RemoveUserRule(r.Context(), ruleID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resolveDomain(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("domain")
	if name == "" {
		writeError(w, "domain is required", http.StatusBadRequest)
		return
	}
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}

	target, found := s.engines.DNS.Resolve(name, userID)
	writeJSON(w, http.StatusOK, map[string]any{"domain": name, "target_ip": target, "found": found})
}

func (s *Server) clearDNSCache(w http.ResponseWriter, r *http.Request) {
	if err := s.engines.DNS.ClearCache(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dnsConfig(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engines.DNS.ExportDNSConfig(userID))
}

func (s *Server) dnsHosts(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engines.DNS.ExportHostsConfig(userID))
}

func (s *Server) dnsStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engines.DNS.Stats())
}
