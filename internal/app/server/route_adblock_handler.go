package server

import (
	"net/http"
)

type createListRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	URL         string `json:"url" validate:"required,url,max=1024"`
	Description string `json:"description,omitempty" validate:"max=1024"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

type toggleListRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type userDomainRequest struct {
	Domain string `json:"domain" validate:"required,max=253"`
}

type userAdblockRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type nodeAdblockRequest struct {
	Enabled *bool  `json:"enabled" validate:"required"`
	ListIDs []uint `json:"list_ids"`
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	lists, err := s.engines.Blocklist.Lists(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createListRequest
	if !decodeBody(w, r, &req) {
		return
	}
	enabled := req.Enabled == nil || *req.Enabled

	list, err := s.engines.Blocklist.CreateList(r.Context(), req.Name, req.URL, req.Description, enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, list)
}

func (s *Server) toggleSubscription(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req toggleListRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.engines.Blocklist.SetListEnabled(r.Context(), listID, *req.Enabled); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.engines.Blocklist.DeleteList(r.Context(), listID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.engines.Blocklist.UpdateList(r.Context(), listID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) refreshBlockCache(w http.ResponseWriter, r *http.Request) {
	if err := s.engines.Blocklist.RefreshCache(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkDomain(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("domain")
	if name == "" {
		writeError(w, "domain is required", http.StatusBadRequest)
		return
	}
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}
	nodeID, ok := queryID(w, r, "node_id")
	if !ok {
		return
	}

	blocked, tier := s.engines.Blocklist.Explain(name, userID, nodeID)
	writeJSON(w, http.StatusOK, map[string]any{"domain": name, "blocked": blocked, "tier": tier})
}

func (s *Server) blockStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engines.Blocklist.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) addUserDomain(w http.ResponseWriter, r *http.Request) {
	s.mutateUserDomain(w, r, true)
}

func (s *Server) removeUserDomain(w http.ResponseWriter, r *http.Request) {
	s.mutateUserDomain(w, r, false)
}

func (s *Server) mutateUserDomain(w http.ResponseWriter, r *http.Request, add bool) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req userDomainRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		changed bool
		err     error
	)
	if add {
		changed, err = s.engines.Blocklist.AddCustomUserDomain(r.Context(), userID, req.Domain)
	} else {
		changed, err = s.engines.Blocklist.RemoveCustomUserDomain(r.Context(), userID, req.Domain)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) setUserAdblock(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req userAdblockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engines.Blocklist.SetUserPreferences(r.Context(), userID, *req.Enabled); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setNodeAdblock(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req nodeAdblockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engines.Blocklist.SetNodePreferences(r.Context(), nodeID, *req.Enabled, req.ListIDs); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
