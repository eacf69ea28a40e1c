package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/abuse"
	"github.com/Kavis1/enhanced-marzban/internal/admission"
	"github.com/Kavis1/enhanced-marzban/internal/app/version"
	"github.com/Kavis1/enhanced-marzban/internal/blocklist"
	"github.com/Kavis1/enhanced-marzban/internal/coordinator"
	"github.com/Kavis1/enhanced-marzban/internal/dnsoverride"
	"github.com/Kavis1/enhanced-marzban/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Engines are the policy engines the API fronts.
type Engines struct {
	Admission   *admission.Engine
	DNS         *dnsoverride.Resolver
	Blocklist   *blocklist.Engine
	Abuse       *abuse.Engine
	Coordinator *coordinator.Coordinator
}

type Server struct {
	engines Engines
	auth    *Authenticator
	port    int
	logger  *log.Logger
}

func New(port int, engines Engines, auth *Authenticator) *Server {
	return &Server{
		engines: engines,
		auth:    auth,
		port:    port,
		logger:  log.Default().WithPrefix("api"),
	}
}

func (s *Server) String() string {
	return "admin-api"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the engine error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrValidation):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrDisabled):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrTransient):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// decodeBody reads a JSON body into dst and runs its validate tags.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, fmt.Sprintf("invalid field %s: failed %s", verrs[0].Field(), verrs[0].Tag()), http.StatusUnprocessableEntity)
			return false
		}
		writeError(w, "Invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}

// queryID reads an optional numeric query parameter. A missing value is nil.
func queryID(w http.ResponseWriter, r *http.Request, name string) (*uint, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, "Invalid "+name, http.StatusBadRequest)
		return nil, false
	}
	v := uint(id)
	return &v, true
}

type gate interface {
	Enabled() bool
}

// requireEnabled answers 503 while the feature behind g is switched off.
func requireEnabled(g gate, feature string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			writeError(w, feature+" is disabled", http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()
	admin := s.auth.RequireAdmin

	router.HandleFunc("GET /healthz", s.healthz)
	router.Handle("GET /metrics", promhttp.Handler())
	router.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})

	conn := s.engines.Admission
	router.Handle("POST /connections/admit", admin(requireEnabled(conn, "Connection tracking", s.admitConnection)))
	router.Handle("POST /connections/release", admin(requireEnabled(conn, "Connection tracking", s.releaseConnection)))
	router.Handle("POST /connections/heartbeat", admin(requireEnabled(conn, "Connection tracking", s.connectionHeartbeat)))
	router.Handle("GET /connections/check", admin(http.HandlerFunc(s.checkConnection)))
	router.Handle("GET /connections/stats", admin(http.HandlerFunc(s.connectionStats)))
	router.Handle("GET /users/{id}/connections", admin(requireEnabled(conn, "Connection tracking", s.userConnections)))
	router.Handle("POST /users/{id}/disconnect", admin(requireEnabled(conn, "Connection tracking", s.disconnectUser)))

	dns := s.engines.DNS
	router.Handle("GET /dns/rules", admin(requireEnabled(dns, "DNS override", s.listGlobalRules)))
	router.Handle("POST /dns/rules", admin(requireEnabled(dns, "DNS override", s.addGlobalRule)))
	router.Handle("DELETE /dns/rules/{id}", admin(requireEnabled(dns, "DNS override", s.removeGlobalRule)))
	router.Handle("GET /users/{id}/dns/rules", admin(requireEnabled(dns, "DNS override", s.listUserRules)))
	router.Handle("POST /users/{id}/dns/rules", admin(requireEnabled(dns, "DNS override", s.addUserRule)))
	router.Handle("DELETE /users/{id}/dns/rules/{ruleID}", admin(requireEnabled(dns, "DNS override", s.removeUserRule)))
	router.Handle("GET /dns/resolve", admin(requireEnabled(dns, "DNS override", s.resolveDomain)))
	router.Handle("POST /dns/cache/clear", admin(requireEnabled(dns, "DNS override", s.clearDNSCache)))
	router.Handle("GET /dns/config", admin(requireEnabled(dns, "DNS override", s.dnsConfig)))
	router.Handle("GET /dns/hosts", admin(requireEnabled(dns, "DNS override", s.dnsHosts)))
	router.Handle("GET /dns/stats", admin(http.HandlerFunc(s.dnsStats)))

	block := s.engines.Blocklist
	router.Handle("GET /adblock/lists", admin(requireEnabled(block, "Ad blocking", s.listSubscriptions)))
	router.Handle("POST /adblock/lists", admin(requireEnabled(block, "Ad blocking", s.createSubscription)))
	router.Handle("PATCH /adblock/lists/{id}", admin(requireEnabled(block, "Ad blocking", s.toggleSubscription)))
	router.Handle("DELETE /adblock/lists/{id}", admin(requireEnabled(block, "Ad blocking", s.deleteSubscription)))
	router.Handle("POST /adblock/lists/{id}/update", admin(requireEnabled(block, "Ad blocking", s.updateSubscription)))
	router.Handle("POST /adblock/refresh", admin(requireEnabled(block, "Ad blocking", s.refreshBlockCache)))
	router.Handle("GET /adblock/check", admin(requireEnabled(block, "Ad blocking", s.checkDomain)))
	router.Handle("GET /adblock/stats", admin(http.HandlerFunc(s.blockStats)))
	router.Handle("POST /users/{id}/adblock/domains", admin(requireEnabled(block, "Ad blocking", s.addUserDomain)))
	router.Handle("DELETE /users/{id}/adblock/domains", admin(requireEnabled(block, "Ad blocking", s.removeUserDomain)))
	router.Handle("PUT /users/{id}/adblock", admin(requireEnabled(block, "Ad blocking", s.setUserAdblock)))
	router.Handle("PUT /nodes/{id}/adblock", admin(requireEnabled(block, "Ad blocking", s.setNodeAdblock)))

	ab := s.engines.Abuse
	router.Handle("POST /abuse/torrent", admin(requireEnabled(ab, "Abuse detection", s.reportTorrent)))
	router.Handle("POST /abuse/traffic", admin(requireEnabled(ab, "Abuse detection", s.reportTraffic)))
	router.Handle("GET /abuse/violations", admin(requireEnabled(ab, "Abuse detection", s.listViolations)))
	router.Handle("POST /abuse/violations/{id}/resolve", admin(requireEnabled(ab, "Abuse detection", s.resolveViolation)))
	router.Handle("GET /abuse/users/{username}/violations", admin(requireEnabled(ab, "Abuse detection", s.violationCount)))
	router.Handle("GET /abuse/fail2ban/jail", admin(requireEnabled(ab, "Abuse detection", s.jailConfig)))
	router.Handle("GET /abuse/fail2ban/filter", admin(requireEnabled(ab, "Abuse detection", s.filterConfig)))
	router.Handle("GET /abuse/stats", admin(http.HandlerFunc(s.abuseStats)))

	router.Handle("GET /services/status", admin(http.HandlerFunc(s.servicesStatus)))
	router.Handle("GET /services/health", admin(http.HandlerFunc(s.servicesHealth)))
	router.Handle("GET /services/metrics", admin(http.HandlerFunc(s.servicesMetrics)))
	router.Handle("POST /services/{name}/restart", admin(http.HandlerFunc(s.restartService)))

	return enableCORS(router)
}

// Serve runs the API until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting policy API on port :%d", s.port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("API shutdown", "error", err)
	}
	return ctx.Err()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	report := s.engines.Coordinator.HealthCheck(r.Context())
	status := http.StatusOK
	if report.Overall == coordinator.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": report.Overall})
}
