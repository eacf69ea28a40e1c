// Package abuse classifies abusive traffic and records violations.
//
// Every violation is appended to a line ledger consumed by an external ban
// tool and stored as a TrafficViolation row. The engine never bans anyone
// itself; the only enforcement it triggers is disconnecting a user caught
// running BitTorrent, and only when configured to.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
	"github.com/Kavis1/enhanced-marzban/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
)

const defaultMaxViolations = 5

type Store interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userID uint) (domain.User, error)
	CreateViolation(ctx context.Context, v *domain.TrafficViolation) error
	ListViolations(ctx context.Context, filter domain.ViolationFilter) ([]domain.TrafficViolation, error)
	ResolveViolation(ctx context.Context, id uint, at time.Time) error
}

// Disconnector drops every connection of a user. The admission engine
// implements it.
type Disconnector interface {
	ForceDisconnectAll(ctx context.Context, userID uint, reason string) int
}

type Config struct {
	Enabled             bool
	LogPath             string
	MaxViolations       int
	TorrentDetection    bool
	TrafficAnalysis     bool
	DisconnectOnTorrent bool
}

type Engine struct {
	cfg          Config
	store        Store
	ledger       *Ledger
	geo          CountryLookup
	disconnector atomic.Pointer[Disconnector]
	logger       *log.Logger
	now          func() time.Time

	initialized atomic.Bool
}

type Option func(*Engine)

func WithCountryLookup(geo CountryLookup) Option {
	return func(e *Engine) {
		e.geo = geo
	}
}

func WithDisconnector(d Disconnector) Option {
	return func(e *Engine) {
		e.SetDisconnector(d)
	}
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(cfg Config, store Store, opts ...Option) *Engine {
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = defaultMaxViolations
	}
	if strings.TrimSpace(cfg.LogPath) == "" {
		cfg.LogPath = "/var/log/marzban/violations.log"
	}

	e := &Engine{
		cfg:    cfg,
		store:  store,
		ledger: NewLedger(cfg.LogPath),
		logger: log.Default().WithPrefix("abuse"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) SetDisconnector(d Disconnector) {
	if d == nil {
		e.disconnector.Store(nil)
		return
	}
	e.disconnector.Store(&d)
}

func (e *Engine) Name() string {
	return "fail2ban_logger"
}

func (e *Engine) Enabled() bool {
	return e.cfg.Enabled
}

// Init prepares the ledger and proves it is writable with a test entry.
func (e *Engine) Init(ctx context.Context) error {
	if !e.cfg.Enabled {
		e.logger.Info("Abuse detection is disabled")
		return nil
	}
	if err := e.ledger.Ensure(); err != nil {
		return err
	}
	err := e.ledger.Append(Entry{
		Time:    e.now(),
		Type:    "TEST",
		IP:      "127.0.0.1",
		User:    "test_user",
		Action:  "initialized",
		Details: map[string]any{"test": true},
	})
	if err != nil {
		return fmt.Errorf("ledger not writable: %w", err)
	}
	e.initialized.Store(true)
	e.logger.Info("Abuse detection initialized", "ledger", e.ledger.Path())
	return nil
}

// Cleanup leaves the country lookup open so a restart can reuse it; its
// owner closes it at shutdown.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.initialized.Store(false)
	return nil
}

func (e *Engine) Initialized() bool {
	return e.initialized.Load()
}

// DetectTorrentTraffic classifies payload. It is false whenever torrent
// detection is switched off.
func (e *Engine) DetectTorrentTraffic(payload []byte) bool {
	if !e.cfg.TorrentDetection {
		return false
	}
	return DetectTorrentTraffic(payload)
}

// AnalyzeTrafficPattern flags suspicious volume. It is empty whenever traffic
// analysis is switched off.
func (e *Engine) AnalyzeTrafficPattern(bytesTransferred, connectionCount int64, windowSeconds int) []domain.ViolationKind {
	if !e.cfg.TrafficAnalysis {
		return nil
	}
	return AnalyzeTrafficPattern(bytesTransferred, connectionCount, windowSeconds)
}

func (e *Engine) LogTorrentViolation(ip, username string, details map[string]any) error {
	if !e.cfg.Enabled || !e.cfg.TorrentDetection {
		return nil
	}
	return e.write(domain.ViolationTorrent, "TORRENT", ip, username, "detected", details)
}

func (e *Engine) LogSuspiciousActivity(ip, username string, kind domain.ViolationKind, details map[string]any) error {
	if !e.cfg.Enabled || !e.cfg.TrafficAnalysis {
		return nil
	}
	return e.write(kind, "SUSPICIOUS_"+strings.ToUpper(string(kind)), ip, username, "detected", details)
}

func (e *Engine) LogConnectionLimitViolation(ip, username string, current, limit int) error {
	if !e.cfg.Enabled {
		return nil
	}
	details := map[string]any{"current_connections": current, "max_connections": limit}
	return e.write(domain.ViolationConnectionLimit, "CONNECTION_LIMIT", ip, username, "blocked", details)
}

func (e *Engine) LogUserSuspended(ip, username, reason string) error {
	if !e.cfg.Enabled {
		return nil
	}
	return e.write(domain.ViolationSuspended, "USER_SUSPENDED", ip, username, "suspended", map[string]any{"reason": reason})
}

func (e *Engine) write(kind domain.ViolationKind, typ, ip, username, action string, details map[string]any) error {
	err := e.ledger.Append(Entry{Time: e.now(), Type: typ, IP: ip, User: username, Action: action, Details: e.withCountry(ip, details)})
	if err != nil {
		e.logger.Error("Failed to write violation ledger", "type", typ, "error", err)
		return err
	}
	metrics.Violations.WithLabelValues(string(kind)).Inc()
	e.logger.Warn("Violation recorded", "type", typ, "user", username, "ip", ip)
	return nil
}

// ReportConnectionLimit writes the ledger line and stores a violation row for
// a denied admission.
func (e *Engine) ReportConnectionLimit(ctx context.Context, user domain.User, ip string, current, limit int) error {
	if !e.cfg.Enabled {
		return nil
	}
	ledgerErr := e.LogConnectionLimitViolation(ip, user.Username, current, limit)
	_, storeErr := e.record(ctx, user.ID, domain.ViolationConnectionLimit, ip, map[string]any{
		"current_connections": current,
		"max_connections":     limit,
	})
	return errors.Join(ledgerErr, storeErr)
}

// TorrentVerdict is the outcome of ReportTorrent.
type TorrentVerdict struct {
	Detected     bool `json:"detected"`
	ViolationID  uint `json:"violation_id,omitempty"`
	Disconnected int  `json:"disconnected"`
}

// ReportTorrent inspects a payload sample captured for userID. On detection it
// records the violation and, when configured, disconnects the user.
func (e *Engine) ReportTorrent(ctx context.Context, userID uint, ip string, payload []byte) (TorrentVerdict, error) {
	if !e.cfg.Enabled || !e.DetectTorrentTraffic(payload) {
		return TorrentVerdict{}, nil
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return TorrentVerdict{}, err
	}

	verdict := TorrentVerdict{Detected: true}
	details := map[string]any{"sample_bytes": len(payload)}
	ledgerErr := e.LogTorrentViolation(ip, user.Username, details)
	v, storeErr := e.record(ctx, userID, domain.ViolationTorrent, ip, details)
	verdict.ViolationID = v.ID

	if e.cfg.DisconnectOnTorrent {
		if d := e.disconnector.Load(); d != nil {
			verdict.Disconnected = (*d).ForceDisconnectAll(ctx, userID, "torrent")
			if verdict.Disconnected > 0 {
				_ = e.LogUserSuspended(ip, user.Username, "torrent traffic")
			}
		}
	}
	return verdict, errors.Join(ledgerErr, storeErr)
}

// ReportTraffic runs the traffic heuristics for userID and records every
// flagged kind.
func (e *Engine) ReportTraffic(ctx context.Context, userID uint, ip string, bytesTransferred, connectionCount int64, windowSeconds int) ([]domain.ViolationKind, error) {
	if !e.cfg.Enabled {
		return nil, nil
	}
	kinds := e.AnalyzeTrafficPattern(bytesTransferred, connectionCount, windowSeconds)
	if len(kinds) == 0 {
		return nil, nil
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	details := map[string]any{
		"bytes_transferred": bytesTransferred,
		"connection_count":  connectionCount,
		"window_seconds":    windowSeconds,
	}
	var errs []error
	for _, kind := range kinds {
		errs = append(errs, e.LogSuspiciousActivity(ip, user.Username, kind, details))
		_, err := e.record(ctx, userID, kind, ip, details)
		errs = append(errs, err)
	}
	return kinds, errors.Join(errs...)
}

func (e *Engine) record(ctx context.Context, userID uint, kind domain.ViolationKind, ip string, details map[string]any) (domain.TrafficViolation, error) {
	raw, err := json.Marshal(e.withCountry(ip, details))
	if err != nil {
		return domain.TrafficViolation{}, fmt.Errorf("encode violation details: %w", err)
	}
	v := domain.TrafficViolation{
		UserID:        userID,
		ViolationType: kind,
		IPAddress:     ip,
		Details:       string(raw),
	}
	if err := e.store.CreateViolation(ctx, &v); err != nil {
		e.logger.Error("Failed to store violation", "user_id", userID, "kind", kind, "error", err)
		return domain.TrafficViolation{}, err
	}
	return v, nil
}

// withCountry returns a copy of details carrying the country of ip when it is
// known. Callers reuse one details map across several events.
func (e *Engine) withCountry(ip string, details map[string]any) map[string]any {
	if e.geo == nil {
		return details
	}
	country := e.geo.CountryCode(ip)
	if country == "" {
		return details
	}
	out := maps.Clone(details)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out["country"] = country
	return out
}

// ViolationCountSince counts ledger entries for username in the last hours.
func (e *Engine) ViolationCountSince(username string, hours int) int {
	if !e.cfg.Enabled {
		return 0
	}
	if hours <= 0 {
		hours = 24
	}
	count, err := e.ledger.CountSince(username, e.now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		e.logger.Error("Failed to count violations", "user", username, "error", err)
		return 0
	}
	return count
}

func (e *Engine) Violations(ctx context.Context, filter domain.ViolationFilter) ([]domain.TrafficViolation, error) {
	return e.store.ListViolations(ctx, filter)
}

func (e *Engine) ResolveViolation(ctx context.Context, id uint) error {
	return e.store.ResolveViolation(ctx, id, e.now().UTC())
}

func (e *Engine) JailConfig() string {
	return JailConfig(e.cfg.LogPath, e.cfg.MaxViolations)
}

func (e *Engine) FilterConfig() string {
	return FilterConfig()
}

type Stats struct {
	Enabled             bool   `json:"enabled"`
	LogPath             string `json:"log_path"`
	LogSizeBytes        int64  `json:"log_size_bytes"`
	MaxViolations       int    `json:"max_violations"`
	TorrentDetection    bool   `json:"torrent_detection"`
	TrafficAnalysis     bool   `json:"traffic_analysis"`
	DisconnectOnTorrent bool   `json:"disconnect_on_torrent"`
	OpenViolations      int    `json:"open_violations"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Enabled:             e.cfg.Enabled,
		LogPath:             e.cfg.LogPath,
		MaxViolations:       e.cfg.MaxViolations,
		TorrentDetection:    e.cfg.TorrentDetection,
		TrafficAnalysis:     e.cfg.TrafficAnalysis,
		DisconnectOnTorrent: e.cfg.DisconnectOnTorrent,
	}
	if info, err := os.Stat(e.cfg.LogPath); err == nil {
		stats.LogSizeBytes = info.Size()
	}
	if !e.cfg.Enabled {
		return stats, nil
	}
	open, err := e.store.ListViolations(ctx, domain.ViolationFilter{Unresolved: true, Limit: 1000})
	if err != nil {
		return stats, err
	}
	stats.OpenViolations = len(open)
	return stats, nil
}

// HealthCheck requires the ledger directory to exist and the store to answer.
func (e *Engine) HealthCheck(ctx context.Context) bool {
	if !e.cfg.Enabled {
		return true
	}
	if !e.initialized.Load() {
		return false
	}
	if info, err := os.Stat(filepath.Dir(e.cfg.LogPath)); err != nil || !info.IsDir() {
		e.logger.Error("Violation ledger directory missing", "path", e.cfg.LogPath)
		return false
	}
	if err := e.store.Ping(ctx); err != nil {
		e.logger.Error("Abuse health check failed", "error", err)
		return false
	}
	return true
}
