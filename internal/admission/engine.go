// Package admission enforces per-user concurrent connection limits.
//
// A user holds a set of active source IPs. A new IP is admitted while the set
// is below the user's limit; an IP already in the set is a reconnection and is
// always admitted. Idle entries are evicted by periodic maintenance.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
	"github.com/Kavis1/enhanced-marzban/internal/jobs/periodic"
	"github.com/Kavis1/enhanced-marzban/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultMaxConnections   = 3
	defaultTrackingInterval = time.Minute
	defaultStaleAfter       = 5 * time.Minute
	defaultRetention        = 30 * 24 * time.Hour
	defaultStopTimeout      = 5 * time.Second
	restoreWindow           = time.Hour

	ReasonStale  = "stale"
	ReasonManual = "manual"
)

type Store interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userID uint) (domain.User, error)
	SetConnectionCount(ctx context.Context, userID uint, count int) error
	CreateConnectionLog(ctx context.Context, entry *domain.ConnectionLog) error
	TouchConnection(ctx context.Context, userID uint, ip string, at time.Time, bytesSent, bytesReceived int64) error
	CloseConnections(ctx context.Context, userID uint, ip string, at time.Time, reason string) (int64, error)
	ActiveConnectionsSince(ctx context.Context, since time.Time) ([]domain.ConnectionLog, error)
	PurgeConnectionLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// ViolationReporter receives denied admissions. The abuse engine implements it.
type ViolationReporter interface {
	ReportConnectionLimit(ctx context.Context, user domain.User, ip string, current, limit int) error
}

type Config struct {
	Enabled               bool
	DefaultMaxConnections int
	TrackingInterval      time.Duration
	StaleAfter            time.Duration
	Retention             time.Duration
	StopTimeout           time.Duration
}

type Request struct {
	UserID     uint   `json:"user_id" validate:"required"`
	IP         string `json:"ip" validate:"required,ip"`
	NodeID     *uint  `json:"node_id,omitempty"`
	Protocol   string `json:"protocol,omitempty" validate:"max=32"`
	InboundTag string `json:"inbound_tag,omitempty" validate:"max=128"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// ConnectionInfo describes one admitted connection held in memory.
type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	UserID       uint      `json:"user_id"`
	IP           string    `json:"ip"`
	NodeID       *uint     `json:"node_id,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

type connKey struct {
	userID uint
	ip     string
}

type Engine struct {
	cfg      Config
	store    Store
	reporter ViolationReporter
	logger   *log.Logger
	now      func() time.Time

	mu           sync.RWMutex
	active       map[uint]map[string]struct{}
	lastActivity map[connKey]time.Time
	details      map[string]ConnectionInfo
	connIDs      map[connKey]string
	byIP         map[string]map[uint]struct{}

	defaultMax  atomic.Int64
	task        *periodic.Task
	initialized atomic.Bool
}

type Option func(*Engine)

func WithViolationReporter(r ViolationReporter) Option {
	return func(e *Engine) {
		e.reporter = r
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
	if cfg.DefaultMaxConnections <= 0 {
		cfg.DefaultMaxConnections = defaultMaxConnections
	}
	if cfg.TrackingInterval <= 0 {
		cfg.TrackingInterval = defaultTrackingInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	e := &Engine{
		cfg:          cfg,
		store:        store,
		logger:       log.Default().WithPrefix("admission"),
		now:          time.Now,
		active:       make(map[uint]map[string]struct{}),
		lastActivity: make(map[connKey]time.Time),
		details:      make(map[string]ConnectionInfo),
		connIDs:      make(map[connKey]string),
		byIP:         make(map[string]map[uint]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.defaultMax.Store(int64(cfg.DefaultMaxConnections))
	e.task = periodic.New("connection-maintenance", cfg.TrackingInterval, e.maintain, periodic.WithLogger(e.logger))
	return e
}

// SetViolationReporter wires the reporter after construction. The abuse engine
// and this engine reference each other, so one side is set late.
func (e *Engine) SetViolationReporter(r ViolationReporter) {
	e.mu.Lock()
	e.reporter = r
	e.mu.Unlock()
}

func (e *Engine) Name() string {
	return "connection_tracker"
}

func (e *Engine) Enabled() bool {
	return e.cfg.Enabled
}

func (e *Engine) SetDefaultMaxConnections(n int) {
	if n > 0 {
		e.defaultMax.Store(int64(n))
	}
}

func (e *Engine) SetTrackingInterval(d time.Duration) {
	if d > 0 {
		e.task.SetInterval(d)
	}
}

// Init restores connections active within the last hour and starts maintenance.
func (e *Engine) Init(ctx context.Context) error {
	if !e.cfg.Enabled {
		e.logger.Info("Connection tracking is disabled")
		return nil
	}

	rows, err := e.store.ActiveConnectionsSince(ctx, e.now().Add(-restoreWindow))
	if err != nil {
		return fmt.Errorf("restore active connections: %w", err)
	}

	e.mu.Lock()
	for _, row := range rows {
		e.trackLocked(ConnectionInfo{
			ConnectionID: row.ConnectionID,
			UserID:       row.UserID,
			IP:           row.IPAddress,
			NodeID:       row.NodeID,
			Protocol:     row.Protocol,
			ConnectedAt:  row.ConnectedAt,
			LastActivity: row.LastActivity,
		})
	}
	total := len(e.lastActivity)
	e.mu.Unlock()
	metrics.ActiveConnections.Set(float64(total))

	e.task.Start(context.WithoutCancel(ctx))
	e.initialized.Store(true)
	e.logger.Info("Connection tracking initialized", "restored", total)
	return nil
}

// Cleanup stops maintenance and drops the in-memory projection. Stored rows
// stay active so the next Init can restore them.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.initialized.Store(false)
	if !e.task.Stop(e.cfg.StopTimeout) {
		e.logger.Warn("Connection maintenance still running at shutdown")
	}

	e.mu.Lock()
	e.active = make(map[uint]map[string]struct{})
	e.lastActivity = make(map[connKey]time.Time)
	e.details = make(map[string]ConnectionInfo)
	e.connIDs = make(map[connKey]string)
	e.byIP = make(map[string]map[uint]struct{})
	e.mu.Unlock()
	metrics.ActiveConnections.Set(0)
	return nil
}

func (e *Engine) Initialized() bool {
	return e.initialized.Load()
}

// Admit decides whether req may open a connection. A false result with a nil
// error is a denial; errors are reserved for unknown users, bad input and
// storage failures, none of which change the in-memory state.
func (e *Engine) Admit(ctx context.Context, req Request) (bool, error) {
	if !e.cfg.Enabled {
		return true, nil
	}
	ip, err := normalizeIP(req.IP)
	if err != nil {
		return false, err
	}
	key := connKey{userID: req.UserID, ip: ip}
	now := e.now()

	if e.touch(key, now) {
		if err := e.store.TouchConnection(ctx, req.UserID, ip, now, 0, 0); err != nil {
			e.logger.Warn("Failed to persist reconnection activity", "user_id", req.UserID, "ip", ip, "error", err)
		}
		metrics.AdmissionDecisions.WithLabelValues("reconnect").Inc()
		return true, nil
	}

	user, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		metrics.AdmissionDecisions.WithLabelValues("error").Inc()
		return false, err
	}
	limit := e.limitFor(user)

	info := ConnectionInfo{
		ConnectionID: uuid.NewString(),
		UserID:       req.UserID,
		IP:           ip,
		NodeID:       req.NodeID,
		Protocol:     req.Protocol,
		ConnectedAt:  now,
		LastActivity: now,
	}

	// The slot is reserved before the store write so two concurrent admits
	// cannot both take the last free slot.
	e.mu.Lock()
	if _, ok := e.active[req.UserID][ip]; ok {
		e.lastActivity[key] = now
		e.mu.Unlock()
		metrics.AdmissionDecisions.WithLabelValues("reconnect").Inc()
		return true, nil
	}
	current := len(e.active[req.UserID])
	if current >= limit {
		reporter := e.reporter
		e.mu.Unlock()

		metrics.AdmissionDecisions.WithLabelValues("denied").Inc()
		e.logger.Warn("Connection limit exceeded", "user", user.Username, "ip", ip, "current", current, "limit", limit)
		if reporter != nil {
			if err := reporter.ReportConnectionLimit(ctx, user, ip, current, limit); err != nil {
				e.logger.Warn("Failed to report connection limit violation", "user", user.Username, "error", err)
			}
		}
		return false, nil
	}
	e.trackLocked(info)
	count := len(e.active[req.UserID])
	e.mu.Unlock()

	entry := domain.ConnectionLog{
		ConnectionID: info.ConnectionID,
		UserID:       req.UserID,
		IPAddress:    ip,
		NodeID:       req.NodeID,
		Protocol:     req.Protocol,
		InboundTag:   req.InboundTag,
		UserAgent:    req.UserAgent,
		ConnectedAt:  now,
		LastActivity: now,
		Active:       true,
	}
	if err := e.store.CreateConnectionLog(ctx, &entry); err != nil {
		e.mu.Lock()
		e.untrackLocked(key)
		e.mu.Unlock()
		metrics.AdmissionDecisions.WithLabelValues("error").Inc()
		return false, err
	}
	if err := e.store.SetConnectionCount(ctx, req.UserID, count); err != nil {
		e.logger.Warn("Failed to persist connection count", "user_id", req.UserID, "error", err)
	}

	metrics.AdmissionDecisions.WithLabelValues("admitted").Inc()
	metrics.ActiveConnections.Set(float64(e.totalActive()))
	e.logger.Debug("Connection admitted", "user", user.Username, "ip", ip, "count", count, "limit", limit)
	return true, nil
}

// Release ends the connection of userID from ip. Releasing an unknown pair is
// a successful no-op.
func (e *Engine) Release(ctx context.Context, userID uint, rawIP, reason string) error {
	if !e.cfg.Enabled {
		return nil
	}
	ip, err := normalizeIP(rawIP)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = ReasonManual
	}

	e.mu.Lock()
	removed := e.untrackLocked(connKey{userID: userID, ip: ip})
	remaining := len(e.active[userID])
	e.mu.Unlock()
	if !removed {
		return nil
	}

	metrics.ActiveConnections.Set(float64(e.totalActive()))
	return e.persistRelease(ctx, userID, ip, reason, remaining)
}

func (e *Engine) persistRelease(ctx context.Context, userID uint, ip, reason string, remaining int) error {
	var errs []error
	if _, err := e.store.CloseConnections(ctx, userID, ip, e.now(), reason); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.SetConnectionCount(ctx, userID, remaining); err != nil && !errors.Is(err, domain.ErrNotFound) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("Failed to persist connection release", "user_id", userID, "ip", ip, "error", err)
		return err
	}
	e.logger.Debug("Connection released", "user_id", userID, "ip", ip, "reason", reason)
	return nil
}

// CheckAllowed answers what Admit would decide without changing anything.
func (e *Engine) CheckAllowed(ctx context.Context, userID uint, rawIP string) (bool, string) {
	if !e.cfg.Enabled {
		return true, "Connection tracking disabled"
	}
	ip, err := normalizeIP(rawIP)
	if err != nil {
		return false, "Invalid IP address"
	}

	e.mu.RLock()
	_, connected := e.active[userID][ip]
	current := len(e.active[userID])
	e.mu.RUnlock()
	if connected {
		return true, "IP already connected"
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, "User not found"
		}
		return false, "User lookup failed"
	}
	limit := e.limitFor(user)
	if current >= limit {
		return false, fmt.Sprintf("Connection limit exceeded (%d/%d)", current, limit)
	}
	return true, fmt.Sprintf("Connection allowed (%d/%d)", current+1, limit)
}

// Heartbeat records activity and traffic on an admitted connection.
func (e *Engine) Heartbeat(ctx context.Context, userID uint, rawIP string, bytesSent, bytesReceived int64) error {
	if !e.cfg.Enabled {
		return nil
	}
	ip, err := normalizeIP(rawIP)
	if err != nil {
		return err
	}
	if bytesSent < 0 || bytesReceived < 0 {
		return fmt.Errorf("%w: traffic counters must not be negative", domain.ErrValidation)
	}
	now := e.now()
	if !e.touch(connKey{userID: userID, ip: ip}, now) {
		return fmt.Errorf("%w: no active connection for user %d from %s", domain.ErrNotFound, userID, ip)
	}
	return e.store.TouchConnection(ctx, userID, ip, now, bytesSent, bytesReceived)
}

// ForceDisconnectAll releases every active IP of userID and returns how many
// were released.
func (e *Engine) ForceDisconnectAll(ctx context.Context, userID uint, reason string) int {
	if !e.cfg.Enabled {
		return 0
	}
	if reason == "" {
		reason = ReasonManual
	}

	e.mu.Lock()
	ips := make([]string, 0, len(e.active[userID]))
	for ip := range e.active[userID] {
		ips = append(ips, ip)
	}
	for _, ip := range ips {
		e.untrackLocked(connKey{userID: userID, ip: ip})
	}
	e.mu.Unlock()

	if len(ips) == 0 {
		return 0
	}
	metrics.ActiveConnections.Set(float64(e.totalActive()))
	for _, ip := range ips {
		_ = e.persistRelease(ctx, userID, ip, reason, 0)
	}
	e.logger.Info("Force disconnected user", "user_id", userID, "connections", len(ips), "reason", reason)
	return len(ips)
}

type UserConnections struct {
	UserID      uint             `json:"user_id"`
	Count       int              `json:"count"`
	Connections []ConnectionInfo `json:"connections"`
}

func (e *Engine) UserConnections(userID uint) UserConnections {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := UserConnections{UserID: userID, Connections: []ConnectionInfo{}}
	for ip := range e.active[userID] {
		key := connKey{userID: userID, ip: ip}
		info := e.details[e.connIDs[key]]
		info.LastActivity = e.lastActivity[key]
		out.Connections = append(out.Connections, info)
	}
	out.Count = len(out.Connections)
	return out
}

// UserForIP returns the user most recently active from ip.
func (e *Engine) UserForIP(rawIP string) (uint, bool) {
	ip, err := normalizeIP(rawIP)
	if err != nil {
		return 0, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var (
		best   uint
		bestAt time.Time
		found  bool
	)
	for userID := range e.byIP[ip] {
		at := e.lastActivity[connKey{userID: userID, ip: ip}]
		if !found || at.After(bestAt) || (at.Equal(bestAt) && userID < best) {
			best, bestAt, found = userID, at, true
		}
	}
	return best, found
}

type Stats struct {
	Enabled               bool           `json:"enabled"`
	TotalActive           int            `json:"total_active_connections"`
	ActiveUsers           int            `json:"active_users"`
	DefaultMaxConnections int            `json:"default_max_connections"`
	TrackingInterval      time.Duration  `json:"tracking_interval"`
	Maintenance           periodic.Stats `json:"maintenance_task"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	total := len(e.lastActivity)
	users := len(e.active)
	e.mu.RUnlock()

	return Stats{
		Enabled:               e.cfg.Enabled,
		TotalActive:           total,
		ActiveUsers:           users,
		DefaultMaxConnections: int(e.defaultMax.Load()),
		TrackingInterval:      e.task.Interval(),
		Maintenance:           e.task.Stats(),
	}
}

func (e *Engine) HealthCheck(ctx context.Context) bool {
	if !e.cfg.Enabled {
		return true
	}
	if !e.initialized.Load() {
		return false
	}
	if err := e.store.Ping(ctx); err != nil {
		e.logger.Error("Connection tracking health check failed", "error", err)
		return false
	}
	return true
}

func (e *Engine) limitFor(user domain.User) int {
	if user.MaxConnections > 0 {
		return user.MaxConnections
	}
	return int(e.defaultMax.Load())
}

// touch refreshes the activity of an active pair and reports whether it was active.
func (e *Engine) touch(key connKey, now time.Time) bool {
	e.mu.RLock()
	_, ok := e.active[key.userID][key.ip]
	e.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[key.userID][key.ip]; !ok {
		return false
	}
	e.lastActivity[key] = now
	return true
}

func (e *Engine) trackLocked(info ConnectionInfo) {
	ips, ok := e.active[info.UserID]
	if !ok {
		ips = make(map[string]struct{})
		e.active[info.UserID] = ips
	}
	ips[info.IP] = struct{}{}

	users, ok := e.byIP[info.IP]
	if !ok {
		users = make(map[uint]struct{})
		e.byIP[info.IP] = users
	}
	users[info.UserID] = struct{}{}

	key := connKey{userID: info.UserID, ip: info.IP}
	if prev, ok := e.connIDs[key]; ok {
		delete(e.details, prev)
	}
	e.lastActivity[key] = info.LastActivity
	e.connIDs[key] = info.ConnectionID
	e.details[info.ConnectionID] = info
}

func (e *Engine) untrackLocked(key connKey) bool {
	ips, ok := e.active[key.userID]
	if !ok {
		return false
	}
	if _, ok := ips[key.ip]; !ok {
		return false
	}
	delete(ips, key.ip)
	if len(ips) == 0 {
		delete(e.active, key.userID)
	}
	if users := e.byIP[key.ip]; users != nil {
		delete(users, key.userID)
		if len(users) == 0 {
			delete(e.byIP, key.ip)
		}
	}
	delete(e.lastActivity, key)
	delete(e.details, e.connIDs[key])
	delete(e.connIDs, key)
	return true
}

func (e *Engine) totalActive() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.lastActivity)
}

func normalizeIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: invalid ip address %q", domain.ErrValidation, raw)
	}
	return addr.Unmap().String(), nil
}
