// Package dnsoverride answers domain lookups from admin-defined overrides.
//
// User rules always win over global rules. Within a tier rules are tried in
// priority order (highest first, lowest id on ties) and the first match wins.
// Positive answers are cached for the configured TTL; rule changes do not
// flush the cache, so a cached answer may outlive its rule by up to one TTL.
package dnsoverride

import (
	"context"
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
)

const (
	defaultCacheTTL        = 5 * time.Minute
	defaultRefreshInterval = time.Hour
	defaultStopTimeout     = 5 * time.Second
)

type Store interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userID uint) (domain.User, error)
	EnabledGlobalRules(ctx context.Context) ([]domain.DNSRule, error)
	EnabledUserRules(ctx context.Context) ([]domain.UserDNSRule, error)
	CreateGlobalRule(ctx context.Context, rule *domain.DNSRule) error
	CreateUserRule(ctx context.Context, rule *domain.UserDNSRule) error
	DeleteGlobalRule(ctx context.Context, ruleID uint) error
	DeleteUserRule(ctx context.Context, ruleID uint) error
}

type Config struct {
	Enabled         bool
	CacheTTL        time.Duration
	RefreshInterval time.Duration
	Servers         []string
	StopTimeout     time.Duration
}

// RuleInput describes a new override. A nil Priority means DefaultRulePriority.
type RuleInput struct {
	Domain      string `json:"domain" validate:"required,max=253"`
	TargetIP    string `json:"target_ip" validate:"required,ip"`
	Priority    *int   `json:"priority,omitempty"`
	Description string `json:"description,omitempty" validate:"max=1024"`
}

type Resolver struct {
	cfg    Config
	store  Store
	logger *log.Logger
	now    func() time.Time

	cacheTTL atomic.Int64
	rules    atomic.Pointer[ruleSnapshot]
	writeMu  sync.Mutex
	cache    *resolutionCache
	task     *periodic.Task

	initialized atomic.Bool
}

type Option func(*Resolver)

func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

func New(cfg Config, store Store, opts ...Option) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	r := &Resolver{
		cfg:    cfg,
		store:  store,
		logger: log.Default().WithPrefix("dns"),
		now:    time.Now,
		cache:  newResolutionCache(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cacheTTL.Store(int64(cfg.CacheTTL))
	r.rules.Store(emptyRules())
	r.task = periodic.New("dns-refresh", cfg.RefreshInterval, r.maintain, periodic.WithLogger(r.logger))
	return r
}

func (r *Resolver) Name() string {
	return "dns_override"
}

func (r *Resolver) Enabled() bool {
	return r.cfg.Enabled
}

func (r *Resolver) Init(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.logger.Info("DNS overrides are disabled")
		return nil
	}
	if err := r.RefreshRules(ctx); err != nil {
		return fmt.Errorf("load dns rules: %w", err)
	}
	r.task.Start(context.WithoutCancel(ctx))
	r.initialized.Store(true)

	snap := r.rules.Load()
	r.logger.Info("DNS overrides initialized", "global_rules", len(snap.global), "user_rules", snap.userRules)
	return nil
}

func (r *Resolver) Cleanup(ctx context.Context) error {
	r.initialized.Store(false)
	if !r.task.Stop(r.cfg.StopTimeout) {
		r.logger.Warn("DNS refresh still running at shutdown")
	}
	r.cache.clear()
	return nil
}

func (r *Resolver) Initialized() bool {
	return r.initialized.Load()
}

func (r *Resolver) SetCacheTTL(d time.Duration) {
	if d > 0 {
		r.cacheTTL.Store(int64(d))
	}
}

func (r *Resolver) SetRefreshInterval(d time.Duration) {
	if d > 0 {
		r.task.SetInterval(d)
	}
}

// Resolve returns the override target for d. userID may be nil to consult
// global rules only. A false result means "no override", not an error.
func (r *Resolver) Resolve(d string, userID *uint) (string, bool) {
	if !r.cfg.Enabled {
		return "", false
	}
	d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
	if d == "" {
		return "", false
	}

	now := r.now()
	expiresAt := now.Add(time.Duration(r.cacheTTL.Load()))
	snap := r.rules.Load()

	if userID != nil {
		key := userKey{userID: *userID, domain: d}
		if ip, ok := r.cache.getUser(key, now); ok {
			metrics.DNSResolutions.WithLabelValues("user", "cache_hit").Inc()
			return ip, true
		}
		if ip, ok := firstMatch(snap.users[*userID], d); ok {
			r.cache.putUser(key, ip, expiresAt)
			metrics.DNSResolutions.WithLabelValues("user", "rule_hit").Inc()
			return ip, true
		}
	}

	if ip, ok := r.cache.getGlobal(d, now); ok {
		metrics.DNSResolutions.WithLabelValues("global", "cache_hit").Inc()
		return ip, true
	}
	if ip, ok := firstMatch(snap.global, d); ok {
		r.cache.putGlobal(d, ip, expiresAt)
		metrics.DNSResolutions.WithLabelValues("global", "rule_hit").Inc()
		return ip, true
	}

	metrics.DNSResolutions.WithLabelValues("none", "miss").Inc()
	return "", false
}

// RefreshRules reloads enabled rules from the store and publishes them.
func (r *Resolver) RefreshRules(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *Resolver) refreshLocked(ctx context.Context) error {
	global, err := r.store.EnabledGlobalRules(ctx)
	if err != nil {
		return err
	}
	user, err := r.store.EnabledUserRules(ctx)
	if err != nil {
		return err
	}

	snap := buildRules(global, user, r.now())
	r.rules.Store(snap)
	metrics.DNSRules.WithLabelValues("global").Set(float64(len(snap.global)))
	metrics.DNSRules.WithLabelValues("user").Set(float64(snap.userRules))
	r.logger.Debug("DNS rules refreshed", "global", len(snap.global), "user", snap.userRules)
	return nil
}

// ClearCache drops every cached answer and reloads the rules.
func (r *Resolver) ClearCache(ctx context.Context) error {
	r.cache.clear()
	if !r.cfg.Enabled {
		return nil
	}
	return r.RefreshRules(ctx)
}

func (r *Resolver) AddGlobalRule(ctx context.Context, in RuleInput) (Rule, error) {
	if !r.cfg.Enabled {
		return Rule{}, domain.ErrDisabled
	}
	d, ip, priority, err := validateInput(in)
	if err != nil {
		return Rule{}, err
	}

	rule := domain.DNSRule{
		Domain:      d,
		TargetIP:    ip,
		Priority:    priority,
		Enabled:     true,
		Description: in.Description,
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.store.CreateGlobalRule(ctx, &rule); err != nil {
		return Rule{}, err
	}
	if err := r.refreshLocked(ctx); err != nil {
		return Rule{}, err
	}

	r.logger.Info("Added global DNS rule", "domain", d, "target", ip, "priority", priority)
	return Rule{ID: rule.ID, Domain: d, TargetIP: ip, Priority: priority, Description: rule.Description, CreatedAt: rule.CreatedAt}, nil
}

func (r *Resolver) AddUserRule(ctx context.Context, userID uint, in RuleInput) (Rule, error) {
	if !r.cfg.Enabled {
		return Rule{}, domain.ErrDisabled
	}
	d, ip, priority, err := validateInput(in)
	if err != nil {
		return Rule{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return Rule{}, err
	}
	rule := domain.UserDNSRule{
		UserID:      userID,
		Domain:      d,
		TargetIP:    ip,
		Priority:    priority,
		Enabled:     true,
		Description: in.Description,
	}
	if err := r.store.CreateUserRule(ctx, &rule); err != nil {
		return Rule{}, err
	}
	if err := r.refreshLocked(ctx); err != nil {
		return Rule{}, err
	}

	r.logger.Info("Added user DNS rule", "user", user.Username, "domain", d, "target", ip)
	return Rule{ID: rule.ID, UserID: userID, Domain: d, TargetIP: ip, Priority: priority, Description: rule.Description, CreatedAt: rule.CreatedAt}, nil
}

func (r *Resolver) RemoveGlobalRule(ctx context.Context, ruleID uint) error {
	if !r.cfg.Enabled {
		return domain.ErrDisabled
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.store.DeleteGlobalRule(ctx, ruleID); err != nil {
		return err
	}
	r.logger.Info("Removed global DNS rule", "id", ruleID)
	return r.refreshLocked(ctx)
}

func (r *Resolver) RemoveUserRule(ctx context.Context, ruleID uint) error {
	if !r.cfg.Enabled {
		return domain.ErrDisabled
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.store.DeleteUserRule(ctx, ruleID); err != nil {
		return err
	}
	r.logger.Info("Removed user DNS rule", "id", ruleID)
	return r.refreshLocked(ctx)
}

// GlobalRules returns the loaded global rules in precedence order.
func (r *Resolver) GlobalRules() []Rule {
	return append([]Rule(nil), r.rules.Load().global...)
}

// UserRules returns the loaded rules of one user in precedence order.
func (r *Resolver) UserRules(userID uint) []Rule {
	return append([]Rule(nil), r.rules.Load().users[userID]...)
}

type Stats struct {
	Enabled        bool           `json:"enabled"`
	GlobalRules    int            `json:"global_rules"`
	UserRules      int            `json:"user_rules"`
	UsersWithRules int            `json:"users_with_rules"`
	CachedGlobal   int            `json:"cached_global"`
	CachedUser     int            `json:"cached_user"`
	CacheTTL       time.Duration  `json:"cache_ttl"`
	Servers        []string       `json:"servers"`
	LastRefresh    time.Time      `json:"last_refresh"`
	Refresh        periodic.Stats `json:"refresh_task"`
}

func (r *Resolver) Stats() Stats {
	snap := r.rules.Load()
	cachedGlobal, cachedUser := r.cache.sizes()
	return Stats{
		Enabled:        r.cfg.Enabled,
		GlobalRules:    len(snap.global),
		UserRules:      snap.userRules,
		UsersWithRules: len(snap.users),
		CachedGlobal:   cachedGlobal,
		CachedUser:     cachedUser,
		CacheTTL:       time.Duration(r.cacheTTL.Load()),
		Servers:        append([]string(nil), r.cfg.Servers...),
		LastRefresh:    snap.loadedAt,
		Refresh:        r.task.Stats(),
	}
}

func (r *Resolver) HealthCheck(ctx context.Context) bool {
	if !r.cfg.Enabled {
		return true
	}
	if !r.initialized.Load() {
		return false
	}
	if err := r.store.Ping(ctx); err != nil {
		r.logger.Error("DNS health check failed", "error", err)
		return false
	}
	return true
}

func (r *Resolver) maintain(ctx context.Context) error {
	global, user := r.cache.expire(r.now())
	if global+user > 0 {
		r.logger.Debug("Expired DNS cache entries", "global", global, "user", user)
	}
	return r.RefreshRules(ctx)
}

func validateInput(in RuleInput) (string, string, int, error) {
	d, err := domain.NormalizeDomain(in.Domain)
	if err != nil {
		return "", "", 0, err
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(in.TargetIP))
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: invalid target ip %q", domain.ErrValidation, in.TargetIP)
	}
	priority := domain.DefaultRulePriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	return d, addr.String(), priority, nil
}
