// Package blocklist decides whether a domain is blocked for a user on a node.
//
// Three tiers are consulted: global (every enabled subscription list), user
// (each user's custom domains) and node (lists a node opted into). A domain is
// blocked when any tier matches, exactly or through a "*." wildcard entry.
package blocklist

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
	"github.com/Kavis1/enhanced-marzban/internal/jobs/periodic"
	"github.com/Kavis1/enhanced-marzban/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	defaultUpdateInterval = 24 * time.Hour
	defaultStopTimeout    = 10 * time.Second
	updateLockKey         = "marzban:policy:leader:list_update"
)

// Store is the persistence the engine needs.
type Store interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userID uint) (domain.User, error)
	UsersWithCustomDomains(ctx context.Context) ([]domain.User, error)
	SetUserBlockedDomains(ctx context.Context, userID uint, domains domain.DomainSet) error
	SetUserAdblock(ctx context.Context, userID uint, enabled bool) error
	CountUsersWithAdblock(ctx context.Context) (int64, error)
	AdblockNodes(ctx context.Context) ([]domain.Node, error)
	SetNodeAdblock(ctx context.Context, nodeID uint, enabled bool, listIDs domain.IDList) error
	SubscriptionLists(ctx context.Context) ([]domain.SubscriptionList, error)
	GetSubscriptionList(ctx context.Context, listID uint) (domain.SubscriptionList, error)
	CreateSubscriptionList(ctx context.Context, list *domain.SubscriptionList) error
	EnsureSubscriptionLists(ctx context.Context, lists []domain.SubscriptionList) (int64, error)
	SetSubscriptionListEnabled(ctx context.Context, listID uint, enabled bool) error
	DeleteSubscriptionList(ctx context.Context, listID uint) error
	ReplaceListDomains(ctx context.Context, listID uint, domains []string, updatedAt time.Time) error
	EnabledListDomains(ctx context.Context) ([]string, error)
	ListDomains(ctx context.Context, listIDs []uint) (map[uint][]string, error)
}

type Config struct {
	Enabled              bool
	UpdateInterval       time.Duration
	DefaultLists         []string
	MaxParallelDownloads int
	ProbeDefaultLists    bool
	StopTimeout          time.Duration
}

type Engine struct {
	cfg        Config
	store      Store
	downloader Downloader
	redis      *redis.Client
	logger     *log.Logger
	now        func() time.Time

	snap        atomic.Pointer[snapshot]
	writeMu     sync.Mutex
	updateGroup singleflight.Group
	task        *periodic.Task
	initialized atomic.Bool
}

type Option func(*Engine)

func WithDownloader(d Downloader) Option {
	return func(e *Engine) {
		e.downloader = d
	}
}

// WithRedis restricts scheduled downloads to the instance holding the update
// lock. Without it every instance downloads on its own schedule.
func WithRedis(client *redis.Client) Option {
	return func(e *Engine) {
		e.redis = client
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
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaultUpdateInterval
	}
	if cfg.MaxParallelDownloads <= 0 {
		cfg.MaxParallelDownloads = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	e := &Engine{
		cfg:    cfg,
		store:  store,
		logger: log.Default().WithPrefix("blocklist"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.downloader == nil {
		e.downloader = NewFetcher(nil)
	}
	e.snap.Store(emptySnapshot())
	e.task = periodic.New("blocklist-update", cfg.UpdateInterval, e.scheduledUpdate,
		periodic.RunImmediately(), periodic.WithLogger(e.logger))
	return e
}

func (e *Engine) Name() string {
	return "blocklist"
}

func (e *Engine) Enabled() bool {
	return e.cfg.Enabled
}

// Init seeds the default lists, builds the first snapshot and starts the
// update schedule. Stale lists are downloaded by the first scheduled run.
func (e *Engine) Init(ctx context.Context) error {
	if !e.cfg.Enabled {
		e.logger.Info("Domain blocking is disabled")
		return nil
	}

	if err := e.EnsureDefaultLists(ctx); err != nil {
		return fmt.Errorf("seed default lists: %w", err)
	}
	if err := e.RefreshCache(ctx); err != nil {
		return fmt.Errorf("initial cache refresh: %w", err)
	}

	e.task.Start(context.WithoutCancel(ctx))
	e.initialized.Store(true)
	e.logger.Info("Domain blocking initialized", "global_domains", len(e.snap.Load().global))
	return nil
}

func (e *Engine) Cleanup(ctx context.Context) error {
	e.initialized.Store(false)
	if !e.task.Stop(e.cfg.StopTimeout) {
		e.logger.Warn("List update still running at shutdown")
	}
	return nil
}

func (e *Engine) Initialized() bool {
	return e.initialized.Load()
}

// SetUpdateInterval reschedules list downloads.
func (e *Engine) SetUpdateInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.task.SetInterval(d)
}

// IsBlocked reports whether d is blocked globally, for userID or on nodeID.
// Nil IDs skip their tier. It never touches the store.
func (e *Engine) IsBlocked(d string, userID, nodeID *uint) bool {
	blocked, _ := e.Explain(d, userID, nodeID)
	return blocked
}

// Explain is IsBlocked that also names the deciding tier.
func (e *Engine) Explain(d string, userID, nodeID *uint) (bool, Tier) {
	if !e.cfg.Enabled {
		return false, TierNone
	}
	d = normalizeQuery(d)
	if d == "" {
		return false, TierNone
	}
	tier := e.snap.Load().explain(d, userID, nodeID)
	if tier == TierNone {
		metrics.BlockChecks.WithLabelValues("none").Inc()
		return false, TierNone
	}
	metrics.BlockChecks.WithLabelValues(string(tier)).Inc()
	return true, tier
}

// RefreshCache rebuilds every tier from the store and swaps it in atomically.
func (e *Engine) RefreshCache(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next, err := e.buildSnapshot(ctx)
	if err != nil {
		return err
	}
	e.snap.Store(next)
	e.publishSizes(next)

	e.logger.Debug("Blocklist cache refreshed",
		"global", len(next.global),
		"users", len(next.users),
		"nodes", len(next.nodes),
	)
	return nil
}

func (e *Engine) buildSnapshot(ctx context.Context) (*snapshot, error) {
	next := emptySnapshot()
	next.refreshedAt = e.now()

	globalDomains, err := e.store.EnabledListDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("load list domains: %w", err)
	}
	next.global = newDomainSet(globalDomains...)

	users, err := e.store.UsersWithCustomDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("load user domains: %w", err)
	}
	for _, u := range users {
		if u.CustomBlockedDomains.Corrupt() {
			e.logger.Warn("Ignoring corrupt custom domain list", "user_id", u.ID, "error", domain.ErrCorrupt)
			continue
		}
		if u.CustomBlockedDomains.Len() > 0 {
			next.users[u.ID] = newDomainSet(u.CustomBlockedDomains.Items()...)
		}
	}

	nodes, err := e.store.AdblockNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load adblock nodes: %w", err)
	}
	var listIDs []uint
	for _, n := range nodes {
		if n.AdblockListIDs.Corrupt() {
			e.logger.Warn("Ignoring corrupt node list selection", "node_id", n.ID, "error", domain.ErrCorrupt)
			continue
		}
		listIDs = append(listIDs, n.AdblockListIDs.IDs()...)
	}
	byList, err := e.store.ListDomains(ctx, listIDs)
	if err != nil {
		return nil, fmt.Errorf("load node list domains: %w", err)
	}
	for _, n := range nodes {
		set := domainSet{}
		for _, id := range n.AdblockListIDs.IDs() {
			for _, d := range byList[id] {
				set.add(d)
			}
		}
		if len(set) > 0 {
			next.nodes[n.ID] = set
		}
	}

	return next, nil
}

func (e *Engine) publishSizes(s *snapshot) {
	metrics.BlockedDomains.WithLabelValues(string(TierGlobal)).Set(float64(len(s.global)))
	var users, nodes int
	for _, set := range s.users {
		users += len(set)
	}
	for _, set := range s.nodes {
		nodes += len(set)
	}
	metrics.BlockedDomains.WithLabelValues(string(TierUser)).Set(float64(users))
	metrics.BlockedDomains.WithLabelValues(string(TierNode)).Set(float64(nodes))
}

// AddCustomUserDomain adds d to the user's custom tier. It reports false when
// the domain was already present.
func (e *Engine) AddCustomUserDomain(ctx context.Context, userID uint, raw string) (bool, error) {
	return e.mutateUserDomains(ctx, userID, raw, domain.DomainSet.With)
}

// RemoveCustomUserDomain removes d from the user's custom tier. It reports
// false when the domain was absent.
func (e *Engine) RemoveCustomUserDomain(ctx context.Context, userID uint, raw string) (bool, error) {
	return e.mutateUserDomains(ctx, userID, raw, domain.DomainSet.Without)
}

func (e *Engine) mutateUserDomains(ctx context.Context, userID uint, raw string, apply func(domain.DomainSet, string) (domain.DomainSet, bool)) (bool, error) {
	if !e.cfg.Enabled {
		return false, domain.ErrDisabled
	}
	d, err := domain.NormalizeDomain(raw)
	if err != nil {
		return false, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	current := user.CustomBlockedDomains
	if current.Corrupt() {
		e.logger.Warn("Overwriting corrupt custom domain list", "user_id", userID)
		current = domain.NewDomainSet()
	}

	updated, changed := apply(current, d)
	if !changed {
		return false, nil
	}
	if err := e.store.SetUserBlockedDomains(ctx, userID, updated); err != nil {
		return false, err
	}

	e.snap.Store(e.snap.Load().withUser(userID, updated.Items()))
	return true, nil
}

// SetUserPreferences stores the user's adblock switch.
func (e *Engine) SetUserPreferences(ctx context.Context, userID uint, adblockEnabled bool) error {
	if !e.cfg.Enabled {
		return domain.ErrDisabled
	}
	return e.store.SetUserAdblock(ctx, userID, adblockEnabled)
}

// SetNodePreferences stores which lists apply on a node and rebuilds the cache.
func (e *Engine) SetNodePreferences(ctx context.Context, nodeID uint, enabled bool, listIDs []uint) error {
	if !e.cfg.Enabled {
		return domain.ErrDisabled
	}
	if err := e.store.SetNodeAdblock(ctx, nodeID, enabled, domain.NewIDList(listIDs...)); err != nil {
		return err
	}
	return e.RefreshCache(ctx)
}

// UpdateList downloads one list, replaces its entries and refreshes the cache.
// A failed download leaves the stored entries untouched.
func (e *Engine) UpdateList(ctx context.Context, listID uint) error {
	if !e.cfg.Enabled {
		return domain.ErrDisabled
	}
	if _, err := e.updateList(ctx, listID); err != nil {
		return err
	}
	return e.RefreshCache(ctx)
}

type updateOutcome struct {
	name    string
	domains int
}

// updateList coalesces concurrent downloads of the same list.
func (e *Engine) updateList(ctx context.Context, listID uint) (updateOutcome, error) {
	key := fmt.Sprintf("list:%d", listID)
	res, err, _ := e.updateGroup.Do(key, func() (any, error) {
		return e.doUpdateList(ctx, listID)
	})
	if err != nil {
		return updateOutcome{}, err
	}
	return res.(updateOutcome), nil
}

func (e *Engine) doUpdateList(ctx context.Context, listID uint) (updateOutcome, error) {
	start := time.Now()
	list, err := e.store.GetSubscriptionList(ctx, listID)
	if err != nil {
		return updateOutcome{}, err
	}

	e.logger.Info("Updating subscription list", "list", list.Name)
	body, err := e.downloader.Fetch(ctx, list.URL)
	if err != nil {
		metrics.ListUpdates.WithLabelValues("download_failed").Inc()
		return updateOutcome{}, fmt.Errorf("download %s: %w", list.Name, err)
	}

	domains := ParseList(string(body))
	if err := e.store.ReplaceListDomains(ctx, listID, domains, e.now().UTC()); err != nil {
		metrics.ListUpdates.WithLabelValues("store_failed").Inc()
		return updateOutcome{}, fmt.Errorf("store %s: %w", list.Name, err)
	}

	metrics.ListUpdates.WithLabelValues("ok").Inc()
	metrics.ListUpdateDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("Subscription list updated", "list", list.Name, "domains", len(domains))
	return updateOutcome{name: list.Name, domains: len(domains)}, nil
}

// CreateList registers a new subscription list. Entries arrive with the next
// update of the list.
func (e *Engine) CreateList(ctx context.Context, name, rawURL, description string, enabled bool) (domain.SubscriptionList, error) {
	if !e.cfg.Enabled {
		return domain.SubscriptionList{}, domain.ErrDisabled
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.SubscriptionList{}, fmt.Errorf("%w: list name is required", domain.ErrValidation)
	}
	if parsed, err := url.Parse(rawURL); err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return domain.SubscriptionList{}, fmt.Errorf("%w: invalid list url %q", domain.ErrValidation, rawURL)
	}

	list := domain.SubscriptionList{Name: name, URL: rawURL, Description: description, Enabled: enabled}
	if err := e.store.CreateSubscriptionList(ctx, &list); err != nil {
		return domain.SubscriptionList{}, err
	}
	if enabled {
		e.scheduleDownload()
	}
	return list, nil
}

// scheduleDownload asks the update task for an early run so a list that has
// never been fetched does not wait a full interval.
func (e *Engine) scheduleDownload() {
	if e.initialized.Load() {
		e.task.Trigger()
	}
}

func (e *Engine) SetListEnabled(ctx context.Context, listID uint, enabled bool) error {
	if !e.cfg.Enabled {
		return domain.ErrDisabled
	}
	if err := e.store.SetSubscriptionListEnabled(ctx, listID, enabled); err != nil {
		return err
	}
	if enabled {
		e.scheduleDownload()
	}
	return e.RefreshCache(ctx)
}

func (e *Engine) DeleteList(ctx context.Context, listID uint) error {
	if !e.cfg.Enabled {
		return domain.ErrDisabled
	}
	if err := e.store.DeleteSubscriptionList(ctx, listID); err != nil {
		return err
	}
	return e.RefreshCache(ctx)
}

func (e *Engine) Lists(ctx context.Context) ([]domain.SubscriptionList, error) {
	return e.store.SubscriptionLists(ctx)
}

type Stats struct {
	Enabled                bool           `json:"enabled"`
	TotalLists             int            `json:"total_lists"`
	EnabledLists           int            `json:"enabled_lists"`
	TotalBlockedDomains    int            `json:"total_blocked_domains"`
	CachedDomains          int            `json:"cached_domains"`
	UsersWithCustomDomains int            `json:"users_with_custom_domains"`
	UsersWithAdblock       int64          `json:"users_with_adblock"`
	NodesWithAdblock       int            `json:"nodes_with_adblock"`
	LastCacheUpdate        time.Time      `json:"last_cache_update"`
	Update                 periodic.Stats `json:"update_task"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	snap := e.snap.Load()
	stats := Stats{
		Enabled:                e.cfg.Enabled,
		TotalBlockedDomains:    len(snap.global),
		CachedDomains:          snap.cachedDomains(),
		UsersWithCustomDomains: len(snap.users),
		NodesWithAdblock:       len(snap.nodes),
		LastCacheUpdate:        snap.refreshedAt,
		Update:                 e.task.Stats(),
	}
	if !e.cfg.Enabled {
		return stats, nil
	}

	lists, err := e.store.SubscriptionLists(ctx)
	if err != nil {
		return stats, err
	}
	stats.TotalLists = len(lists)
	for _, l := range lists {
		if l.Enabled {
			stats.EnabledLists++
		}
	}
	if stats.UsersWithAdblock, err = e.store.CountUsersWithAdblock(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

// HealthCheck requires a reachable store and, when probing is configured,
// every enabled default list source to answer HEAD with 200.
func (e *Engine) HealthCheck(ctx context.Context) bool {
	if !e.cfg.Enabled {
		return true
	}
	if err := e.store.Ping(ctx); err != nil {
		e.logger.Error("Blocklist health check failed", "error", err)
		return false
	}
	if !e.cfg.ProbeDefaultLists {
		return true
	}
	for _, def := range selectedDefaults(e.cfg.DefaultLists) {
		if err := e.downloader.Probe(ctx, def.URL); err != nil {
			e.logger.Warn("Default list not reachable", "list", def.Name, "error", err)
			return false
		}
	}
	return true
}

func normalizeQuery(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}
