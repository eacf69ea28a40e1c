// Package bootstrap builds the policy engines from configuration and wires
// them to each other.
package bootstrap

import (
	"context"
	"errors"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/abuse"
	"github.com/Kavis1/enhanced-marzban/internal/admission"
	"github.com/Kavis1/enhanced-marzban/internal/blocklist"
	"github.com/Kavis1/enhanced-marzban/internal/config"
	"github.com/Kavis1/enhanced-marzban/internal/coordinator"
	"github.com/Kavis1/enhanced-marzban/internal/database"
	"github.com/Kavis1/enhanced-marzban/internal/dnsoverride"
	"github.com/Kavis1/enhanced-marzban/internal/geolite"
	"github.com/Kavis1/enhanced-marzban/internal/support"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

type Runtime struct {
	Store       *database.Store
	Redis       *redis.Client
	GeoIP       *abuse.GeoIP
	Admission   *admission.Engine
	DNS         *dnsoverride.Resolver
	Blocklist   *blocklist.Engine
	Abuse       *abuse.Engine
	Coordinator *coordinator.Coordinator
}

// Setup reads settings, opens the store and optional Redis connection and
// builds the engines. Engines are registered but not started.
func Setup(ctx context.Context) (*Runtime, error) {
	if err := config.ReadSettings(); err != nil {
		return nil, err
	}

	store, err := database.SetupDB()
	if err != nil {
		return nil, err
	}

	redisClient, err := support.GetRedisClient()
	switch {
	case errors.Is(err, support.ErrRedisNotConfigured):
		log.Info("Redis not configured, running as a single instance")
	case err != nil:
		log.Warn("Redis unavailable, running as a single instance", "error", err)
		redisClient = nil
	default:
		config.EnableRedisSynchronization(ctx, redisClient)
	}

	cfg := config.GetConfig()
	geo := openGeoIP(ctx, cfg)

	rt := NewRuntime(cfg, store, redisClient, geo)
	return rt, nil
}

// NewRuntime constructs and cross-wires the engines. geo may be nil.
func NewRuntime(cfg config.Config, store *database.Store, redisClient *redis.Client, geo *abuse.GeoIP) *Runtime {
	abuseOpts := []abuse.Option{}
	if geo != nil {
		abuseOpts = append(abuseOpts, abuse.WithCountryLookup(geo))
	}
	abuseEngine := abuse.New(abuse.Config{
		Enabled:             cfg.Abuse.Enabled,
		LogPath:             cfg.Abuse.LogPath,
		MaxViolations:       cfg.Abuse.MaxViolations,
		TorrentDetection:    cfg.Abuse.TorrentDetection,
		TrafficAnalysis:     cfg.Abuse.TrafficAnalysis,
		DisconnectOnTorrent: cfg.Abuse.DisconnectOnTorrent,
	}, store, abuseOpts...)

	admissionEngine := admission.New(admission.Config{
		Enabled:               cfg.Connection.Enabled,
		DefaultMaxConnections: cfg.Connection.DefaultMaxConnections,
		TrackingInterval:      config.Interval(config.ConnectionTrackingInterval),
	}, store, admission.WithViolationReporter(abuseEngine))
	abuseEngine.SetDisconnector(admissionEngine)

	resolver := dnsoverride.New(dnsoverride.Config{
		Enabled:         cfg.DNS.Enabled,
		CacheTTL:        config.Interval(config.DNSCacheTTL),
		RefreshInterval: config.Interval(config.DNSRefreshInterval),
		Servers:         cfg.DNS.Servers,
	}, store)

	blockOpts := []blocklist.Option{}
	if redisClient != nil {
		blockOpts = append(blockOpts, blocklist.WithRedis(redisClient))
	}
	blocker := blocklist.New(blocklist.Config{
		Enabled:              cfg.Adblock.Enabled,
		UpdateInterval:       config.Interval(config.AdblockUpdateInterval),
		DefaultLists:         cfg.Adblock.DefaultLists,
		MaxParallelDownloads: cfg.Adblock.MaxParallelDownloads,
		ProbeDefaultLists:    cfg.Adblock.ProbeDefaultLists,
	}, store, blockOpts...)

	coordOpts := []coordinator.Option{coordinator.WithStatusStore(store)}
	if redisClient != nil {
		coordOpts = append(coordOpts, coordinator.WithRedis(redisClient))
	}
	coord := coordinator.New(coordOpts...)
	coord.Register(coordinator.EngineAbuse, abuseEngine, func(ctx context.Context) (any, error) {
		return abuseEngine.Stats(ctx)
	})
	coord.Register(coordinator.EngineAdmission, admissionEngine, func(context.Context) (any, error) {
		return admissionEngine.Stats(), nil
	})
	coord.Register(coordinator.EngineDNSOverride, resolver, func(context.Context) (any, error) {
		return resolver.Stats(), nil
	})
	coord.Register(coordinator.EngineBlocklist, blocker, func(ctx context.Context) (any, error) {
		return blocker.Stats(ctx)
	})

	return &Runtime{
		Store:       store,
		Redis:       redisClient,
		GeoIP:       geo,
		Admission:   admissionEngine,
		DNS:         resolver,
		Blocklist:   blocker,
		Abuse:       abuseEngine,
		Coordinator: coord,
	}
}

// openGeoIP refreshes and opens the country database when one is available.
// Violations are simply stored without a country otherwise.
func openGeoIP(ctx context.Context, cfg config.Config) *abuse.GeoIP {
	updater := geolite.NewUpdater(support.GetEnv("MAXMIND_LICENSE_KEY", ""), cfg.Abuse.GeoIPDatabase)

	downloadCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()
	if _, err := updater.EnsureCountryDatabase(downloadCtx); err != nil && !errors.Is(err, geolite.ErrNoAPIKey) {
		log.Warn("GeoLite update failed", "error", err)
	}

	geo, err := abuse.OpenGeoIP(updater.Path())
	if err != nil {
		log.Debug("GeoIP enrichment disabled", "path", updater.Path(), "error", err)
		return nil
	}
	log.Info("GeoIP enrichment enabled", "path", updater.Path())
	return geo
}

// Close releases everything Setup opened. Engines must already be stopped.
func (rt *Runtime) Close() {
	if rt.GeoIP != nil {
		if err := rt.GeoIP.Close(); err != nil {
			log.Warn("Failed to close GeoIP database", "error", err)
		}
	}
	if rt.Redis != nil {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("Failed to close Redis client", "error", err)
		}
	}
	if err := rt.Store.Close(); err != nil {
		log.Warn("Failed to close database", "error", err)
	}
}
