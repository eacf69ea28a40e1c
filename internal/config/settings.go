package config

import (
	_ "embed"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Kavis1/enhanced-marzban/internal/support"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
)

type Config struct {
	Connection struct {
		Enabled               bool  `json:"enabled"`
		DefaultMaxConnections int   `json:"default_max_connections"`
		TrackingTimer         Timer `json:"tracking_timer"`
	} `json:"connection"`

	DNS struct {
		Enabled      bool     `json:"enabled"`
		CacheTTL     Timer    `json:"cache_ttl"`
		RefreshTimer Timer    `json:"refresh_timer"`
		Servers      []string `json:"servers"`
		ListenAddr   string   `json:"listen_addr"`
		Upstream     string   `json:"upstream"`
	} `json:"dns"`

	Adblock struct {
		Enabled              bool     `json:"enabled"`
		UpdateTimer          Timer    `json:"update_timer"`
		DefaultLists         []string `json:"default_lists"`
		MaxParallelDownloads int      `json:"max_parallel_downloads"`
		ProbeDefaultLists    bool     `json:"probe_default_lists"`
		SourceDenylist       []string `json:"source_denylist"`
	} `json:"adblock"`

	Abuse struct {
		Enabled             bool   `json:"enabled"`
		LogPath             string `json:"log_path"`
		MaxViolations       int    `json:"max_violations"`
		TorrentDetection    bool   `json:"torrent_detection"`
		TrafficAnalysis     bool   `json:"traffic_analysis"`
		DisconnectOnTorrent bool   `json:"disconnect_on_torrent"`
		GeoIPDatabase       string `json:"geoip_database"`
	} `json:"abuse"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex
)

func init() {
	configValue.Store(Defaults())
}

// Defaults returns the embedded default configuration.
func Defaults() Config {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		log.Error("Error unmarshalling embedded default settings", "error", err)
	}
	return cfg
}

func settingsFilePath() string {
	return support.GetEnv("SETTINGS_PATH", filepath.Join("data", "settings.json"))
}

// ReadSettings loads the settings file, creating it from the embedded
// defaults when it does not exist yet.
func ReadSettings() error {
	path := settingsFilePath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		log.Warn("Settings file not found, creating with default configuration", "path", path)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			return err
		}
		data = defaultConfig
	}

	newConfig := Defaults()
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return err
	}
	applyEnvOverrides(&newConfig)

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "path", path)
	return nil
}

// applyEnvOverrides lets deployments flip feature gates without editing the file.
func applyEnvOverrides(cfg *Config) {
	cfg.Connection.Enabled = support.GetEnvBool("CONNECTION_LIMIT_ENABLED", cfg.Connection.Enabled)
	cfg.Connection.DefaultMaxConnections = support.GetEnvInt("DEFAULT_MAX_CONNECTIONS", cfg.Connection.DefaultMaxConnections)
	cfg.DNS.Enabled = support.GetEnvBool("DNS_OVERRIDE_ENABLED", cfg.DNS.Enabled)
	cfg.Adblock.Enabled = support.GetEnvBool("ADBLOCK_ENABLED", cfg.Adblock.Enabled)
	cfg.Abuse.Enabled = support.GetEnvBool("FAIL2BAN_ENABLED", cfg.Abuse.Enabled)
	cfg.Abuse.LogPath = support.GetEnv("FAIL2BAN_LOG_PATH", cfg.Abuse.LogPath)
	cfg.Abuse.GeoIPDatabase = support.GetEnv("GEOIP_DATABASE", cfg.Abuse.GeoIPDatabase)
}

func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	updateSourceDenylist(newConfig.Adblock.SourceDenylist)
	publishIntervals(newConfig)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, err)
		} else if err := os.WriteFile(settingsFilePath(), data, 0o644); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		if err := broadcastConfigUpdate(newConfig); err != nil {
			errs = append(errs, err)
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}
