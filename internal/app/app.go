package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/app/bootstrap"
	"github.com/Kavis1/enhanced-marzban/internal/app/server"
	"github.com/Kavis1/enhanced-marzban/internal/app/version"
	"github.com/Kavis1/enhanced-marzban/internal/config"
	"github.com/Kavis1/enhanced-marzban/internal/dnsserver"
	"github.com/Kavis1/enhanced-marzban/internal/support"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

const (
	defaultAPIPort  = 8090
	shutdownTimeout = 15 * time.Second
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	level, err := log.ParseLevel(support.GetEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	apiPortFlag := flag.Int("port", defaultAPIPort, "Port for the policy API")
	dnsListenFlag := flag.String("dns-listen", "", "Address for the DNS responder, overrides settings")
	flag.Parse()

	apiPort := resolvePort("POLICY_API_PORT", "PORT", *apiPortFlag)

	auth, err := server.NewAuthenticator(os.Getenv("ADMIN_JWT_SECRET"))
	if err != nil {
		return fmt.Errorf("admin authentication: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := version.Get()
	log.Info("Starting marzban policy service", "version", info.BuildVersion, "built_at", info.BuiltAt)

	rt, err := bootstrap.Setup(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer rt.Close()

	rt.Coordinator.InitializeAll(ctx)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.Coordinator.CleanupAll(cleanupCtx)
	}()
	rt.WatchIntervals(ctx)

	supervisor := newSupervisor()
	supervisor.Add(server.New(apiPort, server.Engines{
		Admission:   rt.Admission,
		DNS:         rt.DNS,
		Blocklist:   rt.Blocklist,
		Abuse:       rt.Abuse,
		Coordinator: rt.Coordinator,
	}, auth))

	cfg := config.GetConfig()
	dnsListen := cfg.DNS.ListenAddr
	if *dnsListenFlag != "" {
		dnsListen = *dnsListenFlag
	}
	if dnsListen != "" {
		supervisor.Add(dnsserver.New(dnsserver.Config{
			ListenAddr: dnsListen,
			Upstream:   cfg.DNS.Upstream,
			NodeID:     nodeIDFromEnv(),
		},
			dnsserver.WithResolver(rt.DNS),
			dnsserver.WithBlocker(rt.Blocklist),
			dnsserver.WithClientMapper(rt.Admission),
		))
	}

	err = supervisor.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutting down")
	return nil
}

func newSupervisor() *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: slog.New(log.Default().WithPrefix("supervisor"))}
	return suture.New("marzban-policy", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}

// nodeIDFromEnv scopes the DNS responder's block lookups to NODE_ID when set.
func nodeIDFromEnv() *uint {
	raw := os.Getenv("NODE_ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		log.Warn("invalid node id", "env", "NODE_ID", "value", raw)
		return nil
	}
	v := uint(id)
	return &v
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
