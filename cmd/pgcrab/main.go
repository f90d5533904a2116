// Command pgcrab is the PgCrab launcher: loads configuration, wires the
// shard registry, connection pools, health checker, Postgres-facing proxy
// listener, admin API, and config watcher together in that order, then waits for
// a shutdown signal and tears them down in reverse. Accepts
// --host/--port/--config/--users/--log flags with PGCRAB_* env
// fallbacks.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pgcrab/internal/api"
	"pgcrab/internal/config"
	"pgcrab/internal/health"
	"pgcrab/internal/metrics"
	"pgcrab/internal/proxy"
	"pgcrab/internal/registry"
	"pgcrab/internal/session"
	"pgcrab/internal/shardpool"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitListenFailed = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	host := flag.String("host", envOr("PGCRAB_HOST", ""), "listen host (overrides pgcrab.toml)")
	port := flag.Int("port", envOrInt("PGCRAB_PORT", 0), "listen port (overrides pgcrab.toml)")
	configPath := flag.String("config", envOr("PGCRAB_CONFIG_FILE", "pgcrab.toml"), "path to configuration file")
	usersPath := flag.String("users", "", "path to a standalone [[users]] TOML file")
	logLevel := flag.String("log", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	logger.Info("pgcrab starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return exitConfigError
	}
	var standaloneUsers []config.UserConfig
	if *usersPath != "" {
		standaloneUsers, err = config.LoadUsers(*usersPath)
		if err != nil {
			logger.Error("failed to load users file", "error", err)
			return exitConfigError
		}
	}
	if *host != "" {
		cfg.Listen.Host = *host
	}
	if *port != 0 {
		cfg.Listen.Port = *port
	}
	logger.Info("configuration loaded", "path", *configPath, "shards", len(cfg.Shards))

	mx := metrics.New()
	reg := registry.New(cfg.ShardRecords(), cfg.UserRecords(standaloneUsers))
	pools := shardpool.NewManager(logger)
	pools.StartStatsLoop(defaultStatsInterval, func(shard string, s shardpool.Stats) {
		mx.UpdatePoolStats(shard, s.InUse, s.Idle, s.Max)
	})
	hc := health.NewChecker(reg, pools, mx, logger, defaultHealthInterval, defaultFailureThreshold, defaultConnectionTimeout)
	hc.Start()

	policy := session.ConflictStrict
	if cfg.Router.ConflictPolicy == config.ConflictPolicyReplace {
		policy = session.ConflictReplace
	}

	proxyServer := proxy.NewServer(reg, pools, mx, logger, policy)
	if err := proxyServer.Listen(cfg.Listen); err != nil {
		logger.Error("failed to start proxy listener", "error", err)
		hc.Stop()
		return exitListenFailed
	}

	apiServer := api.NewServer(reg, pools, hc, mx, cfg.Listen, logger)
	if err := apiServer.Start(); err != nil {
		logger.Error("failed to start api listener", "error", err)
		proxyServer.Stop()
		hc.Stop()
		return exitListenFailed
	}

	var watcher *config.Watcher
	watcher, err = config.NewWatcher(*configPath, func(newCfg *config.Config) {
		reg.Reload(newCfg.ShardRecords(), newCfg.UserRecords(standaloneUsers))
	})
	if err != nil {
		logger.Warn("config hot-reload not available", "error", err)
	}

	logger.Info("pgcrab ready", "listen", fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port), "api_port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()
	pools.Close()

	logger.Info("pgcrab stopped")
	return exitOK
}

const (
	defaultHealthInterval    = 30 * time.Second
	defaultFailureThreshold  = 3
	defaultConnectionTimeout = 5 * time.Second
	defaultStatsInterval     = 5 * time.Second
)

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
