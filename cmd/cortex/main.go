// Command cortex runs the coordination fabric's long-lived background processes:
// the retention sweep, the governance sweep, and the periodic vector index
// refresh. Workers and administrators talk to the store and bus directly (or
// through the out-of-scope CLI/REST façade); this process exists so those
// schedules keep running independently of any particular caller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/riftloom/fleetward/internal/config"
	"github.com/riftloom/fleetward/internal/server"
	"github.com/riftloom/fleetward/internal/temporal"
)

func configureLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(cfg.General.LogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.General.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file (defaults applied if absent)")
	noTemporal := flag.Bool("no-temporal", false, "skip connecting to Temporal (useful when a cluster isn't available)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)

	cfgMgr, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgMgr.Get()

	logger := configureLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("cortex starting", "config", *configPath, "store_path", cfg.Store.Path)

	srv, err := server.Build(cfgMgr, logger.With("component", "server"))
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	if !*noTemporal {
		go func() {
			logger.Info("starting temporal worker", "host_port", cfg.Temporal.HostPort, "task_queue", cfg.Temporal.TaskQueue)
			if err := temporal.StartWorker(cfg.Temporal, srv.Store, logger.With("component", "temporal")); err != nil {
				logger.Error("temporal worker stopped", "error", err)
			}
		}()
	}

	logger.Info("cortex running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			if err := cfgMgr.Reload(*configPath); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			logger.Info("config reloaded")
		default:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return
		}
	}
}
