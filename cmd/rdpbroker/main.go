// rdpbroker runs the single public-facing RDP listener and routes each
// connection to a per-user backend process, per spec.md §4.1.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/deskrelay/rdpd/internal/broker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/rdpd/broker.toml", "path to broker TOML configuration")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := broker.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load broker configuration", "path", *configPath, "error", err)
		return 1
	}

	registry := broker.NewSessionRegistry(cfg.StateFile, cfg.PortRangeStart, cfg.PortRangeEnd, cfg.MaxSessions, logger)
	if err := registry.LoadState(); err != nil {
		logger.Error("failed to load session registry state", "path", cfg.StateFile, "error", err)
		return 1
	}

	spawner := broker.NewSpawner(cfg.ServerBinary, logger)
	b := broker.New(cfg, registry, spawner, broker.UserExistsAuthenticator{}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if conn, err := dbus.ConnectSystemBus(); err != nil {
		logger.Warn("system bus unavailable, broker IPC will not be exported", "error", err)
	} else {
		defer conn.Close()
		if err := broker.ServeIPC(conn, b, logger); err != nil {
			logger.Error("failed to export broker IPC service", "error", err)
			return 1
		}
	}

	go b.IdleSweep(ctx)

	logger.Info("starting rdpbroker", "bind", cfg.Bind, "config", *configPath)
	if err := b.AcceptLoop(ctx); err != nil {
		logger.Error("broker accept loop exited", "error", err)
		return 1
	}

	if err := registry.SaveState(); err != nil {
		logger.Warn("failed to persist session registry on shutdown", "error", err)
	}

	logger.Info("rdpbroker shutdown complete")
	return 0
}
