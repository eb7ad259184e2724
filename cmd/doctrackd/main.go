// Command doctrackd is the doctrack daemon. It tracks background document
// tasks against the upstream portal and serves queue state to UIs.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docsignal/doctrack/config"
	"github.com/docsignal/doctrack/internal/version"
	"github.com/docsignal/doctrack/portal"
	"github.com/docsignal/doctrack/server"
	"github.com/docsignal/doctrack/task"
	"github.com/docsignal/doctrack/tracker"
)

var configPath = flag.String("config", "doctrack.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	logger.Info("starting doctrackd",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	history, err := task.OpenHistory(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		log.Fatalf("Failed to open history db: %v", err)
	}

	client := portal.NewClient(portal.Config{
		BaseURL: cfg.Portal.BaseURL,
		Token:   cfg.Portal.Token,
	})

	tr := tracker.New(tracker.Config{
		Portal:       client,
		Logger:       logger,
		Journal:      history,
		PollInterval: time.Duration(cfg.Tracker.PollInterval),
		SimInterval:  time.Duration(cfg.Tracker.SimInterval),
		SimCeiling:   cfg.Tracker.SimCeiling,
	})

	srv := server.New(*cfg, tr, history, version.Version, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	tr.Close()
	if err := history.Close(); err != nil {
		logger.Error("history close error", "error", err)
	}
	logger.Info("shutdown complete")
}
