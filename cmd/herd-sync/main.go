package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marcus/herd/internal/devremote"
	"github.com/marcus/herd/internal/schema"
)

func main() {
	// Route to admin subcommands if present
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		runAdmin(os.Args[2:])
		return
	}

	cfg := devremote.LoadConfig()

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	reg, err := loadRegistry(cfg.CollectionsFile)
	if err != nil {
		slog.Error("load collections", "err", err)
		os.Exit(1)
	}

	db, err := devremote.Open(cfg.Driver, cfg.DBPath)
	if err != nil {
		slog.Error("open sync db", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	srv, err := devremote.NewServer(cfg, db, devremote.TablesFromRegistry(reg))
	if err != nil {
		slog.Error("create server", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		slog.Error("start server", "err", err)
		os.Exit(1)
	}
	slog.Info("server started", "addr", srv.Addr(), "tables", len(reg.Entries()), "auth", len(cfg.Tokens) > 0)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}

func loadRegistry(path string) (*schema.Registry, error) {
	if path != "" {
		return schema.LoadFile(path)
	}
	return schema.Default()
}
