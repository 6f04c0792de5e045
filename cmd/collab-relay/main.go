package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/collabboard/collab-relay/internal/config"
	"github.com/collabboard/collab-relay/internal/directory"
	"github.com/collabboard/collab-relay/internal/httpserver"
	"github.com/collabboard/collab-relay/internal/metrics"
	"github.com/collabboard/collab-relay/internal/peerid"
	"github.com/collabboard/collab-relay/internal/relay"
	"github.com/collabboard/collab-relay/internal/signaling"
)

// Set via -ldflags "-X main.buildCommit=... -X main.buildTime=...".
var (
	buildCommit = "unknown"
	buildTime   = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		slog.Error("invalid logging configuration", "err", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting collab-relay",
		"mode", cfg.Mode,
		"listen_addr", cfg.ListenAddr,
		"commit", buildCommit,
		"build_time", buildTime,
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice configuration invalid, /ice will report unavailable", "err", err)
	}

	matcher, err := directory.NewMatcher(cfg.PasswordScheme)
	if err != nil {
		logger.Error("invalid password scheme", "err", err)
		os.Exit(2)
	}
	dir := directory.New(matcher)
	reg := metrics.New()

	gate := relay.NewGate(relay.Config{
		MaxSessions:   cfg.MaxSessions,
		DefaultRoomID: cfg.DefaultRoomID,
		SendQueueSize: cfg.SendQueueSize,
	}, dir, reg, logger)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	signaling.NewServer(cfg, gate, logger).RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(reg))
	srv.Mux().Handle("POST /peer/id", peerid.Handler(peerid.Allocator{}))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("listen failed", "addr", cfg.ListenAddr, "err", err)
		os.Exit(1)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown incomplete, forcing close", "err", err)
		_ = srv.Close()
	}
	logger.Info("shutdown complete")
}
