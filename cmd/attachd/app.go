package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"attachd/pkg/config"
	"attachd/pkg/observability"
	"attachd/pkg/server"
	"attachd/pkg/session"
	"attachd/pkg/transport/ws"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("attachd started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := session.NewRegistry(session.Options{
		RetentionTTL: cfg.Session.RetentionTTL(),
	})
	if err != nil {
		zap.L().Error("failed to create session registry", zap.Error(err))
		return 1
	}
	defer registry.Close()

	if cfg.Metrics.Addr != "" {
		go observability.ServeMetrics(ctx, cfg.Metrics.Addr)
	}

	tr := ws.New(ws.Options{ReadLimit: cfg.Handshake.ReadLimitBytes})
	srv := server.New(registry, server.Options{
		HandshakeTimeout: cfg.Handshake.Timeout(),
	})

	if err := srv.Run(ctx, tr, cfg.Listen); err != nil {
		zap.L().Error("attach server failed", zap.Error(err))
		return 1
	}
	zap.L().Info("attachd stopped")
	return 0
}
