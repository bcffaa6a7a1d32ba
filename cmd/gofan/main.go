package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joshp123/gofan/internal/config"
	"github.com/joshp123/gofan/internal/core"
	"github.com/joshp123/gofan/internal/logging"
	"github.com/joshp123/gofan/internal/router"
	"github.com/joshp123/gofan/internal/server"
	"github.com/joshp123/gofan/plugins/atomberg"
)

var version = "dev"

const (
	healthInterval  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	path := envOrDefault("GOFAN_CONFIG", config.DefaultPath)
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("load config")
	}

	logger := logging.New(cfg.Logging, version)

	plugins := []core.Plugin{
		atomberg.NewPlugin(cfg, logger),
	}
	if err := core.ValidatePlugins(plugins); err != nil {
		logger.Fatal().Err(err).Msg("invalid plugin set")
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Core.GRPCAddr).Msg("grpc listen")
	}
	healthServer := router.RegisterPlugins(grpcServer.Server, plugins)

	metricsRegistry := core.MetricsRegistry(version, plugins)

	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, server.NewMux(plugins, metricsRegistry))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := core.StartPlugins(ctx, plugins); err != nil {
		logger.Fatal().Err(err).Msg("start plugins")
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Core.HTTPAddr).Msg("http serve")
		}
	}()
	go func() {
		if err := grpcServer.Serve(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Core.GRPCAddr).Msg("grpc serve")
		}
	}()
	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				router.UpdateHealth(healthServer, plugins)
			}
		}
	}()

	logger.Info().
		Str("grpc_addr", cfg.Core.GRPCAddr).
		Str("http_addr", cfg.Core.HTTPAddr).
		Msg("gofan started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	grpcServer.Server.GracefulStop()
	core.StopPlugins(plugins)
	logger.Info().Msg("stopped")
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
