// Package main is the entry point for the maim-message routing server.
// It binds the WebSocket endpoint, exposes prometheus metrics and handles
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fulanowo/maim-message/internal/config"
	"github.com/fulanowo/maim-message/pkg/logger"
	"github.com/fulanowo/maim-message/pkg/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() {
		if err := log.Sync(); err != nil && err.Error() != "sync /dev/stdout: invalid argument" {
			log.Warn("Failed to sync logger", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(&server.Config{
		Host:                cfg.Host,
		Port:                cfg.Port,
		Path:                cfg.Path,
		SSLEnabled:          cfg.SSLEnabled,
		SSLCertFile:         cfg.SSLCertFile,
		SSLKeyFile:          cfg.SSLKeyFile,
		SSLCACerts:          cfg.SSLCACerts,
		SSLVerify:           cfg.SSLVerify,
		CloseTimeout:        cfg.CloseTimeout,
		LogLevel:            cfg.LogLevel,
		EnableConnectionLog: cfg.EnableConnectionLog,
		EnableMessageLog:    cfg.EnableMessageLog,
		EnableStats:         cfg.EnableStats,
	}, server.DefaultHandlers{}, log)
	if err != nil {
		log.Fatal("Server construction failed", zap.Error(err))
	}

	if err := srv.Start(ctx); err != nil {
		log.Fatal("Server start failed", zap.Error(err))
	}

	var metricsSrv *http.Server
	if cfg.EnableStats {
		if metricsPort := os.Getenv("METRICS_PORT"); metricsPort != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsSrv = &http.Server{
				Addr:              ":" + metricsPort,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("Metrics server stopped", zap.Error(err))
				}
			}()
		}
	}

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout+5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("Shutdown finished with error", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
}
