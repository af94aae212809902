// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/wsbridge"
	"github.com/absmach/wsbridge/pkg/breaker"
	"github.com/absmach/wsbridge/pkg/health"
	"github.com/absmach/wsbridge/pkg/metrics"
	"github.com/absmach/wsbridge/pkg/proxy"
	"github.com/absmach/wsbridge/pkg/ratelimit"
	"github.com/absmach/wsbridge/pkg/relay"
)

const envPrefix = "WSBRIDGE_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file, optional
	_ = godotenv.Load()

	cfg, err := wsbridge.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	reg := prometheus.NewRegistry()
	m := metrics.New("wsbridge", reg)

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("broker circuit state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.BreakerState.Set(float64(to))
		if to == breaker.StateOpen {
			m.BreakerTrips.Inc()
		}
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitClients)
	}

	bridge := proxy.New(proxy.Config{
		Address:       cfg.Address(),
		BrokerAddress: cfg.BrokerAddress(),
		Path:          cfg.PathName,
		OptPath:       cfg.OptPath,
		TLSConfig:     cfg.TLSConfig,
		Policy: relay.Policy{
			SmallChunk:     cfg.SmallChunkThreshold,
			FlushThreshold: cfg.FlushThreshold,
		},
		ReadBufferSize:  cfg.ReadBufferSize,
		DialTimeout:     cfg.DialTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		PingInterval:    cfg.PingInterval,
		IdleTimeout:     cfg.IdleTimeout,
		Logger:          logger,
		Metrics:         m,
		Breaker:         cb,
		Limiter:         limiter,
	})

	g.Go(func() error {
		logger.Info("bridge started",
			slog.String("address", cfg.Address()),
			slog.String("broker", cfg.BrokerAddress()),
			slog.String("path", cfg.PathName),
			slog.String("opt_path", cfg.OptPath))
		return bridge.Listen(ctx)
	})

	g.Go(func() error {
		return serveOps(ctx, cfg, reg, logger)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("wsbridge service terminated with error: %s", err))
	} else {
		logger.Info("wsbridge service stopped")
	}
}

// serveOps runs the operational HTTP endpoint with Prometheus metrics and
// health probes, on its own port so it is never exposed with the bridge.
func serveOps(ctx context.Context, cfg wsbridge.Config, reg *prometheus.Registry, logger *slog.Logger) error {
	checker := health.NewChecker(10 * time.Second)
	checker.Register("broker", health.BrokerCheck(cfg.BrokerAddress(), cfg.DialTimeout))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	srv := &http.Server{
		Addr:         net.JoinHostPort("", cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server started", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
