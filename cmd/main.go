// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs a production-ready deployment of the HTTP server
// with metrics, health checks, rate limiting and cookie sessions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cbcalves/crudQtTest/examples/echo"
	"github.com/cbcalves/crudQtTest/pkg/health"
	"github.com/cbcalves/crudQtTest/pkg/metrics"
	"github.com/cbcalves/crudQtTest/pkg/ratelimit"
	"github.com/cbcalves/crudQtTest/pkg/router"
	"github.com/cbcalves/crudQtTest/pkg/server"
	"github.com/cbcalves/crudQtTest/pkg/session"
	"github.com/cbcalves/crudQtTest/pkg/static"
)

// Config holds the application configuration.
type Config struct {
	// Listener
	Host string `env:"HOST"  envDefault:""`
	Port int    `env:"PORT"  envDefault:"8080"`

	// Handler pool
	MinThreads      int           `env:"MIN_THREADS"       envDefault:"1"`
	MaxThreads      int           `env:"MAX_THREADS"       envDefault:"100"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL"  envDefault:"1s"`

	// Request limits
	ReadTimeout      time.Duration `env:"READ_TIMEOUT"        envDefault:"10s"`
	MaxRequestSize   int64         `env:"MAX_REQUEST_SIZE"    envDefault:"16000"`
	MaxMultiPartSize int64         `env:"MAX_MULTIPART_SIZE"  envDefault:"1000000"`

	// TLS
	SSLKeyFile  string `env:"SSL_KEY_FILE"   envDefault:""`
	SSLCertFile string `env:"SSL_CERT_FILE"  envDefault:""`

	// Sessions
	CookieName     string        `env:"COOKIE_NAME"      envDefault:"sessionid"`
	CookiePath     string        `env:"COOKIE_PATH"      envDefault:""`
	CookieComment  string        `env:"COOKIE_COMMENT"   envDefault:""`
	CookieDomain   string        `env:"COOKIE_DOMAIN"    envDefault:""`
	ExpirationTime time.Duration `env:"EXPIRATION_TIME"  envDefault:"1h"`

	// Static files
	DocRoot string `env:"DOC_ROOT"  envDefault:"./public"`

	// Rate limiting
	RateLimitCapacity  int64 `env:"RATE_LIMIT_CAPACITY"   envDefault:"100"`
	RateLimitRefill    int64 `env:"RATE_LIMIT_REFILL"     envDefault:"10"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY"  envDefault:"10000"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"    envDefault:"1000"`

	// Observability
	MetricsPort   int    `env:"METRICS_PORT"   envDefault:"9090"`
	HealthPort    int    `env:"HEALTH_PORT"    envDefault:"8081"`
	LogLevel      string `env:"LOG_LEVEL"      envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT"     envDefault:"json"`
	MaxGoroutines int    `env:"MAX_GOROUTINES" envDefault:"50000"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`
}

func main() {
	// Load configuration; the .env file is optional.
	cfg := Config{}
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded configuration from .env")
	}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting HTTP server",
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.Int("max_threads", cfg.MaxThreads))

	m := metrics.New("httpserver")

	// Session store with metrics on expiry
	store := session.NewStore(session.Config{
		CookieName:     cfg.CookieName,
		CookiePath:     cfg.CookiePath,
		CookieComment:  cfg.CookieComment,
		CookieDomain:   cfg.CookieDomain,
		ExpirationTime: cfg.ExpirationTime,
		Logger:         logger,
	})
	defer store.Close()
	store.OnSessionDeleted(func(id string) {
		m.SessionsExpired.Inc()
		logger.Debug("session removed", slog.String("id", id))
	})

	// Routes
	r := router.New(logger)
	r.Route(router.ALL, "/echo", echo.New(logger))
	r.Route(router.USE, "/static", newStaticRouter(cfg, logger))
	r.RouteFunc(router.GET, "/session", sessionDemo(store))

	// Rate limiting and instrumentation wrappers
	perClientLimiter := ratelimit.NewClientLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, 10000)
	globalLimiter := ratelimit.NewTokenBucket(cfg.GlobalRateCapacity, cfg.GlobalRateRefill)
	rateLimitedHandler := &RateLimitedHandler{
		handler:          r,
		perClientLimiter: perClientLimiter,
		globalLimiter:    globalLimiter,
		metrics:          m,
		logger:           logger,
	}
	instrumentedHandler := &InstrumentedHandler{
		handler: rateLimitedHandler,
		metrics: m,
		logger:  logger,
	}

	srv := server.New(server.Config{
		Host:             cfg.Host,
		Port:             cfg.Port,
		MinThreads:       cfg.MinThreads,
		MaxThreads:       cfg.MaxThreads,
		CleanupInterval:  cfg.CleanupInterval,
		ReadTimeout:      cfg.ReadTimeout,
		MaxRequestSize:   cfg.MaxRequestSize,
		MaxMultiPartSize: cfg.MaxMultiPartSize,
		SSLKeyFile:       cfg.SSLKeyFile,
		SSLCertFile:      cfg.SSLCertFile,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Logger:           logger,
	}, instrumentedHandler)

	// Health checks
	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		m.GoroutinesActive.Set(float64(count))
		if count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})
	healthChecker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})
	healthChecker.Register("handler_pool", func(ctx context.Context) error {
		size, busy := srv.PoolStats()
		m.PoolSize.Set(float64(size))
		m.PoolBusy.Set(float64(busy))
		return nil
	})
	healthChecker.Register("sessions", func(ctx context.Context) error {
		m.SessionsActive.Set(float64(store.Count()))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Listen(ctx)
	})
	g.Go(func() error {
		return runMetricsServer(ctx, cfg.MetricsPort, logger)
	})
	g.Go(func() error {
		return runHealthServer(ctx, cfg.HealthPort, healthChecker, logger)
	})

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}
	cancel()

	if err := g.Wait(); err != nil {
		logger.Error("Shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
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
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func newStaticRouter(cfg Config, logger *slog.Logger) *router.Router {
	files := static.New(static.Config{
		DocRoot:     cfg.DocRoot,
		StripPrefix: "/static",
		Logger:      logger,
	})
	sub := router.New(logger)
	sub.SetPrefix("/static")
	sub.Route(router.USE, "/", files)
	return sub
}

// runMetricsServer serves Prometheus metrics until the context ends.
func runMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return runHTTPServer(ctx, port, mux, "metrics", logger)
}

// runHealthServer serves the health endpoints until the context ends.
func runHealthServer(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return runHTTPServer(ctx, port, mux, "health", logger)
}

func runHTTPServer(ctx context.Context, port int, mux http.Handler, name string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Info("Starting "+name+" server", slog.String("address", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
