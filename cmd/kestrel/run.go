package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/auth"
	"github.com/kestrelproxy/kestrel/internal/config"
	"github.com/kestrelproxy/kestrel/internal/dispatcher"
	"github.com/kestrelproxy/kestrel/internal/health"
	"github.com/kestrelproxy/kestrel/internal/keystate"
	"github.com/kestrelproxy/kestrel/internal/logpipeline"
	"github.com/kestrelproxy/kestrel/internal/server"
	"github.com/kestrelproxy/kestrel/internal/snapshot"
	"github.com/kestrelproxy/kestrel/internal/storage/sqlite"
	"github.com/kestrelproxy/kestrel/internal/telemetry"
	"github.com/kestrelproxy/kestrel/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

// snapshotRefreshInterval is the periodic republish backstop for config
// changes made directly against the database (spec §4.A), in addition to
// the immediate republish the admin API triggers on every group mutation.
const snapshotRefreshInterval = 30 * time.Second

// keyStateEvictInterval governs how often stale RPM windows (per-(group,key)
// and per-proxy-key) are swept from memory.
const keyStateEvictInterval = 10 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting kestrel", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	adminKey := cfg.Auth.AdminKey
	if adminKey == "" {
		adminKey = config.GenerateAdminKey()
		slog.Warn("no admin_key configured, generated a one-shot key for this run",
			"key", adminKey,
		)
	}

	for _, k := range cfg.ProxyKeys {
		if k.Token == "" {
			slog.Warn("proxy key token empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Token, kestrel.ProxyKeyPrefix)
		slog.Info("proxy key configured", "name", k.Name, "valid_prefix", valid)
	}

	for _, g := range cfg.Groups {
		slog.Info("group configured",
			"id", g.ID, "kind", g.Kind, "balance", g.BalancePolicy,
			"models", g.Models, "enabled", g.IsEnabled(),
		)
	}
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Routing snapshot (§4.A): built once at startup, republished on admin
	// mutations and on the periodic ticker below.
	pub, err := snapshot.NewPublisher(ctx, store, store)
	if err != nil {
		return fmt.Errorf("build routing snapshot: %w", err)
	}
	if err := pub.Publish(ctx); err != nil {
		return fmt.Errorf("publish initial snapshot: %w", err)
	}

	// Key-state store (§4.B): learnt validity and RPM state, backed by store
	// for restart durability.
	ks := keystate.New(store)

	// Async two-phase log pipeline (§4.C).
	logs := logpipeline.New(store, logpipeline.Config{
		QueueSize:    cfg.LogPipeline.QueueSize,
		BatchSize:    cfg.LogPipeline.BatchSize,
		FlushEvery:   cfg.LogPipeline.FlushEvery,
		BodyCapBytes: cfg.LogPipeline.BodyCapBytes,
		MaxRetries:   cfg.LogPipeline.MaxRetries,
	})

	// Health scanner (§4.D).
	var scanner *health.Scanner
	workers := []worker.Worker{logs}
	if cfg.Health.Enabled {
		scanner = health.New(store, store, ks, health.Config{
			Interval:     cfg.Health.Interval,
			ProbeTimeout: cfg.Health.ProbeTimeout,
			Concurrency:  cfg.Health.Concurrency,
		})
		workers = append(workers, scanner)
	}
	runner := worker.NewRunner(workers...)

	// Authentication: proxy-key + admin-key, with a warm lookup cache.
	proxyAuth, err := auth.NewProxyKeyAuth(store, adminKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Dispatcher (§4.E): the core selection/failover loop.
	disp := dispatcher.New(pub, ks, logs)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("kestrel/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	handler := server.New(server.Deps{
		Auth:           proxyAuth,
		Keys:           proxyAuth,
		KeyInvalidator: proxyAuth,
		Dispatcher:     disp,
		Snapshot:       pub,
		Health:         scanner,
		Store:          store,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers (log pipeline flush loop, health scan cycle).
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic snapshot republish and key-state eviction.
	go func() {
		snapTicker := time.NewTicker(snapshotRefreshInterval)
		defer snapTicker.Stop()
		evictTicker := time.NewTicker(keyStateEvictInterval)
		defer evictTicker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-snapTicker.C:
				if err := pub.Publish(workerCtx); err != nil {
					slog.Warn("periodic snapshot republish failed", "error", err)
				}
			case <-evictTicker.C:
				if n := ks.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("key-state eviction", "evicted", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("dispatch API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/responses",
			"POST /v1/messages",
			"POST /v1beta/models/{model}:generateContent",
			"POST /v1beta/models/{model}:streamGenerateContent",
			"GET  /v1/models",
		},
	)
	slog.Info("kestrel ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers, so in-flight requests finish
	// logging before the log pipeline stops draining.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("kestrel stopped")
	return nil
}
