// Package main is the entry point for the offboarding reconciliation daemon.
// It runs the scheduler and an ops server exposing /health, /ready and
// /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/offboard/internal/casestore"
	"github.com/onnwee/offboard/internal/config"
	"github.com/onnwee/offboard/internal/db"
	"github.com/onnwee/offboard/internal/discovery"
	"github.com/onnwee/offboard/internal/health"
	"github.com/onnwee/offboard/internal/hr"
	"github.com/onnwee/offboard/internal/identity"
	"github.com/onnwee/offboard/internal/jobs"
	"github.com/onnwee/offboard/internal/middleware"
	"github.com/onnwee/offboard/internal/notify"
	"github.com/onnwee/offboard/internal/reconcile"
	"github.com/onnwee/offboard/internal/remediation"
	"github.com/onnwee/offboard/internal/scheduler"
	"github.com/onnwee/offboard/internal/tracing"
)

const serviceName = "offboardd"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	once := flag.Bool("once", false, "run every scheduler task once and exit")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Offboarding reconciliation daemon")
		fmt.Println()
		fmt.Println("Usage: offboardd [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "version", version, "config", cfg.LogSummary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once, *migrateOnly); err != nil {
		logger.Error("offboardd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("offboardd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, once, migrateOnly bool) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.Tracing.Enabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.Tracing.ExporterType,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		InsecureMode:   cfg.Tracing.Insecure,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	identityMetrics := identity.NewMetrics()
	reconcileMetrics := reconcile.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics("/health", "/ready", "/metrics")
	for _, m := range []interface{ Register(prometheus.Registerer) error }{identityMetrics, reconcileMetrics, jobMetrics, httpMetrics} {
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	var deps []health.Dependency

	// Case store
	var store casestore.Store
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(ctx, db.Config{URL: cfg.DatabaseURL})
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		if err := db.Migrate(sqlDB, logger); err != nil {
			return err
		}
		if migrateOnly {
			return nil
		}
		store = casestore.NewPostgresStore(sqlDB)
		deps = append(deps, health.Dependency{Name: "database", Checker: health.NewDBChecker(sqlDB)})
	} else {
		if migrateOnly {
			return errors.New("--migrate requires DATABASE_URL")
		}
		logger.Warn("DATABASE_URL not set, using in-memory case store")
		store = casestore.NewInMemoryStore()
	}
	if err := seedSettings(ctx, store, cfg.Settings, logger); err != nil {
		return err
	}

	// Identity provider
	var provider identity.Provider
	switch cfg.Provider.Mode {
	case config.ProviderModeGraph:
		client, err := identity.NewGraphClient(identity.GraphConfig{
			BaseURL:           cfg.Provider.BaseURL,
			Token:             identity.StaticToken(cfg.Provider.Token),
			RequestTimeout:    cfg.Provider.RequestTimeout,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Logger:            logger,
			Metrics:           identityMetrics,
		})
		if err != nil {
			return fmt.Errorf("identity provider: %w", err)
		}
		provider = client
		deps = append(deps, health.Dependency{Name: "identity", Checker: client, Optional: true})
	case config.ProviderModeMemory:
		logger.Warn("using in-memory identity provider")
		provider = identity.NewInMemoryProvider()
	default:
		logger.Warn("identity provider not configured, discovery and remediation are disabled")
	}

	// HR directory
	var directory hr.Directory
	if cfg.HR.BaseURL != "" {
		primary, err := hr.NewHTTPDirectory(hr.HTTPConfig{
			BaseURL:   cfg.HR.BaseURL,
			APIKey:    cfg.HR.APIKey,
			APISecret: cfg.HR.APISecret,
			PageSize:  cfg.HR.PageSize,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("hr directory: %w", err)
		}
		directory = primary
		deps = append(deps, health.Dependency{Name: "hr", Checker: primary, Optional: true})

		if cfg.HR.FallbackBaseURL != "" {
			secondary, err := hr.NewHTTPDirectory(hr.HTTPConfig{
				BaseURL:   cfg.HR.FallbackBaseURL,
				APIKey:    cfg.HR.FallbackAPIKey,
				APISecret: cfg.HR.FallbackAPISecret,
				PageSize:  cfg.HR.PageSize,
				Logger:    logger,
			})
			if err != nil {
				return fmt.Errorf("hr fallback directory: %w", err)
			}
			fallback, err := hr.NewFallback(hr.FallbackConfig{Primary: primary, Fallback: secondary, Logger: logger})
			if err != nil {
				return fmt.Errorf("hr fallback: %w", err)
			}
			directory = fallback
			deps = append(deps, health.Dependency{Name: "hr_fallback", Checker: secondary, Optional: true})
		}
	}

	// Notifications
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.NATSURL != "" {
		conn, err := notify.Connect(cfg.NATSURL, serviceName, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Drain(); err != nil {
				logger.Warn("nats drain failed", "error", err)
			}
		}()
		notifier = notify.NewNATSNotifier(conn, logger)
		deps = append(deps, health.Dependency{Name: "nats", Checker: health.NewNATSChecker(conn), Optional: true})
	}

	engine, err := reconcile.NewEngine(reconcile.Config{
		Store:      store,
		Discovery:  discovery.NewService(discovery.Config{Provider: provider, Logger: logger}),
		Remediator: remediation.NewOrchestrator(remediation.Config{Provider: provider, Logger: logger}),
		Notifier:   notifier,
		Roster:     reconcile.NewRoster(reconcile.RosterConfig{HR: directory, Provider: provider, Store: store, Logger: logger}),
		Metrics:    reconcileMetrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	schedCfg := scheduler.Config{
		Engine:                   engine,
		Store:                    store,
		Notifier:                 notifier,
		Tick:                     cfg.Scheduler.Tick,
		BackgroundScanInterval:   cfg.Scheduler.BackgroundScan,
		RemediationCheckInterval: cfg.Scheduler.RemediationCheck,
		DailyScanInterval:        cfg.Scheduler.DailyScan,
		NotificationInterval:     cfg.Scheduler.Notifications,
		TaskTimeout:              cfg.Scheduler.TaskTimeout,
		Logger:                   logger,
		JobMetrics:               jobMetrics,
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		schedCfg.State = scheduler.NewRedisState(rdb)
		schedCfg.Lock = scheduler.NewRedisLock(rdb, scheduler.DefaultLockKey, 0)
		deps = append(deps, health.Dependency{Name: "redis", Checker: health.NewRedisChecker(rdb)})
	}
	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return err
	}

	if once {
		return sched.RunOnce(ctx)
	}

	checks := health.NewHandlers(health.HandlersConfig{Dependencies: deps, Logger: logger})
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checks.Health)
	mux.HandleFunc("/ready", checks.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Apply middleware: RequestID -> Tracing -> Logging -> Metrics -> Profiling
	var handler http.Handler = middleware.Profiling(middleware.ProfilingConfig{
		Enabled:     cfg.ProfilingEnabled,
		Environment: cfg.Env,
		Logger:      logger,
	})(mux)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.RequestID(handler)

	server := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting ops server", "addr", cfg.OpsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down ops server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// seedSettings applies configured settings only where the stored values are
// still empty, so operator changes survive restarts.
func seedSettings(ctx context.Context, store casestore.Store, seed config.SettingsConfig, logger *slog.Logger) error {
	current, err := store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	var patch casestore.SettingsPatch
	if current.AlertRecipient == "" && seed.AlertRecipient != "" {
		patch.AlertRecipient = &seed.AlertRecipient
	}
	if current.UpdatedAt.IsZero() && seed.AutoRemediate {
		patch.AutoRemediate = casestore.BoolPtr(true)
	}
	if patch.AlertRecipient == nil && patch.AutoRemediate == nil {
		return nil
	}
	if _, err := store.UpdateSettings(ctx, patch); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	logger.Info("seeded settings from configuration")
	return nil
}
