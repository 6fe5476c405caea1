package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/config"
	"github.com/supportly/authz/pkg/emergency"
	"github.com/supportly/authz/pkg/httpapi"
	"github.com/supportly/authz/pkg/kv"
	"github.com/supportly/authz/pkg/notify"
	"github.com/supportly/authz/pkg/observability"
	"github.com/supportly/authz/pkg/permcache"
	"github.com/supportly/authz/pkg/ratelimit"
	"github.com/supportly/authz/pkg/rbac"
	"github.com/supportly/authz/pkg/threat"
)

var version = "dev"

var migrateOnly = flag.Bool("migrate-only", false, "Apply database migrations and exit")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "authzd").
		WithField("version", version)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("authzd exited with error")
		os.Exit(1)
	}
}

func openDatabase(ctx context.Context, cfg config.StorageConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.PostgresMaxConns)
	db.SetMaxIdleConns(cfg.PostgresMinConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if cfg.Storage.RunMigrations || *migrateOnly {
		if err := rbac.RunMigrations(ctx, db, logger); err != nil {
			db.Close()
			return err
		}
	}
	if *migrateOnly {
		return db.Close()
	}

	shared, err := kv.NewClient(ctx, cfg.Storage, cfg.Cache.KeyPrefix)
	if err != nil {
		db.Close()
		return err
	}

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("OpenTelemetry disabled after setup failure")
	}

	metrics := observability.NewMetrics(nil)

	var auditOpts []audit.Option
	if cfg.Storage.AuditFallbackPath != "" {
		fallback, err := audit.NewFileWriter(cfg.Storage.AuditFallbackPath, 100<<20)
		if err != nil {
			return fmt.Errorf("failed to open audit fallback: %w", err)
		}
		defer fallback.Close()
		auditOpts = append(auditOpts, audit.WithFallback(fallback))
	}
	auditStore := audit.NewPostgresStore(db)
	auditLog := audit.NewLog(auditStore, logger, metrics, auditOpts...)

	rbacStore := rbac.NewPostgresStore(db)
	grants := emergency.NewPostgresStore(db)

	resolverOpts := []rbac.ResolverOption{rbac.WithEmergencyGrants(grants)}
	if cfg.Cache.Enabled {
		resolverOpts = append(resolverOpts, rbac.WithCache(permcache.New(shared, cfg.Cache.SafetyTTL, logger, metrics)))
	}
	resolver := rbac.NewResolver(rbacStore, logger, metrics, resolverOpts...)
	manager := rbac.NewManager(rbacStore, resolver, auditLog, logger, metrics)

	policy, err := config.NewPolicyStore(cfg.Threat)
	if err != nil {
		return err
	}

	var delivery notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notify.WebhookURL != "" {
		delivery = notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:            cfg.Notify.WebhookURL,
			Secret:         cfg.Notify.WebhookSecret,
			MaxAttempts:    cfg.Notify.MaxAttempts,
			InitialBackoff: cfg.Notify.InitialBackoff,
		}, logger)
	}
	dispatcher := notify.NewDispatcher(ctx, delivery, notify.DispatcherConfig{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
	}, logger, metrics)

	engine := threat.NewEngine(shared, policy, cfg.Threat.QualifyingEvents, auditLog, dispatcher, logger, metrics,
		threat.WithAuthorizer(resolver))

	var limiter *ratelimit.Limiter
	if cfg.Server.RequestsPerMinute > 0 {
		limiter = ratelimit.New(shared, "api", ratelimit.Config{Limit: cfg.Server.RequestsPerMinute, Window: time.Minute}, metrics)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Resolver:  resolver,
		Manager:   manager,
		Temporal:  rbac.NewTemporalManager(manager),
		Emergency: emergency.NewManager(grants, rbacStore, resolver, shared, cfg.Emergency, auditLog, logger, metrics),
		Threat:    engine,
		Audits:    auditStore,
		AuditLog:  auditLog,
		Health:    observability.NewHealthChecker(db, shared.Redis(), version),
		Limiter:   limiter,
		Logger:    logger,
		Metrics:   metrics,
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	shutdown.Register("redis", func(context.Context) error { return shared.Close() })
	if otel != nil {
		shutdown.Register("otel", otel.Shutdown)
	}
	shutdown.Register("notifications", func(ctx context.Context) error {
		timeout := time.Until(deadlineOr(ctx, time.Now().Add(10*time.Second)))
		return dispatcher.Shutdown(timeout)
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Threat.PolicyFile != "" {
		watcher, err := config.NewPolicyWatcher(policy, cfg.Threat.PolicyFile, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("Authorization service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return shutdown.Shutdown(gctx)
	})

	return g.Wait()
}

func deadlineOr(ctx context.Context, fallback time.Time) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return fallback
}
