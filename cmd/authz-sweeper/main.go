package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/config"
	"github.com/supportly/authz/pkg/emergency"
	"github.com/supportly/authz/pkg/kv"
	"github.com/supportly/authz/pkg/notify"
	"github.com/supportly/authz/pkg/observability"
	"github.com/supportly/authz/pkg/permcache"
	"github.com/supportly/authz/pkg/rbac"
	"github.com/supportly/authz/pkg/threat"
)

var (
	runOnce  = flag.Bool("run-once", false, "Run every sweep once and exit")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

// sweep is one housekeeping job
type sweep struct {
	name     string
	schedule string
	run      func(ctx context.Context, now time.Time) (int, error)
}

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)
	logger.Info("Starting authorization sweeper")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Storage.PostgresURL)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Storage.PostgresTimeout)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}

	shared, err := kv.NewClient(ctx, cfg.Storage, cfg.Cache.KeyPrefix)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}
	defer shared.Close()

	sweeps, err := buildSweeps(cfg, db, shared)
	if err != nil {
		logger.Fatalf("Failed to build sweeps: %v", err)
	}

	if *runOnce {
		failed := false
		for _, s := range sweeps {
			if err := runSweep(ctx, logger, s); err != nil {
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
		return
	}

	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	for _, s := range sweeps {
		s := s
		if _, err := c.AddFunc(s.schedule, func() { runSweep(ctx, logger, s) }); err != nil {
			logger.Fatalf("Failed to schedule %s sweep: %v", s.name, err)
		}
		logger.WithFields(logrus.Fields{"sweep": s.name, "schedule": s.schedule}).Info("Sweep scheduled")
	}

	c.Start()
	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	<-c.Stop().Done()
	logger.Info("Sweeper stopped")
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// buildSweeps wires the temporal, emergency and unblock sweeps. Audit rows
// go straight to Postgres; the sweeper never sends notifications.
func buildSweeps(cfg *config.Config, db *sql.DB, shared *kv.Client) ([]sweep, error) {
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "authz-sweeper")
	metrics := observability.NewMetrics(nil)

	auditLog := audit.NewLog(audit.NewPostgresStore(db), logger, metrics)
	rbacStore := rbac.NewPostgresStore(db)
	grants := emergency.NewPostgresStore(db)

	var resolverOpts []rbac.ResolverOption
	if cfg.Cache.Enabled {
		resolverOpts = append(resolverOpts, rbac.WithCache(permcache.New(shared, cfg.Cache.SafetyTTL, logger, metrics)))
	}
	resolver := rbac.NewResolver(rbacStore, logger, metrics, append(resolverOpts, rbac.WithEmergencyGrants(grants))...)
	temporal := rbac.NewTemporalManager(rbac.NewManager(rbacStore, resolver, auditLog, logger, metrics))
	emergencies := emergency.NewManager(grants, rbacStore, resolver, shared, cfg.Emergency, auditLog, logger, metrics)

	policy, err := config.NewPolicyStore(cfg.Threat)
	if err != nil {
		return nil, err
	}
	if cfg.Threat.PolicyFile != "" {
		if err := policy.LoadFile(cfg.Threat.PolicyFile); err != nil {
			return nil, fmt.Errorf("failed to load threat policy: %w", err)
		}
	}
	engine := threat.NewEngine(shared, policy, cfg.Threat.QualifyingEvents, auditLog, notify.NewLogNotifier(logger), logger, metrics)

	return []sweep{
		{name: "temporal", schedule: cfg.Sweeper.TemporalSchedule, run: temporal.SweepExpired},
		{name: "emergency", schedule: cfg.Sweeper.EmergencySchedule, run: emergencies.SweepExpired},
		{name: "unblock", schedule: cfg.Sweeper.UnblockSchedule, run: engine.SweepUnblocked},
	}, nil
}

func runSweep(ctx context.Context, logger *logrus.Logger, s sweep) error {
	start := time.Now()
	n, err := s.run(ctx, start.UTC())
	entry := logger.WithFields(logrus.Fields{
		"sweep":       s.name,
		"count":       n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("Sweep failed")
		return err
	}
	entry.Info("Sweep completed")
	return nil
}
