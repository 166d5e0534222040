// Package app is the orchestrator's composition root: it wires
// internal/config, the storage layer, and every domain service
// (gateway, workflowstore, jobqueue, robotregistry, dispatcher,
// calendar, scheduleengine, auditlog, robotsession, controlapi) into one
// running Application, the same single-struct wiring shape the teacher's
// cmd/appserver main.go builds inline — collected here so both
// cmd/orchestratord and tests can construct the same graph.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/auditlog"
	"github.com/casarerpa/orchestrator/internal/calendar"
	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/controlapi"
	"github.com/casarerpa/orchestrator/internal/diagnostics"
	"github.com/casarerpa/orchestrator/internal/dispatcher"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/jobqueue"
	"github.com/casarerpa/orchestrator/internal/platform/database"
	"github.com/casarerpa/orchestrator/internal/platform/migrations"
	"github.com/casarerpa/orchestrator/internal/robotregistry"
	"github.com/casarerpa/orchestrator/internal/robotsession"
	"github.com/casarerpa/orchestrator/internal/scheduleengine"
	"github.com/casarerpa/orchestrator/internal/storage"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
	"github.com/casarerpa/orchestrator/internal/storage/postgres"
	"github.com/casarerpa/orchestrator/internal/workflowstore"
	"github.com/casarerpa/orchestrator/pkg/logger"
	"github.com/casarerpa/orchestrator/pkg/pgnotify"
)

// Application holds every wired service plus the resources (DB, bus) that
// need an orderly shutdown.
type Application struct {
	Config *config.Config
	Log    *logger.Logger

	DB  *sql.DB
	Bus *pgnotify.Bus

	Store      storage.Store
	Gateway    *gateway.Gateway
	Workflows  *workflowstore.Service
	Jobs       *jobqueue.Service
	Robots     *robotregistry.Service
	Calendars  *calendar.Service
	Schedules  *scheduleengine.Service
	Audit      *auditlog.Service
	Sessions   *robotsession.Service
	Dispatch   *dispatcher.Service
	ControlAPI *controlapi.API
}

// New builds an Application from cfg. When cfg.Database.DSN (or host)
// resolves to an empty connection string, the application falls back to
// an in-process memory.Store — the same in-memory/Postgres duality the
// teacher's appserver chooses with its --dsn flag, here driven entirely
// by configuration so cmd/orchestratord stays a thin shim.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, FilePrefix: cfg.Logging.FilePrefix,
	})

	a := &Application{Config: cfg, Log: log}

	var store storage.Store
	if cfg.Database.Host != "" || cfg.Database.DSN != "" {
		dsn := cfg.Database.ConnectionString()
		db, err := database.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if cfg.Database.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
		}
		if cfg.Database.MigrateOnStart {
			if err := migrations.Apply(ctx, db); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		bus, err := pgnotify.NewWithDB(db, dsn)
		if err != nil {
			return nil, fmt.Errorf("start pgnotify bus: %w", err)
		}
		a.DB = db
		a.Bus = bus
		store = postgres.New(db)
	} else {
		store = memory.New()
	}
	a.Store = store

	a.Gateway = gateway.New(store, cfg.Auth)
	a.Workflows = workflowstore.New(store, a.Gateway)
	a.Calendars = calendar.New(store)

	leaseWindow := mustDuration(cfg.Lease.LeaseWindow, 90*time.Second)
	livenessWindow := mustDuration(cfg.Lease.LivenessWindow, 30*time.Second)

	a.Jobs = jobqueue.New(store, a.Gateway, jobqueue.Options{
		LeaseWindow: leaseWindow,
		BackoffBase: mustDuration(cfg.Retry.BaseDelay, 2*time.Second),
		Multiplier:  orDefault(cfg.Retry.Multiplier, 2.0),
		MaxBackoff:  mustDuration(cfg.Retry.MaxDelay, 5*time.Minute),
		MaxRetries:  orDefaultInt(cfg.Retry.MaxAttempts, 8),
	})
	a.Robots = robotregistry.New(store, livenessWindow)

	a.Sessions = robotsession.New(store, a.Robots, a.Jobs, robotsession.Options{
		CancelTimeout:   mustDuration(cfg.RobotSession.CancelTimeout, 10*time.Second),
		ProbationWindow: mustDuration(cfg.RobotSession.ProbationWindow, 5*time.Minute),
		WriteTimeout:    mustDuration(cfg.RobotSession.WriteTimeout, 10*time.Second),
		PongWait:        mustDuration(cfg.RobotSession.PongWait, 30*time.Second),
		PingInterval:    mustDuration(cfg.RobotSession.PingInterval, 10*time.Second),
		InboxSize:       orDefaultInt(cfg.RobotSession.InboxSize, 64),
	}, log)

	a.Dispatch = dispatcher.New(store, a.Workflows, a.Robots, a.Sessions, a.Bus, dispatcher.Options{
		BatchSize:       20,
		LeaseWindow:     leaseWindow,
		SelectionPolicy: robotregistry.PolicyLeastLoaded,
	}, log)

	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	a.Schedules = scheduleengine.New(store, a.Calendars, a.Jobs, a.DB, rdb, a.Bus, scheduleengine.Options{
		BatchSize: 50,
	}, log)

	a.Audit = auditlog.New(store, auditlog.Options{
		RootEveryEntries: orDefaultInt(cfg.Audit.MerkleRootEveryEntries, 500),
		RootEveryPeriod:  mustDuration(cfg.Audit.MerkleRootEveryPeriod, 5*time.Minute),
	}, log)

	a.ControlAPI = controlapi.New(store, a.Gateway, a.Jobs, a.Workflows, a.Robots, a.Schedules, a.Audit,
		controlapi.Options{RequestTimeout: 30 * time.Second, MaxBodyBytes: 8 << 20}, log)

	return a, nil
}

// Diagnostics builds the internal operations router (/healthz, /metrics,
// /system/status), meant for a listener distinct from the Control API.
func (a *Application) Diagnostics() http.Handler {
	return diagnostics.Router(a.Store)
}

// RunTenantLoops starts the dispatch and schedule-evaluation loops for a
// single tenant, each in its own goroutine, and returns at once; both loops
// run until ctx is cancelled. Callers invoke it once per active tenant,
// mirroring the teacher's per-resource background-loop pattern in its
// runtime package.
func (a *Application) RunTenantLoops(ctx context.Context, tenantID uuid.UUID) {
	tick := mustDuration(a.Config.Scheduler.TickResolution, time.Second)
	go func() {
		if err := a.Dispatch.Run(ctx, tenantID, tick); err != nil && ctx.Err() == nil {
			a.Log.WithField("error", err).WithField("tenant_id", tenantID).Error("dispatcher loop exited")
		}
	}()
	go func() {
		if err := a.Schedules.Run(ctx, tenantID, tick); err != nil && ctx.Err() == nil {
			a.Log.WithField("error", err).WithField("tenant_id", tenantID).Error("schedule engine loop exited")
		}
	}()
}

// RunGlobalLoops starts the tenant-independent background loops: stale
// robot detection, expired lease reclamation, and periodic Merkle root
// computation over the audit log.
func (a *Application) RunGlobalLoops(ctx context.Context) {
	livenessWindow := mustDuration(a.Config.Lease.LivenessWindow, 30*time.Second)
	go pollLoop(ctx, livenessWindow, a.Log, "stale robot detection", func() error {
		_, err := a.Robots.DetectStaleRobots(ctx)
		return err
	})
	go pollLoop(ctx, mustDuration(a.Config.Lease.LeaseWindow, 90*time.Second), a.Log, "expired lease reclamation", func() error {
		_, err := a.Jobs.ReclaimExpiredLeases(ctx)
		return err
	})
	go func() {
		if err := a.Audit.RunRootComputer(ctx); err != nil && ctx.Err() == nil {
			a.Log.WithField("error", err).Error("merkle root computer exited")
		}
	}()
}

func pollLoop(ctx context.Context, interval time.Duration, log *logger.Logger, name string, fn func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(); err != nil {
				log.WithField("error", err).Warnf("%s failed", name)
			}
		}
	}
}

// Close releases the DB connection and pgnotify bus, if any were opened.
func (a *Application) Close() error {
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}

func mustDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func orDefault(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDefaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
