// Package controlapi implements spec.md §4.9's Control API: the tenant-facing
// HTTP surface for submit_job, cancel_job, get_job, list_jobs,
// create_workflow_version, activate_version, upsert_schedule, list_robots,
// and read_audit_range. Every call passes through internal/gateway before
// reaching a handler.
//
// The router is built on github.com/go-chi/chi/v5 with
// github.com/go-chi/cors mounted ahead of it, the external-facing stack
// SPEC_FULL.md's domain section names; the middleware chain (recovery,
// structured request logging, security headers, body-size limit, request
// timeout) is adapted from the teacher's infrastructure/middleware package,
// generalized from the teacher's bespoke httputil envelope to apperr's
// closed taxonomy.
package controlapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/casarerpa/orchestrator/internal/auditlog"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/jobqueue"
	"github.com/casarerpa/orchestrator/internal/obsmetrics"
	"github.com/casarerpa/orchestrator/internal/robotregistry"
	"github.com/casarerpa/orchestrator/internal/scheduleengine"
	"github.com/casarerpa/orchestrator/internal/storage"
	"github.com/casarerpa/orchestrator/internal/workflowstore"
	"github.com/casarerpa/orchestrator/pkg/logger"
)

// Options tunes the router's cross-cutting middleware.
type Options struct {
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
}

func (o Options) withDefaults() Options {
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 8 << 20
	}
	return o
}

// API wires every service the Control API fronts.
type API struct {
	store     storage.Store
	gw        *gateway.Gateway
	jobs      *jobqueue.Service
	workflows *workflowstore.Service
	robots    *robotregistry.Service
	schedules *scheduleengine.Service
	audit     *auditlog.Service
	opts      Options
	log       *logger.Logger
}

// New builds an API. Any of jobs/workflows/robots/schedules/audit may be
// left nil for a deployment that doesn't wire every subsystem (e.g. a
// read-only reporting replica); handlers for an unwired subsystem return
// apperr.Internal rather than panicking.
func New(store storage.Store, gw *gateway.Gateway, jobs *jobqueue.Service, workflows *workflowstore.Service,
	robots *robotregistry.Service, schedules *scheduleengine.Service, audit *auditlog.Service,
	opts Options, log *logger.Logger) *API {
	return &API{
		store: store, gw: gw, jobs: jobs, workflows: workflows, robots: robots,
		schedules: schedules, audit: audit, opts: opts.withDefaults(), log: log,
	}
}

// Router builds the chi router mounting every Control API route behind the
// authentication, authorization, and cross-cutting middleware chain.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(a.recoveryMiddleware)
	r.Use(obsmetrics.InstrumentHandler)
	r.Use(a.loggingMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(a.bodyLimitMiddleware)
	r.Use(chimiddleware.Timeout(a.opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", a.handleHealthz)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(a.authenticate)

		v1.Route("/jobs", func(rt chi.Router) {
			rt.With(a.authorize("job", "create")).Post("/", a.handleSubmitJob)
			rt.With(a.authorize("job", "read")).Get("/", a.handleListJobs)
			rt.With(a.authorize("job", "read")).Get("/{jobID}", a.handleGetJob)
			rt.With(a.authorize("job", "cancel")).Post("/{jobID}/cancel", a.handleCancelJob)
		})

		v1.Route("/workflows", func(rt chi.Router) {
			rt.With(a.authorize("workflow", "create")).Post("/", a.handleCreateWorkflow)
			rt.With(a.authorize("workflow", "update")).Post("/{workflowID}/versions", a.handleCreateWorkflowVersion)
			rt.With(a.authorize("workflow", "update")).Post("/{workflowID}/versions/{versionID}/activate", a.handleActivateVersion)
		})

		v1.Route("/schedules", func(rt chi.Router) {
			rt.With(a.authorize("schedule", "create")).Post("/", a.handleUpsertSchedule)
			rt.With(a.authorize("schedule", "update")).Put("/{scheduleID}", a.handleUpsertSchedule)
		})

		v1.Route("/robots", func(rt chi.Router) {
			rt.With(a.authorize("robot", "read")).Get("/", a.handleListRobots)
		})

		v1.With(a.authorize("audit", "read")).Get("/audit", a.handleReadAuditRange)
	})

	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
