// Package dispatcher implements spec.md §4.5's assignment loop: for each
// pending job it resolves the version to run, computes the capabilities a
// robot needs to run it, asks internal/robotregistry for candidates, honors
// any node-level robot override, leases the job to the chosen robot, and
// hands it off over the robot's session.
//
// The workflow graph interpreter is explicitly out of scope (spec.md
// Non-goals), so WorkflowVersion carries no parsed node graph for this
// package to inspect. Required capabilities and node-level overrides are
// instead read from two reserved keys in Job.Variables —
// requiredCapabilitiesKey and nodeOverrideRobotKey — populated by whatever
// authored the job (a workflow's publish step, or a manual submission)
// from the workflow's own metadata. Dispatch treats both as opaque,
// caller-supplied hints; it never parses Payload.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/obsmetrics"
	"github.com/casarerpa/orchestrator/internal/robotregistry"
	"github.com/casarerpa/orchestrator/internal/storage"
	"github.com/casarerpa/orchestrator/internal/workflowstore"
	"github.com/casarerpa/orchestrator/pkg/logger"
	"github.com/casarerpa/orchestrator/pkg/pgnotify"
)

// Reserved Job.Variables keys carrying workflow-metadata hints the graph
// interpreter would otherwise supply.
const (
	requiredCapabilitiesKey = "__required_capabilities"
	nodeOverrideRobotKey    = "__override_robot_id"
)

// Assigner hands an assigned job to a robot over its live session. The
// robot session transport itself (spec.md §4.6) is implemented outside
// this package; the dispatcher only needs to notify it.
type Assigner interface {
	AssignJob(ctx context.Context, robotID uuid.UUID, job domain.Job, version domain.WorkflowVersion, payload []byte) error
}

// Options tunes one dispatch pass.
type Options struct {
	BatchSize       int
	LeaseWindow     time.Duration
	SelectionPolicy robotregistry.SelectionPolicy
	VerifyIntegrity bool
}

// Service runs the assignment loop over storage.Store, workflowstore, and
// robotregistry, notified by pkg/pgnotify's queue-change events.
type Service struct {
	store     storage.Store
	workflows *workflowstore.Service
	robots    *robotregistry.Service
	assigner  Assigner
	bus       *pgnotify.Bus
	opts      Options
	log       *logger.Logger

	backpressure map[uuid.UUID]int
}

// New builds a dispatcher Service. bus may be nil, in which case Run only
// dispatches on its own ticker (useful in tests and for embedding without
// LISTEN/NOTIFY wiring).
func New(store storage.Store, workflows *workflowstore.Service, robots *robotregistry.Service, assigner Assigner, bus *pgnotify.Bus, opts Options, log *logger.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.SelectionPolicy == "" {
		opts.SelectionPolicy = robotregistry.PolicyLeastLoaded
	}
	if log == nil {
		log = logger.NewDefault("dispatcher")
	}
	return &Service{
		store: store, workflows: workflows, robots: robots, assigner: assigner, bus: bus,
		opts: opts, log: log, backpressure: make(map[uuid.UUID]int),
	}
}

// QueueChannel is the pgnotify channel the tenant_executions notify
// trigger publishes to whenever a job row is inserted or updated with
// status queued, so the dispatcher wakes instead of waiting out the next
// tick.
func QueueChannel(tenantID uuid.UUID) string {
	return "orchestrator_queue_" + tenantID.String()
}

// Run blocks, dispatching whenever the job-queue channel fires and on
// every tick, until ctx is cancelled. Callers run it in its own goroutine
// per tenant, or loop DispatchTenant themselves across a tenant list.
func (s *Service) Run(ctx context.Context, tenantID uuid.UUID, tick time.Duration) error {
	wake := make(chan struct{}, 1)
	if s.bus != nil {
		channel := QueueChannel(tenantID)
		if err := s.bus.Subscribe(channel, func(_ context.Context, _ pgnotify.Event) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		}); err != nil {
			return err
		}
		defer s.bus.Unsubscribe(channel) //nolint:errcheck
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		if _, err := s.DispatchTenant(ctx, tenantID); err != nil {
			s.log.WithFields(logrus.Fields{"tenant_id": tenantID, "error": err}).Error("dispatch pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// DispatchTenant runs one assignment pass for tenantID: it lists queued
// jobs in priority order, and for each attempts to resolve a version and
// lease it to a candidate robot. It returns the number of jobs
// successfully assigned in this pass.
func (s *Service) DispatchTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	queued := domain.JobQueued
	jobs, err := s.store.ListJobs(ctx, tenantID, &queued, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	obsmetrics.SetQueueDepth(tenantID.String(), len(jobs))

	assigned := 0
	excluded := make(map[uuid.UUID]struct{})
	// pending tracks robots this pass has already leased a job to, since a
	// robot's current_jobs counter only advances on its next heartbeat —
	// without this, two jobs in the same pass could both pick an idle robot
	// that is really only good for one more slot.
	pending := make(map[uuid.UUID]int)
	for _, job := range jobs {
		ok, err := s.dispatchOne(ctx, tenantID, job, excluded, pending)
		if err != nil && apperr.CodeOf(err) != apperr.Conflict {
			s.log.WithFields(logrus.Fields{"job_id": job.ID, "error": err}).Warn("dispatch job failed")
			continue
		}
		if ok {
			assigned++
			delete(s.backpressure, tenantID)
		} else {
			s.backpressure[tenantID]++
		}
	}
	return assigned, nil
}

// dispatchOne attempts to assign a single job, returning false (with a nil
// error) if no eligible robot is currently available — the job stays
// queued and the tenant's back-pressure counter advances.
func (s *Service) dispatchOne(ctx context.Context, tenantID uuid.UUID, job domain.Job, excludedGlobal map[uuid.UUID]struct{}, pending map[uuid.UUID]int) (bool, error) {
	start := time.Now()
	defer func() { obsmetrics.ObserveAssignmentLatency(time.Since(start)) }()

	resolution, err := s.workflows.ResolveForExecution(ctx, tenantID, job.ID, job.WorkflowID, s.opts.VerifyIntegrity)
	if err != nil {
		return false, err
	}

	requiredCaps := extractRequiredCapabilities(job.Variables)

	if override, ok := extractOverrideRobot(job.Variables); ok {
		if _, err := s.assignToRobot(ctx, tenantID, job, override, resolution); err == nil {
			pending[override]++
			return true, nil
		} else if apperr.CodeOf(err) != apperr.Conflict {
			s.log.WithFields(logrus.Fields{"job_id": job.ID, "robot_id": override, "error": err}).
					Warn("node-level robot override unavailable, falling back to selection")
		}
	}

	candidates, err := s.robots.SelectCandidates(ctx, tenantID, job.WorkflowID, requiredCaps, 5, s.opts.SelectionPolicy, excludedGlobal)
	if err != nil {
		return false, err
	}

	for _, candidate := range candidates {
		if candidate.CurrentJobs+pending[candidate.ID] >= candidate.MaxConcurrent {
			continue
		}
		_, err := s.assignToRobot(ctx, tenantID, job, candidate.ID, resolution)
		if err == nil {
			pending[candidate.ID]++
			return true, nil
		}
		if apperr.CodeOf(err) != apperr.Conflict {
			return false, err
		}
		// another dispatch pass (or robot) beat us to this job; try the
		// next candidate robot for the same job.
	}
	return false, nil
}

// assignToRobot atomically leases job to robotID, hands it off over the
// robot's session, and records the audit entry. On any failure after the
// lease is acquired it returns the error without rolling the lease back —
// the lease window and jobqueue's reclaim loop recover an unreachable
// robot the same way a missed heartbeat would.
func (s *Service) assignToRobot(ctx context.Context, tenantID uuid.UUID, job domain.Job, robotID uuid.UUID, resolution workflowstore.Resolution) (domain.Job, error) {
	leased, err := s.store.AssignJob(ctx, tenantID, job.ID, robotID, s.opts.LeaseWindow)
	if err != nil {
		return domain.Job{}, err
	}

	if err := s.assigner.AssignJob(ctx, robotID, leased, resolution.Version, resolution.Payload); err != nil {
		return domain.Job{}, apperr.Wrap(apperr.Internal, "dispatcher.assignToRobot", "notify robot session", err)
	}
	obsmetrics.ObserveClaimLatency(time.Since(leased.ScheduledTime))

	if _, err := s.store.AppendEntry(ctx, domain.AuditLogEntry{
		EntryUUID: uuid.New(),
		Action:    "job.assigned",
		Actor:     domain.Actor{Type: domain.ActorSystem, ID: "dispatcher"},
		Resource:  domain.Resource{Type: "job", ID: job.ID.String()},
		TenantID:  &tenantID,
		Details: map[string]any{
			"robot_id":   robotID.String(),
			"version_id": resolution.Version.ID.String(),
			"is_pinned":  resolution.IsPinned,
		},
	}); err != nil {
		s.log.WithFields(logrus.Fields{"job_id": job.ID, "error": err}).Warn("audit append failed after successful assignment")
	}

	return leased, nil
}

// BackpressureCount reports how many queued jobs of tenantID were left
// unassigned (no eligible robot) since the last successful assignment for
// that tenant; every job a pass fails to place adds one, and any successful
// assignment resets the count to zero.
func (s *Service) BackpressureCount(tenantID uuid.UUID) int {
	return s.backpressure[tenantID]
}

func extractRequiredCapabilities(vars map[string]any) []string {
	raw, ok := vars[requiredCapabilitiesKey]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractOverrideRobot(vars map[string]any) (uuid.UUID, bool) {
	raw, ok := vars[nodeOverrideRobotKey]
	if !ok {
		return uuid.Nil, false
	}
	s, ok := raw.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
