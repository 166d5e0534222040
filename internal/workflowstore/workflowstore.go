// Package workflowstore implements spec.md §4.2's Workflow & Version Store
// operations on top of internal/storage: create_workflow, create_version,
// activate_version, pin_job, and resolve_for_execution. The activation
// protocol itself (select-deprecate-activate-or-rollback) lives in the
// storage layer's ActivateVersion, grounded on the teacher's
// read-then-conditional-update transaction shape in
// internal/app/storage/postgres/store.go's account update path; this
// package adds the checksum integrity mode and pin-aware resolution the
// storage interface does not know about.
package workflowstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// Service wires the storage and gateway layers into the five operations
// spec.md §4.2 names.
type Service struct {
	store storage.Store
	gw    *gateway.Gateway
}

// New builds a Service over store, consulting gw for quota checks.
func New(store storage.Store, gw *gateway.Gateway) *Service {
	return &Service{store: store, gw: gw}
}

// Checksum computes the opaque content checksum a WorkflowVersion payload
// carries: a hex-encoded SHA-256 digest, the same algorithm the audit log
// hash chain uses, kept consistent across the repository's two integrity
// mechanisms rather than introducing a second hash function.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CreateWorkflow registers a new workflow container, failing with
// apperr.QuotaExceeded if tenant has reached its workflow quota.
func (s *Service) CreateWorkflow(ctx context.Context, tenantID uuid.UUID, w domain.Workflow) (domain.Workflow, error) {
	ok, err := s.gw.CheckQuota(ctx, tenantID, domain.ResourceWorkflow)
	if err != nil {
		return domain.Workflow{}, err
	}
	if !ok {
		return domain.Workflow{}, apperr.New(apperr.QuotaExceeded, "workflowstore.CreateWorkflow", "workflow quota exhausted")
	}
	w.TenantID = tenantID
	if w.Status == "" {
		w.Status = domain.WorkflowDraft
	}
	created, err := s.store.CreateWorkflow(ctx, w)
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := s.store.AdjustWorkflowCount(ctx, tenantID, 1); err != nil {
		return domain.Workflow{}, err
	}
	return created, nil
}

// CreateVersion creates a new draft version of workflow, computing its
// checksum from payload and optionally chaining it to a parent version.
func (s *Service) CreateVersion(ctx context.Context, tenantID, workflowID uuid.UUID, payload []byte, parentVersionID *uuid.UUID, semVer, changeSummary string, nodeCount, connectionCount int) (domain.WorkflowVersion, error) {
	if _, err := s.store.GetWorkflow(ctx, tenantID, workflowID); err != nil {
		return domain.WorkflowVersion{}, err
	}
	v := domain.WorkflowVersion{
		WorkflowID:      workflowID,
		TenantID:        tenantID,
		SemanticVersion: semVer,
		ParentVersionID: parentVersionID,
		Status:          domain.VersionDraft,
		Payload:         payload,
		Checksum:        Checksum(payload),
		ChangeSummary:   changeSummary,
		NodeCount:       nodeCount,
		ConnectionCount: connectionCount,
	}
	return s.store.CreateVersion(ctx, v)
}

// ActivateVersion promotes version to active, deprecating whatever was
// previously active, per the storage layer's transactional protocol.
func (s *Service) ActivateVersion(ctx context.Context, tenantID, workflowID, versionID uuid.UUID) (domain.WorkflowVersion, error) {
	return s.store.ActivateVersion(ctx, tenantID, workflowID, versionID)
}

// PinJob pins job to a specific version of workflow, or clears any existing
// pin when versionID is nil, recording reason either way.
func (s *Service) PinJob(ctx context.Context, tenantID, jobID, workflowID uuid.UUID, versionID *uuid.UUID, reason string) (domain.JobVersionPin, error) {
	if versionID != nil {
		v, err := s.store.GetVersion(ctx, tenantID, *versionID)
		if err != nil {
			return domain.JobVersionPin{}, err
		}
		if v.Status == domain.VersionArchived {
			return domain.JobVersionPin{}, apperr.Validationf("workflowstore.PinJob", "cannot pin job %s to archived version %s", jobID, *versionID)
		}
	}
	return s.store.CreatePin(ctx, domain.JobVersionPin{
		JobID:      jobID,
		TenantID:   tenantID,
		WorkflowID: workflowID,
		VersionID:  versionID,
		Reason:     reason,
	})
}

// Resolution is what resolve_for_execution returns: the version to run,
// its payload, and whether the job was explicitly pinned to it.
type Resolution struct {
	Version  domain.WorkflowVersion
	Payload  []byte
	IsPinned bool
}

// ResolveForExecution resolves the WorkflowVersion job should run against:
// its pin if one exists, otherwise the workflow's current active version.
// When verifyIntegrity is set, the stored payload's checksum is
// recomputed and compared against the recorded one, failing with
// apperr.ChainBroken on mismatch — the version-store analogue of the audit
// log's hash-chain verification.
func (s *Service) ResolveForExecution(ctx context.Context, tenantID, jobID, workflowID uuid.UUID, verifyIntegrity bool) (Resolution, error) {
	var version domain.WorkflowVersion
	isPinned := false

	pin, found, err := s.store.GetPin(ctx, tenantID, jobID)
	if err != nil {
		return Resolution{}, err
	}
	switch {
	case found && pin.VersionID != nil:
		version, err = s.store.GetVersion(ctx, tenantID, *pin.VersionID)
		if err != nil {
			return Resolution{}, err
		}
		if version.Status == domain.VersionArchived {
			return Resolution{}, apperr.Conflictf("workflowstore.ResolveForExecution", "pinned version %s is archived", version.ID)
		}
		isPinned = true
	default:
		version, err = s.store.GetActiveVersion(ctx, tenantID, workflowID)
		if err != nil {
			return Resolution{}, err
		}
	}

	if verifyIntegrity {
		if Checksum(version.Payload) != version.Checksum {
			return Resolution{}, apperr.New(apperr.ChainBroken, "workflowstore.ResolveForExecution", "version payload checksum mismatch")
		}
	}

	return Resolution{Version: version, Payload: version.Payload, IsPinned: isPinned}, nil
}
