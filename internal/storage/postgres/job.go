package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func (s *Store) CreateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	variablesJSON, err := marshalJSON("postgres.CreateJob", j.Variables)
	if err != nil {
		return domain.Job{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_executions (id, tenant_id, workflow_id, priority, variables, trigger_type,
			status, max_retries, scheduled_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.TenantID, j.WorkflowID, j.Priority, variablesJSON, j.TriggerType, j.Status, j.MaxRetries, j.ScheduledTime)
	if err != nil {
		return domain.Job{}, apperr.Wrap(apperr.Internal, "postgres.CreateJob", "insert job", err)
	}
	return s.GetJob(ctx, j.TenantID, j.ID)
}

func (s *Store) GetJob(ctx context.Context, tenantID, id uuid.UUID) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectQuery+` WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanJob(row)
}

func (s *Store) ListJobs(ctx context.Context, tenantID uuid.UUID, status *domain.JobStatus, limit int) ([]domain.Job, error) {
	query := jobSelectQuery + ` WHERE tenant_id = $1 AND ($2::text IS NULL OR status = $2) ORDER BY created_at LIMIT $3`
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, query, tenantID, statusArg, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListJobs", "query jobs", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) UpdateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	variablesJSON, err := marshalJSON("postgres.UpdateJob", j.Variables)
	if err != nil {
		return domain.Job{}, err
	}
	resultJSON, err := marshalJSON("postgres.UpdateJob", j.Result)
	if err != nil {
		return domain.Job{}, err
	}
	var errJSON []byte
	if j.Error != nil {
		errJSON, err = marshalJSON("postgres.UpdateJob", j.Error)
		if err != nil {
			return domain.Job{}, err
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_executions
		SET priority = $2, variables = $3, status = $4, assigned_robot_id = $5, lease_expires_at = $6,
			retry_count = $7, max_retries = $8, result = $9, error = $10,
			claimed_at = $11, started_at = $12, completed_at = $13
		WHERE id = $1
	`, j.ID, j.Priority, variablesJSON, j.Status, j.AssignedRobotID, toNullTime(j.LeaseExpiresAt),
		j.RetryCount, j.MaxRetries, resultJSON, errJSON,
		toNullTime(j.ClaimedAt), toNullTime(j.StartedAt), toNullTime(j.CompletedAt))
	if err != nil {
		return domain.Job{}, apperr.Wrap(apperr.Internal, "postgres.UpdateJob", "update job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, apperr.NotFoundf("postgres.UpdateJob", "job %s not found", j.ID)
	}
	return s.GetJob(ctx, j.TenantID, j.ID)
}

// ClaimJobs runs the SELECT ... FOR UPDATE SKIP LOCKED claim query spec.md
// §4.3 calls for: it locks up to maxN eligible rows without blocking on
// concurrently-claiming robots, then flips them to claimed in the same
// transaction.
func (s *Store) ClaimJobs(ctx context.Context, tenantID, robotID uuid.UUID, requiredCaps []string, maxN int, leaseWindow time.Duration) ([]domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ClaimJobs", "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tenant_executions
		WHERE tenant_id = $1 AND status = $2 AND scheduled_time <= now()
		ORDER BY priority DESC, scheduled_time ASC, created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, tenantID, domain.JobQueued, maxN)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ClaimJobs", "select candidates", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.Internal, "postgres.ClaimJobs", "scan candidate id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ClaimJobs", "iterate candidates", err)
	}

	lease := time.Now().UTC().Add(leaseWindow)
	var claimed []domain.Job
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `
			UPDATE tenant_executions
			SET status = $4, assigned_robot_id = $2, lease_expires_at = $3, claimed_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, id, robotID, lease, domain.JobClaimed)
		j, err := scanJob(row)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ClaimJobs", "commit tx", err)
	}
	return claimed, nil
}

// AssignJob leases a specific queued job to robotID in a single
// conditional UPDATE, failing with apperr.Conflict if another assignment
// (or cancellation) already moved it out of queued.
func (s *Store) AssignJob(ctx context.Context, tenantID, jobID, robotID uuid.UUID, leaseWindow time.Duration) (domain.Job, error) {
	lease := time.Now().UTC().Add(leaseWindow)
	row := s.db.QueryRowContext(ctx, `
		UPDATE tenant_executions
		SET status = $5, assigned_robot_id = $2, lease_expires_at = $3, claimed_at = now()
		WHERE id = $1 AND tenant_id = $4 AND status = $6
		RETURNING `+jobColumns, jobID, robotID, lease, tenantID, domain.JobClaimed, domain.JobQueued)
	j, err := scanJob(row)
	if err != nil {
		if apperr.CodeOf(err) == apperr.NotFound {
			return domain.Job{}, apperr.Conflictf("postgres.AssignJob", "job %s is no longer queued", jobID)
		}
		return domain.Job{}, err
	}
	return j, nil
}

func (s *Store) RenewLease(ctx context.Context, tenantID, jobID, robotID uuid.UUID, leaseWindow time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_executions SET lease_expires_at = $4
		WHERE id = $1 AND tenant_id = $2 AND assigned_robot_id = $3
	`, jobID, tenantID, robotID, time.Now().UTC().Add(leaseWindow))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "postgres.RenewLease", "update lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.LeaseLost, "postgres.RenewLease", "job is no longer leased to this robot")
	}
	return nil
}

func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tenant_executions
		SET status = $3, assigned_robot_id = NULL, lease_expires_at = NULL
		WHERE status IN ($1, $4) AND lease_expires_at IS NOT NULL AND lease_expires_at <= $2
		RETURNING `+jobColumns, domain.JobClaimed, now, domain.JobQueued, domain.JobRunning)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ReclaimExpiredLeases", "reclaim expired leases", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) WriteDLQ(ctx context.Context, e domain.DLQEntry) (domain.DLQEntry, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	variablesJSON, err := marshalJSON("postgres.WriteDLQ", e.Variables)
	if err != nil {
		return domain.DLQEntry{}, err
	}
	errJSON, err := marshalJSON("postgres.WriteDLQ", e.FinalError)
	if err != nil {
		return domain.DLQEntry{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pgqueuer_dlq (id, original_job_id, tenant_id, variables, final_error, last_node_id, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.OriginalJobID, e.TenantID, variablesJSON, errJSON, e.LastNodeID, e.RetryCount)
	if err != nil {
		return domain.DLQEntry{}, apperr.Wrap(apperr.Internal, "postgres.WriteDLQ", "insert dlq entry", err)
	}
	return e, nil
}

func (s *Store) ListDLQ(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.DLQEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_job_id, tenant_id, variables, final_error, last_node_id, retry_count, created_at
		FROM pgqueuer_dlq WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListDLQ", "query dlq", err)
	}
	defer rows.Close()

	var out []domain.DLQEntry
	for rows.Next() {
		var (
			e               domain.DLQEntry
			variablesRaw    []byte
			finalErrorRaw   []byte
			lastNodeID      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OriginalJobID, &e.TenantID, &variablesRaw, &finalErrorRaw, &lastNodeID, &e.RetryCount, &e.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "postgres.ListDLQ", "scan dlq row", err)
		}
		_ = unmarshalJSONMap(variablesRaw, &e.Variables)
		_ = json.Unmarshal(finalErrorRaw, &e.FinalError)
		e.LastNodeID = fromNullString(lastNodeID)
		out = append(out, e)
	}
	return out, rows.Err()
}

const jobColumns = `id, tenant_id, workflow_id, priority, variables, trigger_type, status,
	assigned_robot_id, lease_expires_at, retry_count, max_retries, result, error,
	scheduled_time, created_at, claimed_at, started_at, completed_at`

const jobSelectQuery = `SELECT ` + jobColumns + ` FROM tenant_executions`

func scanJob(scanner rowScanner) (domain.Job, error) {
	var (
		j                 domain.Job
		variablesRaw      []byte
		assignedRobotID   uuid.NullUUID
		leaseExpiresAt    sql.NullTime
		resultRaw         []byte
		errorRaw          []byte
		claimedAt         sql.NullTime
		startedAt         sql.NullTime
		completedAt       sql.NullTime
	)
	if err := scanner.Scan(&j.ID, &j.TenantID, &j.WorkflowID, &j.Priority, &variablesRaw, &j.TriggerType, &j.Status,
		&assignedRobotID, &leaseExpiresAt, &j.RetryCount, &j.MaxRetries, &resultRaw, &errorRaw,
		&j.ScheduledTime, &j.CreatedAt, &claimedAt, &startedAt, &completedAt); err != nil {
		return domain.Job{}, apperr.NotFoundf("postgres.scanJob", "job not found")
	}
	_ = unmarshalJSONMap(variablesRaw, &j.Variables)
	_ = unmarshalJSONMap(resultRaw, &j.Result)
	if len(errorRaw) > 0 && string(errorRaw) != "null" {
		var je domain.JobError
		if err := json.Unmarshal(errorRaw, &je); err == nil {
			j.Error = &je
		}
	}
	if assignedRobotID.Valid {
		j.AssignedRobotID = &assignedRobotID.UUID
	}
	j.LeaseExpiresAt = fromNullTime(leaseExpiresAt)
	j.ClaimedAt = fromNullTime(claimedAt)
	j.StartedAt = fromNullTime(startedAt)
	j.CompletedAt = fromNullTime(completedAt)
	return j, nil
}
