package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

const robotColumns = `id, tenant_id, name, hostname, capabilities, status, max_concurrent, current_jobs,
	session_token, last_seen_at, registered_at, failed_ack_at`

func (s *Store) CreateRobot(ctx context.Context, r domain.Robot) (domain.Robot, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	capsJSON, err := marshalJSON("postgres.CreateRobot", r.Capabilities)
	if err != nil {
		return domain.Robot{}, err
	}
	if r.Status == "" {
		r.Status = domain.RobotIdle
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_robots (id, tenant_id, name, hostname, capabilities, status, max_concurrent,
			current_jobs, session_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.TenantID, r.Name, r.Hostname, capsJSON, r.Status, r.MaxConcurrent, r.CurrentJobs, r.SessionToken)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Robot{}, apperr.Conflictf("postgres.CreateRobot", "robot named %s already registered for this tenant", r.Name)
		}
		return domain.Robot{}, apperr.Wrap(apperr.Internal, "postgres.CreateRobot", "insert robot", err)
	}
	return s.GetRobot(ctx, r.TenantID, r.ID)
}

func (s *Store) GetRobot(ctx context.Context, tenantID, id uuid.UUID) (domain.Robot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM tenant_robots WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanRobot(row)
}

func (s *Store) GetRobotBySessionToken(ctx context.Context, token string) (domain.Robot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM tenant_robots WHERE session_token = $1`, token)
	r, err := scanRobot(row)
	if err != nil {
		return domain.Robot{}, apperr.NotFoundf("postgres.GetRobotBySessionToken", "no robot with that session token")
	}
	return r, nil
}

func (s *Store) UpdateRobot(ctx context.Context, r domain.Robot) (domain.Robot, error) {
	capsJSON, err := marshalJSON("postgres.UpdateRobot", r.Capabilities)
	if err != nil {
		return domain.Robot{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_robots
		SET name = $2, hostname = $3, capabilities = $4, status = $5, max_concurrent = $6, current_jobs = $7,
			session_token = $8, last_seen_at = $9, failed_ack_at = $10
		WHERE id = $1
	`, r.ID, r.Name, r.Hostname, capsJSON, r.Status, r.MaxConcurrent, r.CurrentJobs,
		r.SessionToken, toNullTime(r.LastSeenAt), toNullTime(r.FailedAckAt))
	if err != nil {
		return domain.Robot{}, apperr.Wrap(apperr.Internal, "postgres.UpdateRobot", "update robot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Robot{}, apperr.NotFoundf("postgres.UpdateRobot", "robot %s not found", r.ID)
	}
	return s.GetRobot(ctx, r.TenantID, r.ID)
}

func (s *Store) DeleteRobot(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenant_robots WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "postgres.DeleteRobot", "delete robot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("postgres.DeleteRobot", "robot %s not found", id)
	}
	return nil
}

func (s *Store) ListRobots(ctx context.Context, tenantID uuid.UUID, status *domain.RobotStatus) ([]domain.Robot, error) {
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+robotColumns+` FROM tenant_robots
		WHERE tenant_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY registered_at
	`, tenantID, statusArg)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListRobots", "query robots", err)
	}
	defer rows.Close()

	var out []domain.Robot
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RecordHeartbeat(ctx context.Context, h domain.Heartbeat) (domain.Heartbeat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Heartbeat{}, apperr.Wrap(apperr.Internal, "postgres.RecordHeartbeat", "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var jobID any
	if h.JobID != nil {
		jobID = *h.JobID
	}
	var progress any
	if h.ProgressPercent != nil {
		progress = *h.ProgressPercent
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO robot_heartbeats (robot_id, job_id, progress_percent, current_node_id, memory_bytes, cpu_percent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, robot_id, job_id, progress_percent, current_node_id, memory_bytes, cpu_percent, observed_at
	`, h.RobotID, jobID, progress, toNullString(h.CurrentNodeID), h.MemoryBytes, h.CPUPercent)

	hb, err := scanHeartbeat(row)
	if err != nil {
		return domain.Heartbeat{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tenant_robots SET last_seen_at = $2 WHERE id = $1`, h.RobotID, hb.ObservedAt); err != nil {
		return domain.Heartbeat{}, apperr.Wrap(apperr.Internal, "postgres.RecordHeartbeat", "touch robot last_seen_at", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Heartbeat{}, apperr.Wrap(apperr.Internal, "postgres.RecordHeartbeat", "commit tx", err)
	}
	return hb, nil
}

func (s *Store) ListStaleRobots(ctx context.Context, cutoff time.Time) ([]domain.Robot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+robotColumns+` FROM tenant_robots
		WHERE status <> $1 AND (last_seen_at IS NULL OR last_seen_at < $2)
	`, domain.RobotOffline, cutoff)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListStaleRobots", "query stale robots", err)
	}
	defer rows.Close()

	var out []domain.Robot
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRobot(scanner rowScanner) (domain.Robot, error) {
	var (
		r            domain.Robot
		capsRaw      []byte
		lastSeenAt   sql.NullTime
		failedAckAt  sql.NullTime
	)
	if err := scanner.Scan(&r.ID, &r.TenantID, &r.Name, &r.Hostname, &capsRaw, &r.Status, &r.MaxConcurrent,
		&r.CurrentJobs, &r.SessionToken, &lastSeenAt, &r.RegisteredAt, &failedAckAt); err != nil {
		return domain.Robot{}, apperr.NotFoundf("postgres.scanRobot", "robot not found")
	}
	_ = unmarshalJSONSlice(capsRaw, &r.Capabilities)
	r.LastSeenAt = fromNullTime(lastSeenAt)
	r.FailedAckAt = fromNullTime(failedAckAt)
	return r, nil
}

func scanHeartbeat(scanner rowScanner) (domain.Heartbeat, error) {
	var (
		h               domain.Heartbeat
		jobID           uuid.NullUUID
		progressPercent sql.NullInt32
		currentNodeID   sql.NullString
	)
	if err := scanner.Scan(&h.ID, &h.RobotID, &jobID, &progressPercent, &currentNodeID, &h.MemoryBytes, &h.CPUPercent, &h.ObservedAt); err != nil {
		return domain.Heartbeat{}, apperr.Wrap(apperr.Internal, "postgres.scanHeartbeat", "scan heartbeat row", err)
	}
	if jobID.Valid {
		h.JobID = &jobID.UUID
	}
	if progressPercent.Valid {
		p := int(progressPercent.Int32)
		h.ProgressPercent = &p
	}
	h.CurrentNodeID = fromNullString(currentNodeID)
	return h, nil
}
