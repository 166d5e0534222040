package robotsession

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

// handleFrame routes an inbound frame to its handler. Every frame type
// except heartbeat, log_entry and log_batch (and register, already consumed
// during the handshake) is idempotent per correlation_id via
// conn.state.markSeen, collapsing the duplicate deliveries a reconnect's
// resume replay can produce on the robot's side too; heartbeat and log
// frames are handled every time they arrive.
func (s *Service) handleFrame(ctx context.Context, conn *connection, f Frame) {
	if f.Type != MsgHeartbeat && f.Type != MsgLogEntry && f.Type != MsgLogBatch {
		if conn.state.markSeen(f.CorrelationID) {
			return
		}
	}

	switch f.Type {
	case MsgHeartbeat:
		s.handleHeartbeat(ctx, conn, f)
	case MsgJobAccept, MsgJobReject:
		s.logFields(conn).WithField("type", f.Type).Debug("job acknowledgement received")
	case MsgJobProgress:
		s.logFields(conn).WithField("type", f.Type).Debug("job progress received")
	case MsgJobComplete:
		s.handleJobComplete(ctx, conn, f)
	case MsgJobFailed:
		s.handleJobFailed(ctx, conn, f)
	case MsgJobCancelled:
		s.handleJobCancelled(ctx, conn, f)
	case MsgLogEntry, MsgLogBatch:
		s.logFields(conn).WithField("type", f.Type).Debug("robot log forwarded")
	case MsgStatusResponse:
		s.logFields(conn).Debug("status response received")
	case MsgDisconnect:
		s.handleDisconnect(ctx, conn)
	case MsgError:
		s.handleRobotError(conn, f)
	default:
		s.logFields(conn).WithField("type", f.Type).Warn("unrecognized frame type")
	}
}

func (s *Service) logFields(conn *connection) *logrus.Entry {
	return s.log.WithField("robot_id", conn.robotID)
}

func (s *Service) handleHeartbeat(ctx context.Context, conn *connection, f Frame) {
	var hb heartbeatPayload
	if err := json.Unmarshal(f.Payload, &hb); err != nil {
		s.logFields(conn).WithField("error", err).Warn("malformed heartbeat")
		return
	}

	var jobID *uuid.UUID
	if hb.JobID != "" {
		if id, err := uuid.Parse(hb.JobID); err == nil {
			jobID = &id
		}
	}

	status := domain.RobotStatus(hb.Status)
	if status == "" {
		status = domain.RobotBusy
	}

	if _, err := s.robots.Heartbeat(ctx, conn.state.tenantID, conn.robotID, status, hb.CurrentJobs, hb.MemoryBytes, hb.CPUPercent, jobID, hb.ProgressPercent); err != nil {
		s.logFields(conn).WithField("error", err).Warn("heartbeat rejected")
		return
	}

	ack, err := conn.state.nextFrame(MsgHeartbeatAck, f.CorrelationID, struct{}{})
	if err != nil {
		return
	}
	s.send(conn, ack)
}

func (s *Service) handleJobComplete(ctx context.Context, conn *connection, f Frame) {
	var payload jobCompletePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.logFields(conn).WithField("error", err).Warn("malformed job_complete")
		return
	}
	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		s.logFields(conn).WithField("error", err).Warn("job_complete with invalid job_id")
		return
	}
	if conn.state.dropReportsFor(jobID) {
		s.logFields(conn).WithField("job_id", jobID).Info("dropped job_complete for job already cancelled on timeout (robot on probation)")
		return
	}
	if _, err := s.jobs.Complete(ctx, conn.state.tenantID, jobID, conn.robotID, payload.Result); err != nil {
		s.logFields(conn).WithField("job_id", jobID).WithField("error", err).Warn("job_complete rejected")
		return
	}
	s.appendAudit(ctx, conn, "job.completed", jobID)
}

func (s *Service) handleJobFailed(ctx context.Context, conn *connection, f Frame) {
	var payload jobFailedPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.logFields(conn).WithField("error", err).Warn("malformed job_failed")
		return
	}
	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		s.logFields(conn).WithField("error", err).Warn("job_failed with invalid job_id")
		return
	}
	if conn.state.dropReportsFor(jobID) {
		s.logFields(conn).WithField("job_id", jobID).Info("dropped job_failed for job already cancelled on timeout (robot on probation)")
		return
	}
	jobErr := domain.JobError{
		Code:     payload.Error.Code,
		Message:  payload.Error.Message,
		Category: domain.ErrorCategory(payload.Error.Category),
		Node:     payload.Error.Node,
	}
	if _, err := s.jobs.Fail(ctx, conn.state.tenantID, jobID, conn.robotID, jobErr); err != nil {
		s.logFields(conn).WithField("job_id", jobID).WithField("error", err).Warn("job_failed rejected")
		return
	}
	s.appendAudit(ctx, conn, "job.failed", jobID)
}

func (s *Service) handleJobCancelled(ctx context.Context, conn *connection, f Frame) {
	var payload jobCancelledPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.logFields(conn).WithField("error", err).Warn("malformed job_cancelled")
		return
	}
	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		return
	}

	s.mu.Lock()
	pending, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		pending.mu.Lock()
		alreadyAcked := pending.acked
		pending.acked = true
		if pending.timer != nil {
			pending.timer.Stop()
		}
		pending.mu.Unlock()
		if alreadyAcked {
			return
		}
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
	}

	if _, err := s.jobs.Cancel(ctx, conn.state.tenantID, jobID, "robot acknowledged cancellation"); err != nil {
		s.logFields(conn).WithField("job_id", jobID).WithField("error", err).Debug("job_cancelled ack for already-terminal job")
	}
	s.appendAudit(ctx, conn, "job.cancelled", jobID)
}

func (s *Service) handleDisconnect(ctx context.Context, conn *connection) {
	s.logFields(conn).Info("robot announced graceful disconnect")
	robot, err := s.store.GetRobot(ctx, conn.state.tenantID, conn.robotID)
	if err != nil {
		return
	}
	robot.Status = domain.RobotOffline
	_, _ = s.store.UpdateRobot(ctx, robot)
}

func (s *Service) handleRobotError(conn *connection, f Frame) {
	var payload errorPayload
	_ = json.Unmarshal(f.Payload, &payload)
	s.logFields(conn).WithField("code", payload.Code).WithField("message", payload.Message).Warn("robot reported error")
}

func (s *Service) send(conn *connection, f Frame) {
	select {
	case conn.send <- f:
	default:
		s.logFields(conn).Warn("outbound queue full, dropping connection")
		conn.close()
	}
}

func (s *Service) appendAudit(ctx context.Context, conn *connection, action string, jobID uuid.UUID) {
	tenantID := conn.state.tenantID
	if _, err := s.store.AppendEntry(ctx, domain.AuditLogEntry{
		EntryUUID: uuid.New(),
		Action:    action,
		Actor:     domain.Actor{Type: domain.ActorRobot, ID: conn.robotID.String()},
		Resource:  domain.Resource{Type: "job", ID: jobID.String()},
		TenantID:  &tenantID,
	}); err != nil {
		s.logFields(conn).WithField("error", err).Warn("audit append failed")
	}
}

// AssignJob implements internal/dispatcher.Assigner: it hands job over to
// robotID's live session as a job_assign frame. Fails with apperr.TransientIO
// if the robot has no live connection — the dispatcher's lease stands and
// is recovered by the lease-expiry reclaim path the same way an
// unresponsive robot would be.
func (s *Service) AssignJob(_ context.Context, robotID uuid.UUID, job domain.Job, version domain.WorkflowVersion, payload []byte) error {
	s.mu.RLock()
	conn, ok := s.conns[robotID]
	s.mu.RUnlock()
	if !ok {
		return notConnectedErr(robotID)
	}

	var leaseMs int64
	if job.LeaseExpiresAt != nil {
		leaseMs = job.LeaseExpiresAt.UnixMilli()
	}
	f, err := conn.state.nextFrame(MsgJobAssign, job.ID.String(), jobAssignPayload{
		JobID:       job.ID.String(),
		WorkflowID:  job.WorkflowID.String(),
		VersionID:   version.ID.String(),
		Variables:   job.Variables,
		Payload:     payload,
		LeaseExpiry: leaseMs,
	})
	if err != nil {
		return err
	}
	s.send(conn, f)
	return nil
}

// CancelJob sends a best-effort job_cancel to jobID's assigned robot and
// finalizes cancellation either when the robot acks with job_cancelled or
// when cancel_timeout elapses, per spec.md §4.6. If jobID is not currently
// assigned to any robot, it cancels immediately.
func (s *Service) CancelJob(ctx context.Context, tenantID, jobID uuid.UUID, reason string) (domain.Job, error) {
	job, err := s.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.AssignedRobotID == nil {
		return s.jobs.Cancel(ctx, tenantID, jobID, reason)
	}
	robotID := *job.AssignedRobotID

	s.mu.RLock()
	conn, ok := s.conns[robotID]
	s.mu.RUnlock()
	if !ok {
		// Robot unreachable: no point waiting out cancel_timeout.
		return s.finalizeTimedOutCancel(ctx, tenantID, jobID, robotID, reason)
	}

	pending := &pendingCancel{}
	s.mu.Lock()
	s.cancels[jobID] = pending
	s.mu.Unlock()

	f, err := conn.state.nextFrame(MsgJobCancel, jobID.String(), jobCancelPayload{JobID: jobID.String(), Reason: reason})
	if err != nil {
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
		return domain.Job{}, err
	}
	s.send(conn, f)

	pending.timer = time.AfterFunc(s.opts.CancelTimeout, func() {
		pending.mu.Lock()
		already := pending.acked
		pending.acked = true
		pending.mu.Unlock()
		if already {
			return
		}
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
		if _, err := s.finalizeTimedOutCancel(context.Background(), tenantID, jobID, robotID, reason); err != nil {
			s.log.WithField("job_id", jobID).WithField("error", err).Warn("timed-out cancel finalize failed")
		}
	})

	return job, nil
}

// finalizeTimedOutCancel marks jobID cancelled without the robot's
// cooperation and places it on that robot's session-level probation list,
// so a completion report arriving after the fact is dropped instead of
// resurrecting a job the orchestrator already closed out.
func (s *Service) finalizeTimedOutCancel(ctx context.Context, tenantID, jobID, robotID uuid.UUID, reason string) (domain.Job, error) {
	j, err := s.jobs.Cancel(ctx, tenantID, jobID, reason)
	if err != nil {
		return domain.Job{}, err
	}

	s.mu.RLock()
	state := s.states[robotID]
	s.mu.RUnlock()
	if state != nil {
		state.putOnProbation(jobID, s.opts.ProbationWindow)
	}

	if robot, err := s.store.GetRobot(ctx, tenantID, robotID); err == nil {
		now := time.Now().UTC()
		robot.FailedAckAt = &now
		_, _ = s.store.UpdateRobot(ctx, robot)
	}
	return j, nil
}

func notConnectedErr(robotID uuid.UUID) error {
	return apperr.Wrap(apperr.TransientIO, "robotsession.AssignJob", "robot not connected", &notConnected{robotID: robotID})
}

type notConnected struct {
	robotID uuid.UUID
}

func (e *notConnected) Error() string {
	return "robot " + e.robotID.String() + " has no live session"
}
