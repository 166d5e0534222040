package robotsession

import (
	"encoding/json"
	"time"
)

// FrameVersion is the wire version every Frame this orchestrator emits
// carries; a robot on a newer or older version is still decodable as long
// as it understands this envelope.
const FrameVersion = 1

// Frame is the envelope every message on a robot's session stream carries,
// per spec.md §4.6/§6: {version, type, correlation_id, timestamp_ms,
// payload}. Sequence is this orchestrator's own addition (not named in the
// spec's frame fields) needed to make "resume by last received sequence
// number" concrete — without a counter in the envelope there is nothing to
// exchange on reconnect.
type Frame struct {
	Version       int             `json:"version"`
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	TimestampMs   int64           `json:"timestamp_ms"`
	Sequence      uint64          `json:"sequence"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// MessageType is the closed vocabulary spec.md §4.6 fixes for both
// directions of the stream.
type MessageType string

// Robot -> Orchestrator.
const (
	MsgRegister       MessageType = "register"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgJobAccept      MessageType = "job_accept"
	MsgJobReject      MessageType = "job_reject"
	MsgJobProgress    MessageType = "job_progress"
	MsgJobComplete    MessageType = "job_complete"
	MsgJobFailed      MessageType = "job_failed"
	MsgJobCancelled   MessageType = "job_cancelled"
	MsgLogEntry       MessageType = "log_entry"
	MsgLogBatch       MessageType = "log_batch"
	MsgStatusResponse MessageType = "status_response"
	MsgDisconnect     MessageType = "disconnect"
	MsgError          MessageType = "error"
)

// Orchestrator -> Robot.
const (
	MsgRegisterAck   MessageType = "register_ack"
	MsgHeartbeatAck  MessageType = "heartbeat_ack"
	MsgJobAssign     MessageType = "job_assign"
	MsgJobCancel     MessageType = "job_cancel"
	MsgStatusRequest MessageType = "status_request"
	MsgPause         MessageType = "pause"
	MsgResume        MessageType = "resume"
	MsgShutdown      MessageType = "shutdown"
)

func newFrame(typ MessageType, correlationID string, seq uint64, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Version:       FrameVersion,
		Type:          typ,
		CorrelationID: correlationID,
		TimestampMs:   time.Now().UTC().UnixMilli(),
		Sequence:      seq,
		Payload:       raw,
	}, nil
}

// registerPayload is what a robot's first frame on a new connection must
// carry.
type registerPayload struct {
	SessionToken          string `json:"session_token"`
	LastReceivedSequence  uint64 `json:"last_received_sequence"`
}

type registerAckPayload struct {
	RobotID           string `json:"robot_id"`
	TenantID          string `json:"tenant_id"`
	ResyncFromSequence uint64 `json:"resync_from_sequence"`
}

type heartbeatPayload struct {
	Status          string `json:"status"`
	CurrentJobs     int    `json:"current_jobs"`
	MemoryBytes     int64  `json:"memory_bytes"`
	CPUPercent      float32 `json:"cpu_percent"`
	JobID           string `json:"job_id,omitempty"`
	ProgressPercent *int   `json:"progress_percent,omitempty"`
}

type jobAssignPayload struct {
	JobID       string         `json:"job_id"`
	WorkflowID  string         `json:"workflow_id"`
	VersionID   string         `json:"version_id"`
	Variables   map[string]any `json:"variables,omitempty"`
	Payload     json.RawMessage `json:"workflow_payload"`
	LeaseExpiry int64          `json:"lease_expires_at_ms"`
}

type jobCancelPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

type jobCompletePayload struct {
	JobID  string         `json:"job_id"`
	Result map[string]any `json:"result,omitempty"`
}

type jobFailedPayload struct {
	JobID string        `json:"job_id"`
	Error jobErrorWire  `json:"error"`
}

type jobErrorWire struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Node     string `json:"node,omitempty"`
}

type jobCancelledPayload struct {
	JobID string `json:"job_id"`
}

type statusRequestPayload struct{}

type statusResponsePayload struct {
	Status      string `json:"status"`
	CurrentJobs int    `json:"current_jobs"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
