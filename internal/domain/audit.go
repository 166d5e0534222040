package domain

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// ActorType is the closed set of entities that can be the actor on an
// AuditLogEntry.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAPIKey ActorType = "api_key"
	ActorRobot  ActorType = "robot"
	ActorSystem ActorType = "system"
)

// Actor identifies who performed an audited action.
type Actor struct {
	Type ActorType
	ID   string
}

// Resource identifies what an audited action acted upon.
type Resource struct {
	Type string
	ID   string
}

// AuditLogEntry is one row of the hash-chained append-only audit log.
type AuditLogEntry struct {
	SequenceID   int64
	EntryUUID    uuid.UUID
	OccurredAt   time.Time
	Action       string
	Actor        Actor
	Resource     Resource
	TenantID     *uuid.UUID
	SystemWide   bool
	Details      map[string]any
	IPAddress    net.IP
	UserAgent    string
	EntryHash    [32]byte
	PreviousHash [32]byte
}

// MerkleRoot is a digest computed over a contiguous range of audit entries.
type MerkleRoot struct {
	ID         int64
	StartID    int64
	EndID      int64
	EntryCount int
	Root       [32]byte
	ComputedAt time.Time
}

// HealingEvent records a selector-healing telemetry event (audit sink only;
// the healing algorithm itself is out of scope per spec.md's Non-goals).
type HealingEvent struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	JobID          *uuid.UUID
	RobotID        *uuid.UUID
	SelectorKind   string
	OriginalTarget string
	HealedTarget   string
	Confidence     float32
	OccurredAt     time.Time
}

// GenesisHash is the previous_hash value for the first entry in the chain.
var GenesisHash [32]byte
