package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// AppendEntry computes e's hash from the current chain tail and appends it.
// The hash covers the entry's sequence id, action, actor, resource and the
// previous hash, the same algorithm postgres.Store.AppendEntry runs in Go.
func (s *Store) AppendEntry(_ context.Context, e domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.EntryUUID == uuid.Nil {
		e.EntryUUID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	prev := domain.GenesisHash
	if n := len(s.auditLog); n > 0 {
		prev = s.auditLog[n-1].EntryHash
	}
	e.SequenceID = int64(len(s.auditLog)) + 1
	e.PreviousHash = prev
	e.EntryHash = chainHash(prev, e)

	s.auditLog = append(s.auditLog, e)
	return e, nil
}

func chainHash(prev [32]byte, e domain.AuditLogEntry) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(e.SequenceID))
	h.Write(seq[:])
	h.Write([]byte(e.Action))
	h.Write([]byte(e.Actor.Type))
	h.Write([]byte(e.Actor.ID))
	h.Write([]byte(e.Resource.Type))
	h.Write([]byte(e.Resource.ID))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CorruptEntryPreviousHashForTest flips a bit in sequenceID's stored
// previous_hash, for tests that exercise VerifyRange's tamper detection
// without a live Postgres trigger to bypass.
func (s *Store) CorruptEntryPreviousHashForTest(sequenceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.auditLog {
		if e.SequenceID == sequenceID {
			s.auditLog[i].PreviousHash[0] ^= 0xFF
			return
		}
	}
}

func (s *Store) GetTailHash(_ context.Context) ([32]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.auditLog) == 0 {
		return domain.GenesisHash, 0, nil
	}
	tail := s.auditLog[len(s.auditLog)-1]
	return tail.EntryHash, tail.SequenceID, nil
}

func (s *Store) ListRange(_ context.Context, tenantID *uuid.UUID, startID, endID int64) ([]domain.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditLogEntry
	for _, e := range s.auditLog {
		if e.SequenceID < startID || (endID > 0 && e.SequenceID > endID) {
			continue
		}
		if tenantID != nil {
			if e.TenantID == nil || *e.TenantID != *tenantID {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) RecordMerkleRoot(_ context.Context, m domain.MerkleRoot) (domain.MerkleRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = int64(len(s.merkleRoots)) + 1
	m.ComputedAt = time.Now().UTC()
	s.merkleRoots = append(s.merkleRoots, m)
	return m, nil
}

func (s *Store) LatestMerkleRoot(_ context.Context) (domain.MerkleRoot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.merkleRoots) == 0 {
		return domain.MerkleRoot{}, false, nil
	}
	return s.merkleRoots[len(s.merkleRoots)-1], true, nil
}

func (s *Store) RecordHealingEvent(_ context.Context, e domain.HealingEvent) (domain.HealingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	s.healingEvents = append(s.healingEvents, e)
	return e, nil
}
