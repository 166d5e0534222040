package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

// AppendEntry fills in entry_uuid and occurred_at when the caller left them
// zero, inserts both explicitly, and computes the hash chain in Go, the same algorithm the
// in-memory store runs, so both backends produce byte-identical hashes for
// the same entry sequence. The insert is serialized against the previous
// tail read inside one transaction so two concurrent appends cannot both
// observe the same tail.
func (s *Store) AppendEntry(ctx context.Context, e domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditLogEntry{}, apperr.Wrap(apperr.Internal, "postgres.AppendEntry", "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		tailSeq  int64
		tailHash []byte
	)
	row := tx.QueryRowContext(ctx, `SELECT sequence_id, entry_hash FROM audit_log ORDER BY sequence_id DESC LIMIT 1 FOR UPDATE`)
	switch err := row.Scan(&tailSeq, &tailHash); err {
	case nil:
	case sql.ErrNoRows:
		tailSeq, tailHash = 0, domain.GenesisHash[:]
	default:
		return domain.AuditLogEntry{}, apperr.Wrap(apperr.Internal, "postgres.AppendEntry", "select chain tail", err)
	}

	var prev [32]byte
	copy(prev[:], tailHash)
	if e.EntryUUID == uuid.Nil {
		e.EntryUUID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	e.SequenceID = tailSeq + 1
	e.PreviousHash = prev
	e.EntryHash = chainHash(prev, e)

	detailsJSON, err := marshalJSON("postgres.AppendEntry", e.Details)
	if err != nil {
		return domain.AuditLogEntry{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (sequence_id, entry_uuid, occurred_at, action, actor_type, actor_id, resource_type,
			resource_id, tenant_id, system_wide, details, ip_address, user_agent, entry_hash, previous_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.SequenceID, e.EntryUUID, e.OccurredAt, e.Action, e.Actor.Type, e.Actor.ID, e.Resource.Type, e.Resource.ID,
		nullUUID(e.TenantID), e.SystemWide, detailsJSON, ipArg(e.IPAddress), toNullString(e.UserAgent),
		e.EntryHash[:], e.PreviousHash[:])
	if err != nil {
		return domain.AuditLogEntry{}, apperr.Wrap(apperr.Internal, "postgres.AppendEntry", "insert audit entry", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.AuditLogEntry{}, apperr.Wrap(apperr.Internal, "postgres.AppendEntry", "commit tx", err)
	}
	return e, nil
}

func ipArg(ip net.IP) any {
	if ip == nil {
		return nil
	}
	return ip.String()
}

func (s *Store) GetTailHash(ctx context.Context) ([32]byte, int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT sequence_id, entry_hash FROM audit_log ORDER BY sequence_id DESC LIMIT 1`)
	var (
		seq  int64
		hash []byte
	)
	if err := row.Scan(&seq, &hash); err != nil {
		if err == sql.ErrNoRows {
			return domain.GenesisHash, 0, nil
		}
		return [32]byte{}, 0, apperr.Wrap(apperr.Internal, "postgres.GetTailHash", "select chain tail", err)
	}
	var out [32]byte
	copy(out[:], hash)
	return out, seq, nil
}

// auditRow mirrors audit_log's columns for sqlx's range-read scan.
type auditRow struct {
	SequenceID   int64          `db:"sequence_id"`
	EntryUUID    uuid.UUID      `db:"entry_uuid"`
	OccurredAt   time.Time      `db:"occurred_at"`
	Action       string         `db:"action"`
	ActorType    string         `db:"actor_type"`
	ActorID      string         `db:"actor_id"`
	ResourceType string         `db:"resource_type"`
	ResourceID   string         `db:"resource_id"`
	TenantID     uuid.NullUUID  `db:"tenant_id"`
	SystemWide   bool           `db:"system_wide"`
	Details      []byte         `db:"details"`
	IPAddress    sql.NullString `db:"ip_address"`
	UserAgent    sql.NullString `db:"user_agent"`
	EntryHash    []byte         `db:"entry_hash"`
	PreviousHash []byte         `db:"previous_hash"`
}

// ListRange reads a contiguous audit range via sqlx, the one place this
// store uses the struct-scanning path instead of database/sql directly, to
// keep the hot write path (AppendEntry) on the leaner *sql.DB API.
func (s *Store) ListRange(ctx context.Context, tenantID *uuid.UUID, startID, endID int64) ([]domain.AuditLogEntry, error) {
	query := `
		SELECT sequence_id, entry_uuid, occurred_at, action, actor_type, actor_id, resource_type, resource_id,
			tenant_id, system_wide, details, host(ip_address) AS ip_address, user_agent, entry_hash, previous_hash
		FROM audit_log
		WHERE sequence_id >= $1 AND ($2 = 0 OR sequence_id <= $2) AND ($3::uuid IS NULL OR system_wide OR tenant_id = $3)
		ORDER BY sequence_id
	`
	query = s.sdb.Rebind(query)

	var rows []auditRow
	if err := s.sdb.SelectContext(ctx, &rows, query, startID, endID, tenantID); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "postgres.ListRange", "query audit range", err)
	}

	out := make([]domain.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		e := domain.AuditLogEntry{
			SequenceID: r.SequenceID,
			EntryUUID:  r.EntryUUID,
			OccurredAt: r.OccurredAt,
			Action:     r.Action,
			Actor:      domain.Actor{Type: domain.ActorType(r.ActorType), ID: r.ActorID},
			Resource:   domain.Resource{Type: r.ResourceType, ID: r.ResourceID},
			SystemWide: r.SystemWide,
			UserAgent:  fromNullString(r.UserAgent),
		}
		if r.TenantID.Valid {
			e.TenantID = &r.TenantID.UUID
		}
		_ = unmarshalJSONMap(r.Details, &e.Details)
		if r.IPAddress.Valid {
			e.IPAddress = net.ParseIP(r.IPAddress.String)
		}
		copy(e.EntryHash[:], r.EntryHash)
		copy(e.PreviousHash[:], r.PreviousHash)
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) RecordMerkleRoot(ctx context.Context, m domain.MerkleRoot) (domain.MerkleRoot, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_merkle_roots (start_id, end_id, entry_count, merkle_root)
		VALUES ($1, $2, $3, $4)
		RETURNING id, computed_at
	`, m.StartID, m.EndID, m.EntryCount, m.Root[:])
	if err := row.Scan(&m.ID, &m.ComputedAt); err != nil {
		return domain.MerkleRoot{}, apperr.Wrap(apperr.Internal, "postgres.RecordMerkleRoot", "insert merkle root", err)
	}
	return m, nil
}

func (s *Store) LatestMerkleRoot(ctx context.Context) (domain.MerkleRoot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, start_id, end_id, entry_count, merkle_root, computed_at
		FROM audit_merkle_roots ORDER BY id DESC LIMIT 1
	`)
	var (
		m        domain.MerkleRoot
		rootHash []byte
	)
	if err := row.Scan(&m.ID, &m.StartID, &m.EndID, &m.EntryCount, &rootHash, &m.ComputedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.MerkleRoot{}, false, nil
		}
		return domain.MerkleRoot{}, false, apperr.Wrap(apperr.Internal, "postgres.LatestMerkleRoot", "scan merkle root", err)
	}
	copy(m.Root[:], rootHash)
	return m, true, nil
}

func (s *Store) RecordHealingEvent(ctx context.Context, e domain.HealingEvent) (domain.HealingEvent, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO healing_events (id, tenant_id, job_id, robot_id, selector_kind, original_target, healed_target, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.TenantID, nullUUID(e.JobID), nullUUID(e.RobotID), e.SelectorKind,
		toNullString(e.OriginalTarget), toNullString(e.HealedTarget), e.Confidence)
	if err != nil {
		return domain.HealingEvent{}, apperr.Wrap(apperr.Internal, "postgres.RecordHealingEvent", "insert healing event", err)
	}
	return e, nil
}

// chainHash computes the same digest the in-memory store's AppendEntry
// does, so both backends derive byte-identical hashes for an identical
// entry sequence.
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
