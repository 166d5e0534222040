// Package auditlog implements spec.md §4.8's periodic Merkle-root
// computation and range verification over the hash-chained audit log that
// internal/storage.AuditStore persists. The chain itself — previous_hash
// linking and entry_hash computation — lives in the storage layer (grounded
// on the teacher's audit trigger equivalent); this package only observes
// that chain from the outside, the same separation the teacher draws
// between its ledger writer and its periodic verifier task.
package auditlog

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/obsmetrics"
	"github.com/casarerpa/orchestrator/internal/storage"
	"github.com/casarerpa/orchestrator/pkg/logger"
)

// Options tunes how often RunRootComputer closes a Merkle range, per
// config.AuditConfig.
type Options struct {
	// RootEveryEntries closes a range once this many un-rooted entries have
	// accumulated, whichever of RootEveryEntries/RootEveryPeriod fires first.
	RootEveryEntries int
	// RootEveryPeriod forces a range close on this cadence even if
	// RootEveryEntries hasn't been reached yet, so a quiet tenant still gets
	// periodic proof-of-integrity checkpoints.
	RootEveryPeriod time.Duration
}

// Service computes Merkle roots over contiguous audit ranges and verifies
// the hash chain within a range on demand.
type Service struct {
	store storage.Store
	opts  Options
	log   *logger.Logger
}

// New builds a Service over store.
func New(store storage.Store, opts Options, log *logger.Logger) *Service {
	return &Service{store: store, opts: opts, log: log}
}

// RunRootComputer ticks at a fraction of opts.RootEveryPeriod (so the period
// bound is honored within that resolution) and closes a new Merkle range
// whenever either threshold is met. It runs until ctx is cancelled.
func (s *Service) RunRootComputer(ctx context.Context) error {
	resolution := s.opts.RootEveryPeriod / 4
	if resolution <= 0 {
		resolution = 15 * time.Second
	}
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.MaybeComputeRoot(ctx); err != nil {
				s.log.WithField("error", err).Warn("merkle root computation failed")
			}
		}
	}
}

// MaybeComputeRoot closes a new Merkle range if either threshold in Options
// has been reached since the last recorded root, returning false if neither
// has.
func (s *Service) MaybeComputeRoot(ctx context.Context) (bool, error) {
	_, tailSeq, err := s.store.GetTailHash(ctx)
	if err != nil {
		return false, err
	}
	if tailSeq == 0 {
		return false, nil
	}

	latest, ok, err := s.store.LatestMerkleRoot(ctx)
	if err != nil {
		return false, err
	}

	var startID int64 = 1
	due := false
	if !ok {
		due = s.opts.RootEveryEntries > 0 && int(tailSeq) >= s.opts.RootEveryEntries
		if !due && s.opts.RootEveryPeriod > 0 {
			first, err := s.store.ListRange(ctx, nil, 1, 1)
			if err != nil {
				return false, err
			}
			due = len(first) == 1 && time.Since(first[0].OccurredAt) >= s.opts.RootEveryPeriod
		}
	} else {
		startID = latest.EndID + 1
		if startID > tailSeq {
			return false, nil
		}
		pendingEntries := tailSeq - latest.EndID
		pendingPeriod := time.Since(latest.ComputedAt)
		due = (s.opts.RootEveryEntries > 0 && int(pendingEntries) >= s.opts.RootEveryEntries) ||
			(s.opts.RootEveryPeriod > 0 && pendingPeriod >= s.opts.RootEveryPeriod)
	}
	if !due {
		return false, nil
	}

	root, err := s.ComputeRoot(ctx, startID, tailSeq)
	if err != nil {
		return false, err
	}
	if _, err := s.store.RecordMerkleRoot(ctx, root); err != nil {
		return false, err
	}
	return true, nil
}

// ComputeRoot reads [startID, endID] and folds their entry hashes into a
// binary Merkle tree, duplicating the final leaf on an odd level per the
// standard odd-node convention.
func (s *Service) ComputeRoot(ctx context.Context, startID, endID int64) (domain.MerkleRoot, error) {
	entries, err := s.store.ListRange(ctx, nil, startID, endID)
	if err != nil {
		return domain.MerkleRoot{}, err
	}
	if len(entries) == 0 {
		return domain.MerkleRoot{}, apperr.New(apperr.Validation, "auditlog.ComputeRoot", "range contains no entries")
	}

	leaves := make([][32]byte, len(entries))
	for i, e := range entries {
		leaves[i] = e.EntryHash
	}
	return domain.MerkleRoot{
		StartID:    startID,
		EndID:      endID,
		EntryCount: len(entries),
		Root:       merkleRoot(leaves),
	}, nil
}

func merkleRoot(leaves [][32]byte) [32]byte {
	level := leaves
	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

func hashPair(a, b [32]byte) [32]byte {
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerificationResult reports the outcome of VerifyRange.
type VerificationResult struct {
	OK              bool
	FirstInvalidSeq int64
}

// VerifyRange reconstructs the expected previous-hash chain across
// [startID, endID] and reports the first sequence id whose stored
// previous_hash doesn't equal the stored entry_hash of the entry before it.
// The expected chain starts from the entry immediately before startID, or
// GenesisHash when startID is 1. Entry hashes are not recomputed from the
// row contents, so a change to an entry's other columns that leaves both
// hash columns as they were is not detected.
func (s *Service) VerifyRange(ctx context.Context, tenantID *uuid.UUID, startID, endID int64) (VerificationResult, error) {
	entries, err := s.store.ListRange(ctx, tenantID, startID, endID)
	if err != nil {
		return VerificationResult{}, err
	}

	expectedPrev := domain.GenesisHash
	if startID > 1 {
		prior, err := s.store.ListRange(ctx, tenantID, startID-1, startID-1)
		if err != nil {
			return VerificationResult{}, err
		}
		if len(prior) == 1 {
			expectedPrev = prior[0].EntryHash
		}
	}

	for _, e := range entries {
		if e.PreviousHash != expectedPrev {
			obsmetrics.RecordAuditChainBroken()
			return VerificationResult{OK: false, FirstInvalidSeq: e.SequenceID}, nil
		}
		expectedPrev = e.EntryHash
	}
	return VerificationResult{OK: true}, nil
}

// VerifyRangeOrErr is VerifyRange with spec.md §7's ChainBroken error
// surfaced directly, for callers (the Control API's read_audit_range) that
// want verification folded into their normal error-handling path rather
// than a separate boolean check.
func (s *Service) VerifyRangeOrErr(ctx context.Context, tenantID *uuid.UUID, startID, endID int64) error {
	result, err := s.VerifyRange(ctx, tenantID, startID, endID)
	if err != nil {
		return err
	}
	if !result.OK {
		return apperr.New(apperr.ChainBroken, "auditlog.VerifyRangeOrErr", "audit chain verification failed")
	}
	return nil
}
