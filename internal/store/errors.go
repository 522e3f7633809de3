package store

import (
	"errors"
	"fmt"

	"github.com/strom-io/strom/internal/quota"
	"github.com/strom-io/strom/internal/snapshot"
	"github.com/strom-io/strom/internal/wal"
)

// Error taxonomy of the engine surface. Callers match with errors.Is; every
// failure path maps to exactly one of these and no operation ever leaves a
// partial effect behind.
var (
	// ErrValidation reports malformed input: empty identifiers, oversized
	// payloads. Rejected before any state is touched.
	ErrValidation = errors.New("store: invalid request")
	// ErrVersionConflict reports an optimistic-concurrency mismatch. The
	// caller re-reads the current version and decides whether to retry;
	// the engine never retries on its own.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrNotFound reports an entity or version point that does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStorage reports a WAL write or fsync failure. The append is
	// all-or-nothing: no partial commit is ever visible, and the partition
	// stops accepting writes until restart.
	ErrStorage = errors.New("store: storage failure")

	// ErrQuotaExceeded is quota.ErrExceeded; the wrapped error carries a
	// retry-after hint.
	ErrQuotaExceeded = quota.ErrExceeded
	// ErrCorruption is wal.ErrCorruption; the affected partition stays
	// quarantined until repaired.
	ErrCorruption = wal.ErrCorruption
	// ErrDurabilityTimeout is wal.ErrSyncTimeout.
	ErrDurabilityTimeout = wal.ErrSyncTimeout
	// ErrSnapshotInconsistency is snapshot.ErrInconsistent.
	ErrSnapshotInconsistency = snapshot.ErrInconsistent
)

// ConflictError carries the versions behind an ErrVersionConflict.
type ConflictError struct {
	TenantID string
	EntityID string
	Expected uint64
	Current  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: version conflict on %s/%s: expected %d, current %d",
		e.TenantID, e.EntityID, e.Expected, e.Current)
}

// Is lets errors.Is(err, ErrVersionConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrVersionConflict }
