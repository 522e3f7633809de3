// Package snapshot persists projected entity state at fixed version points
// and rebuilds it in the background as compaction watermarks advance.
//
// Snapshots are an acceleration structure only: every byte is re-derivable
// from the column store, so an invalidated or missing snapshot degrades to a
// longer replay, never to data loss.
package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/strom-io/strom/internal/storage/pebble"
)

var (
	// ErrNoSnapshot is returned when no snapshot at or below the requested
	// version exists.
	ErrNoSnapshot = errors.New("snapshot: none available")
	// ErrInconsistent reports a snapshot whose stored state fails its
	// checksum or diverges from a full replay.
	ErrInconsistent = errors.New("snapshot: state inconsistent")
)

// Snapshot is projected entity state frozen at a version.
type Snapshot struct {
	TenantID    string
	EntityID    string
	Version     uint64
	State       []byte
	CreatedAtMs int64
}

var (
	snapPrefix    = []byte("snap/")
	snapVerSeg    = []byte("/v/")
	castagnoli    = crc32.MakeTable(crc32.Castagnoli)
	snapHeaderLen = 12 // crc32c + created_at_ms
)

// keySnap orders snapshots by version within an entity.
func keySnap(tenant, entity string, version uint64) []byte {
	k := make([]byte, 0, len(snapPrefix)+len(tenant)+len(entity)+16)
	k = append(k, snapPrefix...)
	k = append(k, tenant...)
	k = append(k, '/')
	k = append(k, entity...)
	k = append(k, snapVerSeg...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], version)
	return append(k, b[:]...)
}

func keySnapPrefix(tenant, entity string) []byte {
	k := make([]byte, 0, len(snapPrefix)+len(tenant)+len(entity)+8)
	k = append(k, snapPrefix...)
	k = append(k, tenant...)
	k = append(k, '/')
	k = append(k, entity...)
	k = append(k, snapVerSeg...)
	return k
}

// snapUpperBound is the exclusive bound for a prefix scan: the prefix with
// its last byte incremented, carrying across 0xFF bytes. The version suffix
// is raw big-endian, so a plain appended 0xFF would sort before keys whose
// version starts with 0xFF.
func snapUpperBound(prefix []byte) []byte {
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}

func encodeSnapValue(createdAtMs int64, state []byte) []byte {
	v := make([]byte, snapHeaderLen+len(state))
	binary.BigEndian.PutUint64(v[4:12], uint64(createdAtMs))
	copy(v[snapHeaderLen:], state)
	binary.BigEndian.PutUint32(v[0:4], crc32.Checksum(v[4:], castagnoli))
	return v
}

func decodeSnapValue(v []byte) (createdAtMs int64, state []byte, err error) {
	if len(v) < snapHeaderLen {
		return 0, nil, fmt.Errorf("%w: truncated value", ErrInconsistent)
	}
	if crc32.Checksum(v[4:], castagnoli) != binary.BigEndian.Uint32(v[0:4]) {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrInconsistent)
	}
	createdAtMs = int64(binary.BigEndian.Uint64(v[4:12]))
	state = append([]byte(nil), v[snapHeaderLen:]...)
	return createdAtMs, state, nil
}

// Store persists snapshots in the shared Pebble keyspace.
type Store struct {
	db *pebblestore.DB
}

// NewStore wraps db.
func NewStore(db *pebblestore.DB) *Store { return &Store{db: db} }

// Put persists snap. Writing the same version twice overwrites in place;
// snapshot building is idempotent.
func (s *Store) Put(ctx context.Context, snap Snapshot) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keySnap(snap.TenantID, snap.EntityID, snap.Version), encodeSnapValue(snap.CreatedAtMs, snap.State), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// Latest returns the newest snapshot with Version <= maxVersion. A stored
// snapshot that fails its checksum surfaces as ErrInconsistent so the caller
// can invalidate and fall back to replay.
func (s *Store) Latest(tenant, entity string, maxVersion uint64) (Snapshot, error) {
	prefix := keySnapPrefix(tenant, entity)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: append(keySnap(tenant, entity, maxVersion), 0x00),
	})
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = it.Close() }()
	if !it.Last() {
		return Snapshot{}, ErrNoSnapshot
	}
	k := it.Key()
	if len(k) < len(prefix)+8 {
		return Snapshot{}, fmt.Errorf("%w: malformed key", ErrInconsistent)
	}
	version := binary.BigEndian.Uint64(k[len(k)-8:])
	createdAt, state, err := decodeSnapValue(it.Value())
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		TenantID:    tenant,
		EntityID:    entity,
		Version:     version,
		State:       state,
		CreatedAtMs: createdAt,
	}, nil
}

// Prune deletes all but the newest keep snapshots for the entity.
func (s *Store) Prune(ctx context.Context, tenant, entity string, keep int) error {
	if keep <= 0 {
		keep = 1
	}
	prefix := keySnapPrefix(tenant, entity)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: snapUpperBound(prefix)})
	if err != nil {
		return err
	}
	var versions []uint64
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if len(k) >= 8 {
			versions = append(versions, binary.BigEndian.Uint64(k[len(k)-8:]))
		}
	}
	if err := it.Close(); err != nil {
		return err
	}
	if len(versions) <= keep {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, v := range versions[:len(versions)-keep] {
		if err := b.Delete(keySnap(tenant, entity, v), nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}

// Invalidate deletes every snapshot for the entity. State reconstruction
// falls back to a full replay until the manager rebuilds one.
func (s *Store) Invalidate(ctx context.Context, tenant, entity string) error {
	prefix := keySnapPrefix(tenant, entity)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, snapUpperBound(prefix), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}
