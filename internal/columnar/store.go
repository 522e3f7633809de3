// Package columnar implements the compacted column store and the background
// compactor that drains WAL records into it.
//
// Records land in Pebble under version-ordered keys per entity, with a
// secondary index per event type. Values keep the WAL's checksummed frame
// encoding, so every read re-verifies integrity end to end. Sealed data is
// never rewritten in place; compaction only appends new keys and advances
// per-entity marks.
package columnar

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/strom-io/strom/internal/event"
	pebblestore "github.com/strom-io/strom/internal/storage/pebble"
	"github.com/strom-io/strom/internal/wal"
)

// Store reads and writes the compacted keyspace.
type Store struct {
	db *pebblestore.DB
}

// NewStore wraps db.
func NewStore(db *pebblestore.DB) *Store { return &Store{db: db} }

// Mark returns the entity's durable compaction mark: the highest version
// known fully present in the column store. Zero when the entity has never
// been compacted.
func (s *Store) Mark(tenant, entity string) (uint64, error) {
	b, err := s.db.Get(keyMark(tenant, entity))
	if err == pebblestore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(b) < 8 {
		return 0, fmt.Errorf("columnar: malformed mark for %s/%s", tenant, entity)
	}
	return binary.BigEndian.Uint64(b[:8]), nil
}

// Marks calls fn with every (entity, mark) pair recorded for the tenant.
func (s *Store) Marks(tenant string, fn func(entity string, mark uint64) error) error {
	prefix := keyMarkPrefix(tenant)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		v := it.Value()
		if len(k) <= len(prefix) || len(v) < 8 {
			continue
		}
		if err := fn(string(k[len(prefix):]), binary.BigEndian.Uint64(v[:8])); err != nil {
			return err
		}
	}
	return nil
}

// ReadRange returns the entity's compacted events with versions in
// [from, to], ascending. A checksum failure surfaces as wal.ErrCorruption;
// the damaged range is never silently skipped.
func (s *Store) ReadRange(tenant, entity string, from, to uint64) ([]event.Event, error) {
	if from == 0 {
		from = 1
	}
	low := appendBE8(keyEventPrefix(tenant, entity), from)
	hi := appendBE8(keyEventPrefix(tenant, entity), to)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	var out []event.Event
	for ok := it.First(); ok; ok = it.Next() {
		ev, err := wal.DecodeEvent(it.Value())
		if err != nil {
			return nil, fmt.Errorf("columnar: %s/%s: %w", tenant, entity, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// ScanType returns up to limit compacted events of the given type for a
// tenant, ordered by (entity, version). Limit 0 means no bound.
func (s *Store) ScanType(tenant, eventType string, limit int) ([]event.Event, error) {
	prefix := keyTypePrefix(tenant, eventType)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	var out []event.Event
	for ok := it.First(); ok && (limit == 0 || len(out) < limit); ok = it.Next() {
		rest := it.Key()[len(prefix):]
		if len(rest) < 9 {
			continue
		}
		entity := string(rest[:len(rest)-9])
		version := binary.BigEndian.Uint64(rest[len(rest)-8:])
		frame, err := s.db.Get(keyEvent(tenant, entity, version))
		if err != nil {
			return nil, fmt.Errorf("columnar: type index points at missing record %s/%s@%d: %w", tenant, entity, version, err)
		}
		ev, err := wal.DecodeEvent(frame)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Usage returns the tenant's compacted payload bytes. The counter is updated
// in the same atomic batch as the records it accounts for, so on recovery
// `Usage + uncompacted WAL tail bytes` reconstructs the storage gauge.
func (s *Store) Usage(tenant string) (int64, error) {
	b, err := s.db.Get(keyUsage(tenant))
	if err == pebblestore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(b) < 8 {
		return 0, fmt.Errorf("columnar: malformed usage counter for %s", tenant)
	}
	return int64(binary.BigEndian.Uint64(b[:8])), nil
}

// writeBatch installs a compaction batch atomically: record frames, type
// index entries, usage counters, and the advanced marks all commit together
// so the mark never runs ahead of the data it covers.
func (s *Store) writeBatch(ctx context.Context, tasks []Task, marks map[streamID]uint64) error {
	b := s.db.NewBatch()
	defer b.Close()
	usage := map[string]int64{}
	for _, t := range tasks {
		ev := t.Ev
		if err := b.Set(keyEvent(ev.TenantID, ev.EntityID, ev.Version), wal.EncodeEvent(ev), nil); err != nil {
			return err
		}
		if err := b.Set(keyType(ev.TenantID, ev.Type, ev.EntityID, ev.Version), nil, nil); err != nil {
			return err
		}
		usage[ev.TenantID] += int64(len(ev.Payload))
	}
	var mb [8]byte
	for id, mark := range marks {
		binary.BigEndian.PutUint64(mb[:], mark)
		if err := b.Set(keyMark(id.tenant, id.entity), append([]byte(nil), mb[:]...), nil); err != nil {
			return err
		}
	}
	// The compactor is the only writer, so read-modify-write is race-free.
	for tenant, add := range usage {
		cur, err := s.Usage(tenant)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint64(mb[:], uint64(cur+add))
		if err := b.Set(keyUsage(tenant), append([]byte(nil), mb[:]...), nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}
