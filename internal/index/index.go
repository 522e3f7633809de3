// Package index holds the in-memory partition index: per-entity stream
// metadata mapping versions to durable offsets.
//
// The index is sharded one shard per partition so contention stays inside a
// partition, never global. It carries no durability of its own; recovery
// rebuilds it entirely from WAL contents.
package index

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/strom-io/strom/internal/event"
	"github.com/strom-io/strom/internal/wal"
)

// VersionedRef ties a stream version to its durable WAL location.
type VersionedRef struct {
	Version uint64
	Ref     wal.Ref
}

// Stream is the mutable metadata for one entity stream.
//
// Two writers ever touch a Stream: the version assigner (Lock/Publish during
// append) and the compactor (AdvanceWatermark), each confined to its own
// fields. current is only published after the WAL acknowledged the record
// durable, which is what makes exposed versions gapless.
type Stream struct {
	TenantID  string
	EntityID  string
	Partition uint32

	mu        sync.Mutex // serializes version assignment for this entity
	current   atomic.Uint64
	watermark atomic.Uint64

	refMu sync.RWMutex
	refs  []VersionedRef // versions in (watermark, current], ascending

	wmMu   sync.Mutex
	wmWait chan struct{} // closed and replaced on each watermark advance
}

// Lock acquires the stream's append exclusivity. Exactly one append per
// entity holds it at a time; holders span the WAL durability wait.
func (s *Stream) Lock() { s.mu.Lock() }

// Unlock releases append exclusivity.
func (s *Stream) Unlock() { s.mu.Unlock() }

// Current returns the latest published (durable) version.
func (s *Stream) Current() uint64 { return s.current.Load() }

// Watermark returns the highest version fully absorbed by the columnar store.
func (s *Stream) Watermark() uint64 { return s.watermark.Load() }

// Publish exposes version as current and records its WAL location. Callers
// must hold the stream lock and must only publish current+1, after the WAL
// write is acknowledged durable.
func (s *Stream) Publish(version uint64, ref wal.Ref) {
	s.refMu.Lock()
	s.refs = append(s.refs, VersionedRef{Version: version, Ref: ref})
	s.refMu.Unlock()
	s.current.Store(version)
}

// Restore seeds the stream during recovery: current/watermark and the tail
// refs not yet compacted. Not safe for use after the engine is serving.
func (s *Stream) Restore(current, watermark uint64, tail []VersionedRef) {
	s.current.Store(current)
	s.watermark.Store(watermark)
	s.refMu.Lock()
	s.refs = append([]VersionedRef(nil), tail...)
	s.refMu.Unlock()
}

// AdvanceWatermark moves the watermark forward to version, dropping refs the
// columnar store now covers. Regressions are ignored; the watermark is
// monotone and never exceeds current.
func (s *Stream) AdvanceWatermark(version uint64) {
	for {
		old := s.watermark.Load()
		if version <= old {
			return
		}
		if cur := s.current.Load(); version > cur {
			version = cur
		}
		if s.watermark.CompareAndSwap(old, version) {
			break
		}
	}
	s.refMu.Lock()
	i := 0
	for i < len(s.refs) && s.refs[i].Version <= version {
		i++
	}
	s.refs = s.refs[i:]
	s.refMu.Unlock()

	s.wmMu.Lock()
	if s.wmWait != nil {
		close(s.wmWait)
		s.wmWait = nil
	}
	s.wmMu.Unlock()
}

// WaitWatermark blocks until the watermark reaches at least version or ctx is
// done. Used by strongly-consistent reads.
func (s *Stream) WaitWatermark(ctx context.Context, version uint64) error {
	for {
		if s.watermark.Load() >= version {
			return nil
		}
		s.wmMu.Lock()
		if s.wmWait == nil {
			s.wmWait = make(chan struct{})
		}
		ch := s.wmWait
		s.wmMu.Unlock()
		if s.watermark.Load() >= version {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TailRefs returns the WAL locations for versions in (from, to], ascending.
func (s *Stream) TailRefs(from, to uint64) []VersionedRef {
	s.refMu.RLock()
	defer s.refMu.RUnlock()
	out := make([]VersionedRef, 0, len(s.refs))
	for _, r := range s.refs {
		if r.Version > from && r.Version <= to {
			out = append(out, r)
		}
	}
	return out
}

// Index is the sharded map of entity streams, one shard per partition.
type Index struct {
	shards []shard
}

type shard struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// New creates an index for a fixed partition count.
func New(partitions uint32) *Index {
	idx := &Index{shards: make([]shard, partitions)}
	for i := range idx.shards {
		idx.shards[i].streams = map[string]*Stream{}
	}
	return idx
}

// GetOrCreate returns the stream for (tenantID, entityID), creating it on
// first use.
func (idx *Index) GetOrCreate(tenantID, entityID string, partition uint32) *Stream {
	sh := &idx.shards[partition]
	key := event.StreamKey(tenantID, entityID)

	sh.mu.RLock()
	st, ok := sh.streams[key]
	sh.mu.RUnlock()
	if ok {
		return st
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok := sh.streams[key]; ok {
		return st
	}
	st = &Stream{TenantID: tenantID, EntityID: entityID, Partition: partition}
	sh.streams[key] = st
	return st
}

// Lookup returns the stream if it exists.
func (idx *Index) Lookup(tenantID, entityID string, partition uint32) (*Stream, bool) {
	sh := &idx.shards[partition]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.streams[event.StreamKey(tenantID, entityID)]
	return st, ok
}

// Range calls fn for every stream in the partition. fn must not mutate stream
// membership.
func (idx *Index) Range(partition uint32, fn func(*Stream)) {
	sh := &idx.shards[partition]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for _, st := range sh.streams {
		fn(st)
	}
}

// Partitions returns the fixed partition count.
func (idx *Index) Partitions() uint32 { return uint32(len(idx.shards)) }
