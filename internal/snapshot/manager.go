package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/strom-io/strom/internal/event"
	logpkg "github.com/strom-io/strom/pkg/log"
)

// Options tunes the snapshot manager.
type Options struct {
	// EveryEvents triggers a snapshot once this many versions accumulated
	// past the last one.
	EveryEvents uint64
	// Keep bounds retained snapshots per entity.
	Keep int
	// Verify re-derives state from version 1 on every build and invalidates
	// the snapshot chain on divergence. Expensive; meant for paranoid
	// deployments and tests.
	Verify bool
}

type entityKey struct {
	tenant string
	entity string
}

// EventSource reads committed events of one entity in ascending version
// order, versions from..to inclusive. The production source is the columnar
// store; tests may substitute an in-memory implementation.
type EventSource interface {
	ReadRange(tenant, entity string, from, to uint64) ([]event.Event, error)
}

// Manager rebuilds snapshots as compaction watermarks advance. It hangs off
// the compactor's notifier seam and reads only compacted data, so it never
// touches the hot ingestion path.
type Manager struct {
	store  *Store
	col    EventSource
	proj   Projection
	opts   Options
	logger logpkg.Logger
	now    func() int64

	mu      sync.Mutex
	pending map[entityKey]uint64 // coalesced watermark per entity
	wake    chan struct{}
}

// NewManager wires the snapshot pipeline. A nil proj defaults to JSONMerge.
func NewManager(store *Store, col EventSource, proj Projection, opts Options, logger logpkg.Logger) *Manager {
	if proj == nil {
		proj = JSONMerge{}
	}
	if opts.EveryEvents == 0 {
		opts.EveryEvents = 100
	}
	if opts.Keep <= 0 {
		opts.Keep = 3
	}
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Manager{
		store:   store,
		col:     col,
		proj:    proj,
		opts:    opts,
		logger:  logger.With(logpkg.Component("snapshot")),
		now:     func() int64 { return time.Now().UnixMilli() },
		pending: map[entityKey]uint64{},
		wake:    make(chan struct{}, 1),
	}
}

// EntityCompacted implements columnar.Notifier. It only records the new
// watermark; snapshot computation happens on the manager's own goroutine.
func (m *Manager) EntityCompacted(tenantID, entityID string, watermark uint64) {
	k := entityKey{tenant: tenantID, entity: entityID}
	m.mu.Lock()
	if watermark > m.pending[k] {
		m.pending[k] = watermark
	}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run processes pending entities until ctx is cancelled. Snapshot builds are
// idempotent, so cancellation mid-build loses nothing.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		for {
			k, watermark, ok := m.takePending()
			if !ok {
				break
			}
			if err := m.maybeSnapshot(ctx, k.tenant, k.entity, watermark); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Error("snapshot build failed",
					logpkg.Str("tenant", k.tenant), logpkg.Str("entity", k.entity),
					logpkg.Uint64("watermark", watermark), logpkg.Err(err))
			}
		}
	}
}

func (m *Manager) takePending() (entityKey, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, wm := range m.pending {
		delete(m.pending, k)
		return k, wm, true
	}
	return entityKey{}, 0, false
}

// maybeSnapshot builds a snapshot at watermark when enough versions
// accumulated since the last one.
func (m *Manager) maybeSnapshot(ctx context.Context, tenant, entity string, watermark uint64) error {
	base := uint64(0)
	state := m.proj.Init()

	last, err := m.store.Latest(tenant, entity, watermark)
	switch {
	case err == nil:
		base = last.Version
		state = last.State
	case errors.Is(err, ErrNoSnapshot):
	case errors.Is(err, ErrInconsistent):
		m.logger.Warn("invalidating unreadable snapshot",
			logpkg.Str("tenant", tenant), logpkg.Str("entity", entity), logpkg.Err(err))
		if err := m.store.Invalidate(ctx, tenant, entity); err != nil {
			return err
		}
	default:
		return err
	}

	if watermark < base || watermark-base < m.opts.EveryEvents {
		return nil
	}

	evs, err := m.col.ReadRange(tenant, entity, base+1, watermark)
	if err != nil {
		return err
	}
	state, err = Fold(m.proj, state, evs)
	if err != nil {
		return err
	}

	if m.opts.Verify {
		if err := m.verify(ctx, tenant, entity, watermark, state); err != nil {
			return err
		}
	}

	snap := Snapshot{
		TenantID:    tenant,
		EntityID:    entity,
		Version:     watermark,
		State:       state,
		CreatedAtMs: m.now(),
	}
	if err := m.store.Put(ctx, snap); err != nil {
		return err
	}
	return m.store.Prune(ctx, tenant, entity, m.opts.Keep)
}

// verify re-derives state from version 1 and invalidates the snapshot chain
// when the incremental fold diverged.
func (m *Manager) verify(ctx context.Context, tenant, entity string, watermark uint64, got []byte) error {
	evs, err := m.col.ReadRange(tenant, entity, 1, watermark)
	if err != nil {
		return err
	}
	want, err := Fold(m.proj, m.proj.Init(), evs)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		if err := m.store.Invalidate(ctx, tenant, entity); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s/%s diverged at version %d", ErrInconsistent, tenant, entity, watermark)
	}
	return nil
}
