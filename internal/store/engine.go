// Package store is the engine facade: it wires the WAL, partition index,
// quota enforcer, compactor, snapshot pipeline, and publisher into the
// append/read/subscribe surface, and orchestrates crash recovery.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strom-io/strom/internal/columnar"
	"github.com/strom-io/strom/internal/config"
	"github.com/strom-io/strom/internal/event"
	"github.com/strom-io/strom/internal/index"
	"github.com/strom-io/strom/internal/quota"
	"github.com/strom-io/strom/internal/router"
	"github.com/strom-io/strom/internal/snapshot"
	pebblestore "github.com/strom-io/strom/internal/storage/pebble"
	"github.com/strom-io/strom/internal/store/pub"
	"github.com/strom-io/strom/internal/tenant"
	"github.com/strom-io/strom/internal/wal"
	logpkg "github.com/strom-io/strom/pkg/log"
)

// AppendRequest is one ingestion call.
type AppendRequest struct {
	TenantID string
	EntityID string
	Type     string
	Payload  []byte
	// ExpectedVersion, when non-nil, must equal the stream's current version
	// or the append fails with ErrVersionConflict.
	ExpectedVersion *uint64
}

// AppendResult identifies the committed event.
type AppendResult struct {
	EventID     string
	Version     uint64
	CommittedAt int64
}

// ReadConsistency selects how far a read is allowed to see.
type ReadConsistency int

const (
	// ReadLatest serves up to the current assigned version. Events past the
	// watermark come from the WAL tail; slightly stale relative to
	// compaction but never relative to durability.
	ReadLatest ReadConsistency = iota
	// ReadDurable waits until the watermark covers the requested range.
	ReadDurable
)

// ReadOptions tunes GetEvents.
type ReadOptions struct {
	Consistency ReadConsistency
}

// AsOf selects a point in time for GetState. Zero value means "current".
// Version wins when both are set.
type AsOf struct {
	Version     uint64
	TimestampMs int64
}

// Engine is a single-node event store.
type Engine struct {
	cfg    config.Config
	logger logpkg.Logger

	db      *pebblestore.DB
	col     *columnar.Store
	snaps   *snapshot.Store
	snapMgr *snapshot.Manager
	proj    snapshot.Projection

	tenants *tenant.Registry
	quotas  *quota.Enforcer
	idx     *index.Index
	wals    []*wal.Partition
	comp    *columnar.Compactor
	pub     *pub.Publisher

	// quarantined maps partition -> open/recovery error. Appends and reads
	// touching the partition fail until the operator repairs it.
	quarantined map[uint32]error

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Open starts an engine over cfg.DataDir, running WAL recovery and launching
// the background pipelines. proj nil defaults to snapshot.JSONMerge.
func Open(cfg config.Config, proj snapshot.Projection, logger logpkg.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logpkg.NewNop()
	}
	if proj == nil {
		proj = snapshot.JSONMerge{}
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(cfg.DataDir, "db"),
		Fsync:   pebblestore.FsyncModeAlways,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger.With(logpkg.Component("engine")),
		db:          db,
		col:         columnar.NewStore(db),
		snaps:       snapshot.NewStore(db),
		proj:        proj,
		tenants:     tenant.NewRegistry(db, cfg.Quota),
		quotas:      quota.NewEnforcer(cfg.Quota),
		idx:         index.New(cfg.Partitions),
		wals:        make([]*wal.Partition, cfg.Partitions),
		quarantined: map[uint32]error{},
	}

	walOpts := wal.Options{
		SyncMode:        walSyncMode(cfg.WAL.SyncMode),
		SyncWindow:      cfg.WAL.SyncInterval(),
		SyncTimeout:     cfg.WAL.SyncTimeout(),
		SegmentMaxBytes: cfg.WAL.SegmentMaxBytes,
	}
	for p := uint32(0); p < cfg.Partitions; p++ {
		part, err := wal.Open(wal.PartitionDir(filepath.Join(cfg.DataDir, "wal"), p), p, walOpts)
		if err != nil {
			if errors.Is(err, wal.ErrCorruption) {
				e.logger.Error("partition quarantined", logpkg.Uint32("partition", p), logpkg.Err(err))
				e.quarantined[p] = err
				continue
			}
			_ = e.closePartial()
			return nil, fmt.Errorf("store: open wal partition %d: %w", p, err)
		}
		e.wals[p] = part
	}

	tail, tailBytes, err := e.recover()
	if err != nil {
		_ = e.closePartial()
		return nil, err
	}
	if err := e.seedStorageUsage(tailBytes); err != nil {
		_ = e.closePartial()
		return nil, err
	}

	var notify columnar.Notifier
	if cfg.Snapshot.EveryEvents > 0 {
		e.snapMgr = snapshot.NewManager(e.snaps, e.col, proj, snapshot.Options{
			EveryEvents: cfg.Snapshot.EveryEvents,
			Keep:        cfg.Snapshot.Keep,
			Verify:      cfg.Snapshot.Verify,
		}, logger)
		notify = e.snapMgr
	}
	e.comp = columnar.New(e.col, e.idx, e.wals, notify, columnar.Options{
		BatchMaxRecords: cfg.Compactor.BatchMaxRecords,
		BatchMaxBytes:   cfg.Compactor.BatchMaxBytes,
		FlushInterval:   cfg.Compactor.FlushInterval(),
		QueueDepth:      cfg.Compactor.QueueDepth,
	}, logger)
	defaultPolicy, err := pub.ParsePolicy(cfg.Publisher.Backpressure)
	if err != nil {
		_ = e.closePartial()
		return nil, err
	}
	e.pub = pub.New(pub.Options{DefaultBuffer: cfg.Publisher.BufferLen, DefaultPolicy: defaultPolicy}, logger)

	// Re-enqueue the uncompacted WAL tail before the drain loop starts so
	// recovery and live traffic flow through the same pipeline.
	for _, t := range tail {
		e.comp.Enqueue(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.comp.Run(ctx) }()
	if e.snapMgr != nil {
		e.wg.Add(1)
		go func() { defer e.wg.Done(); e.snapMgr.Run(ctx) }()
	}
	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.pub.Run(ctx) }()

	e.logger.Info("engine started",
		logpkg.Str("dataDir", cfg.DataDir),
		logpkg.Uint32("partitions", cfg.Partitions),
		logpkg.Int("quarantined", len(e.quarantined)))
	return e, nil
}

func walSyncMode(mode string) wal.SyncMode {
	switch mode {
	case config.SyncAlways:
		return wal.SyncAlways
	case config.SyncNever:
		return wal.SyncNever
	default:
		return wal.SyncInterval
	}
}

type recoveredStream struct {
	partition uint32
	current   uint64
	mark      uint64
	tail      []columnar.Task
}

// recover rebuilds the index purely from WAL contents. The durable
// compaction marks bound what is already columnar; everything past a
// stream's mark is its uncompacted tail, restored as in-memory refs and
// re-enqueued for compaction.
func (e *Engine) recover() ([]columnar.Task, map[string]int64, error) {
	streams := map[string]*recoveredStream{}
	var tasks []columnar.Task
	tailBytes := map[string]int64{}

	for p := uint32(0); p < e.cfg.Partitions; p++ {
		part := e.wals[p]
		if part == nil {
			continue
		}
		err := part.Replay(func(ev event.Event, ref wal.Ref) error {
			ev.Partition = p
			key := event.StreamKey(ev.TenantID, ev.EntityID)
			rs, ok := streams[key]
			if !ok {
				mark, err := e.col.Mark(ev.TenantID, ev.EntityID)
				if err != nil {
					return err
				}
				rs = &recoveredStream{partition: p, mark: mark}
				streams[key] = rs
			}
			if ev.Version > rs.current {
				rs.current = ev.Version
			}
			if ev.Version > rs.mark {
				rs.tail = append(rs.tail, columnar.Task{Ev: ev, Ref: ref})
				tailBytes[ev.TenantID] += int64(len(ev.Payload))
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, wal.ErrCorruption) {
				e.logger.Error("partition quarantined during replay", logpkg.Uint32("partition", p), logpkg.Err(err))
				e.quarantined[p] = err
				_ = part.Close()
				e.wals[p] = nil
				// Drop the partition's partially recovered streams; reads
				// and appends fail at the quarantine guard instead.
				for key, rs := range streams {
					if rs.partition == p {
						delete(streams, key)
					}
				}
				continue
			}
			return nil, nil, fmt.Errorf("store: replay partition %d: %w", p, err)
		}
	}

	if err := e.restoreCompactedOnly(streams); err != nil {
		return nil, nil, err
	}

	for key, rs := range streams {
		tenantID, entityID := event.SplitStreamKey(key)
		watermark := rs.mark
		if watermark > rs.current {
			rs.current = watermark
		}
		st := e.idx.GetOrCreate(tenantID, entityID, rs.partition)
		refs := make([]index.VersionedRef, 0, len(rs.tail))
		for _, t := range rs.tail {
			refs = append(refs, index.VersionedRef{Version: t.Ev.Version, Ref: t.Ref})
		}
		st.Restore(rs.current, watermark, refs)
		tasks = append(tasks, rs.tail...)
	}
	return tasks, tailBytes, nil
}

// restoreCompactedOnly registers streams whose WAL segments were fully
// drained and removed, so reads and expected-version checks still see them.
func (e *Engine) restoreCompactedOnly(streams map[string]*recoveredStream) error {
	tenants, err := e.tenants.List()
	if err != nil {
		return err
	}
	for _, name := range tenants {
		err := e.col.Marks(name, func(entity string, mark uint64) error {
			key := event.StreamKey(name, entity)
			if rs, ok := streams[key]; ok {
				if mark > rs.mark {
					rs.mark = mark
				}
				return nil
			}
			streams[key] = &recoveredStream{
				partition: router.Route(entity, e.cfg.Partitions),
				current:   mark,
				mark:      mark,
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) seedStorageUsage(tailBytes map[string]int64) error {
	tenants, err := e.tenants.List()
	if err != nil {
		return err
	}
	for _, name := range tenants {
		meta, err := e.tenants.Get(name)
		if err != nil {
			return err
		}
		compacted, err := e.col.Usage(name)
		if err != nil {
			return err
		}
		e.quotas.SeedStorage(meta, compacted+tailBytes[name])
	}
	return nil
}

// Append validates, admits, sequences, and durably commits one event. The
// returned version is gapless per entity: it is published only after the
// covering fsync is acknowledged.
func (e *Engine) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if err := e.validate(req); err != nil {
		return AppendResult{}, err
	}
	meta, err := e.tenants.Ensure(req.TenantID)
	if err != nil {
		return AppendResult{}, err
	}
	if meta.PayloadMaxBytes > 0 && len(req.Payload) > meta.PayloadMaxBytes {
		return AppendResult{}, fmt.Errorf("%w: payload %d bytes exceeds tenant limit %d",
			ErrValidation, len(req.Payload), meta.PayloadMaxBytes)
	}
	if err := e.quotas.Admit(ctx, meta, 1, len(req.Payload)); err != nil {
		return AppendResult{}, err
	}

	p := router.Route(req.EntityID, e.cfg.Partitions)
	if qerr, ok := e.quarantined[p]; ok {
		return AppendResult{}, qerr
	}

	st := e.idx.GetOrCreate(req.TenantID, req.EntityID, p)
	st.Lock()
	defer st.Unlock()

	current := st.Current()
	if req.ExpectedVersion != nil && *req.ExpectedVersion != current {
		return AppendResult{}, &ConflictError{
			TenantID: req.TenantID,
			EntityID: req.EntityID,
			Expected: *req.ExpectedVersion,
			Current:  current,
		}
	}

	ev := event.Event{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		EntityID:    req.EntityID,
		Type:        req.Type,
		Payload:     req.Payload,
		Version:     current + 1,
		Partition:   p,
		CommittedAt: time.Now().UnixMilli(),
	}
	ref, err := e.wals[p].Append(ctx, ev)
	if err != nil {
		if errors.Is(err, wal.ErrSyncTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return AppendResult{}, err
		}
		return AppendResult{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	// Durability point passed: expose the version, account usage, and hand
	// the record to the background pipelines.
	st.Publish(ev.Version, ref)
	e.quotas.AddStorage(req.TenantID, int64(len(req.Payload)))
	e.comp.Enqueue(columnar.Task{Ev: ev, Ref: ref})
	e.pub.Publish(ev)

	return AppendResult{EventID: ev.ID, Version: ev.Version, CommittedAt: ev.CommittedAt}, nil
}

func (e *Engine) validate(req AppendRequest) error {
	if !event.ValidIdent(req.TenantID) {
		return fmt.Errorf("%w: bad tenant id %q", ErrValidation, req.TenantID)
	}
	if !event.ValidIdent(req.EntityID) {
		return fmt.Errorf("%w: bad entity id %q", ErrValidation, req.EntityID)
	}
	if !event.ValidIdent(req.Type) {
		return fmt.Errorf("%w: bad event type %q", ErrValidation, req.Type)
	}
	max := e.cfg.PayloadMaxBytes
	if max > 0 && len(req.Payload) > max {
		return fmt.Errorf("%w: payload %d bytes exceeds limit %d", ErrValidation, len(req.Payload), max)
	}
	return nil
}

// GetEvents returns the entity's events with versions in [from, to],
// ascending. to == 0 means through the newest visible version. Results are
// idempotent: the same arguments yield byte-identical events.
func (e *Engine) GetEvents(ctx context.Context, tenantID, entityID string, from, to uint64, opts ReadOptions) ([]event.Event, error) {
	if !event.ValidIdent(tenantID) || !event.ValidIdent(entityID) {
		return nil, fmt.Errorf("%w: bad identifier", ErrValidation)
	}
	p := router.Route(entityID, e.cfg.Partitions)
	if qerr, ok := e.quarantined[p]; ok {
		return nil, qerr
	}
	st, ok := e.idx.Lookup(tenantID, entityID, p)
	if !ok {
		return nil, nil
	}

	hi := to
	if cur := st.Current(); hi == 0 || hi > cur {
		hi = cur
	}
	if from == 0 {
		from = 1
	}
	if hi < from {
		return nil, nil
	}
	if opts.Consistency == ReadDurable {
		if err := st.WaitWatermark(ctx, hi); err != nil {
			return nil, err
		}
	}

	colHi := hi
	if wm := st.Watermark(); colHi > wm {
		colHi = wm
	}
	var out []event.Event
	if colHi >= from {
		evs, err := e.col.ReadRange(tenantID, entityID, from, colHi)
		if err != nil {
			return nil, err
		}
		out = evs
	}
	// TailRefs takes an exclusive lower bound.
	tailAfter := from - 1
	if colHi > tailAfter {
		tailAfter = colHi
	}
	for _, vr := range st.TailRefs(tailAfter, hi) {
		ev, err := e.readRef(tenantID, entityID, p, vr)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	for i := range out {
		out[i].Partition = p
	}
	return out, nil
}

// readRef resolves one WAL ref, falling back to the column store when the
// segment was released after the ref was taken.
func (e *Engine) readRef(tenantID, entityID string, p uint32, vr index.VersionedRef) (event.Event, error) {
	ev, err := e.wals[p].ReadAt(vr.Ref)
	if err == nil {
		return ev, nil
	}
	evs, cerr := e.col.ReadRange(tenantID, entityID, vr.Version, vr.Version)
	if cerr == nil && len(evs) == 1 {
		return evs[0], nil
	}
	return event.Event{}, err
}

// GetState reconstructs entity state at asOf: nearest snapshot at or below
// the target plus a replay of the remaining events through the projection.
// Deterministic: identical arguments produce byte-identical state.
func (e *Engine) GetState(ctx context.Context, tenantID, entityID string, asOf AsOf) ([]byte, uint64, error) {
	if !event.ValidIdent(tenantID) || !event.ValidIdent(entityID) {
		return nil, 0, fmt.Errorf("%w: bad identifier", ErrValidation)
	}
	p := router.Route(entityID, e.cfg.Partitions)
	if qerr, ok := e.quarantined[p]; ok {
		return nil, 0, qerr
	}
	st, ok := e.idx.Lookup(tenantID, entityID, p)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrNotFound, tenantID, entityID)
	}
	current := st.Current()

	target := current
	switch {
	case asOf.Version > 0:
		if asOf.Version > current {
			return nil, 0, fmt.Errorf("%w: %s/%s has no version %d", ErrNotFound, tenantID, entityID, asOf.Version)
		}
		target = asOf.Version
	case asOf.TimestampMs > 0:
		v, err := e.versionAt(ctx, tenantID, entityID, current, asOf.TimestampMs)
		if err != nil {
			return nil, 0, err
		}
		target = v
	}
	if target == 0 {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrNotFound, tenantID, entityID)
	}

	base := uint64(0)
	state := e.proj.Init()
	snap, err := e.snaps.Latest(tenantID, entityID, target)
	switch {
	case err == nil:
		base = snap.Version
		state = snap.State
	case errors.Is(err, snapshot.ErrNoSnapshot):
	case errors.Is(err, snapshot.ErrInconsistent):
		// Unreadable snapshot: drop the chain and replay from scratch.
		e.logger.Warn("invalidating unreadable snapshot",
			logpkg.Str("tenant", tenantID), logpkg.Str("entity", entityID), logpkg.Err(err))
		if ierr := e.snaps.Invalidate(ctx, tenantID, entityID); ierr != nil {
			return nil, 0, ierr
		}
	default:
		return nil, 0, err
	}

	if base < target {
		evs, err := e.GetEvents(ctx, tenantID, entityID, base+1, target, ReadOptions{})
		if err != nil {
			return nil, 0, err
		}
		if uint64(len(evs)) != target-base {
			return nil, 0, fmt.Errorf("%w: %s/%s replay hole in (%d, %d]: got %d events",
				ErrCorruption, tenantID, entityID, base, target, len(evs))
		}
		state, err = snapshot.Fold(e.proj, state, evs)
		if err != nil {
			return nil, 0, err
		}
	}
	return state, target, nil
}

// versionAt finds the highest version committed at or before tsMs.
func (e *Engine) versionAt(ctx context.Context, tenantID, entityID string, current uint64, tsMs int64) (uint64, error) {
	evs, err := e.GetEvents(ctx, tenantID, entityID, 1, current, ReadOptions{})
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, ev := range evs {
		if ev.CommittedAt > tsMs {
			break
		}
		v = ev.Version
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: %s/%s has no events at or before %d", ErrNotFound, tenantID, entityID, tsMs)
	}
	return v, nil
}

// Subscribe attaches a live subscriber. Delivery is at-least-once in commit
// order per entity, starting with events committed after the subscription.
func (e *Engine) Subscribe(opts pub.SubscribeOptions) (*pub.Subscription, error) {
	return e.pub.Subscribe(opts)
}

// Tenants exposes the tenant registry for administrative callers.
func (e *Engine) Tenants() *tenant.Registry { return e.tenants }

// SetTenantLimits persists new limits and applies them to admission control
// immediately.
func (e *Engine) SetTenantLimits(m tenant.Meta) error {
	if err := e.tenants.SetLimits(m); err != nil {
		return err
	}
	e.quotas.Reconfigure(m)
	return nil
}

// Health reports quarantined partitions. A healthy engine returns nil.
func (e *Engine) Health() error {
	for p, err := range e.quarantined {
		return fmt.Errorf("partition %d quarantined: %w", p, err)
	}
	return nil
}

// Close stops the background pipelines, closes the WAL partitions, and
// releases the db. Safe to call once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.closePartial()
}

func (e *Engine) closePartial() error {
	var first error
	for _, p := range e.wals {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := e.db.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
