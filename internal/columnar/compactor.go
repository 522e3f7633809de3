package columnar

import (
	"context"
	"sync"
	"time"

	"github.com/strom-io/strom/internal/event"
	"github.com/strom-io/strom/internal/index"
	"github.com/strom-io/strom/internal/wal"
	logpkg "github.com/strom-io/strom/pkg/log"
)

// Task is one committed record awaiting compaction. Ev.Partition must be set;
// segment accounting is keyed on it.
type Task struct {
	Ev  event.Event
	Ref wal.Ref
}

// Notifier observes watermark advances, one call per entity per flushed
// batch. The snapshot manager hangs off this seam; data flows strictly
// index -> compactor -> watermark -> notifier, never backwards.
type Notifier interface {
	EntityCompacted(tenantID, entityID string, watermark uint64)
}

// Options tunes compactor batching.
type Options struct {
	BatchMaxRecords int
	BatchMaxBytes   int
	FlushInterval   time.Duration
	QueueDepth      int
}

type streamID struct {
	tenant string
	entity string
}

// Compactor drains committed WAL records into the column store in commit
// order, advancing per-entity watermarks as batches become durable.
type Compactor struct {
	store  *Store
	idx    *index.Index
	wals   []*wal.Partition
	notify Notifier
	opts   Options
	logger logpkg.Logger

	// queue is strict FIFO per partition; per-entity version order inside it
	// is what lets a flushed batch's max version become the durable mark.
	// Enqueue never blocks: the hot ingestion path must not wait on
	// compaction.
	qMu   sync.Mutex
	queue []Task
	wake  chan struct{}

	// outstanding tracks queued records per WAL segment so sealed segments
	// are only released once fully drained.
	segMu       sync.Mutex
	outstanding []map[uint64]int
}

// New creates a compactor over the given index and WAL partitions.
func New(store *Store, idx *index.Index, wals []*wal.Partition, notify Notifier, opts Options, logger logpkg.Logger) *Compactor {
	if opts.BatchMaxRecords <= 0 {
		opts.BatchMaxRecords = 512
	}
	if opts.BatchMaxBytes <= 0 {
		opts.BatchMaxBytes = 4 << 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 25 * time.Millisecond
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 8192
	}
	if logger == nil {
		logger = logpkg.NewNop()
	}
	outstanding := make([]map[uint64]int, len(wals))
	for i := range outstanding {
		outstanding[i] = map[uint64]int{}
	}
	return &Compactor{
		store:       store,
		idx:         idx,
		wals:        wals,
		notify:      notify,
		opts:        opts,
		logger:      logger.With(logpkg.Component("compactor")),
		wake:        make(chan struct{}, 1),
		outstanding: outstanding,
	}
}

// Enqueue hands a committed record to the compactor. It never blocks; the
// queue is unbounded and backlog past QueueDepth is logged so operators can
// see compaction falling behind.
func (c *Compactor) Enqueue(t Task) {
	c.segMu.Lock()
	c.outstanding[t.Ev.Partition][t.Ref.Segment]++
	c.segMu.Unlock()

	c.qMu.Lock()
	c.queue = append(c.queue, t)
	depth := len(c.queue)
	c.qMu.Unlock()

	if depth == c.opts.QueueDepth {
		c.logger.Warn("compaction backlog", logpkg.Int("depth", depth))
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Compactor) take(max int) []Task {
	c.qMu.Lock()
	defer c.qMu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	n := len(c.queue)
	if n > max {
		n = max
	}
	out := make([]Task, n)
	copy(out, c.queue[:n])
	c.queue = c.queue[n:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	return out
}

// Run drains the queue until ctx is cancelled, flushing batches by size and
// by time. A failed flush is retried with backoff; storage errors are never
// dropped on the floor.
func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	var batch []Task
	batchBytes := 0

	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.flushWithRetry(ctx, batch)
		batch = nil
		batchBytes = 0
	}

	fill := func() {
		for {
			got := c.take(c.opts.BatchMaxRecords - len(batch))
			if len(got) == 0 {
				return
			}
			batch = append(batch, got...)
			for _, t := range got {
				batchBytes += len(t.Ev.Payload)
			}
			if len(batch) >= c.opts.BatchMaxRecords || batchBytes >= c.opts.BatchMaxBytes {
				flush()
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			fill()
			flush()
			return
		case <-c.wake:
			fill()
		case <-ticker.C:
			fill()
			flush()
		}
	}
}

func (c *Compactor) flushWithRetry(ctx context.Context, batch []Task) {
	backoff := 50 * time.Millisecond
	for {
		err := c.flush(ctx, batch)
		if err == nil {
			return
		}
		c.logger.Error("compaction flush failed", logpkg.Int("records", len(batch)), logpkg.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (c *Compactor) flush(ctx context.Context, batch []Task) error {
	// Per-partition enqueue order preserves per-entity version order, so the
	// last version seen per stream is its new mark.
	marks := map[streamID]uint64{}
	for _, t := range batch {
		id := streamID{tenant: t.Ev.TenantID, entity: t.Ev.EntityID}
		if t.Ev.Version > marks[id] {
			marks[id] = t.Ev.Version
		}
	}
	if err := c.store.writeBatch(ctx, batch, marks); err != nil {
		return err
	}

	for id, mark := range marks {
		if st, ok := c.idx.Lookup(id.tenant, id.entity, c.partitionOf(batch, id)); ok {
			st.AdvanceWatermark(mark)
		}
		if c.notify != nil {
			c.notify.EntityCompacted(id.tenant, id.entity, mark)
		}
	}

	c.releaseSegments(batch)
	return nil
}

func (c *Compactor) partitionOf(batch []Task, id streamID) uint32 {
	for _, t := range batch {
		if t.Ev.TenantID == id.tenant && t.Ev.EntityID == id.entity {
			return t.Ev.Partition
		}
	}
	return 0
}

// releaseSegments retires sealed WAL segments that no longer hold any
// uncompacted record.
func (c *Compactor) releaseSegments(batch []Task) {
	c.segMu.Lock()
	touched := map[uint32]bool{}
	for _, t := range batch {
		p := t.Ev.Partition
		seg := t.Ref.Segment
		if n := c.outstanding[p][seg] - 1; n > 0 {
			c.outstanding[p][seg] = n
		} else {
			delete(c.outstanding[p], seg)
		}
		touched[p] = true
	}
	removable := map[uint32]uint64{}
	for p := range touched {
		lowestLive := c.wals[p].ActiveSegment()
		for seg := range c.outstanding[p] {
			if seg < lowestLive {
				lowestLive = seg
			}
		}
		if lowestLive > 1 {
			removable[p] = lowestLive - 1
		}
	}
	c.segMu.Unlock()

	for p, upTo := range removable {
		if err := c.wals[p].RemoveSegments(upTo); err != nil {
			c.logger.Warn("segment release failed", logpkg.Uint32("partition", p), logpkg.Err(err))
		}
	}
}
