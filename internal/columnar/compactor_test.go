package columnar

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/strom-io/strom/internal/event"
	"github.com/strom-io/strom/internal/index"
	pebblestore "github.com/strom-io/strom/internal/storage/pebble"
	"github.com/strom-io/strom/internal/wal"
)

type recordingNotifier struct {
	mu    sync.Mutex
	marks map[string]uint64
}

func (n *recordingNotifier) EntityCompacted(tenantID, entityID string, watermark uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.marks == nil {
		n.marks = map[string]uint64{}
	}
	n.marks[tenantID+"/"+entityID] = watermark
}

func (n *recordingNotifier) mark(key string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.marks[key]
}

type compactorFixture struct {
	store *Store
	idx   *index.Index
	walP  *wal.Partition
	comp  *Compactor
}

func newCompactorFixture(t *testing.T, notify Notifier, walOpts wal.Options, opts Options) *compactorFixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	walOpts.SyncMode = wal.SyncNever
	p, err := wal.Open(filepath.Join(t.TempDir(), "p0000"), 0, walOpts)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	f := &compactorFixture{
		store: NewStore(db),
		idx:   index.New(1),
	}
	f.walP = p
	if opts.FlushInterval == 0 {
		opts.FlushInterval = 5 * time.Millisecond
	}
	f.comp = New(f.store, f.idx, []*wal.Partition{p}, notify, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.comp.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

// appendAndEnqueue commits the event to the WAL, publishes it in the index,
// and hands it to the compactor, mirroring the ingestion path.
func (f *compactorFixture) appendAndEnqueue(t *testing.T, ev event.Event) {
	t.Helper()
	ref, err := f.walP.Append(context.Background(), ev)
	if err != nil {
		t.Fatalf("wal append: %v", err)
	}
	st := f.idx.GetOrCreate(ev.TenantID, ev.EntityID, ev.Partition)
	st.Lock()
	st.Publish(ev.Version, ref)
	st.Unlock()
	f.comp.Enqueue(Task{Ev: ev, Ref: ref})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCompactorAdvancesWatermark(t *testing.T) {
	notify := &recordingNotifier{}
	f := newCompactorFixture(t, notify, wal.Options{}, Options{})

	for v := uint64(1); v <= 3; v++ {
		ev := testEvent("order-1", "updated", v)
		ev.ID = fmt.Sprintf("ev-%d", v)
		f.appendAndEnqueue(t, ev)
	}

	st, ok := f.idx.Lookup("acme", "order-1", 0)
	if !ok {
		t.Fatalf("stream missing")
	}
	waitFor(t, "watermark", func() bool { return st.Watermark() == 3 })

	got, err := f.store.ReadRange("acme", "order-1", 0, 3)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 compacted events, got %d", len(got))
	}
	if m, err := f.store.Mark("acme", "order-1"); err != nil || m != 3 {
		t.Fatalf("durable mark: %d, %v", m, err)
	}
	waitFor(t, "notifier", func() bool { return notify.mark("acme/order-1") == 3 })
}

func TestCompactorBatchesMultipleEntities(t *testing.T) {
	f := newCompactorFixture(t, nil, wal.Options{}, Options{})

	for i := 0; i < 4; i++ {
		entity := fmt.Sprintf("order-%d", i)
		for v := uint64(1); v <= 2; v++ {
			ev := testEvent(entity, "updated", v)
			f.appendAndEnqueue(t, ev)
		}
	}

	for i := 0; i < 4; i++ {
		entity := fmt.Sprintf("order-%d", i)
		st, ok := f.idx.Lookup("acme", entity, 0)
		if !ok {
			t.Fatalf("stream %s missing", entity)
		}
		waitFor(t, entity, func() bool { return st.Watermark() == 2 })
	}
}

func TestCompactorReleasesDrainedSegments(t *testing.T) {
	// Tiny segments so every couple of appends rotates.
	f := newCompactorFixture(t, nil, wal.Options{SegmentMaxBytes: 128}, Options{})

	for v := uint64(1); v <= 12; v++ {
		f.appendAndEnqueue(t, testEvent("order-1", "updated", v))
	}
	if f.walP.ActiveSegment() < 3 {
		t.Fatalf("expected rotation, active segment %d", f.walP.ActiveSegment())
	}

	st, _ := f.idx.Lookup("acme", "order-1", 0)
	waitFor(t, "watermark", func() bool { return st.Watermark() == 12 })

	waitFor(t, "segment release", func() bool {
		segs, err := filepath.Glob(filepath.Join(f.walP.Dir(), "*.seg"))
		if err != nil {
			t.Fatalf("glob: %v", err)
		}
		return len(segs) == 1
	})
}

func TestWatermarkDropsCoveredRefs(t *testing.T) {
	f := newCompactorFixture(t, nil, wal.Options{}, Options{})

	for v := uint64(1); v <= 5; v++ {
		f.appendAndEnqueue(t, testEvent("order-1", "updated", v))
	}
	st, _ := f.idx.Lookup("acme", "order-1", 0)
	waitFor(t, "watermark", func() bool { return st.Watermark() == 5 })

	if refs := st.TailRefs(1, 5); len(refs) != 0 {
		t.Fatalf("compacted refs still held in memory: %d", len(refs))
	}
}
