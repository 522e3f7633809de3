package index

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/strom-io/strom/internal/wal"
)

func TestGetOrCreateIsStable(t *testing.T) {
	idx := New(4)
	a := idx.GetOrCreate("acme", "user-1", 2)
	b := idx.GetOrCreate("acme", "user-1", 2)
	if a != b {
		t.Fatalf("expected same stream instance")
	}
	if _, ok := idx.Lookup("acme", "user-1", 2); !ok {
		t.Fatalf("lookup should find created stream")
	}
	if _, ok := idx.Lookup("acme", "user-2", 2); ok {
		t.Fatalf("lookup should miss unknown stream")
	}
}

func TestTenantsDoNotCollide(t *testing.T) {
	idx := New(1)
	a := idx.GetOrCreate("acme", "user-1", 0)
	b := idx.GetOrCreate("globex", "user-1", 0)
	if a == b {
		t.Fatalf("streams of different tenants must be distinct")
	}
}

func TestPublishAndWatermark(t *testing.T) {
	idx := New(1)
	st := idx.GetOrCreate("acme", "user-1", 0)

	for v := uint64(1); v <= 5; v++ {
		st.Lock()
		st.Publish(v, wal.Ref{Segment: 1, Offset: int64(v * 100)})
		st.Unlock()
	}
	if st.Current() != 5 {
		t.Fatalf("current: got %d want 5", st.Current())
	}
	if got := len(st.TailRefs(0, 5)); got != 5 {
		t.Fatalf("tail refs: got %d want 5", got)
	}

	st.AdvanceWatermark(3)
	if st.Watermark() != 3 {
		t.Fatalf("watermark: got %d want 3", st.Watermark())
	}
	if got := st.TailRefs(st.Watermark(), st.Current()); len(got) != 2 || got[0].Version != 4 {
		t.Fatalf("tail after advance: %+v", got)
	}

	// Regressions are ignored, and the watermark never passes current.
	st.AdvanceWatermark(2)
	if st.Watermark() != 3 {
		t.Fatalf("watermark regressed to %d", st.Watermark())
	}
	st.AdvanceWatermark(99)
	if st.Watermark() != 5 {
		t.Fatalf("watermark exceeded current: %d", st.Watermark())
	}
}

func TestWatermarkNeverExceedsCurrent(t *testing.T) {
	idx := New(1)
	st := idx.GetOrCreate("acme", "user-1", 0)
	st.Lock()
	st.Publish(1, wal.Ref{})
	st.Unlock()
	st.AdvanceWatermark(1)
	if st.Watermark() > st.Current() {
		t.Fatalf("invariant violated: watermark %d > current %d", st.Watermark(), st.Current())
	}
}

func TestWaitWatermark(t *testing.T) {
	idx := New(1)
	st := idx.GetOrCreate("acme", "user-1", 0)
	st.Lock()
	st.Publish(1, wal.Ref{})
	st.Publish(2, wal.Ref{})
	st.Unlock()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- st.WaitWatermark(ctx, 2)
	}()
	time.Sleep(10 * time.Millisecond)
	st.AdvanceWatermark(2)
	if err := <-done; err != nil {
		t.Fatalf("wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := st.WaitWatermark(ctx, 3); err == nil {
		t.Fatalf("expected timeout waiting past current watermark")
	}
}

func TestConcurrentStreamCreation(t *testing.T) {
	idx := New(8)
	var wg sync.WaitGroup
	streams := make([]*Stream, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			streams[i] = idx.GetOrCreate("acme", fmt.Sprintf("e-%d", i%8), uint32(i%8))
		}(i)
	}
	wg.Wait()
	for i := 0; i < 64; i++ {
		if streams[i] != streams[i%8] {
			t.Fatalf("duplicate stream instance for entity e-%d", i%8)
		}
	}
}
