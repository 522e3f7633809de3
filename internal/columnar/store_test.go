package columnar

import (
	"bytes"
	"context"
	"testing"

	"github.com/strom-io/strom/internal/event"
	pebblestore "github.com/strom-io/strom/internal/storage/pebble"
	"github.com/strom-io/strom/internal/wal"
)

func TestUpperBoundCarriesPastFF(t *testing.T) {
	cases := []struct{ in, want []byte }{
		{[]byte("col/acme/m/"), []byte("col/acme/m0")},
		{[]byte{'a', 0xFF}, []byte{'b'}},
		{[]byte{0xFF, 0xFF}, nil},
	}
	for _, c := range cases {
		if got := upperBound(c.in); !bytes.Equal(got, c.want) {
			t.Fatalf("upperBound(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func testEvent(entity, typ string, version uint64) event.Event {
	return event.Event{
		ID:          "ev-" + entity,
		TenantID:    "acme",
		EntityID:    entity,
		Type:        typ,
		Payload:     []byte("payload"),
		Version:     version,
		CommittedAt: 1700000000000,
	}
}

func writeTestBatch(t *testing.T, s *Store, evs ...event.Event) {
	t.Helper()
	tasks := make([]Task, 0, len(evs))
	marks := map[streamID]uint64{}
	for i, ev := range evs {
		tasks = append(tasks, Task{Ev: ev, Ref: wal.Ref{Segment: 1, Offset: int64(i)}})
		id := streamID{tenant: ev.TenantID, entity: ev.EntityID}
		if ev.Version > marks[id] {
			marks[id] = ev.Version
		}
	}
	if err := s.writeBatch(context.Background(), tasks, marks); err != nil {
		t.Fatalf("write batch: %v", err)
	}
}

func TestReadRangeOrdered(t *testing.T) {
	s := newTestStore(t)
	writeTestBatch(t, s,
		testEvent("order-1", "created", 1),
		testEvent("order-1", "updated", 2),
		testEvent("order-1", "updated", 3),
		testEvent("order-2", "created", 1),
	)

	got, err := s.ReadRange("acme", "order-1", 0, 3)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Version != uint64(i+1) {
			t.Fatalf("version out of order at %d: %d", i, ev.Version)
		}
		if ev.EntityID != "order-1" {
			t.Fatalf("foreign entity in range: %q", ev.EntityID)
		}
	}

	// Bounds are inclusive on both ends.
	got, err = s.ReadRange("acme", "order-1", 2, 2)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 1 || got[0].Version != 2 {
		t.Fatalf("expected exactly version 2, got %+v", got)
	}
}

func TestReadRangeEmptyEntity(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadRange("acme", "nothing", 0, 100)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}

func TestMarkAdvances(t *testing.T) {
	s := newTestStore(t)
	if m, err := s.Mark("acme", "order-1"); err != nil || m != 0 {
		t.Fatalf("fresh mark: %d, %v", m, err)
	}
	writeTestBatch(t, s, testEvent("order-1", "created", 1), testEvent("order-1", "updated", 2))
	if m, err := s.Mark("acme", "order-1"); err != nil || m != 2 {
		t.Fatalf("mark after batch: %d, %v", m, err)
	}
	writeTestBatch(t, s, testEvent("order-1", "updated", 3))
	if m, err := s.Mark("acme", "order-1"); err != nil || m != 3 {
		t.Fatalf("mark after second batch: %d, %v", m, err)
	}
}

func TestMarksIteration(t *testing.T) {
	s := newTestStore(t)
	writeTestBatch(t, s,
		testEvent("a", "created", 4),
		testEvent("b", "created", 7),
	)
	got := map[string]uint64{}
	err := s.Marks("acme", func(entity string, mark uint64) error {
		got[entity] = mark
		return nil
	})
	if err != nil {
		t.Fatalf("marks: %v", err)
	}
	if got["a"] != 4 || got["b"] != 7 || len(got) != 2 {
		t.Fatalf("unexpected marks: %v", got)
	}
}

func TestScanType(t *testing.T) {
	s := newTestStore(t)
	writeTestBatch(t, s,
		testEvent("order-1", "created", 1),
		testEvent("order-1", "shipped", 2),
		testEvent("order-2", "created", 1),
		testEvent("order-3", "shipped", 1),
	)

	got, err := s.ScanType("acme", "shipped", 0)
	if err != nil {
		t.Fatalf("scan type: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 shipped events, got %d", len(got))
	}
	for _, ev := range got {
		if ev.Type != "shipped" {
			t.Fatalf("wrong type in scan: %q", ev.Type)
		}
	}

	got, err = s.ScanType("acme", "shipped", 1)
	if err != nil {
		t.Fatalf("scan type with limit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("limit not honored: %d", len(got))
	}
}

func TestTenantsIsolated(t *testing.T) {
	s := newTestStore(t)
	ev := testEvent("order-1", "created", 1)
	writeTestBatch(t, s, ev)
	other := ev
	other.TenantID = "bcorp"
	other.Payload = []byte("other")
	writeTestBatch(t, s, other)

	got, err := s.ReadRange("acme", "order-1", 0, 1)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 1 || string(got[0].Payload) != "payload" {
		t.Fatalf("tenant bleed: %+v", got)
	}
}
