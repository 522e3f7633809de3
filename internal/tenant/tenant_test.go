package tenant

import (
	"errors"
	"testing"

	"github.com/strom-io/strom/internal/config"
	pebblestore "github.com/strom-io/strom/internal/storage/pebble"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRegistry(db, config.Default().Quota)
}

func TestEnsureIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.Ensure("acme")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if a.EventsPerSec != config.Default().Quota.EventsPerSec {
		t.Fatalf("defaults not applied: %+v", a)
	}
	b, err := r.Ensure("acme")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if a.CreatedAtMs != b.CreatedAtMs {
		t.Fatalf("ensure must not rewrite existing meta")
	}
}

func TestEnsureRejectsReservedBytes(t *testing.T) {
	r := newTestRegistry(t)
	for _, name := range []string{"", "a/m", "a\x00b", "a\xffb"} {
		if _, err := r.Ensure(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Ensure(%q): expected ErrInvalidName, got %v", name, err)
		}
		if err := r.SetLimits(Meta{Name: name}); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("SetLimits(%q): expected ErrInvalidName, got %v", name, err)
		}
	}
	// Names that escaped their prefix must never reach the keyspace.
	names, err := r.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("invalid names leaked into the registry: %v", names)
	}
}

func TestGetUnknown(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("nobody"); !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("expected ErrUnknownTenant, got %v", err)
	}
}

func TestSetLimitsPreservesCreation(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.Ensure("acme")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	a.EventsPerSec = 5
	a.MaxStorageBytes = 1 << 30
	if err := r.SetLimits(a); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	got, err := r.Get("acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EventsPerSec != 5 || got.MaxStorageBytes != 1<<30 {
		t.Fatalf("limits not applied: %+v", got)
	}
	if got.CreatedAtMs != a.CreatedAtMs {
		t.Fatalf("creation time lost")
	}
}

func TestList(t *testing.T) {
	r := newTestRegistry(t)
	for _, n := range []string{"acme", "globex"} {
		if _, err := r.Ensure(n); err != nil {
			t.Fatalf("ensure %s: %v", n, err)
		}
	}
	names, err := r.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("list: got %v", names)
	}
}
