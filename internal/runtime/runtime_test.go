package runtime

import (
	"context"
	"testing"

	cfgpkg "github.com/strom-io/strom/internal/config"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Partitions = 2
	cfg.WAL.SyncMode = cfgpkg.SyncNever
	return Options{Config: cfg}
}

func TestOpenAndHealth(t *testing.T) {
	rt, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	meta, err := rt.EnsureTenant("acme")
	if err != nil || meta.Name != "acme" {
		t.Fatalf("ensure tenant: %+v, %v", meta, err)
	}
}

func TestCheckHealthHonorsContext(t *testing.T) {
	rt, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rt.CheckHealth(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
