package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Partitions != 16 {
		t.Fatalf("default partitions: got %d want 16", cfg.Partitions)
	}
	if cfg.WAL.SyncMode != SyncInterval {
		t.Fatalf("default sync mode: got %q", cfg.WAL.SyncMode)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strom.json")
	body := `{"partitions": 4, "wal": {"syncMode": "always", "syncIntervalMs": 2, "segmentMaxBytes": 1048576, "syncTimeoutMs": 5000}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Partitions != 4 {
		t.Fatalf("partitions: got %d want 4", cfg.Partitions)
	}
	if cfg.WAL.SyncMode != SyncAlways {
		t.Fatalf("sync mode: got %q want always", cfg.WAL.SyncMode)
	}
	// untouched sections keep defaults
	if cfg.Snapshot.EveryEvents != 100 {
		t.Fatalf("snapshot threshold: got %d want 100", cfg.Snapshot.EveryEvents)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strom.json")
	if err := os.WriteFile(path, []byte(`{"partitionz": 4}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown-key error")
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("STROM_PARTITIONS", "8")
	t.Setenv("STROM_WAL_SYNC_MODE", "never")
	t.Setenv("STROM_QUOTA_EVENTS_PER_SEC", "50")
	cfg := Default()
	FromEnv(&cfg)
	if cfg.Partitions != 8 {
		t.Fatalf("partitions: got %d want 8", cfg.Partitions)
	}
	if cfg.WAL.SyncMode != SyncNever {
		t.Fatalf("sync mode: got %q want never", cfg.WAL.SyncMode)
	}
	if cfg.Quota.EventsPerSec != 50 {
		t.Fatalf("events/sec: got %v want 50", cfg.Quota.EventsPerSec)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Partitions = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected partitions error")
	}
	cfg = Default()
	cfg.WAL.SyncMode = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected sync mode error")
	}
	cfg = Default()
	cfg.Publisher.Backpressure = "shrug"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected backpressure error")
	}
}
