package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// DataDir holds all persistent state: WAL segments, the columnar store,
	// and snapshots. Defaults to an OS-appropriate location.
	DataDir string `json:"dataDir"`

	// Partitions is the fixed partition count. Changing it on an existing
	// data directory is rejected at open time because routing would no longer
	// match the recorded partition assignments.
	Partitions uint32 `json:"partitions"`

	WAL       WALConfig       `json:"wal"`
	Compactor CompactorConfig `json:"compactor"`
	Snapshot  SnapshotConfig  `json:"snapshot"`
	Publisher PublisherConfig `json:"publisher"`
	Quota     QuotaDefaults   `json:"quotaDefaults"`

	// PayloadMaxBytes caps a single event payload.
	PayloadMaxBytes int `json:"payloadMaxBytes"`
}

// WALConfig controls the per-partition write-ahead log.
type WALConfig struct {
	// SyncMode is one of "always", "interval", "never".
	SyncMode string `json:"syncMode"`
	// SyncInterval is the group-commit window when SyncMode is "interval".
	SyncIntervalMs int `json:"syncIntervalMs"`
	// SegmentMaxBytes triggers rotation to a fresh segment file.
	SegmentMaxBytes int64 `json:"segmentMaxBytes"`
	// SyncTimeoutMs bounds how long an append waits for its covering fsync.
	SyncTimeoutMs int `json:"syncTimeoutMs"`
}

// CompactorConfig controls draining of WAL records into the columnar store.
type CompactorConfig struct {
	BatchMaxRecords int `json:"batchMaxRecords"`
	BatchMaxBytes   int `json:"batchMaxBytes"`
	FlushIntervalMs int `json:"flushIntervalMs"`
	QueueDepth      int `json:"queueDepth"`
}

// SnapshotConfig controls snapshot creation and retention.
type SnapshotConfig struct {
	// EveryEvents snapshots an entity once this many events accumulate past
	// the last snapshot. Zero disables automatic snapshotting.
	EveryEvents uint64 `json:"everyEvents"`
	// Keep is how many snapshots to retain per entity.
	Keep int `json:"keep"`
	// Verify enables the defensive replay self-check on each new snapshot.
	Verify bool `json:"verify"`
}

// PublisherConfig controls live subscriber fan-out.
type PublisherConfig struct {
	// BufferLen is the bounded queue length per subscriber.
	BufferLen int `json:"bufferLen"`
	// Backpressure is one of "drop-oldest", "block", "disconnect".
	Backpressure string `json:"backpressure"`
}

// QuotaDefaults are the baseline per-tenant limits applied when a tenant has
// no explicit overrides.
type QuotaDefaults struct {
	EventsPerSec    float64 `json:"eventsPerSec"`
	BurstEvents     float64 `json:"burstEvents"`
	BytesPerSec     float64 `json:"bytesPerSec"`
	BurstBytes      float64 `json:"burstBytes"`
	MaxStorageBytes int64   `json:"maxStorageBytes"`
	// MaxWaitMs bounds how long an admit may wait for refill before failing
	// with a retry-after hint. Zero fails fast.
	MaxWaitMs int `json:"maxWaitMs"`
}

// Sync mode names accepted by WALConfig.SyncMode.
const (
	SyncAlways   = "always"
	SyncInterval = "interval"
	SyncNever    = "never"
)

// Backpressure policy names accepted by PublisherConfig.Backpressure.
const (
	BackpressureDropOldest = "drop-oldest"
	BackpressureBlock      = "block"
	BackpressureDisconnect = "disconnect"
)

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:    DefaultDataDir(),
		Partitions: 16,
		WAL: WALConfig{
			SyncMode:        SyncInterval,
			SyncIntervalMs:  2,
			SegmentMaxBytes: 64 << 20,
			SyncTimeoutMs:   5000,
		},
		Compactor: CompactorConfig{
			BatchMaxRecords: 512,
			BatchMaxBytes:   4 << 20,
			FlushIntervalMs: 25,
			QueueDepth:      8192,
		},
		Snapshot: SnapshotConfig{
			EveryEvents: 100,
			Keep:        3,
		},
		Publisher: PublisherConfig{
			BufferLen:    1024,
			Backpressure: BackpressureDropOldest,
		},
		Quota: QuotaDefaults{
			EventsPerSec:    1000,
			BurstEvents:     2000,
			BytesPerSec:     8 << 20,
			BurstBytes:      16 << 20,
			MaxStorageBytes: 0, // unlimited
		},
		PayloadMaxBytes: 1 << 20,
	}
}

// Load reads configuration from a JSON file. If path is empty, returns
// defaults. Unknown keys are rejected so typos surface immediately.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if c.Partitions == 0 {
		return errors.New("config: partitions must be >= 1")
	}
	switch c.WAL.SyncMode {
	case SyncAlways, SyncInterval, SyncNever:
	default:
		return fmt.Errorf("config: unknown wal.syncMode %q", c.WAL.SyncMode)
	}
	switch c.Publisher.Backpressure {
	case BackpressureDropOldest, BackpressureBlock, BackpressureDisconnect:
	default:
		return fmt.Errorf("config: unknown publisher.backpressure %q", c.Publisher.Backpressure)
	}
	if c.WAL.SegmentMaxBytes < 1<<16 {
		return fmt.Errorf("config: wal.segmentMaxBytes %d below minimum %d", c.WAL.SegmentMaxBytes, 1<<16)
	}
	if c.PayloadMaxBytes <= 0 {
		return errors.New("config: payloadMaxBytes must be positive")
	}
	return nil
}

// SyncInterval returns the group-commit window as a duration.
func (w WALConfig) SyncInterval() time.Duration {
	return time.Duration(w.SyncIntervalMs) * time.Millisecond
}

// SyncTimeout returns the append durability wait bound as a duration.
func (w WALConfig) SyncTimeout() time.Duration {
	return time.Duration(w.SyncTimeoutMs) * time.Millisecond
}

// FlushInterval returns the compactor flush window as a duration.
func (c CompactorConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// MaxWait returns the admit wait bound as a duration.
func (q QuotaDefaults) MaxWait() time.Duration {
	return time.Duration(q.MaxWaitMs) * time.Millisecond
}
