package config

import (
	"os"
	"strconv"
)

// FromEnv overlays STROM_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("STROM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STROM_PARTITIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			cfg.Partitions = uint32(n)
		}
	}
	if v := os.Getenv("STROM_WAL_SYNC_MODE"); v != "" {
		cfg.WAL.SyncMode = v
	}
	if v := os.Getenv("STROM_WAL_SYNC_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.WAL.SyncIntervalMs = n
		}
	}
	if v := os.Getenv("STROM_WAL_SEGMENT_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.WAL.SegmentMaxBytes = n
		}
	}
	if v := os.Getenv("STROM_SNAPSHOT_EVERY_EVENTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Snapshot.EveryEvents = n
		}
	}
	if v := os.Getenv("STROM_SNAPSHOT_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Snapshot.Verify = b
		}
	}
	if v := os.Getenv("STROM_PUBLISHER_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Publisher.BufferLen = n
		}
	}
	if v := os.Getenv("STROM_PUBLISHER_BACKPRESSURE"); v != "" {
		cfg.Publisher.Backpressure = v
	}
	if v := os.Getenv("STROM_QUOTA_EVENTS_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Quota.EventsPerSec = f
		}
	}
	if v := os.Getenv("STROM_QUOTA_BYTES_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Quota.BytesPerSec = f
		}
	}
	if v := os.Getenv("STROM_QUOTA_MAX_STORAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Quota.MaxStorageBytes = n
		}
	}
	if v := os.Getenv("STROM_PAYLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PayloadMaxBytes = n
		}
	}
}
