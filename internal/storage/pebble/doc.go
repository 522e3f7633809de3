// Package pebblestore wraps Pebble for Strom's sorted keyspaces.
//
// The write-ahead log for ingestion durability lives in internal/wal as raw
// segment files; this package backs everything downstream of it: the compacted
// columnar keyspace, the snapshot store, and tenant metadata. The wrapper
// pins a single fsync policy for all committed batches and exposes a small
// MetricsHook so the daemon can observe storage latencies without pulling in
// a metrics dependency.
package pebblestore
