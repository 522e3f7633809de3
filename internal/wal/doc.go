// Package wal implements Strom's per-partition write-ahead log.
//
// # Overview
//
// Each partition owns a directory of append-only segment files. A record is
// framed as crc32c(4B BE over body) | length(4B BE) | body, with the body
// carrying the serialized event (tenant, entity, version, type, payload,
// commit timestamp, event id) in uvarint-framed fields. Sealed segments are
// immutable; only the newest segment accepts appends.
//
// # Durability
//
// Append returns once the record's covering fsync has been acknowledged, not
// when it is merely buffered. A background syncer groups fsyncs: in "always"
// mode it syncs as soon as acknowledgments are pending, which batches
// naturally under concurrency; in "interval" mode it additionally waits out a
// small window to widen each group. Any write or sync failure fails the
// partition permanently for this process: retrying after a failed fsync could
// assign a version whose durable record is unknowable.
//
// # Recovery
//
// Open scans every segment, verifies checksums, and truncates an incomplete
// trailing record in the newest segment (the only tolerated loss, a crash
// mid-write of an unacknowledged record). A checksum mismatch anywhere else
// quarantines the partition with ErrCorruption rather than silently skipping
// data. Replay re-reads the verified records so the caller can rebuild its
// index; the WAL itself is the sole durability source for stream metadata.
package wal
