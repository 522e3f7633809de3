package columnar

import "encoding/binary"

// Keyspace helpers for the compacted column store.
//
// Layout (byte-wise, lexicographically sortable):
//   - col/{tenant}/e/{entity}/v/{ver_be8}   event record frame
//   - col/{tenant}/m/{entity}               compaction mark (max version, be8)
//   - col/{tenant}/t/{type}/{entity}/{ver_be8}  type index (empty value)
//   - col/{tenant}/u                        compacted payload bytes (be8)

var (
	sep       = byte('/')
	colPrefix = []byte("col/")
	entitySeg = []byte("/e/")
	verSeg    = []byte("/v/")
	markSeg   = []byte("/m/")
	typeSeg   = []byte("/t/")
	usageSeg  = []byte("/u")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyEvent builds the record key with a big-endian version for ordered scans.
func keyEvent(tenant, entity string, version uint64) []byte {
	k := make([]byte, 0, len(colPrefix)+len(tenant)+len(entity)+24)
	k = append(k, colPrefix...)
	k = append(k, tenant...)
	k = append(k, entitySeg...)
	k = append(k, entity...)
	k = append(k, verSeg...)
	return appendBE8(k, version)
}

// keyEventPrefix is the scan prefix for one entity's records.
func keyEventPrefix(tenant, entity string) []byte {
	k := make([]byte, 0, len(colPrefix)+len(tenant)+len(entity)+16)
	k = append(k, colPrefix...)
	k = append(k, tenant...)
	k = append(k, entitySeg...)
	k = append(k, entity...)
	k = append(k, verSeg...)
	return k
}

// keyMark builds the per-entity compaction mark key.
func keyMark(tenant, entity string) []byte {
	k := make([]byte, 0, len(colPrefix)+len(tenant)+len(entity)+12)
	k = append(k, colPrefix...)
	k = append(k, tenant...)
	k = append(k, markSeg...)
	k = append(k, entity...)
	return k
}

// keyMarkPrefix scans all compaction marks for a tenant.
func keyMarkPrefix(tenant string) []byte {
	k := make([]byte, 0, len(colPrefix)+len(tenant)+8)
	k = append(k, colPrefix...)
	k = append(k, tenant...)
	k = append(k, markSeg...)
	return k
}

// keyType builds the secondary type-index key.
func keyType(tenant, eventType, entity string, version uint64) []byte {
	k := make([]byte, 0, len(colPrefix)+len(tenant)+len(eventType)+len(entity)+24)
	k = append(k, colPrefix...)
	k = append(k, tenant...)
	k = append(k, typeSeg...)
	k = append(k, eventType...)
	k = append(k, sep)
	k = append(k, entity...)
	k = append(k, sep)
	return appendBE8(k, version)
}

// keyTypePrefix scans a tenant's records of one event type.
func keyTypePrefix(tenant, eventType string) []byte {
	k := make([]byte, 0, len(colPrefix)+len(tenant)+len(eventType)+12)
	k = append(k, colPrefix...)
	k = append(k, tenant...)
	k = append(k, typeSeg...)
	k = append(k, eventType...)
	k = append(k, sep)
	return k
}

// keyUsage builds the per-tenant compacted-bytes counter key.
func keyUsage(tenant string) []byte {
	k := make([]byte, 0, len(colPrefix)+len(tenant)+4)
	k = append(k, colPrefix...)
	k = append(k, tenant...)
	k = append(k, usageSeg...)
	return k
}

// upperBound returns the exclusive upper bound for a prefix scan: the prefix
// with its last byte incremented, carrying across 0xFF bytes. Nil means the
// scan is unbounded above (all-0xFF prefix).
func upperBound(prefix []byte) []byte {
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}
