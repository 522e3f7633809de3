// Package event defines the immutable event envelope shared by the WAL,
// the columnar store, the index, and the engine facade.
package event

// Event is a single committed fact in an entity's stream. Identity within a
// tenant is (EntityID, Version); ID is a globally unique handle for callers.
// Events are immutable once durably committed.
type Event struct {
	ID          string
	TenantID    string
	EntityID    string
	Type        string
	Payload     []byte
	Version     uint64
	Partition   uint32
	CommittedAt int64 // unix milliseconds at commit
}

// StreamKey returns the index key identifying the event's entity stream.
func StreamKey(tenantID, entityID string) string {
	return tenantID + "\x00" + entityID
}

// SplitStreamKey is the inverse of StreamKey.
func SplitStreamKey(key string) (tenantID, entityID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// ValidIdent reports whether s can serve as a tenant, entity, or type
// identifier. The storage key layouts reserve '/' as a segment separator,
// NUL as the stream-key separator, and 0xFF for scan upper bounds; an
// identifier carrying any of them would escape its keyspace prefix and read
// or write another tenant's data.
func ValidIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '/', 0x00, 0xFF:
			return false
		}
	}
	return true
}
