// Package router maps entity streams onto fixed partitions.
package router

import "hash/crc32"

// Route returns the partition owning entityID. The mapping is a pure function
// of the entity ID and the partition count: it must not consult wall-clock or
// process state, so recovery and any future multi-node layout observe the
// exact same assignment.
func Route(entityID string, partitions uint32) uint32 {
	if partitions <= 1 {
		return 0
	}
	return crc32.ChecksumIEEE([]byte(entityID)) % partitions
}
