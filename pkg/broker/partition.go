package broker

import "github.com/cespare/xxhash/v2"

// JournalPartition is the only partition journal topics use. A per-entity
// sequence is a total order, so every entry for an entity must land in a
// single physical ordering domain. Not configurable.
const JournalPartition int32 = 0

// PartitionFor maps an entity ID onto one of n partitions of a fan-out
// topic. The mapping is deterministic across processes and restarts, so all
// events of one entity stay on one partition and keep their relative order.
func PartitionFor(entityID string, partitions int32) int32 {
	if partitions <= 1 {
		return 0
	}
	return int32(xxhash.Sum64String(entityID) % uint64(partitions))
}
