// Package partition holds the in-memory graph partitions a worker computes
// on, one per shard, and turns them into snapshots for replication.
//
// # Overview
//
// A partition is the vertex state of one shard. Workers keep their
// partitions in a Host. When the recovery worker knows a shard's secondary,
// the partition is serialized and shipped there, so a failover can resume
// from the copy instead of recomputing.
//
//	┌─────────────────────────────────────┐
//	│               HOST                  │
//	├─────────────────────────────────────┤
//	│  s1 ─▶ Store{vertices, state, ops}  │
//	│  s2 ─▶ Store{vertices, state, ops}  │
//	└─────────────────┬───────────────────┘
//	                  │ Serialize
//	                  ▼
//	     {"shard":"s1","vertices":{...}}
//
// # Snapshot Format
//
// Snapshots are JSON objects with the shard id and a map of vertex id to
// base64 encoded value. Map keys are emitted sorted, so two partitions with
// equal contents produce identical bytes. Restore only accepts snapshots of
// its own shard.
//
// # Thread Safety
//
// Store and Host guard their maps with a sync.RWMutex. Operation counters
// are updated atomically and can be read without blocking writers.
package partition
