// Package topology resolves collections into shards and keeps the plan of
// which server leads each shard and which servers follow it.
//
// # Overview
//
// A graph computation names collections; leadership is tracked per shard.
// The registry bridges the two. It is the coordinator's authoritative view
// of placement and the single source the plan publisher copies into the
// agency, where the recovery manager watches it.
//
//	┌──────────────┐ ShardsOf ┌─────────────────┐ Publish ┌────────────┐
//	│ recovery     │─────────▶│    Registry     │────────▶│   agency   │
//	│ Manager      │          │ cid → shards    │         │ primary    │
//	└──────────────┘          │ shard → servers │         │ records    │
//	                          └─────────────────┘         └────────────┘
//
// # Data Model
//
// Collections are declared once with their shards. A shard belongs to
// exactly one collection for the lifetime of the registry:
//
//	"vertices" → [s1, s2]
//	"edges"    → [s3]
//
// Each assigned shard has one primary and an ordered list of replicas:
//
//	s1 → PRMR-1 (PRMR-2, PRMR-3)
//	      ↑        ↑
//	      primary  secondary (first replica)
//
// The first replica is the secondary. Workers ship their partitions to it
// and failover promotes it first when it is healthy. The agency stores the
// same list leader first, so Servers() is exactly the value written to a
// shard's primary record.
//
// # Assignment Lifecycle
//
//	UNASSIGNED ──AssignShard/Rebalance──▶ ASSIGNED ──Promote──▶ ASSIGNED
//	     ▲                                    │                (new leader)
//	     └────────────RemoveShard─────────────┘
//
// Promote only moves leadership to an existing replica. The old primary is
// kept as the last replica so it can catch up and serve again once it is
// healthy.
//
// # Rebalancing
//
// Rebalance discards every assignment and spreads all shards of all
// collections over the given servers:
//
//  1. Shards are sorted by identifier
//  2. Shard i is led by servers[i % n]
//  3. With more than one server, servers[(i+1) % n] is its only replica
//
// Example with servers [PRMR-1, PRMR-2]:
//
//	s1 → PRMR-1 (PRMR-2)
//	s2 → PRMR-2 (PRMR-1)
//	s3 → PRMR-1 (PRMR-2)
//
// Rebalancing moves leaders, so every running job watching a moved shard is
// notified once the result is published.
//
// # Concurrency and Synchronization
//
// Lock Granularity:
//   - One RWMutex guards collections, owners and assignments
//   - Reads (ShardsOf, GetAssignment, SecondariesFor) share the lock
//   - Writes (AssignShard, Promote, Rebalance) hold it exclusively
//
// Copy Semantics:
//   - Every ShardAssignment handed out is a copy
//   - Slices returned by ShardsOf and NodeShards are fresh
//   - Callers may modify results without affecting the registry
//
// # Error Handling
//
//   - ErrUnknownCollection: ShardsOf for a collection never added
//   - ErrUnknownShard: assignment calls for a shard outside every collection
//   - Plain errors for empty identifiers, a shard claimed by two
//     collections, promoting a server that is not a replica, or
//     rebalancing over no servers
//
// # Usage Example
//
//	registry := topology.NewRegistry()
//	if err := registry.AddCollection("vertices", "s1", "s2"); err != nil {
//	    return err
//	}
//	if _, err := registry.Rebalance([]cluster.ServerID{"PRMR-1", "PRMR-2"}); err != nil {
//	    return err
//	}
//
//	// PRMR-1 died: move its shards to their secondaries.
//	for _, shard := range registry.NodeShards("PRMR-1") {
//	    a := registry.GetAssignment(shard)
//	    if secondary, ok := a.Secondary(); ok {
//	        _, _ = registry.Promote(shard, secondary)
//	    }
//	}
//
// # See Also
//
// Related packages:
//   - internal/recovery: watches the records this plan is published to
//   - internal/coordinator: publishes the plan and drives failover
//   - cmd/coordinator: HTTP surface for assignment and rebalancing
package topology
