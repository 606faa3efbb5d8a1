package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardwatch/internal/cluster"
)

var (
	// ErrUnknownCollection is returned when a collection was never added.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrUnknownShard is returned for shards outside every known collection.
	ErrUnknownShard = errors.New("unknown shard")
)

// Resolver expands a collection into its shards.
type Resolver interface {
	ShardsOf(ctx context.Context, cid cluster.CollectionID) ([]cluster.ShardID, error)
}

// Compile-time check to verify that Registry implements Resolver.
var _ Resolver = new(Registry)

// ShardAssignment records where one shard lives: a single primary and an
// ordered list of replicas. The first replica is the shard's secondary, the
// preferred target for replicated partition state and for failover.
//
// Thread Safety:
// ShardAssignment values are immutable once stored. The registry hands out
// copies to prevent external modification.
type ShardAssignment struct {
	// Collection owning the shard.
	Collection cluster.CollectionID

	// Shard is the unique identifier for this shard.
	Shard cluster.ShardID

	// Primary serves writes and is the value watched by the recovery manager.
	Primary cluster.ServerID

	// Replicas follow the primary, in failover preference order.
	Replicas []cluster.ServerID
}

// Servers returns the primary followed by its replicas, the layout stored in
// the agency.
func (a *ShardAssignment) Servers() []cluster.ServerID {
	out := make([]cluster.ServerID, 0, 1+len(a.Replicas))
	out = append(out, a.Primary)
	return append(out, a.Replicas...)
}

// Secondary returns the first replica, if any.
func (a *ShardAssignment) Secondary() (cluster.ServerID, bool) {
	if len(a.Replicas) == 0 {
		return "", false
	}
	return a.Replicas[0], true
}

func (a *ShardAssignment) clone() *ShardAssignment {
	c := *a
	c.Replicas = append([]cluster.ServerID(nil), a.Replicas...)
	return &c
}

// Registry is the authoritative plan: collection → shards and
// shard → assignment.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│               Registry                   │
//	├──────────────────────────────────────────┤
//	│  collections: cid → [shard...]           │
//	│  owner:       shard → cid                │
//	│  assignments: shard → primary, replicas  │
//	├──────────────────────────────────────────┤
//	│  "vertices" → [s1, s2]                   │
//	│  s1 → PRMR-1 (PRMR-2, PRMR-3)            │
//	└──────────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
type Registry struct {
	// collections maps a collection to its shards, in declaration order.
	collections map[cluster.CollectionID][]cluster.ShardID

	// owner maps each shard back to its collection.
	owner map[cluster.ShardID]cluster.CollectionID

	// assignments maps shards to their current placement.
	// A shard may be unassigned (not in map) during transitions.
	assignments map[cluster.ShardID]*ShardAssignment

	// mu protects all three maps.
	mu sync.RWMutex
}

// NewRegistry creates an empty plan with no collections and no
// assignments.
//
// A new registry resolves nothing: every collection a job may name must be
// declared with AddCollection before MonitorCollections is called for it,
// otherwise ShardsOf fails with ErrUnknownCollection. Shards become
// assigned through AssignShard, Rebalance or, after a failure, Promote.
//
// Returns:
//   - Initialized Registry ready for AddCollection
//
// Example:
//
//	registry := topology.NewRegistry()
//	_ = registry.AddCollection("vertices", "s1", "s2")
//	_, _ = registry.AssignShard("s1", "PRMR-1", "PRMR-2")
func NewRegistry() *Registry {
	return &Registry{
		collections: make(map[cluster.CollectionID][]cluster.ShardID),
		owner:       make(map[cluster.ShardID]cluster.CollectionID),
		assignments: make(map[cluster.ShardID]*ShardAssignment),
	}
}

// AddCollection declares a collection and its shards. Re-adding a
// collection replaces its shard list; a shard may belong to one collection
// only.
//
// Parameters:
//   - cid: Collection identifier (must not be empty)
//   - shards: At least one shard identifier
//
// Returns:
//   - nil on success
//   - Error if inputs are empty or a shard is owned by another collection
//
// Example:
//
//	err := registry.AddCollection("vertices", "s1", "s2")
func (r *Registry) AddCollection(cid cluster.CollectionID, shards ...cluster.ShardID) error {
	if cid == "" {
		return errors.New("collection ID cannot be empty")
	}
	if len(shards) == 0 {
		return fmt.Errorf("collection %s needs at least one shard", cid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range shards {
		if s == "" {
			return errors.New("shard ID cannot be empty")
		}
		if owner, ok := r.owner[s]; ok && owner != cid {
			return fmt.Errorf("shard %s already belongs to collection %s", s, owner)
		}
	}

	for _, s := range r.collections[cid] {
		if !slices.Contains(shards, s) {
			delete(r.owner, s)
			delete(r.assignments, s)
		}
	}
	r.collections[cid] = append([]cluster.ShardID(nil), shards...)
	for _, s := range shards {
		r.owner[s] = cid
	}
	return nil
}

// ShardsOf returns the shards of cid in declaration order.
func (r *Registry) ShardsOf(_ context.Context, cid cluster.CollectionID) ([]cluster.ShardID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards, ok := r.collections[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, cid)
	}
	return append([]cluster.ShardID(nil), shards...), nil
}

// CollectionOf returns the collection owning shard.
func (r *Registry) CollectionOf(shard cluster.ShardID) (cluster.CollectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.owner[shard]
	return cid, ok
}

// Collections lists known collections, sorted.
func (r *Registry) Collections() []cluster.CollectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]cluster.CollectionID, 0, len(r.collections))
	for cid := range r.collections {
		out = append(out, cid)
	}
	slices.Sort(out)
	return out
}

// AssignShard places shard on primary with the given replicas, replacing
// any previous assignment. The primary is dropped from replicas if listed.
//
// Parameters:
//   - shard: A shard of a known collection
//   - primary: Server that leads the shard (must not be empty)
//   - replicas: Followers in failover preference order
//
// Returns:
//   - The stored assignment (a copy)
//   - ErrUnknownShard if the shard belongs to no collection
//
// Example:
//
//	a, err := registry.AssignShard("s1", "PRMR-1", "PRMR-2")
func (r *Registry) AssignShard(shard cluster.ShardID, primary cluster.ServerID, replicas ...cluster.ServerID) (*ShardAssignment, error) {
	if primary == "" {
		return nil, errors.New("primary server cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cid, ok := r.owner[shard]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShard, shard)
	}

	followers := make([]cluster.ServerID, 0, len(replicas))
	for _, s := range replicas {
		if s != "" && s != primary && !slices.Contains(followers, s) {
			followers = append(followers, s)
		}
	}

	a := &ShardAssignment{Collection: cid, Shard: shard, Primary: primary, Replicas: followers}
	r.assignments[shard] = a
	return a.clone(), nil
}

// RemoveShard unassigns shard. Removing an unassigned shard is not an error.
func (r *Registry) RemoveShard(shard cluster.ShardID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owner[shard]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownShard, shard)
	}
	delete(r.assignments, shard)
	return nil
}

// GetAssignment returns a copy of the assignment of shard, or nil.
func (r *Registry) GetAssignment(shard cluster.ShardID) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assignments[shard]
	if !ok {
		return nil
	}
	return a.clone()
}

// GetAllAssignments returns copies of every assignment, sorted by shard.
func (r *Registry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards := make([]cluster.ShardID, 0, len(r.assignments))
	for s := range r.assignments {
		shards = append(shards, s)
	}
	slices.Sort(shards)

	out := make([]*ShardAssignment, 0, len(shards))
	for _, s := range shards {
		out = append(out, r.assignments[s].clone())
	}
	return out
}

// NodeShards returns the shards server leads, sorted.
func (r *Registry) NodeShards(server cluster.ServerID) []cluster.ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []cluster.ShardID
	for s, a := range r.assignments {
		if a.Primary == server {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// SecondariesFor returns, for every shard server leads, the replica its
// partition should be copied to. Shards without replicas are omitted.
func (r *Registry) SecondariesFor(server cluster.ServerID) map[cluster.ShardID]cluster.ServerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[cluster.ShardID]cluster.ServerID)
	for s, a := range r.assignments {
		if a.Primary != server {
			continue
		}
		if secondary, ok := a.Secondary(); ok {
			out[s] = secondary
		}
	}
	return out
}

// Promote fails shard over to server, which must currently be one of its
// replicas. The old primary becomes the last replica.
//
// Example:
//
//	// s1: PRMR-1 (PRMR-2) → PRMR-2 (PRMR-1)
//	a, err := registry.Promote("s1", "PRMR-2")
func (r *Registry) Promote(shard cluster.ShardID, server cluster.ServerID) (*ShardAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assignments[shard]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not assigned", ErrUnknownShard, shard)
	}
	if a.Primary == server {
		return a.clone(), nil
	}
	idx := slices.Index(a.Replicas, server)
	if idx < 0 {
		return nil, fmt.Errorf("server %s is not a replica of shard %s", server, shard)
	}

	replicas := make([]cluster.ServerID, 0, len(a.Replicas))
	replicas = append(replicas, a.Replicas[:idx]...)
	replicas = append(replicas, a.Replicas[idx+1:]...)
	replicas = append(replicas, a.Primary)

	promoted := &ShardAssignment{Collection: a.Collection, Shard: shard, Primary: server, Replicas: replicas}
	r.assignments[shard] = promoted
	return promoted.clone(), nil
}

// Rebalance redistributes every known shard across servers round-robin,
// giving each shard the next server in the list as its single replica.
//
// Rebalancing algorithm:
//  1. Sort all shards of all collections
//  2. Shard i gets primary servers[i % n]
//  3. With more than one server, replica servers[(i+1) % n]
//
// Returns the new assignments, sorted by shard.
func (r *Registry) Rebalance(servers []cluster.ServerID) ([]*ShardAssignment, error) {
	if len(servers) == 0 {
		return nil, errors.New("cannot rebalance with no servers")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	shards := make([]cluster.ShardID, 0, len(r.owner))
	for s := range r.owner {
		shards = append(shards, s)
	}
	slices.Sort(shards)

	out := make([]*ShardAssignment, 0, len(shards))
	for i, s := range shards {
		a := &ShardAssignment{Collection: r.owner[s], Shard: s, Primary: servers[i%len(servers)]}
		if len(servers) > 1 {
			a.Replicas = []cluster.ServerID{servers[(i+1)%len(servers)]}
		}
		r.assignments[s] = a
		out = append(out, a.clone())
	}
	return out, nil
}
