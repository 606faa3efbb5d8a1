package partition

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardwatch/internal/cluster"
)

// Host is the set of partitions a worker holds, keyed by shard.
type Host struct {
	mu     sync.RWMutex
	stores map[cluster.ShardID]*Store
}

// NewHost creates a host with no partitions
func NewHost() *Host {
	return &Host{stores: make(map[cluster.ShardID]*Store)}
}

// Open returns the partition of shard, creating it on first use
func (h *Host) Open(shard cluster.ShardID) *Store {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.stores[shard]
	if !ok {
		s = NewStore(shard)
		h.stores[shard] = s
	}
	return s
}

// Install hosts store, replacing any partition of the same shard
func (h *Host) Install(store *Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stores[store.Shard()] = store
}

// Get returns the partition of shard, if hosted
func (h *Host) Get(shard cluster.ShardID) (*Store, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.stores[shard]
	return s, ok
}

// Drop forgets the partition of shard
func (h *Host) Drop(shard cluster.ShardID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.stores, shard)
}

// Shards returns the hosted shards, sorted
func (h *Host) Shards() []cluster.ShardID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]cluster.ShardID, 0, len(h.stores))
	for s := range h.stores {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
