package partition

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardwatch/internal/cluster"
)

// ErrVertexNotFound is returned when a vertex doesn't exist in the partition
var ErrVertexNotFound = errors.New("vertex not found")

// State represents the current state of a partition
type State string

const (
	// StateActive means the partition is serving the computation
	StateActive State = "active"
	// StateRecovering means the partition is being rebuilt from a replica
	StateRecovering State = "recovering"
	// StateDropped means the worker gave the partition up
	StateDropped State = "dropped"
)

// Store holds the vertex values of one shard in memory.
// All methods are safe for concurrent use.
type Store struct {
	shard cluster.ShardID

	mu       sync.RWMutex      // Protects vertices and state
	vertices map[string][]byte // vertex id -> value
	state    State

	ops OperationStats // Updated atomically
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 // Number of get operations
	Puts    uint64 // Number of put operations
	Deletes uint64 // Number of delete operations
}

// Stats combines operation counts with storage size
type Stats struct {
	Shard    cluster.ShardID `json:"shard"`
	State    State           `json:"state"`
	Vertices int             `json:"vertices"`
	Bytes    int             `json:"bytes"`
	Gets     uint64          `json:"gets"`
	Puts     uint64          `json:"puts"`
	Deletes  uint64          `json:"deletes"`
}

// Snapshot is the serialized form of a partition.
type Snapshot struct {
	Shard    cluster.ShardID   `json:"shard"`
	Vertices map[string][]byte `json:"vertices"`
}

// NewStore creates an empty, active partition for shard
func NewStore(shard cluster.ShardID) *Store {
	return &Store{
		shard:    shard,
		vertices: make(map[string][]byte),
		state:    StateActive,
	}
}

// Shard returns the shard this partition belongs to
func (s *Store) Shard() cluster.ShardID { return s.shard }

// Get retrieves a vertex value
// Returns a copy of the value to prevent external modification
func (s *Store) Get(id string) ([]byte, error) {
	atomic.AddUint64(&s.ops.Gets, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.vertices[id]
	if !ok {
		return nil, ErrVertexNotFound
	}
	return clone(value), nil
}

// Put stores a vertex value, overwriting any existing one
func (s *Store) Put(id string, value []byte) error {
	if id == "" {
		return errors.New("vertex id cannot be empty")
	}
	atomic.AddUint64(&s.ops.Puts, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.vertices[id] = clone(value)
	return nil
}

// Delete removes a vertex
// No error if the vertex doesn't exist (idempotent)
func (s *Store) Delete(id string) error {
	atomic.AddUint64(&s.ops.Deletes, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vertices, id)
	return nil
}

// List returns all vertex ids, sorted
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.vertices))
	for id := range s.vertices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// State returns the current partition state
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the partition state
func (s *Store) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Stats returns current partition statistics
func (s *Store) Stats() Stats {
	s.mu.RLock()
	bytes := 0
	for _, v := range s.vertices {
		bytes += len(v)
	}
	st := Stats{Shard: s.shard, State: s.state, Vertices: len(s.vertices), Bytes: bytes}
	s.mu.RUnlock()

	st.Gets = atomic.LoadUint64(&s.ops.Gets)
	st.Puts = atomic.LoadUint64(&s.ops.Puts)
	st.Deletes = atomic.LoadUint64(&s.ops.Deletes)
	return st
}

// Serialize encodes a consistent snapshot of the partition as JSON.
// Vertex ids are emitted in sorted order, so equal partitions serialize to
// equal bytes.
func (s *Store) Serialize() ([]byte, error) {
	s.mu.RLock()
	snap := Snapshot{Shard: s.shard, Vertices: make(map[string][]byte, len(s.vertices))}
	for id, v := range s.vertices {
		snap.Vertices[id] = v
	}
	data, err := json.Marshal(snap)
	s.mu.RUnlock()

	if err != nil {
		return nil, fmt.Errorf("serializing partition %s: %w", s.shard, err)
	}
	return data, nil
}

// Restore replaces the partition contents with a serialized snapshot of the
// same shard. The partition is marked active afterwards.
func (s *Store) Restore(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding partition snapshot: %w", err)
	}
	if snap.Shard != s.shard {
		return fmt.Errorf("snapshot of shard %s cannot restore partition %s", snap.Shard, s.shard)
	}

	vertices := make(map[string][]byte, len(snap.Vertices))
	for id, v := range snap.Vertices {
		vertices[id] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.vertices = vertices
	s.state = StateActive
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
