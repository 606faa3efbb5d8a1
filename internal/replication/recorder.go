// Package replication ships serialized partitions to the server backing a
// shard up. Kafka is the production transport; Recorder keeps shipments in
// memory for single-process deployments and tests.
package replication

import (
	"context"
	"sync"

	"github.com/dreamware/shardwatch/internal/cluster"
)

// Shipment is one replicated partition.
type Shipment struct {
	Shard   cluster.ShardID  `json:"shard"`
	Target  cluster.ServerID `json:"target"`
	Payload []byte           `json:"payload"`
}

// Recorder is an in-memory replicator. It keeps the latest shipment per
// shard and the number of shipments sent.
type Recorder struct {
	mu     sync.RWMutex
	latest map[cluster.ShardID]Shipment
	count  int
	err    error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{latest: make(map[cluster.ShardID]Shipment)}
}

// FailWith makes every subsequent Replicate return err; nil restores success.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Replicate(ctx context.Context, shard cluster.ShardID, target cluster.ServerID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.latest[shard] = Shipment{Shard: shard, Target: target, Payload: append([]byte(nil), payload...)}
	r.count++
	return nil
}

// Latest returns the last shipment recorded for shard.
func (r *Recorder) Latest(shard cluster.ShardID) (Shipment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[shard]
	return s, ok
}

// Count returns how many shipments were recorded.
func (r *Recorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
