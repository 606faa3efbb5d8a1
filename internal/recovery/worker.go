package recovery

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/logger"
)

// GraphStore is the in-memory partition of one shard held by a worker.
type GraphStore interface {
	Shard() cluster.ShardID
	Serialize() ([]byte, error)
}

// Replicator ships a serialized partition to the server that backs it up.
type Replicator interface {
	Replicate(ctx context.Context, shard cluster.ShardID, target cluster.ServerID, payload []byte) error
}

// PlanSource returns, for every shard led by this worker, its secondary.
type PlanSource interface {
	Secondaries(ctx context.Context) (map[cluster.ShardID]cluster.ServerID, error)
}

// Worker caches the secondary of each locally hosted shard. Entries are
// hints: they may be stale after a topology change until ReloadPlanData.
type Worker struct {
	mu          sync.RWMutex
	secondaries map[cluster.ShardID]cluster.ServerID

	replicator Replicator
	logger     *logger.Logger
	tracer     trace.Tracer
	metrics    *recoveryMetrics
}

// NewWorker creates a Worker with an empty cache.
//
// Until the cache is filled by Refresh or UpdateSecondaries,
// ReplicateGraphData ships nothing and reports success: a shard without a
// known secondary has nowhere to go.
//
// Parameters:
//   - r: Transport that ships serialized partitions
//   - log: Logger; a component attribute is added
//   - tracer: Tracer for replication spans
//   - mp: Meter provider for the replication counter
//
// Returns:
//   - Initialized Worker
//   - Error if the metric instruments cannot be created
//
// Example:
//
//	w, err := recovery.NewWorker(replicator, log, tracer, meterProvider)
//	if err != nil {
//	    return err
//	}
//	if err := w.Refresh(ctx, planSource); err != nil {
//	    log.Warn(ctx, "plan not loaded", "error", err)
//	}
func NewWorker(r Replicator, log *logger.Logger, tracer trace.Tracer, mp metric.MeterProvider) (*Worker, error) {
	metrics, err := newRecoveryMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating recovery metrics: %w", err)
	}
	return &Worker{
		secondaries: make(map[cluster.ShardID]cluster.ServerID),
		replicator:  r,
		logger:      log.With("component", "recovery_worker"),
		tracer:      tracer,
		metrics:     metrics,
	}, nil
}

// SecondaryForShard returns the cached secondary of shard. false means the
// target is not known yet, which is not an error.
func (w *Worker) SecondaryForShard(shard cluster.ShardID) (cluster.ServerID, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.secondaries[shard]
	return s, ok
}

// ReplicateGraphData hands the serialized store to the replicator, targeting
// the shard's secondary. Without a known secondary it does nothing.
func (w *Worker) ReplicateGraphData(ctx context.Context, store GraphStore) error {
	shard := store.Shard()
	ctx, span := w.tracer.Start(ctx, "recovery.replicate_graph_data",
		trace.WithAttributes(attribute.String("shard", string(shard))))
	defer span.End()

	target, ok := w.SecondaryForShard(shard)
	if !ok {
		w.logger.Debug(ctx, "no secondary known, skipping replication", "shard", shard)
		return nil
	}
	span.SetAttributes(attribute.String("target", string(target)))

	payload, err := store.Serialize()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize partition")
		return fmt.Errorf("serializing partition of shard %s: %w", shard, err)
	}

	if err := w.replicator.Replicate(ctx, shard, target, payload); err != nil {
		w.metrics.replicated(ctx, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to replicate partition")
		return fmt.Errorf("replicating shard %s to %s: %w", shard, target, err)
	}
	w.metrics.replicated(ctx, true)

	w.logger.Debug(ctx, "partition replicated", "shard", shard, "target", target, "bytes", len(payload))
	return nil
}

// ReloadPlanData forgets every cached secondary.
func (w *Worker) ReloadPlanData() {
	w.mu.Lock()
	n := len(w.secondaries)
	w.secondaries = make(map[cluster.ShardID]cluster.ServerID)
	w.mu.Unlock()

	w.logger.Info(context.Background(), "plan data invalidated", "dropped", n)
}

// UpdateSecondaries merges fresh plan entries into the cache.
func (w *Worker) UpdateSecondaries(secondaries map[cluster.ShardID]cluster.ServerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for shard, server := range secondaries {
		if server == "" {
			delete(w.secondaries, shard)
			continue
		}
		w.secondaries[shard] = server
	}
}

// Refresh pulls the current plan from src and applies it. The source is
// queried without holding the cache lock.
func (w *Worker) Refresh(ctx context.Context, src PlanSource) error {
	ctx, span := w.tracer.Start(ctx, "recovery.refresh_plan")
	defer span.End()

	secondaries, err := src.Secondaries(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load plan")
		return fmt.Errorf("loading plan: %w", err)
	}
	w.UpdateSecondaries(secondaries)

	w.logger.Info(ctx, "plan data refreshed", "secondaries", len(secondaries))
	return nil
}
