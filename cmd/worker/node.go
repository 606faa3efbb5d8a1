package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/logger"
	"github.com/dreamware/shardwatch/internal/partition"
	"github.com/dreamware/shardwatch/internal/recovery"
)

const (
	// maxVertexSize bounds a single vertex value accepted over HTTP.
	maxVertexSize = 1 << 20
	// maxSnapshotSize bounds a partition snapshot accepted for restore.
	maxSnapshotSize = 256 << 20
)

// Node is the runtime state of a worker: its partitions and the recovery
// worker that knows where to ship them.
type Node struct {
	id          cluster.ServerID
	coordinator string
	host        *partition.Host
	recovery    *recovery.Worker
	logger      *logger.Logger

	snapshotLimit int
}

func newNode(id cluster.ServerID, coordinator string, r recovery.Replicator, log *logger.Logger, tracer trace.Tracer, mp metric.MeterProvider) (*Node, error) {
	w, err := recovery.NewWorker(r, log, tracer, mp)
	if err != nil {
		return nil, err
	}
	return &Node{
		id:          id,
		coordinator: strings.TrimRight(coordinator, "/"),
		host:        partition.NewHost(),
		recovery:    w,
		logger:      log,

		snapshotLimit: maxSnapshotSize,
	}, nil
}

// coordinatorPlan reads this worker's slice of the plan from the coordinator.
type coordinatorPlan struct {
	url string
	id  cluster.ServerID
}

func (p coordinatorPlan) Secondaries(ctx context.Context) (map[cluster.ShardID]cluster.ServerID, error) {
	var plan cluster.PlanResponse
	if err := cluster.GetJSON(ctx, p.url+"/plan/"+string(p.id), &plan); err != nil {
		return nil, err
	}
	return plan.Secondaries, nil
}

// refreshPlan drops the cached secondaries and loads the current ones.
func (n *Node) refreshPlan(ctx context.Context) error {
	n.recovery.ReloadPlanData()
	return n.recovery.Refresh(ctx, coordinatorPlan{url: n.coordinator, id: n.id})
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", n.handleInfo)
	mux.HandleFunc("POST /plan/reload", n.handlePlanReload)
	mux.HandleFunc("GET /partition/{shard}", n.handlePartitionStats)
	mux.HandleFunc("DELETE /partition/{shard}", n.handleDropPartition)
	mux.HandleFunc("POST /partition/{shard}/restore", n.handleRestorePartition)
	mux.HandleFunc("GET /partition/{shard}/vertices/{id}", n.handleGetVertex)
	mux.HandleFunc("PUT /partition/{shard}/vertices/{id}", n.handlePutVertex)
	mux.HandleFunc("DELETE /partition/{shard}/vertices/{id}", n.handleDeleteVertex)
	mux.HandleFunc("POST /replicate/{shard}", n.handleReplicate)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (n *Node) partitionOf(w http.ResponseWriter, r *http.Request) (*partition.Store, bool) {
	store, ok := n.host.Get(cluster.ShardID(r.PathValue("shard")))
	if !ok {
		http.Error(w, "partition not hosted", http.StatusNotFound)
	}
	return store, ok
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	shards := n.host.Shards()
	secondaries := make(map[cluster.ShardID]cluster.ServerID, len(shards))
	for _, s := range shards {
		if target, ok := n.recovery.SecondaryForShard(s); ok {
			secondaries[s] = target
		}
	}
	writeJSON(w, http.StatusOK, struct {
		ID          cluster.ServerID                     `json:"id"`
		Shards      []cluster.ShardID                    `json:"shards"`
		Secondaries map[cluster.ShardID]cluster.ServerID `json:"secondaries"`
	}{ID: n.id, Shards: shards, Secondaries: secondaries})
}

func (n *Node) handlePlanReload(w http.ResponseWriter, r *http.Request) {
	if err := n.refreshPlan(r.Context()); err != nil {
		n.logger.Error(r.Context(), "plan reload failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handlePartitionStats(w http.ResponseWriter, r *http.Request) {
	store, ok := n.partitionOf(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Stats    partition.Stats `json:"stats"`
		Vertices []string        `json:"vertices"`
	}{Stats: store.Stats(), Vertices: store.List()})
}

// handleDropPartition forgets a partition this worker no longer leads.
func (n *Node) handleDropPartition(w http.ResponseWriter, r *http.Request) {
	store, ok := n.partitionOf(w, r)
	if !ok {
		return
	}
	store.SetState(partition.StateDropped)
	n.host.Drop(store.Shard())
	n.logger.Info(r.Context(), "partition dropped", "shard", store.Shard())
	w.WriteHeader(http.StatusNoContent)
}

// handleRestorePartition rebuilds a partition from a shipped snapshot, which
// is how a secondary takes over a shard after failover. The snapshot is
// loaded into a fresh partition; the hosted one is replaced only once the
// snapshot is accepted.
func (n *Node) handleRestorePartition(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, int64(n.snapshotLimit)+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(data) > n.snapshotLimit {
		http.Error(w, "snapshot too large", http.StatusRequestEntityTooLarge)
		return
	}

	store := partition.NewStore(cluster.ShardID(r.PathValue("shard")))
	store.SetState(partition.StateRecovering)
	if err := store.Restore(data); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.host.Install(store)
	n.logger.Info(r.Context(), "partition restored", "shard", store.Shard(), "vertices", len(store.List()))
	writeJSON(w, http.StatusOK, store.Stats())
}

func (n *Node) handleGetVertex(w http.ResponseWriter, r *http.Request) {
	store, ok := n.partitionOf(w, r)
	if !ok {
		return
	}
	value, err := store.Get(r.PathValue("id"))
	if errors.Is(err, partition.ErrVertexNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(value)
}

// handlePutVertex opens the partition on first write.
func (n *Node) handlePutVertex(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(io.LimitReader(r.Body, maxVertexSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(value) > maxVertexSize {
		http.Error(w, "vertex too large", http.StatusRequestEntityTooLarge)
		return
	}

	store := n.host.Open(cluster.ShardID(r.PathValue("shard")))
	if err := store.Put(r.PathValue("id"), value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleDeleteVertex(w http.ResponseWriter, r *http.Request) {
	store, ok := n.partitionOf(w, r)
	if !ok {
		return
	}
	if err := store.Delete(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleReplicate(w http.ResponseWriter, r *http.Request) {
	store, ok := n.partitionOf(w, r)
	if !ok {
		return
	}
	if err := n.recovery.ReplicateGraphData(r.Context(), store); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	target, known := n.recovery.SecondaryForShard(store.Shard())
	writeJSON(w, http.StatusOK, struct {
		Shard      cluster.ShardID  `json:"shard"`
		Secondary  cluster.ServerID `json:"secondary,omitempty"`
		Replicated bool             `json:"replicated"`
	}{Shard: store.Shard(), Secondary: target, Replicated: known})
}
