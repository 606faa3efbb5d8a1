package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardwatch/internal/agency"
	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/conductor"
	"github.com/dreamware/shardwatch/internal/config"
	"github.com/dreamware/shardwatch/internal/coordinator"
	"github.com/dreamware/shardwatch/internal/logger"
	"github.com/dreamware/shardwatch/internal/recovery"
	"github.com/dreamware/shardwatch/internal/topology"
)

type server struct {
	mu    sync.RWMutex
	nodes []cluster.NodeInfo

	registry  *topology.Registry
	publisher *coordinator.Publisher
	monitor   *coordinator.HealthMonitor
	manager   *recovery.Manager
	jobs      *conductor.Jobs
	retry     recovery.RetryPolicy
	logger    *logger.Logger
}

func newServer(ag agency.Agency, cfg *config.Config, log *logger.Logger, tracer trace.Tracer, mp metric.MeterProvider) (*server, error) {
	registry := topology.NewRegistry()
	manager, err := recovery.NewManager(ag, registry, log, tracer, mp,
		recovery.WithRegisterTimeout(cfg.Coordinator.RegisterTimeout),
		recovery.WithSuspectTTL(cfg.Coordinator.SuspectTTL),
	)
	if err != nil {
		return nil, err
	}

	publisher := coordinator.NewPublisher(ag, registry, log)
	monitor := coordinator.NewHealthMonitor(ag, cfg.Coordinator.HealthInterval, cfg.Coordinator.MaxFailures, log)
	monitor.SetOnFailed(publisher.FailoverFunc(manager))

	retry := recovery.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Coordinator.RetryAttempts

	return &server{
		registry:  registry,
		publisher: publisher,
		monitor:   monitor,
		manager:   manager,
		jobs:      conductor.NewJobs(),
		retry:     retry,
		logger:    log,
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /shards", s.handleShards)
	mux.HandleFunc("POST /shards/assign", s.handleShardAssign)
	mux.HandleFunc("POST /shards/rebalance", s.handleRebalance)
	mux.HandleFunc("DELETE /shards/{shard}", s.handleWithdrawShard)
	mux.HandleFunc("POST /jobs", s.handleStartJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/recovered", s.handleJobRecovered)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleStopJob)
	mux.HandleFunc("POST /servers/good", s.handleGoodServers)
	mux.HandleFunc("GET /plan/{server}", s.handlePlan)
	return mux
}

// close finishes every job and releases the manager's watches.
func (s *server) close(ctx context.Context) {
	s.monitor.Stop()
	for _, st := range s.jobs.List() {
		if j, ok := s.jobs.Remove(st.ID); ok {
			j.Finish(ctx)
		}
	}
	s.manager.Close(ctx)
}

func (s *server) snapshotNodes() []cluster.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]cluster.NodeInfo(nil), s.nodes...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	joined := idx < 0
	if joined {
		s.nodes = append(s.nodes, req.Node)
	} else {
		s.nodes[idx] = req.Node
	}
	servers := make([]cluster.ServerID, len(s.nodes))
	for i, n := range s.nodes {
		servers[i] = n.ID
	}
	s.mu.Unlock()

	if joined {
		s.logger.Info(r.Context(), "server registered", "server", req.Node.ID, "addr", req.Node.Addr)
		if err := s.autoAssignShards(r.Context(), servers, req.Node.ID); err != nil {
			s.logger.Error(r.Context(), "failed to publish assignments", "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// autoAssignShards places unassigned shards round-robin over servers and
// gives shards without a replica the newcomer as their secondary. Leaders
// of assigned shards never move here.
func (s *server) autoAssignShards(ctx context.Context, servers []cluster.ServerID, newcomer cluster.ServerID) error {
	var errs []error
	next := 0
	for _, cid := range s.registry.Collections() {
		shards, err := s.registry.ShardsOf(ctx, cid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, shard := range shards {
			a := s.registry.GetAssignment(shard)
			switch {
			case a == nil:
				primary := servers[next%len(servers)]
				var replicas []cluster.ServerID
				if len(servers) > 1 {
					replicas = append(replicas, servers[(next+1)%len(servers)])
				}
				next++
				a, err = s.registry.AssignShard(shard, primary, replicas...)
			case len(a.Replicas) == 0 && a.Primary != newcomer:
				a, err = s.registry.AssignShard(shard, a.Primary, newcomer)
			default:
				continue
			}
			if err == nil {
				err = s.publisher.Publish(ctx, a)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes  []cluster.NodeInfo                           `json:"nodes"`
		Health map[cluster.ServerID]*coordinator.NodeHealth `json:"health"`
	}{Nodes: s.snapshotNodes(), Health: s.monitor.GetAllNodeHealth()})
}

func (s *server) handleShards(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Shards  []*topology.ShardAssignment `json:"shards"`
		Watched []cluster.ShardID           `json:"watched"`
	}{Shards: s.registry.GetAllAssignments(), Watched: s.manager.WatchedShards()})
}

func (s *server) handleShardAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shard    cluster.ShardID    `json:"shard"`
		Primary  cluster.ServerID   `json:"primary"`
		Replicas []cluster.ServerID `json:"replicas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	a, err := s.registry.AssignShard(req.Shard, req.Primary, req.Replicas...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.publisher.Publish(r.Context(), a); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleRebalance spreads every shard over the registered servers.
func (s *server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	nodes := s.snapshotNodes()
	servers := make([]cluster.ServerID, len(nodes))
	for i, n := range nodes {
		servers[i] = n.ID
	}
	if len(servers) == 0 {
		http.Error(w, "no servers registered", http.StatusConflict)
		return
	}

	assignments, err := s.publisher.Rebalance(r.Context(), servers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Shards []*topology.ShardAssignment `json:"shards"`
	}{Shards: assignments})
}

func (s *server) handleWithdrawShard(w http.ResponseWriter, r *http.Request) {
	err := s.publisher.Withdraw(r.Context(), cluster.ShardID(r.PathValue("shard")))
	switch {
	case errors.Is(err, topology.ErrUnknownShard):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collections []cluster.CollectionID `json:"collections"`
		Policy      conductor.Policy       `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	job, err := conductor.NewJob(req.Collections, req.Policy, s.manager, s.logger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = job.Start(r.Context(), func(ctx context.Context) error {
		return recovery.MonitorWithRetry(ctx, s.manager, job.Collections(), job, s.retry)
	})
	switch {
	case errors.Is(err, topology.ErrUnknownCollection):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	s.jobs.Add(job)
	writeJSON(w, http.StatusCreated, job.Status())
}

func (s *server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Jobs []conductor.Status `json:"jobs"`
	}{Jobs: s.jobs.List()})
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job.Status())
}

func (s *server) handleJobRecovered(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err := job.Recovered(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, job.Status())
}

func (s *server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Remove(r.PathValue("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	job.Finish(r.Context())
	writeJSON(w, http.StatusOK, job.Status())
}

func (s *server) handleGoodServers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Servers []cluster.ServerID `json:"servers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	good, err := s.manager.FilterGoodServers(r.Context(), req.Servers)
	if err != nil {
		var qe *recovery.QueryError
		if errors.As(err, &qe) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Servers []cluster.ServerID `json:"servers"`
	}{Servers: good})
}

func (s *server) handlePlan(w http.ResponseWriter, r *http.Request) {
	server := cluster.ServerID(r.PathValue("server"))
	writeJSON(w, http.StatusOK, cluster.PlanResponse{
		Server:      server,
		Secondaries: s.registry.SecondariesFor(server),
	})
}
