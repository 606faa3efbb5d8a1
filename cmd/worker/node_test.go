package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/config"
	"github.com/dreamware/shardwatch/internal/logger"
	"github.com/dreamware/shardwatch/internal/partition"
	"github.com/dreamware/shardwatch/internal/replication"
)

// fakeCoordinator serves the plan and counts registrations. The first
// failRegistrations registrations are refused.
type fakeCoordinator struct {
	secondaries       map[cluster.ShardID]cluster.ServerID
	failRegistrations int32
	registrations     atomic.Int32
	planDown          atomic.Bool
}

func (c *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		if c.registrations.Add(1) <= c.failRegistrations {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /plan/{server}", func(w http.ResponseWriter, r *http.Request) {
		if c.planDown.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(cluster.PlanResponse{
			Server:      cluster.ServerID(r.PathValue("server")),
			Secondaries: c.secondaries,
		})
	})
	return mux
}

func newTestNode(t *testing.T, secondaries map[cluster.ShardID]cluster.ServerID) (*Node, *replication.Recorder, *fakeCoordinator, http.Handler) {
	t.Helper()
	coord := &fakeCoordinator{secondaries: secondaries}
	ts := httptest.NewServer(coord.handler())
	t.Cleanup(ts.Close)

	rec := replication.NewRecorder()
	n, err := newNode("PRMR-1", ts.URL+"/", rec, logger.Noop(),
		tracenoop.NewTracerProvider().Tracer("test"), metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return n, rec, coord, n.routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	_, _, _, h := newTestNode(t, nil)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
}

func TestVertexHandlers(t *testing.T) {
	n, _, _, h := newTestNode(t, nil)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/partition/s1/vertices/v1", "").Code)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/partition/s1/vertices/v1", `{"name":"Alice"}`).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/partition/s1/vertices/v2", `{"name":"Bob"}`).Code)

	rec := do(t, h, http.MethodGet, "/partition/s1/vertices/v1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"name":"Alice"}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/partition/s1/vertices/v9", "").Code)

	rec = do(t, h, http.MethodGet, "/partition/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Vertices []string `json:"vertices"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, []string{"v1", "v2"}, stats.Vertices)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/partition/s1/vertices/v1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/partition/s1/vertices/v1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/partition/s9/vertices/v1", "").Code)

	assert.Equal(t, []cluster.ShardID{"s1"}, n.host.Shards())
}

func TestPutVertexTooLarge(t *testing.T) {
	_, _, _, h := newTestNode(t, nil)
	big := strings.Repeat("x", maxVertexSize+1)
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(t, h, http.MethodPut, "/partition/s1/vertices/v1", big).Code)
}

func TestReplicate(t *testing.T) {
	n, rec, coord, h := newTestNode(t, map[cluster.ShardID]cluster.ServerID{"s1": "PRMR-2"})
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/partition/s1/vertices/v1", "alice").Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/partition/s2/vertices/v7", "zed").Code)

	// Nothing is known before the plan is loaded.
	resp := do(t, h, http.MethodPost, "/replicate/s1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"shard":"s1","replicated":false}`, resp.Body.String())
	assert.Zero(t, rec.Count())

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/plan/reload", "").Code)

	resp = do(t, h, http.MethodPost, "/replicate/s1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"shard":"s1","secondary":"PRMR-2","replicated":true}`, resp.Body.String())

	shipped, ok := rec.Latest("s1")
	require.True(t, ok)
	assert.Equal(t, cluster.ServerID("PRMR-2"), shipped.Target)

	restored := partition.NewStore("s1")
	require.NoError(t, restored.Restore(shipped.Payload))
	value, err := restored.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), value)

	// s2 has no secondary in the plan.
	resp = do(t, h, http.MethodPost, "/replicate/s2", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, rec.Count())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/replicate/s9", "").Code)

	rec.FailWith(errors.New("broker down"))
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/replicate/s1", "").Code)

	// A failed reload leaves the cache empty.
	coord.planDown.Store(true)
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/plan/reload", "").Code)
	_, ok = n.recovery.SecondaryForShard("s1")
	assert.False(t, ok)
}

func TestRestoreAndDropPartition(t *testing.T) {
	n, _, _, h := newTestNode(t, nil)

	src := partition.NewStore("s4")
	require.NoError(t, src.Put("v1", []byte("carol")))
	snapshot, err := src.Serialize()
	require.NoError(t, err)

	resp := do(t, h, http.MethodPost, "/partition/s4/restore", string(snapshot))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	store, ok := n.host.Get("s4")
	require.True(t, ok)
	assert.Equal(t, partition.StateActive, store.State())
	assert.Equal(t, "carol", do(t, h, http.MethodGet, "/partition/s4/vertices/v1", "").Body.String())

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/partition/s4", "").Code)
	assert.Equal(t, partition.StateDropped, store.State())
	_, ok = n.host.Get("s4")
	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/partition/s4", "").Code)
}

func TestRestoreRejectedLeavesHostUntouched(t *testing.T) {
	n, _, _, h := newTestNode(t, nil)
	n.snapshotLimit = 64

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/partition/s4/vertices/v1", "dave").Code)
	active, ok := n.host.Get("s4")
	require.True(t, ok)

	other := partition.NewStore("s5")
	require.NoError(t, other.Put("v1", []byte("erin")))
	otherSnapshot, err := other.Serialize()
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{name: "snapshot of another shard", path: "/partition/s6/restore", body: string(otherSnapshot), wantCode: http.StatusBadRequest},
		{name: "malformed over hosted partition", path: "/partition/s4/restore", body: "{", wantCode: http.StatusBadRequest},
		{name: "wrong shard over hosted partition", path: "/partition/s4/restore", body: string(otherSnapshot), wantCode: http.StatusBadRequest},
		{name: "too large", path: "/partition/s4/restore", body: strings.Repeat("x", 65), wantCode: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, do(t, h, http.MethodPost, tt.path, tt.body).Code)

			assert.Equal(t, []cluster.ShardID{"s4"}, n.host.Shards())
			store, ok := n.host.Get("s4")
			require.True(t, ok)
			assert.Same(t, active, store)
			assert.Equal(t, partition.StateActive, store.State())
			assert.Equal(t, []string{"v1"}, store.List())
		})
	}
}

func TestInfo(t *testing.T) {
	n, _, _, h := newTestNode(t, map[cluster.ShardID]cluster.ServerID{"s1": "PRMR-2"})
	n.host.Open("s1")
	require.NoError(t, n.refreshPlan(context.Background()))

	resp := do(t, h, http.MethodGet, "/info", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"id":"PRMR-1","shards":["s1"],"secondaries":{"s1":"PRMR-2"}}`, resp.Body.String())
}

func TestRegister(t *testing.T) {
	coord := &fakeCoordinator{failRegistrations: 2}
	ts := httptest.NewServer(coord.handler())
	defer ts.Close()

	b := backoff.NewConstantBackOff(5 * time.Millisecond)
	err := register(context.Background(), ts.URL, "PRMR-1", "http://w:8081", logger.Noop(), b)
	require.NoError(t, err)
	assert.Equal(t, int32(3), coord.registrations.Load())
}

func TestRegisterGivesUp(t *testing.T) {
	coord := &fakeCoordinator{failRegistrations: 100}
	ts := httptest.NewServer(coord.handler())
	defer ts.Close()

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	err := register(context.Background(), ts.URL, "PRMR-1", "http://w:8081", logger.Noop(), b)
	assert.Error(t, err)
	assert.Equal(t, int32(3), coord.registrations.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = register(ctx, ts.URL, "PRMR-1", "http://w:8081", logger.Noop(), backoff.NewConstantBackOff(time.Millisecond))
	assert.Error(t, err)
}

func TestRootCmdRejectsInvalidConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--coordinator", "not a url"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute(), "worker id is required")
}

func TestRunRegistersAndStops(t *testing.T) {
	coord := &fakeCoordinator{secondaries: map[cluster.ShardID]cluster.ServerID{"s1": "PRMR-2"}}
	ts := httptest.NewServer(coord.handler())
	defer ts.Close()

	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	cfg.Worker.ID = "PRMR-1"
	cfg.Worker.Listen = "127.0.0.1:0"
	cfg.Worker.Addr = "http://127.0.0.1:0"
	cfg.Worker.CoordinatorURL = ts.URL

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger.Noop()) }()

	assert.Eventually(t, func() bool { return coord.registrations.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
