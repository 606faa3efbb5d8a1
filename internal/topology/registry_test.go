package topology

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/dreamware/shardwatch/internal/cluster"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.AddCollection("vertices", "s1", "s2"); err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	if err := r.AddCollection("edges", "s3"); err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	return r
}

// TestAddCollection tests collection declaration and shard ownership rules
func TestAddCollection(t *testing.T) {
	tests := []struct {
		name    string
		cid     cluster.CollectionID
		shards  []cluster.ShardID
		wantErr bool
	}{
		{name: "new collection", cid: "docs", shards: []cluster.ShardID{"s9"}},
		{name: "empty collection id", cid: "", shards: []cluster.ShardID{"s9"}, wantErr: true},
		{name: "no shards", cid: "docs", wantErr: true},
		{name: "empty shard id", cid: "docs", shards: []cluster.ShardID{""}, wantErr: true},
		{name: "shard owned elsewhere", cid: "docs", shards: []cluster.ShardID{"s1"}, wantErr: true},
		{name: "redeclare same collection", cid: "vertices", shards: []cluster.ShardID{"s1", "s2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			err := r.AddCollection(tt.cid, tt.shards...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AddCollection() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestShardsOf tests collection resolution
func TestShardsOf(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	shards, err := r.ShardsOf(ctx, "vertices")
	if err != nil {
		t.Fatalf("ShardsOf: %v", err)
	}
	if want := []cluster.ShardID{"s1", "s2"}; !reflect.DeepEqual(shards, want) {
		t.Errorf("Expected %v, got %v", want, shards)
	}

	_, err = r.ShardsOf(ctx, "missing")
	if !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("Expected ErrUnknownCollection, got %v", err)
	}

	if got := r.Collections(); !reflect.DeepEqual(got, []cluster.CollectionID{"edges", "vertices"}) {
		t.Errorf("Unexpected collections %v", got)
	}
	if cid, ok := r.CollectionOf("s3"); !ok || cid != "edges" {
		t.Errorf("Expected s3 to belong to edges, got %q %v", cid, ok)
	}
}

// TestRedeclareDropsRemovedShards tests that shards dropped from a
// collection lose their assignment
func TestRedeclareDropsRemovedShards(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.AssignShard("s2", "PRMR-1"); err != nil {
		t.Fatalf("AssignShard: %v", err)
	}
	if err := r.AddCollection("vertices", "s1"); err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	if r.GetAssignment("s2") != nil {
		t.Error("Expected s2 assignment to be dropped")
	}
	if _, ok := r.CollectionOf("s2"); ok {
		t.Error("Expected s2 to be orphaned")
	}
}

// TestAssignShard tests assigning shards to servers
func TestAssignShard(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.AssignShard("s1", "PRMR-1", "PRMR-2", "PRMR-1", "", "PRMR-2", "PRMR-3")
	if err != nil {
		t.Fatalf("AssignShard: %v", err)
	}
	if a.Collection != "vertices" || a.Primary != "PRMR-1" {
		t.Errorf("Unexpected assignment %+v", a)
	}
	if want := []cluster.ServerID{"PRMR-2", "PRMR-3"}; !reflect.DeepEqual(a.Replicas, want) {
		t.Errorf("Expected replicas %v, got %v", want, a.Replicas)
	}
	if want := []cluster.ServerID{"PRMR-1", "PRMR-2", "PRMR-3"}; !reflect.DeepEqual(a.Servers(), want) {
		t.Errorf("Expected servers %v, got %v", want, a.Servers())
	}

	// Mutating the returned copy must not leak into the registry
	a.Replicas[0] = "mutated"
	if got := r.GetAssignment("s1"); got.Replicas[0] != "PRMR-2" {
		t.Errorf("Registry state leaked through returned copy: %v", got.Replicas)
	}

	if _, err := r.AssignShard("s404", "PRMR-1"); !errors.Is(err, ErrUnknownShard) {
		t.Errorf("Expected ErrUnknownShard, got %v", err)
	}
	if _, err := r.AssignShard("s1", ""); err == nil {
		t.Error("Expected error for empty primary")
	}
}

// TestRemoveShard tests unassigning shards
func TestRemoveShard(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.AssignShard("s1", "PRMR-1"); err != nil {
		t.Fatalf("AssignShard: %v", err)
	}
	if err := r.RemoveShard("s1"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
	if r.GetAssignment("s1") != nil {
		t.Error("Expected s1 to be unassigned")
	}
	if err := r.RemoveShard("s1"); err != nil {
		t.Errorf("Removing an unassigned shard should succeed, got %v", err)
	}
	if err := r.RemoveShard("s404"); !errors.Is(err, ErrUnknownShard) {
		t.Errorf("Expected ErrUnknownShard, got %v", err)
	}
}

// TestNodeShardsAndSecondaries tests per-server views of the plan
func TestNodeShardsAndSecondaries(t *testing.T) {
	r := newTestRegistry(t)
	mustAssign := func(s cluster.ShardID, primary cluster.ServerID, replicas ...cluster.ServerID) {
		if _, err := r.AssignShard(s, primary, replicas...); err != nil {
			t.Fatalf("AssignShard(%s): %v", s, err)
		}
	}
	mustAssign("s1", "PRMR-1", "PRMR-2")
	mustAssign("s2", "PRMR-1")
	mustAssign("s3", "PRMR-2", "PRMR-1")

	if got := r.NodeShards("PRMR-1"); !reflect.DeepEqual(got, []cluster.ShardID{"s1", "s2"}) {
		t.Errorf("Unexpected shards for PRMR-1: %v", got)
	}
	want := map[cluster.ShardID]cluster.ServerID{"s1": "PRMR-2"}
	if got := r.SecondariesFor("PRMR-1"); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected secondaries %v, got %v", want, got)
	}
	if got := r.GetAllAssignments(); len(got) != 3 || got[0].Shard != "s1" || got[2].Shard != "s3" {
		t.Errorf("Unexpected assignment listing %+v", got)
	}
}

// TestPromote tests failing a shard over to one of its replicas
func TestPromote(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.AssignShard("s1", "PRMR-1", "PRMR-2", "PRMR-3"); err != nil {
		t.Fatalf("AssignShard: %v", err)
	}

	a, err := r.Promote("s1", "PRMR-3")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if a.Primary != "PRMR-3" {
		t.Errorf("Expected PRMR-3 as primary, got %s", a.Primary)
	}
	if want := []cluster.ServerID{"PRMR-2", "PRMR-1"}; !reflect.DeepEqual(a.Replicas, want) {
		t.Errorf("Expected replicas %v, got %v", want, a.Replicas)
	}

	if _, err := r.Promote("s1", "PRMR-9"); err == nil {
		t.Error("Expected error promoting a non-replica")
	}
	if _, err := r.Promote("s2", "PRMR-1"); !errors.Is(err, ErrUnknownShard) {
		t.Errorf("Expected ErrUnknownShard for unassigned shard, got %v", err)
	}
	if a, err := r.Promote("s1", "PRMR-3"); err != nil || a.Primary != "PRMR-3" {
		t.Errorf("Promoting the current primary should be a no-op, got %+v %v", a, err)
	}
}

// TestRebalance tests round-robin redistribution
func TestRebalance(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Rebalance(nil); err == nil {
		t.Error("Expected error with no servers")
	}

	out, err := r.Rebalance([]cluster.ServerID{"PRMR-1", "PRMR-2"})
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("Expected 3 assignments, got %d", len(out))
	}
	for i, a := range out {
		wantPrimary := []cluster.ServerID{"PRMR-1", "PRMR-2"}[i%2]
		wantReplica := []cluster.ServerID{"PRMR-2", "PRMR-1"}[i%2]
		if a.Primary != wantPrimary || len(a.Replicas) != 1 || a.Replicas[0] != wantReplica {
			t.Errorf("Shard %s: unexpected placement %+v", a.Shard, a)
		}
	}

	out, err = r.Rebalance([]cluster.ServerID{"PRMR-1"})
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	for _, a := range out {
		if _, ok := a.Secondary(); ok {
			t.Errorf("Single server plan should have no secondaries, got %+v", a)
		}
	}
}

// TestConcurrentAccess tests the registry under concurrent readers and writers
func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	shards := make([]cluster.ShardID, 50)
	for i := range shards {
		shards[i] = cluster.ShardID(fmt.Sprintf("s%d", i))
	}
	if err := r.AddCollection("vertices", shards...); err != nil {
		t.Fatalf("AddCollection: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for _, s := range shards {
				_, _ = r.AssignShard(s, cluster.ServerID(fmt.Sprintf("PRMR-%d", n)))
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = r.GetAllAssignments()
			_, _ = r.ShardsOf(context.Background(), "vertices")
		}()
	}
	wg.Wait()

	if got := len(r.GetAllAssignments()); got != len(shards) {
		t.Errorf("Expected %d assignments, got %d", len(shards), got)
	}
}
