package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardwatch/internal/agency"
	"github.com/dreamware/shardwatch/internal/agency/memory"
	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/logger"
	"github.com/dreamware/shardwatch/internal/topology"
)

type staticFilter struct {
	bad map[cluster.ServerID]bool
	err error
}

func (f staticFilter) FilterGoodServers(_ context.Context, servers []cluster.ServerID) ([]cluster.ServerID, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []cluster.ServerID
	for _, s := range servers {
		if !f.bad[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func newPlan(t *testing.T) (*memory.Store, *topology.Registry, *Publisher) {
	t.Helper()
	store := memory.NewStore()
	t.Cleanup(store.Close)

	registry := topology.NewRegistry()
	require.NoError(t, registry.AddCollection("K", "s1", "s2"))
	require.NoError(t, registry.AddCollection("L", "s3"))
	return store, registry, NewPublisher(store, registry, logger.Noop())
}

func primaryRecord(t *testing.T, store agency.Agency, cid cluster.CollectionID, shard cluster.ShardID) agency.ShardServers {
	t.Helper()
	value, err := store.Read(context.Background(), agency.PrimaryPath(cid, shard))
	require.NoError(t, err)
	servers, err := agency.DecodeShardServers(value)
	require.NoError(t, err)
	return servers
}

func TestPublisher_PublishAll(t *testing.T) {
	ctx := context.Background()
	store, registry, p := newPlan(t)

	_, err := registry.Rebalance([]cluster.ServerID{"PRMR-1", "PRMR-2"})
	require.NoError(t, err)
	require.NoError(t, p.PublishAll(ctx))

	assert.Equal(t, agency.ShardServers{"PRMR-1", "PRMR-2"}, primaryRecord(t, store, "K", "s1"))
	assert.Equal(t, agency.ShardServers{"PRMR-2", "PRMR-1"}, primaryRecord(t, store, "K", "s2"))
	assert.Equal(t, agency.ShardServers{"PRMR-1", "PRMR-2"}, primaryRecord(t, store, "L", "s3"))

	store.SetUnavailable(true)
	err = p.PublishAll(ctx)
	assert.ErrorIs(t, err, agency.ErrUnavailable)
}

func TestPublisher_Failover(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		replicas   []cluster.ServerID
		filter     ServerFilter
		wantLeader cluster.ServerID
		wantErr    error
	}{
		{name: "first replica", replicas: []cluster.ServerID{"PRMR-2", "PRMR-3"}, wantLeader: "PRMR-2"},
		{
			name:       "skips filtered replica",
			replicas:   []cluster.ServerID{"PRMR-2", "PRMR-3"},
			filter:     staticFilter{bad: map[cluster.ServerID]bool{"PRMR-2": true}},
			wantLeader: "PRMR-3",
		},
		{
			name:       "no good replica",
			replicas:   []cluster.ServerID{"PRMR-2"},
			filter:     staticFilter{bad: map[cluster.ServerID]bool{"PRMR-2": true}},
			wantLeader: "PRMR-1",
			wantErr:    ErrNoCandidate,
		},
		{name: "no replicas", wantLeader: "PRMR-1", wantErr: ErrNoCandidate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, registry, p := newPlan(t)
			_, err := registry.AssignShard("s1", "PRMR-1", tt.replicas...)
			require.NoError(t, err)
			require.NoError(t, p.PublishAll(ctx))

			moved, err := p.Failover(ctx, "PRMR-1", tt.filter)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, moved)
			} else {
				require.NoError(t, err)
				require.Len(t, moved, 1)
			}
			assert.Equal(t, tt.wantLeader, registry.GetAssignment("s1").Primary)
			assert.Equal(t, tt.wantLeader, primaryRecord(t, store, "K", "s1").Primary())
		})
	}
}

func TestPublisher_FailoverFilterError(t *testing.T) {
	ctx := context.Background()
	_, registry, p := newPlan(t)
	_, err := registry.AssignShard("s1", "PRMR-1", "PRMR-2")
	require.NoError(t, err)

	boom := errors.New("agency read failed")
	_, err = p.Failover(ctx, "PRMR-1", staticFilter{err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, cluster.ServerID("PRMR-1"), registry.GetAssignment("s1").Primary)
}

func TestPublisher_FailoverLeavesOtherServers(t *testing.T) {
	ctx := context.Background()
	store, registry, p := newPlan(t)
	_, err := registry.AssignShard("s1", "PRMR-1", "PRMR-2")
	require.NoError(t, err)
	_, err = registry.AssignShard("s2", "PRMR-2", "PRMR-1")
	require.NoError(t, err)
	require.NoError(t, p.PublishAll(ctx))

	p.FailoverFunc(nil)(ctx, "PRMR-1")

	assert.Equal(t, agency.ShardServers{"PRMR-2", "PRMR-1"}, primaryRecord(t, store, "K", "s1"))
	assert.Equal(t, agency.ShardServers{"PRMR-2", "PRMR-1"}, primaryRecord(t, store, "K", "s2"))
	assert.Equal(t, []cluster.ShardID{"s1", "s2"}, registry.NodeShards("PRMR-2"))
}

func TestPublisher_Rebalance(t *testing.T) {
	ctx := context.Background()
	store, _, p := newPlan(t)

	moved, err := p.Rebalance(ctx, []cluster.ServerID{"PRMR-2", "PRMR-3"})
	require.NoError(t, err)
	assert.Len(t, moved, 3)
	assert.Equal(t, agency.ShardServers{"PRMR-2", "PRMR-3"}, primaryRecord(t, store, "K", "s1"))
	assert.Equal(t, agency.ShardServers{"PRMR-3", "PRMR-2"}, primaryRecord(t, store, "K", "s2"))

	_, err = p.Rebalance(ctx, nil)
	assert.Error(t, err)
}

func TestPublisher_Withdraw(t *testing.T) {
	ctx := context.Background()
	store, registry, p := newPlan(t)

	_, err := p.Rebalance(ctx, []cluster.ServerID{"PRMR-1"})
	require.NoError(t, err)

	require.NoError(t, p.Withdraw(ctx, "s1"))
	assert.Nil(t, registry.GetAssignment("s1"))
	_, err = store.Read(ctx, agency.PrimaryPath("K", "s1"))
	assert.ErrorIs(t, err, agency.ErrKeyNotFound)

	assert.ErrorIs(t, p.Withdraw(ctx, "s9"), topology.ErrUnknownShard)

	store.SetUnavailable(true)
	assert.ErrorIs(t, p.Withdraw(ctx, "s2"), agency.ErrUnavailable)
}
