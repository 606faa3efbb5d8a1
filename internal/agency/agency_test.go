package agency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardwatch/internal/cluster"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "Current/Collections/vertices/s1001", PrimaryPath("vertices", "s1001"))
	assert.Equal(t, "Supervision/Health/PRMR-1", HealthPath("PRMR-1"))
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "primary path", path: PrimaryPath("k", "s1")},
		{name: "empty", path: "", wantErr: true},
		{name: "empty collection", path: PrimaryPath("", "s1"), wantErr: true},
		{name: "empty shard", path: PrimaryPath("k", ""), wantErr: true},
		{name: "padded segment", path: "Current/Collections/ k/s1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestShardServersCodec(t *testing.T) {
	value, err := EncodeShardServers(ShardServers{"srvA", "srvB", "srvC"})
	require.NoError(t, err)
	assert.JSONEq(t, `["srvA","srvB","srvC"]`, string(value))

	servers, err := DecodeShardServers(value)
	require.NoError(t, err)
	assert.Equal(t, cluster.ServerID("srvA"), servers.Primary())
	assert.Equal(t, []cluster.ServerID{"srvB", "srvC"}, servers.Followers())

	_, err = DecodeShardServers([]byte(`{"not":"a list"}`))
	assert.Error(t, err)

	assert.Empty(t, ShardServers(nil).Primary())
	assert.Nil(t, ShardServers{"srvA"}.Followers())
}

func TestHealthCodec(t *testing.T) {
	value, err := EncodeHealth(ServerHealth{Status: HealthFailed})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Status":"FAILED"}`, string(value))

	h, err := DecodeHealth(value)
	require.NoError(t, err)
	assert.Equal(t, HealthFailed, h.Status)

	_, err = DecodeHealth([]byte("garbage"))
	assert.Error(t, err)
}
