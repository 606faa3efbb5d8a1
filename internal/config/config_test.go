package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardwatch/internal/logger"
)

func validWorker(cfg *Config) {
	cfg.Worker.ID = "PRMR-1"
	cfg.Worker.Addr = "http://127.0.0.1:8081"
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, BackendMemory, cfg.Agency.Backend)
	assert.Equal(t, ":8080", cfg.Coordinator.Listen)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.RegisterTimeout)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.SuspectTTL)
	assert.Equal(t, uint64(5), cfg.Coordinator.RetryAttempts)
	assert.Equal(t, 3, cfg.Coordinator.MaxFailures)
	assert.False(t, cfg.ReplicationEnabled())
	assert.NoError(t, cfg.ValidateCoordinator())

	// A worker needs an identity.
	assert.Error(t, cfg.ValidateWorker())
	validWorker(cfg)
	assert.NoError(t, cfg.ValidateWorker())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
agency:
  backend: kubernetes
  namespace: graph
coordinator:
  suspect_ttl: 45s
  collections:
    - name: Persons
      shards: [s1, s2]
    - name: Knows
      shards: [s3]
kafka:
  brokers: ["kafka-0:9092", "kafka-1:9092"]
  topic: partitions
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, logger.LevelDebug, cfg.Log.LogLevel())
	assert.Equal(t, "graph", cfg.Agency.Kubernetes().Namespace)
	assert.Equal(t, 45*time.Second, cfg.Coordinator.SuspectTTL)
	require.Len(t, cfg.Coordinator.Collections, 2)
	assert.Equal(t, "Persons", cfg.Coordinator.Collections[0].Name)
	assert.Equal(t, []string{"s1", "s2"}, cfg.Coordinator.Collections[0].Shards)
	assert.True(t, cfg.ReplicationEnabled())
	assert.Equal(t, "partitions", cfg.Kafka.Topic)
	assert.NoError(t, cfg.ValidateCoordinator())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SHARDWATCH_COORDINATOR_LISTEN", ":9090")
	t.Setenv("SHARDWATCH_COORDINATOR_REGISTER_TIMEOUT", "250ms")
	t.Setenv("SHARDWATCH_WORKER_ID", "PRMR-7")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Coordinator.Listen)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.RegisterTimeout)
	assert.Equal(t, "PRMR-7", cfg.Worker.ID)
}

func TestValidateCoordinator(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Agency.Backend = "etcd" }},
		{name: "kubernetes without namespace", mutate: func(c *Config) { c.Agency.Backend = BackendKubernetes }},
		{name: "bad listen address", mutate: func(c *Config) { c.Coordinator.Listen = "nowhere" }},
		{name: "zero register timeout", mutate: func(c *Config) { c.Coordinator.RegisterTimeout = 0 }},
		{name: "zero retry attempts", mutate: func(c *Config) { c.Coordinator.RetryAttempts = 0 }},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "trace" }},
		{name: "collection without shards", mutate: func(c *Config) {
			c.Coordinator.Collections = []CollectionConfig{{Name: "K"}}
		}},
		{name: "collection without name", mutate: func(c *Config) {
			c.Coordinator.Collections = []CollectionConfig{{Shards: []string{"s1"}}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New(), "")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.ValidateCoordinator())
		})
	}
}

func TestValidateWorker(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "advertised address not a url", mutate: func(c *Config) { c.Worker.Addr = "8081" }},
		{name: "missing coordinator", mutate: func(c *Config) { c.Worker.CoordinatorURL = "" }},
		{name: "broker without port", mutate: func(c *Config) { c.Kafka.Brokers = []string{"kafka-0"} }},
		{name: "brokers without topic", mutate: func(c *Config) {
			c.Kafka.Brokers = []string{"kafka-0:9092"}
			c.Kafka.Topic = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New(), "")
			require.NoError(t, err)
			validWorker(cfg)
			tt.mutate(cfg)
			assert.Error(t, cfg.ValidateWorker())
		})
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]logger.Level{
		"debug": logger.LevelDebug,
		"info":  logger.LevelInfo,
		"warn":  logger.LevelWarn,
		"error": logger.LevelError,
		"":      logger.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, LogConfig{Level: name}.LogLevel(), name)
	}
}
