// Package config loads process configuration from defaults, an optional
// YAML file and SHARDWATCH_ environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/dreamware/shardwatch/internal/agency/kubernetes"
	"github.com/dreamware/shardwatch/internal/logger"
	"github.com/dreamware/shardwatch/internal/replication"
)

// EnvPrefix is prepended to every environment override, e.g.
// SHARDWATCH_COORDINATOR_LISTEN.
const EnvPrefix = "SHARDWATCH"

// Agency backends.
const (
	BackendMemory     = "memory"
	BackendKubernetes = "kubernetes"
)

type Config struct {
	Log         LogConfig               `mapstructure:"log"`
	Agency      AgencyConfig            `mapstructure:"agency"`
	Coordinator CoordinatorConfig       `mapstructure:"coordinator"`
	Worker      WorkerConfig            `mapstructure:"worker"`
	Kafka       replication.KafkaConfig `mapstructure:"kafka"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type AgencyConfig struct {
	Backend    string `mapstructure:"backend" validate:"oneof=memory kubernetes"`
	Namespace  string `mapstructure:"namespace" validate:"required_if=Backend kubernetes"`
	KubeConfig string `mapstructure:"kubeconfig"`
}

// CoordinatorConfig configures the coordinator process.
type CoordinatorConfig struct {
	Listen          string             `mapstructure:"listen" validate:"required,hostname_port"`
	RegisterTimeout time.Duration      `mapstructure:"register_timeout" validate:"gt=0"`
	SuspectTTL      time.Duration      `mapstructure:"suspect_ttl" validate:"gt=0"`
	RetryAttempts   uint64             `mapstructure:"retry_attempts" validate:"min=1"`
	HealthInterval  time.Duration      `mapstructure:"health_interval" validate:"gt=0"`
	MaxFailures     int                `mapstructure:"max_failures" validate:"min=1"`
	Collections     []CollectionConfig `mapstructure:"collections" validate:"dive"`
}

// CollectionConfig declares a collection and its shards at startup. It is a
// list rather than a map because viper folds map keys to lower case.
type CollectionConfig struct {
	Name   string   `mapstructure:"name" validate:"required"`
	Shards []string `mapstructure:"shards" validate:"min=1,dive,required"`
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	ID             string `mapstructure:"id" validate:"required"`
	Listen         string `mapstructure:"listen" validate:"required,hostname_port"`
	Addr           string `mapstructure:"addr" validate:"required,url"`
	CoordinatorURL string `mapstructure:"coordinator_url" validate:"required,url"`
}

var validate = validator.New()

// New returns a viper instance with every default set and environment
// overrides enabled. Callers bind command line flags onto it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")

	v.SetDefault("agency.backend", BackendMemory)
	v.SetDefault("agency.namespace", "")
	v.SetDefault("agency.kubeconfig", "")

	v.SetDefault("coordinator.listen", ":8080")
	v.SetDefault("coordinator.register_timeout", 10*time.Second)
	v.SetDefault("coordinator.suspect_ttl", 30*time.Second)
	v.SetDefault("coordinator.retry_attempts", 5)
	v.SetDefault("coordinator.health_interval", 5*time.Second)
	v.SetDefault("coordinator.max_failures", 3)
	v.SetDefault("coordinator.collections", []CollectionConfig{})

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.listen", ":8081")
	v.SetDefault("worker.addr", "")
	v.SetDefault("worker.coordinator_url", "http://127.0.0.1:8080")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "shardwatch-partitions")
	v.SetDefault("kafka.client_id", "shardwatch")
	return v
}

// Load reads path into v when path is set and decodes the result.
// Validation is left to the Validate* method for the process being started.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// ValidateCoordinator checks the sections the coordinator uses.
func (c *Config) ValidateCoordinator() error {
	return validateAll(c.Log, c.Agency, c.Coordinator)
}

// ValidateWorker checks the sections a worker uses.
func (c *Config) ValidateWorker() error {
	return validateAll(c.Log, c.Worker, c.Kafka)
}

func validateAll(sections ...any) error {
	var errs []error
	for _, s := range sections {
		if err := validate.Struct(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LogLevel maps the configured level name onto the logger.
func (c LogConfig) LogLevel() logger.Level {
	switch c.Level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

// Kubernetes returns the client settings for the kubernetes backend.
func (a AgencyConfig) Kubernetes() kubernetes.Config {
	return kubernetes.Config{Namespace: a.Namespace, KubeConfig: a.KubeConfig}
}

// ReplicationEnabled reports whether partitions are shipped over kafka.
func (c *Config) ReplicationEnabled() bool { return len(c.Kafka.Brokers) > 0 }
