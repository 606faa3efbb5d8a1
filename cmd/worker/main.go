// Package main implements a shardwatch worker. A worker hosts the in-memory
// graph partitions of the shards it leads and ships them to each shard's
// secondary so a replica can take over when the worker dies.
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│                   Worker                    │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /health                 - Health check   │
//	│    /info                   - Hosted shards  │
//	│    /partition/{shard}/...  - Vertex storage │
//	│    /partition/{shard}/restore - Take over   │
//	│    /replicate/{shard}      - Ship partition │
//	│    /plan/reload            - Refresh plan   │
//	├─────────────────────────────────────────────┤
//	│  Components:                                │
//	│    partition.Host    - Partitions           │
//	│    recovery.Worker   - Secondary cache      │
//	│    Replicator        - Kafka or in-memory   │
//	└─────────────────────────────────────────────┘
//
// Example usage:
//
//	SHARDWATCH_WORKER_ID=PRMR-1 \
//	SHARDWATCH_WORKER_LISTEN=:8081 \
//	SHARDWATCH_WORKER_ADDR=http://localhost:8081 \
//	SHARDWATCH_WORKER_COORDINATOR_URL=http://localhost:8080 \
//	SHARDWATCH_KAFKA_BROKERS=localhost:9092 \
//	./worker
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/config"
	"github.com/dreamware/shardwatch/internal/logger"
	"github.com/dreamware/shardwatch/internal/recovery"
	"github.com/dreamware/shardwatch/internal/replication"
)

const serviceName = "shardwatch-worker"

func main() {
	_, _ = maxprocs.Set()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Run a shardwatch worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			if cfg.Worker.Addr == "" {
				cfg.Worker.Addr = "http://127.0.0.1" + cfg.Worker.Listen
			}
			if err := cfg.ValidateWorker(); err != nil {
				return err
			}

			log := logger.New(os.Stdout, cfg.Log.LogLevel(), serviceName, logger.SpanTraceID).
				With("worker_id", cfg.Worker.ID)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a YAML config file")
	flags.String("id", "", "server id of this worker")
	flags.String("listen", "", "listen address")
	flags.String("coordinator", "", "coordinator base URL")
	_ = v.BindPFlag("worker.id", flags.Lookup("id"))
	_ = v.BindPFlag("worker.listen", flags.Lookup("listen"))
	_ = v.BindPFlag("worker.coordinator_url", flags.Lookup("coordinator"))
	return cmd
}

// replicatorCloser is a replicator that may hold a connection.
type replicatorCloser interface {
	recovery.Replicator
	Close() error
}

type nopCloser struct{ *replication.Recorder }

func (nopCloser) Close() error { return nil }

func newReplicator(cfg *config.Config, log *logger.Logger) (replicatorCloser, error) {
	if !cfg.ReplicationEnabled() {
		log.Warn(context.Background(), "no kafka brokers configured, partitions are kept in memory only")
		return nopCloser{replication.NewRecorder()}, nil
	}
	return replication.NewKafka(cfg.Kafka, log, otel.GetTracerProvider().Tracer(serviceName))
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	replicator, err := newReplicator(cfg, log)
	if err != nil {
		return err
	}
	defer replicator.Close()

	n, err := newNode(cluster.ServerID(cfg.Worker.ID), cfg.Worker.CoordinatorURL, replicator, log,
		otel.GetTracerProvider().Tracer(serviceName), otel.GetMeterProvider())
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Worker.Listen,
		Handler:           n.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "worker listening", "addr", cfg.Worker.Listen, "public", cfg.Worker.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if err := register(ctx, cfg.Worker.CoordinatorURL, n.id, cfg.Worker.Addr, log, registerBackOff()); err != nil {
		_ = httpSrv.Close()
		return err
	}
	if err := n.refreshPlan(ctx); err != nil {
		log.Warn(ctx, "initial plan load failed", "error", err)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server shutdown error", "error", err)
	}
	log.Info(shutdownCtx, "worker stopped")
	return nil
}

func registerBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 400 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// register announces the worker to the coordinator, retrying with b until
// it succeeds, b gives up or ctx ends.
func register(ctx context.Context, coord string, id cluster.ServerID, addr string, log *logger.Logger, b backoff.BackOff) error {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	attempt := 0

	err := backoff.RetryNotify(func() error {
		attempt++
		return cluster.PostJSON(ctx, coord+"/register", body, nil)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn(ctx, "register retry", "attempt", attempt, "next", next, "error", err)
	})
	if err != nil {
		return fmt.Errorf("failed to register with coordinator %s: %w", coord, err)
	}
	log.Info(ctx, "registered with coordinator", "coordinator", coord, "attempts", attempt)
	return nil
}
