// Package main implements the shardwatch coordinator. It owns the plan of
// which server leads each shard, supervises the workers, fails shards over
// when a leader dies and runs jobs that are told when that happens.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                 Coordinator                  │
//	├──────────────────────────────────────────────┤
//	│  HTTP API:                                   │
//	│    /register        - Worker registration    │
//	│    /nodes           - Registered workers     │
//	│    /shards          - Plan                   │
//	│    /shards/assign   - Manual assignment      │
//	│    /shards/rebalance - Spread over servers   │
//	│    /jobs            - Start, list, stop jobs │
//	│    /servers/good    - Filter good servers    │
//	│    /plan/{server}   - Secondaries of server  │
//	├──────────────────────────────────────────────┤
//	│  Components:                                 │
//	│    topology.Registry     - Plan              │
//	│    coordinator.Publisher - Plan → agency     │
//	│    HealthMonitor         - Supervision       │
//	│    recovery.Manager      - Leader watches    │
//	│    conductor.Jobs        - Running jobs      │
//	└──────────────────────────────────────────────┘
//
// Configuration is read from an optional YAML file (--config) and
// SHARDWATCH_* environment variables; see internal/config.
//
// Example usage:
//
//	SHARDWATCH_COORDINATOR_LISTEN=:8080 ./coordinator --config shardwatch.yaml
//
//	# Start a job on collection "Persons"
//	curl -X POST localhost:8080/jobs -d '{"collections":["Persons"],"policy":"abort"}'
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

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/dreamware/shardwatch/internal/agency"
	"github.com/dreamware/shardwatch/internal/agency/kubernetes"
	"github.com/dreamware/shardwatch/internal/agency/memory"
	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/config"
	"github.com/dreamware/shardwatch/internal/logger"
)

const serviceName = "shardwatch-coordinator"

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
		Use:           "coordinator",
		Short:         "Run the shardwatch coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			if err := cfg.ValidateCoordinator(); err != nil {
				return err
			}

			log := logger.New(os.Stdout, cfg.Log.LogLevel(), serviceName, logger.SpanTraceID)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a YAML config file")
	flags.String("listen", "", "listen address (overrides coordinator.listen)")
	flags.String("backend", "", "agency backend: memory or kubernetes")
	_ = v.BindPFlag("coordinator.listen", flags.Lookup("listen"))
	_ = v.BindPFlag("agency.backend", flags.Lookup("backend"))
	return cmd
}

// newAgency builds the configured agency backend. The returned cleanup
// releases backend resources.
func newAgency(cfg *config.Config, log *logger.Logger) (agency.Agency, func(), error) {
	switch cfg.Agency.Backend {
	case config.BackendKubernetes:
		client, err := kubernetes.NewClient(cfg.Agency.Kubernetes())
		if err != nil {
			return nil, nil, err
		}
		return kubernetes.NewStore(client, cfg.Agency.Namespace, log), func() {}, nil
	default:
		store := memory.NewStore()
		return store, store.Close, nil
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ag, closeAgency, err := newAgency(cfg, log)
	if err != nil {
		return fmt.Errorf("agency: %w", err)
	}
	defer closeAgency()

	srv, err := newServer(ag, cfg, log, otel.GetTracerProvider().Tracer(serviceName), otel.GetMeterProvider())
	if err != nil {
		return err
	}
	for _, c := range cfg.Coordinator.Collections {
		shards := make([]cluster.ShardID, len(c.Shards))
		for i, s := range c.Shards {
			shards[i] = cluster.ShardID(s)
		}
		if err := srv.registry.AddCollection(cluster.CollectionID(c.Name), shards...); err != nil {
			return fmt.Errorf("declaring collection %s: %w", c.Name, err)
		}
	}

	go srv.monitor.Start(ctx, srv.snapshotNodes)

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "coordinator listening", "addr", cfg.Coordinator.Listen, "backend", cfg.Agency.Backend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.close(shutdownCtx)
	log.Info(shutdownCtx, "coordinator stopped")
	return nil
}
