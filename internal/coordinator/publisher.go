package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/shardwatch/internal/agency"
	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/logger"
	"github.com/dreamware/shardwatch/internal/topology"
)

// ErrNoCandidate is returned by Failover for a shard none of whose
// replicas can take over.
var ErrNoCandidate = errors.New("no replica available to take over")

// ServerFilter narrows a list of servers to those believed reachable.
// recovery.Manager implements it.
type ServerFilter interface {
	FilterGoodServers(ctx context.Context, servers []cluster.ServerID) ([]cluster.ServerID, error)
}

// Publisher writes the registry's plan into the agency. Every write to a
// shard's primary record is what the recovery manager ends up watching.
type Publisher struct {
	agency   agency.Agency
	registry *topology.Registry
	logger   *logger.Logger
}

// NewPublisher creates a publisher for registry.
func NewPublisher(ag agency.Agency, registry *topology.Registry, log *logger.Logger) *Publisher {
	return &Publisher{
		agency:   ag,
		registry: registry,
		logger:   log.With("component", "plan_publisher"),
	}
}

// Publish writes one assignment, leader first.
func (p *Publisher) Publish(ctx context.Context, a *topology.ShardAssignment) error {
	value, err := agency.EncodeShardServers(agency.ShardServers(a.Servers()))
	if err != nil {
		return err
	}
	path := agency.PrimaryPath(a.Collection, a.Shard)
	if err := p.agency.Write(ctx, path, value); err != nil {
		return fmt.Errorf("publishing shard %s: %w", a.Shard, err)
	}
	p.logger.Debug(ctx, "published shard assignment", "shard", a.Shard, "primary", a.Primary, "replicas", a.Replicas)
	return nil
}

// PublishAll writes every assignment. It keeps going past failures and
// returns them joined.
func (p *Publisher) PublishAll(ctx context.Context) error {
	var errs []error
	for _, a := range p.registry.GetAllAssignments() {
		if err := p.Publish(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rebalance spreads every shard over servers and publishes the result.
// Leaders move, so every job watching a moved shard hears about it.
func (p *Publisher) Rebalance(ctx context.Context, servers []cluster.ServerID) ([]*topology.ShardAssignment, error) {
	assignments, err := p.registry.Rebalance(servers)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, a := range assignments {
		if err := p.Publish(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return assignments, errors.Join(errs...)
}

// Withdraw unassigns shard and deletes its primary record. Watchers see the
// deletion and keep their last known leader.
func (p *Publisher) Withdraw(ctx context.Context, shard cluster.ShardID) error {
	cid, ok := p.registry.CollectionOf(shard)
	if !ok {
		return fmt.Errorf("%w: %s", topology.ErrUnknownShard, shard)
	}
	if err := p.registry.RemoveShard(shard); err != nil {
		return err
	}
	if err := p.agency.Delete(ctx, agency.PrimaryPath(cid, shard)); err != nil {
		return fmt.Errorf("withdrawing shard %s: %w", shard, err)
	}
	p.logger.Info(ctx, "shard withdrawn", "shard", shard)
	return nil
}

// Failover moves every shard led by server to its first replica that filter
// accepts, then publishes the new assignment. A nil filter accepts every
// replica. Shards that cannot be moved are reported with ErrNoCandidate and
// keep their old leader.
//
// Returns the assignments that changed.
func (p *Publisher) Failover(ctx context.Context, server cluster.ServerID, filter ServerFilter) ([]*topology.ShardAssignment, error) {
	var (
		moved []*topology.ShardAssignment
		errs  []error
	)
	for _, shard := range p.registry.NodeShards(server) {
		a := p.registry.GetAssignment(shard)
		if a == nil || a.Primary != server {
			continue
		}

		candidates := a.Replicas
		if filter != nil {
			good, err := filter.FilterGoodServers(ctx, a.Replicas)
			if err != nil {
				errs = append(errs, fmt.Errorf("choosing replica for shard %s: %w", shard, err))
				continue
			}
			candidates = good
		}
		if len(candidates) == 0 {
			errs = append(errs, fmt.Errorf("shard %s: %w", shard, ErrNoCandidate))
			continue
		}

		promoted, err := p.registry.Promote(shard, candidates[0])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.Publish(ctx, promoted); err != nil {
			errs = append(errs, err)
			continue
		}
		p.logger.Warn(ctx, "shard failed over", "shard", shard, "from", server, "to", promoted.Primary)
		moved = append(moved, promoted)
	}
	return moved, errors.Join(errs...)
}

// FailoverFunc adapts Failover to a health monitor callback.
func (p *Publisher) FailoverFunc(filter ServerFilter) FailedFunc {
	return func(ctx context.Context, server cluster.ServerID) {
		if _, err := p.Failover(ctx, server, filter); err != nil {
			p.logger.Error(ctx, "failover incomplete", "server", server, "error", err)
		}
	}
}
