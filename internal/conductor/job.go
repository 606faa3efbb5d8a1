// Package conductor implements the job coordinator side of recovery: a job
// that monitors its collections while it runs and reacts when the leader of
// one of its shards moves.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/logger"
	"github.com/dreamware/shardwatch/internal/recovery"
)

// State is the lifecycle state of a job.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StateRecovering State = "recovering"
	StateAborted    State = "aborted"
	StateDone       State = "done"
)

// Policy decides what a job does when one of its shards changes leader.
type Policy string

const (
	// PolicyRecover keeps the job alive and marks it recovering.
	PolicyRecover Policy = "recover"
	// PolicyAbort stops monitoring and aborts the job.
	PolicyAbort Policy = "abort"
)

// ErrInvalidTransition is returned for lifecycle calls in the wrong state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Change is one leadership change observed by a job.
type Change struct {
	Shard      cluster.ShardID  `json:"shard"`
	OldPrimary cluster.ServerID `json:"old_primary"`
	NewPrimary cluster.ServerID `json:"new_primary"`
	At         time.Time        `json:"at"`
}

// Monitor is the part of the recovery manager a job needs.
type Monitor interface {
	MonitorCollections(ctx context.Context, collections []cluster.CollectionID, c recovery.Conductor) error
	StopMonitoring(ctx context.Context, c recovery.Conductor)
}

// Job is a graph computation over a set of collections. It implements
// recovery.Conductor.
type Job struct {
	id          string
	collections []cluster.CollectionID
	policy      Policy
	monitor     Monitor
	logger      *logger.Logger

	mu      sync.Mutex
	state   State
	changes []Change
}

// Compile-time check to verify that Job implements recovery.Conductor.
var _ recovery.Conductor = new(Job)

// NewJob creates a job with a fresh id. It does not start monitoring.
func NewJob(collections []cluster.CollectionID, policy Policy, monitor Monitor, log *logger.Logger) (*Job, error) {
	if len(collections) == 0 {
		return nil, errors.New("job needs at least one collection")
	}
	switch policy {
	case PolicyRecover, PolicyAbort:
	case "":
		policy = PolicyRecover
	default:
		return nil, fmt.Errorf("unknown recovery policy %q", policy)
	}

	id := uuid.NewString()
	return &Job{
		id:          id,
		collections: append([]cluster.CollectionID(nil), collections...),
		policy:      policy,
		monitor:     monitor,
		logger:      log.With("component", "job", "job_id", id),
		state:       StateCreated,
	}, nil
}

func (j *Job) ID() string { return j.id }

// Collections returns the collections the job computes on.
func (j *Job) Collections() []cluster.CollectionID {
	return append([]cluster.CollectionID(nil), j.collections...)
}

// Policy returns the job's recovery policy.
func (j *Job) Policy() Policy { return j.policy }

// Start marks the job running and begins monitoring its collections. The
// job is running before registration starts, so a change delivered while
// MonitorCollections is still in progress already applies the policy. If
// registration fails the job goes back to created, unless it aborted
// meanwhile. The registration function lets callers wrap
// MonitorCollections, for example with retries; nil means a single direct
// call.
func (j *Job) Start(ctx context.Context, register func(ctx context.Context) error) error {
	j.mu.Lock()
	if j.state != StateCreated {
		state := j.state
		j.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, state)
	}
	j.state = StateRunning
	j.mu.Unlock()

	if register == nil {
		register = func(ctx context.Context) error {
			return j.monitor.MonitorCollections(ctx, j.collections, j)
		}
	}
	if err := register(ctx); err != nil {
		j.mu.Lock()
		if j.state != StateAborted {
			j.state = StateCreated
		}
		j.mu.Unlock()
		return fmt.Errorf("starting job %s: %w", j.id, err)
	}

	j.logger.Info(ctx, "job started", "collections", j.collections, "policy", j.policy)
	return nil
}

// Finish stops monitoring and marks the job done. Finishing an aborted job
// keeps it aborted.
func (j *Job) Finish(ctx context.Context) {
	j.monitor.StopMonitoring(ctx, j)

	j.mu.Lock()
	if j.state != StateAborted {
		j.state = StateDone
	}
	state := j.state
	j.mu.Unlock()
	j.logger.Info(ctx, "job finished", "state", state)
}

// OnShardPrimaryChanged records the change and applies the job's policy.
// Under PolicyAbort the job unsubscribes from inside the notification.
func (j *Job) OnShardPrimaryChanged(ctx context.Context, shard cluster.ShardID, oldPrimary, newPrimary cluster.ServerID) error {
	j.mu.Lock()
	j.changes = append(j.changes, Change{Shard: shard, OldPrimary: oldPrimary, NewPrimary: newPrimary, At: time.Now()})
	state := j.state
	if state == StateRunning || state == StateRecovering {
		switch j.policy {
		case PolicyAbort:
			j.state = StateAborted
		default:
			j.state = StateRecovering
		}
	}
	next := j.state
	j.mu.Unlock()

	j.logger.Warn(ctx, "shard leader changed",
		"shard", shard,
		"old_primary", oldPrimary,
		"new_primary", newPrimary,
		"state", next,
	)

	if next == StateAborted && state != StateAborted {
		j.monitor.StopMonitoring(ctx, j)
	}
	return nil
}

// Recovered marks a recovering job as running again.
func (j *Job) Recovered() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRecovering {
		return fmt.Errorf("%w: recovered from %s", ErrInvalidTransition, j.state)
	}
	j.state = StateRunning
	return nil
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Changes returns the leadership changes seen so far, oldest first.
func (j *Job) Changes() []Change {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Change(nil), j.changes...)
}

// Status is a point-in-time view of a job.
type Status struct {
	ID          string                 `json:"id"`
	State       State                  `json:"state"`
	Policy      Policy                 `json:"policy"`
	Collections []cluster.CollectionID `json:"collections"`
	Changes     []Change               `json:"changes"`
}

// Status returns a snapshot of the job.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Status{
		ID:          j.id,
		State:       j.state,
		Policy:      j.policy,
		Collections: append([]cluster.CollectionID(nil), j.collections...),
		Changes:     append([]Change(nil), j.changes...),
	}
}
