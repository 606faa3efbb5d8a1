package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/dreamware/shardwatch/internal/cluster"
)

// RetryPolicy bounds how often a job start retries MonitorCollections.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy tries five times, starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// MonitorWithRetry calls m.MonitorCollections until it succeeds, the policy
// is exhausted or ctx is done. Only retryable registration errors are
// retried; every attempt is atomic, so a failed one leaves nothing behind.
//
// Parameters:
//   - m: Manager to register with
//   - collections: Collections whose shards c should follow
//   - c: The listening conductor
//   - p: Attempt budget and backoff bounds; MaxAttempts 0 means 1
//
// Returns:
//   - nil once registered
//   - The last *RegistrationError, a non-retryable one, or ctx's error
//
// Example:
//
//	policy := recovery.DefaultRetryPolicy()
//	policy.MaxAttempts = 3
//	err := recovery.MonitorWithRetry(ctx, manager, job.Collections(), job, policy)
func MonitorWithRetry(ctx context.Context, m *Manager, collections []cluster.CollectionID, c Conductor, p RetryPolicy) error {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		expBackoff.MaxInterval = p.MaxInterval
	}
	expBackoff.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := m.MonitorCollections(ctx, collections, c)
		if err == nil {
			return nil
		}
		var regErr *RegistrationError
		if !errors.As(err, &regErr) || !regErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		m.logger.Warn(ctx, "monitoring attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"retry_in", next,
			"error", err,
		)
	}

	// WithMaxRetries treats zero as unlimited.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if p.MaxAttempts > 1 {
		policy = backoff.WithMaxRetries(expBackoff, p.MaxAttempts-1)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
}
