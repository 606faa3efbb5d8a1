package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/shardwatch/internal/agency"
	"github.com/dreamware/shardwatch/internal/cluster"
)

var (
	// ErrManagerClosed is returned by MonitorCollections after Close.
	ErrManagerClosed = errors.New("recovery manager closed")
	// ErrNilConductor is returned when a nil conductor is passed in.
	ErrNilConductor = errors.New("conductor is nil")
	// ErrHandlerPanic wraps the value recovered from a panicking handler.
	ErrHandlerPanic = errors.New("conductor handler panicked")
)

// RegistrationError reports that monitoring could not be established for a
// shard. The call that returned it has been rolled back. Shard is empty when
// the collection itself could not be resolved.
type RegistrationError struct {
	Collection cluster.CollectionID
	Shard      cluster.ShardID
	Err        error
}

func (e *RegistrationError) Error() string {
	if e.Shard == "" {
		return fmt.Sprintf("resolving collection %s: %v", e.Collection, e.Err)
	}
	return fmt.Sprintf("registering watch for shard %s of collection %s: %v", e.Shard, e.Collection, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Retryable reports whether the failure was transient: the agency was
// unreachable or the registration timed out.
func (e *RegistrationError) Retryable() bool {
	return errors.Is(e.Err, agency.ErrUnavailable) || errors.Is(e.Err, context.DeadlineExceeded)
}

// NotificationDeliveryError records a conductor handler that failed or
// panicked. It is logged and never returned to callers of the manager.
type NotificationDeliveryError struct {
	Conductor  string
	Shard      cluster.ShardID
	OldPrimary cluster.ServerID
	NewPrimary cluster.ServerID
	Err        error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("notifying conductor %s of shard %s primary change %s -> %s: %v",
		e.Conductor, e.Shard, e.OldPrimary, e.NewPrimary, e.Err)
}

func (e *NotificationDeliveryError) Unwrap() error { return e.Err }

// QueryError reports that the health of a server without cached knowledge
// could not be read from the agency.
type QueryError struct {
	Server cluster.ServerID
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("querying health of server %s: %v", e.Server, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
