// Package recovery tells job coordinators when the leader of one of their
// shards changes, and tells workers where to replicate the partitions they
// host.
//
// # Overview
//
// Two independent components live here. The Manager runs inside the
// coordinator process and watches the agency record of every shard some job
// cares about. The Worker runs on each compute node and caches, per local
// shard, the secondary that should receive its partition.
//
//	┌────────────┐ MonitorCollections ┌──────────────────────────────┐
//	│ Conductor  │───────────────────▶│           Manager            │
//	│ (job)      │◀───────────────────│ listeners  shard → {job}     │
//	└────────────┘ OnShardPrimary-    │ primary    shard → server    │
//	               Changed            │ watches    shard → watch     │
//	                                  └──────────────┬───────────────┘
//	                                                 │ RegisterWatch
//	                                                 ▼
//	                                  ┌──────────────────────────────┐
//	                                  │ agency                       │
//	                                  │ Current/Collections/<c>/<s>  │
//	                                  │ Supervision/Health/<server>  │
//	                                  └──────────────────────────────┘
//
// # Watch Lifecycle
//
// A shard is watched while at least one conductor listens on it:
//
//	UNWATCHED ──first listener──▶ WATCHED ──last listener leaves──▶ UNWATCHED
//
// A registration that fails leaves the shard UNWATCHED and fails the call
// that triggered it. MonitorCollections is atomic: either every requested
// shard ends up monitored for the conductor, or the call removes what it
// added.
//
// # Notification Ordering
//
// The first value seen for a shard only seeds the tracked primary. Each
// later change is compared with it under the manager lock; when it differs,
// the listener set is copied, the lock is released and every copied
// conductor is notified. Callbacks of one watch are serialised, so a
// conductor sees the primaries of a shard in the order the agency reported
// them. Handlers may call StopMonitoring or MonitorCollections.
//
// A conductor that stops monitoring while a notification is being fanned out
// may still receive that one notification. It is never re-added as a
// listener by a late callback.
//
// # Server Health
//
// FilterGoodServers combines three sources, strongest first: current
// primaries are good, primaries demoted within the suspect TTL are bad, and
// the agency health record decides for everyone else.
//
// # Error Handling
//
//   - RegistrationError: surfaced by MonitorCollections; Retryable reports
//     whether MonitorWithRetry would try again.
//   - NotificationDeliveryError: a handler failed or panicked; logged and
//     counted, delivery to other conductors continues.
//   - QueryError: a health record could not be read by FilterGoodServers.
//
// Unregistration failures during StopMonitoring and Close are logged only.
//
// # Concurrency and Synchronization
//
// Lock Granularity:
//   - One manager mutex guards listeners, interests, primaries and watches
//   - Each watch has its own delivery mutex, held while its conductors run
//   - Agency calls and conductor callbacks never run under the manager lock
//
// Pending Registrations:
//   - A watch is installed before the agency call, marked pending
//   - Concurrent callers for the same shard wait on the pending watch
//   - If the registration fails, every waiter fails with the same error
//   - If the last listener leaves while pending, the watch is released as
//     soon as the registration settles
//
// Goroutine Patterns:
//   - MonitorCollections registers shards concurrently through an errgroup
//   - Each registration is bounded by the register timeout
//   - Delivery runs on the agency's callback goroutine for that watch
//
// # Failure Scenarios and Recovery
//
// Agency Unavailable:
//   - Detection: RegisterWatch or Read fails with agency.ErrUnavailable
//   - Impact: MonitorCollections fails atomically, nothing is watched
//   - Recovery: MonitorWithRetry backs off exponentially and tries again
//
// Leader Failure:
//   - Detection: supervision writes FAILED and the plan promotes a replica
//   - Impact: the watched primary record changes
//   - Recovery: every listening conductor is told old and new primary
//
// Misbehaving Conductor:
//   - Detection: handler returns an error or panics
//   - Impact: that conductor misses the notification
//   - Recovery: none needed; other conductors are still notified
//
// Stale Secondary on a Worker:
//   - Detection: the plan changed after the worker cached it
//   - Impact: a partition may be shipped to the old secondary
//   - Recovery: ReloadPlanData followed by Refresh
//
// # Configuration
//
// Key parameters:
//
//	RegisterTimeout:  10s    // Bound on one watch registration
//	SuspectTTL:       30s    // How long a demoted primary counts as bad
//	SuspectCapacity:  1024   // Demoted servers remembered at once
//	MaxAttempts:      5      // MonitorWithRetry attempts
//	InitialInterval:  100ms  // First MonitorWithRetry backoff
//
// # Usage Example
//
//	manager, err := recovery.NewManager(ag, registry, log, tracer, meterProvider,
//	    recovery.WithRegisterTimeout(5*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	defer manager.Close(ctx)
//
//	// job implements Conductor.
//	if err := recovery.MonitorWithRetry(ctx, manager, []cluster.CollectionID{"vertices"},
//	    job, recovery.DefaultRetryPolicy()); err != nil {
//	    return err
//	}
//	defer manager.StopMonitoring(ctx, job)
//
//	good, err := manager.FilterGoodServers(ctx, []cluster.ServerID{"PRMR-2", "PRMR-3"})
//
// # Monitoring and Observability
//
// Metrics (meter "shardwatch_recovery"):
//   - watches_active: shard watches currently registered
//   - notifications_delivered_total: notifications handed to conductors
//   - notification_delivery_failures_total: failed or panicking handlers
//   - registration_failures_total: watch registrations that failed
//   - replications_total: partitions handed to the replicator
//
// Spans: recovery.monitor_collections, recovery.notify,
// recovery.stop_monitoring, recovery.filter_good_servers,
// recovery.replicate_graph_data and recovery.refresh_plan.
//
// # See Also
//
// Related packages:
//   - internal/agency: the watched key-value store
//   - internal/topology: collection to shard resolution
//   - internal/conductor: the job that implements Conductor
//   - internal/coordinator: writes the records the manager watches
package recovery
