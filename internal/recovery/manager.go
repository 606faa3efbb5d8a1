package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardwatch/internal/agency"
	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/logger"
	"github.com/dreamware/shardwatch/internal/topology"
)

// DefaultRegisterTimeout bounds a single watch registration.
const DefaultRegisterTimeout = 10 * time.Second

// Conductor is a job coordinator interested in the leadership of its
// shards. ID identifies the conductor; two values with the same ID are the
// same listener.
type Conductor interface {
	ID() string
	OnShardPrimaryChanged(ctx context.Context, shard cluster.ShardID, oldPrimary, newPrimary cluster.ServerID) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegisterTimeout bounds each watch registration. Non-positive values
// are ignored.
func WithRegisterTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.registerTimeout = d
		}
	}
}

// WithSuspectTTL sets how long a demoted primary is excluded by
// FilterGoodServers. Non-positive values are ignored.
func WithSuspectTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.suspectTTL = d
		}
	}
}

// shardWatch is the manager's side of one agency watch. It is installed in
// Manager.watches before the agency call is made; ready is closed once the
// registration outcome is known.
type shardWatch struct {
	collection cluster.CollectionID
	shard      cluster.ShardID
	path       string

	// Guarded by Manager.mu.
	handle     agency.Handle
	registered bool
	err        error

	ready chan struct{}

	// deliverMu serialises callbacks of this watch, notification included.
	deliverMu sync.Mutex
}

func newShardWatch(cid cluster.CollectionID, shard cluster.ShardID) *shardWatch {
	return &shardWatch{
		collection: cid,
		shard:      shard,
		path:       agency.PrimaryPath(cid, shard),
		ready:      make(chan struct{}),
	}
}

// Manager tracks, per shard, the conductors interested in it, the last
// primary observed in the agency and the agency watch reporting changes.
//
// All registry state is guarded by mu. Agency calls and conductor handlers
// always run with mu released.
type Manager struct {
	agency   agency.Agency
	resolver topology.Resolver

	mu            sync.Mutex
	listeners     map[cluster.ShardID]mapset.Set[string]
	conductors    map[string]Conductor
	interests     map[string]mapset.Set[cluster.ShardID]
	primaryServer map[cluster.ShardID]cluster.ServerID
	watches       map[cluster.ShardID]*shardWatch
	closed        bool

	suspects        *suspects
	registerTimeout time.Duration
	suspectTTL      time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics *recoveryMetrics
}

// NewManager creates a Manager watching ag. The agency and the resolver
// are borrowed and must outlive the manager.
//
// The manager starts with nothing watched. Watches are created lazily by
// MonitorCollections and torn down when their last listener leaves; Close
// releases whatever is left.
//
// Parameters:
//   - ag: Agency holding the primary and health records
//   - resolver: Expands collections into shards
//   - log: Logger; a component attribute is added
//   - tracer: Tracer for registration and filtering spans
//   - mp: Meter provider for the recovery instruments
//   - opts: WithRegisterTimeout, WithSuspectTTL
//
// Returns:
//   - Initialized Manager
//   - Error if the metric instruments cannot be created
//
// Example:
//
//	manager, err := recovery.NewManager(store, registry, log,
//	    otel.Tracer("coordinator"), otel.GetMeterProvider(),
//	    recovery.WithSuspectTTL(time.Minute),
//	)
func NewManager(
	ag agency.Agency,
	resolver topology.Resolver,
	log *logger.Logger,
	tracer trace.Tracer,
	mp metric.MeterProvider,
	opts ...Option,
) (*Manager, error) {
	metrics, err := newRecoveryMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating recovery metrics: %w", err)
	}

	m := &Manager{
		agency:          ag,
		resolver:        resolver,
		listeners:       make(map[cluster.ShardID]mapset.Set[string]),
		conductors:      make(map[string]Conductor),
		interests:       make(map[string]mapset.Set[cluster.ShardID]),
		primaryServer:   make(map[cluster.ShardID]cluster.ServerID),
		watches:         make(map[cluster.ShardID]*shardWatch),
		registerTimeout: DefaultRegisterTimeout,
		suspectTTL:      DefaultSuspectTTL,
		logger:          log.With("component", "recovery_manager"),
		tracer:          tracer,
		metrics:         metrics,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.suspects = newSuspects(defaultSuspectCapacity, m.suspectTTL)

	return m, nil
}

type shardRef struct {
	collection cluster.CollectionID
	shard      cluster.ShardID
}

type addedListener struct {
	shard cluster.ShardID
	watch *shardWatch
}

// MonitorCollections registers c as a listener on every shard of the given
// collections. Shards without a watch get one; registrations run
// concurrently and each is bounded by the register timeout.
//
// The call is atomic: on failure it returns a *RegistrationError naming the
// offending shard and removes every listener it added, tearing down watches
// left without listeners. Listeners c already had before the call are kept.
// Registering the same conductor for the same shard twice is a no-op.
func (m *Manager) MonitorCollections(ctx context.Context, collections []cluster.CollectionID, c Conductor) error {
	if c == nil {
		return ErrNilConductor
	}
	id := c.ID()

	ctx, span := m.tracer.Start(ctx, "recovery.monitor_collections",
		trace.WithAttributes(
			attribute.String("conductor", id),
			attribute.Int("collections", len(collections)),
		))
	defer span.End()

	targets, err := m.resolve(ctx, collections)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve collections")
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	var (
		added   []addedListener
		created []*shardWatch
		joined  []*shardWatch
	)
	for _, t := range targets {
		w, ok := m.watches[t.shard]
		switch {
		case !ok:
			w = newShardWatch(t.collection, t.shard)
			m.watches[t.shard] = w
			m.listeners[t.shard] = mapset.NewThreadUnsafeSet[string]()
			created = append(created, w)
		case !w.registered:
			joined = append(joined, w)
		}
		if m.addListenerLocked(c, t.shard) {
			added = append(added, addedListener{shard: t.shard, watch: w})
		}
	}
	m.mu.Unlock()

	span.SetAttributes(
		attribute.Int("shards", len(targets)),
		attribute.Int("watches_created", len(created)),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range created {
		w := w
		g.Go(func() error { return m.registerShardWatch(gctx, w) })
	}
	for _, w := range joined {
		w := w
		g.Go(func() error { return m.awaitShardWatch(gctx, w) })
	}
	if err := g.Wait(); err != nil {
		m.rollback(ctx, id, added)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register shard watches")
		m.logger.Warn(ctx, "monitoring rolled back", "conductor", id, "error", err)
		return err
	}

	m.logger.Info(ctx, "monitoring collections",
		"conductor", id,
		"collections", collections,
		"shards", len(targets),
		"new_listeners", len(added),
	)
	return nil
}

func (m *Manager) resolve(ctx context.Context, collections []cluster.CollectionID) ([]shardRef, error) {
	seen := mapset.NewThreadUnsafeSet[cluster.ShardID]()
	var out []shardRef
	for _, cid := range collections {
		shards, err := m.resolver.ShardsOf(ctx, cid)
		if err != nil {
			return nil, &RegistrationError{Collection: cid, Err: err}
		}
		for _, s := range shards {
			if seen.Add(s) {
				out = append(out, shardRef{collection: cid, shard: s})
			}
		}
	}
	return out, nil
}

// addListenerLocked reports whether c was newly added to shard.
func (m *Manager) addListenerLocked(c Conductor, shard cluster.ShardID) bool {
	id := c.ID()
	if !m.listeners[shard].Add(id) {
		return false
	}
	m.conductors[id] = c
	in, ok := m.interests[id]
	if !ok {
		in = mapset.NewThreadUnsafeSet[cluster.ShardID]()
		m.interests[id] = in
	}
	in.Add(shard)
	return true
}

// removeListenerLocked drops id from shard, provided the shard is still
// watched by expect (any watch when expect is nil). The returned watch, if
// any, lost its last listener and must be unregistered once mu is released.
func (m *Manager) removeListenerLocked(id string, shard cluster.ShardID, expect *shardWatch) *shardWatch {
	w, ok := m.watches[shard]
	if !ok || (expect != nil && w != expect) {
		return nil
	}
	ls := m.listeners[shard]
	if !ls.Contains(id) {
		return nil
	}
	ls.Remove(id)
	m.forgetInterestLocked(id, shard)

	if !ls.IsEmpty() {
		return nil
	}
	m.dropWatchLocked(w)
	if !w.registered {
		// Still registering; registerShardWatch notices and cleans up.
		return nil
	}
	return w
}

func (m *Manager) forgetInterestLocked(id string, shard cluster.ShardID) {
	in, ok := m.interests[id]
	if !ok {
		return
	}
	in.Remove(shard)
	if in.IsEmpty() {
		delete(m.interests, id)
		delete(m.conductors, id)
	}
}

// dropWatchLocked uninstalls w together with its listeners and the primary
// it tracked.
func (m *Manager) dropWatchLocked(w *shardWatch) {
	if m.watches[w.shard] != w {
		return
	}
	if ls, ok := m.listeners[w.shard]; ok {
		ls.Each(func(id string) bool {
			m.forgetInterestLocked(id, w.shard)
			return false
		})
	}
	delete(m.watches, w.shard)
	delete(m.listeners, w.shard)
	delete(m.primaryServer, w.shard)
}

func (m *Manager) rollback(ctx context.Context, id string, added []addedListener) {
	var release []*shardWatch
	m.mu.Lock()
	for _, a := range added {
		if w := m.removeListenerLocked(id, a.shard, a.watch); w != nil {
			release = append(release, w)
		}
	}
	m.mu.Unlock()

	m.release(ctx, release)
}

// registerShardWatch installs the agency watch for w. The callback is bound
// to w, so events from a watch that has since been replaced or dropped are
// ignored. On failure w is uninstalled before ready is closed.
func (m *Manager) registerShardWatch(ctx context.Context, w *shardWatch) error {
	ctx, cancel := context.WithTimeout(ctx, m.registerTimeout)
	defer cancel()

	h, err := m.agency.RegisterWatch(ctx, w.path, func(oldValue, newValue []byte) {
		m.onPrimaryChange(w, oldValue, newValue)
	})

	m.mu.Lock()
	if err != nil {
		w.err = err
		m.dropWatchLocked(w)
		close(w.ready)
		m.mu.Unlock()

		regErr := &RegistrationError{Collection: w.collection, Shard: w.shard, Err: err}
		m.metrics.registrationFailed(ctx, regErr.Retryable())
		return regErr
	}
	w.handle = h
	w.registered = true
	stale := m.watches[w.shard] != w
	close(w.ready)
	m.mu.Unlock()

	m.metrics.watchAdded(ctx)
	if stale {
		// Every listener left while the registration was in flight.
		m.release(ctx, []*shardWatch{w})
		return nil
	}
	m.logger.Debug(ctx, "shard watch registered", "collection", w.collection, "shard", w.shard, "path", w.path)
	return nil
}

// awaitShardWatch waits for a registration started by another call.
func (m *Manager) awaitShardWatch(ctx context.Context, w *shardWatch) error {
	ctx, cancel := context.WithTimeout(ctx, m.registerTimeout)
	defer cancel()

	select {
	case <-w.ready:
	case <-ctx.Done():
		return &RegistrationError{Collection: w.collection, Shard: w.shard, Err: ctx.Err()}
	}

	m.mu.Lock()
	err := w.err
	m.mu.Unlock()
	if err != nil {
		return &RegistrationError{Collection: w.collection, Shard: w.shard, Err: err}
	}
	return nil
}

// onPrimaryChange is the agency callback of w.
func (m *Manager) onPrimaryChange(w *shardWatch, _, newValue []byte) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	ctx := context.Background()
	if newValue == nil {
		// Deleted or not yet written; keep the last known primary.
		return
	}
	servers, err := agency.DecodeShardServers(newValue)
	if err != nil {
		m.logger.Warn(ctx, "ignoring malformed shard record", "shard", w.shard, "path", w.path, "error", err)
		return
	}
	primary := servers.Primary()
	if primary == "" {
		return
	}

	m.mu.Lock()
	if m.watches[w.shard] != w {
		m.mu.Unlock()
		return
	}
	old, seeded := m.primaryServer[w.shard]
	if seeded && old == primary {
		m.mu.Unlock()
		return
	}
	m.primaryServer[w.shard] = primary
	m.suspects.markPromoted(primary)
	if !seeded {
		m.mu.Unlock()
		m.logger.Debug(ctx, "shard primary seeded", "shard", w.shard, "primary", primary)
		return
	}
	m.suspects.markDemoted(old)
	targets := m.snapshotLocked(w.shard)
	m.mu.Unlock()

	m.notify(ctx, w.shard, old, primary, targets)
}

// snapshotLocked returns the conductors listening on shard, sorted by ID.
func (m *Manager) snapshotLocked(shard cluster.ShardID) []Conductor {
	ids := m.listeners[shard].ToSlice()
	slices.Sort(ids)

	out := make([]Conductor, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.conductors[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// notify delivers one change to every target. A conductor that stopped
// monitoring after the snapshot was taken may still receive this one
// notification.
func (m *Manager) notify(ctx context.Context, shard cluster.ShardID, oldPrimary, newPrimary cluster.ServerID, targets []Conductor) {
	ctx, span := m.tracer.Start(ctx, "recovery.notify",
		trace.WithAttributes(
			attribute.String("shard", string(shard)),
			attribute.String("old_primary", string(oldPrimary)),
			attribute.String("new_primary", string(newPrimary)),
			attribute.Int("listeners", len(targets)),
		))
	defer span.End()

	m.logger.Info(ctx, "shard primary changed",
		"shard", shard,
		"old_primary", oldPrimary,
		"new_primary", newPrimary,
		"listeners", len(targets),
	)

	for _, c := range targets {
		if err := deliver(ctx, c, shard, oldPrimary, newPrimary); err != nil {
			span.RecordError(err)
			m.metrics.deliveryFailed(ctx, c.ID())
			m.logger.Error(ctx, "notification delivery failed", "conductor", c.ID(), "shard", shard, "error", err)
			continue
		}
		m.metrics.delivered(ctx)
	}
}

func deliver(ctx context.Context, c Conductor, shard cluster.ShardID, oldPrimary, newPrimary cluster.ServerID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &NotificationDeliveryError{
				Conductor:  c.ID(),
				Shard:      shard,
				OldPrimary: oldPrimary,
				NewPrimary: newPrimary,
				Err:        fmt.Errorf("%w: %v", ErrHandlerPanic, r),
			}
		}
	}()

	if herr := c.OnShardPrimaryChanged(ctx, shard, oldPrimary, newPrimary); herr != nil {
		return &NotificationDeliveryError{
			Conductor:  c.ID(),
			Shard:      shard,
			OldPrimary: oldPrimary,
			NewPrimary: newPrimary,
			Err:        herr,
		}
	}
	return nil
}

// StopMonitoring removes c from every shard it listens on. Shards left
// without listeners lose their watch and their tracked primary. Agency
// errors are logged, never returned. It is safe to call from inside
// OnShardPrimaryChanged; a notification already in flight for c may still
// be delivered once.
func (m *Manager) StopMonitoring(ctx context.Context, c Conductor) {
	if c == nil {
		return
	}
	id := c.ID()

	ctx, span := m.tracer.Start(ctx, "recovery.stop_monitoring",
		trace.WithAttributes(attribute.String("conductor", id)))
	defer span.End()

	m.mu.Lock()
	in, ok := m.interests[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	shards := in.ToSlice()
	var release []*shardWatch
	for _, s := range shards {
		if w := m.removeListenerLocked(id, s, nil); w != nil {
			release = append(release, w)
		}
	}
	m.mu.Unlock()

	m.release(ctx, release)
	m.logger.Info(ctx, "monitoring stopped", "conductor", id, "shards", len(shards), "watches_removed", len(release))
}

// release unregisters watches that were already removed from the registry.
// Teardown proceeds even if ctx is cancelled.
func (m *Manager) release(ctx context.Context, watches []*shardWatch) {
	ctx = context.WithoutCancel(ctx)
	for _, w := range watches {
		m.metrics.watchRemoved(ctx)
		if err := m.agency.UnregisterWatch(ctx, w.handle); err != nil {
			m.logger.Warn(ctx, "failed to unregister shard watch", "shard", w.shard, "path", w.path, "error", err)
		}
	}
}

// FilterGoodServers returns the servers, in input order and without
// duplicates, that are not believed to be unavailable:
//
//  1. the current primary of any watched shard is good;
//  2. a server demoted within the suspect TTL and not primary anywhere is bad;
//  3. otherwise the agency health record decides: missing or GOOD is good.
//
// The result is only meaningful when the error is nil. A failed health read
// yields a *QueryError; cached knowledge is kept either way.
func (m *Manager) FilterGoodServers(ctx context.Context, servers []cluster.ServerID) ([]cluster.ServerID, error) {
	ctx, span := m.tracer.Start(ctx, "recovery.filter_good_servers",
		trace.WithAttributes(attribute.Int("candidates", len(servers))))
	defer span.End()

	m.mu.Lock()
	primaries := mapset.NewThreadUnsafeSet[cluster.ServerID]()
	for _, p := range m.primaryServer {
		primaries.Add(p)
	}
	m.mu.Unlock()

	seen := mapset.NewThreadUnsafeSet[cluster.ServerID]()
	good := make([]cluster.ServerID, 0, len(servers))
	for _, s := range servers {
		if s == "" || !seen.Add(s) {
			continue
		}
		if primaries.Contains(s) {
			good = append(good, s)
			continue
		}
		if since, ok := m.suspects.since(s); ok {
			m.logger.Debug(ctx, "excluding demoted server", "server", s, "demoted_at", since)
			continue
		}

		status, ok, err := healthRecord(ctx, m.agency, s)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to query server health")
			return nil, &QueryError{Server: s, Err: err}
		}
		if !ok {
			m.logger.Debug(ctx, "excluding unhealthy server", "server", s, "status", status)
			continue
		}
		good = append(good, s)
	}

	span.SetAttributes(attribute.Int("good", len(good)))
	return good, nil
}

// PrimaryServer returns the last primary observed for shard.
func (m *Manager) PrimaryServer(shard cluster.ShardID) (cluster.ServerID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.primaryServer[shard]
	return p, ok
}

// Listeners returns the IDs of the conductors listening on shard, sorted.
func (m *Manager) Listeners(shard cluster.ShardID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.listeners[shard]
	if !ok {
		return nil
	}
	ids := ls.ToSlice()
	slices.Sort(ids)
	return ids
}

// WatchedShards returns the shards that currently have a watch, sorted.
func (m *Manager) WatchedShards() []cluster.ShardID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]cluster.ShardID, 0, len(m.watches))
	for s := range m.watches {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Close drops every listener and unregisters every watch. Later calls to
// MonitorCollections fail with ErrManagerClosed.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var release []*shardWatch
	for _, w := range m.watches {
		if w.registered {
			release = append(release, w)
		}
	}
	m.listeners = make(map[cluster.ShardID]mapset.Set[string])
	m.conductors = make(map[string]Conductor)
	m.interests = make(map[string]mapset.Set[cluster.ShardID])
	m.primaryServer = make(map[cluster.ShardID]cluster.ServerID)
	m.watches = make(map[cluster.ShardID]*shardWatch)
	m.mu.Unlock()

	m.release(ctx, release)
	m.logger.Info(ctx, "recovery manager closed", "watches_removed", len(release))
}
