// Package memory implements an in-process, watchable agency. It backs
// single-process deployments and the tests of everything built on top of the
// agency boundary.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardwatch/internal/agency"
)

// Compile-time check to verify that Store implements the Agency interface.
var _ agency.Agency = new(Store)

// RegisterHook is consulted before a watch is installed. A non-nil error
// fails the registration. Tests use it to inject per-path faults.
type RegisterHook func(path string) error

// Store is a thread-safe key-value map with per-path watches.
// Values are copied on the way in and on the way out.
type Store struct {
	mu      sync.RWMutex             // Protects data, watches and nextID
	data    map[string][]byte        // path -> value
	watches map[agency.Handle]*watch // Active watches
	nextID  agency.Handle            // Last handle handed out
	hook    RegisterHook             // Optional registration fault injection
	delay   time.Duration            // Artificial registration latency
	down    atomic.Bool              // Simulates an unreachable service
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		data:    make(map[string][]byte),
		watches: make(map[agency.Handle]*watch),
	}
}

// SetUnavailable makes every subsequent call fail with agency.ErrUnavailable
// until called again with false. Watches already installed keep delivering.
func (s *Store) SetUnavailable(down bool) { s.down.Store(down) }

// SetRegisterHook installs a hook consulted by RegisterWatch.
func (s *Store) SetRegisterHook(hook RegisterHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// SetRegisterDelay makes RegisterWatch take at least d, honouring the
// caller's context.
func (s *Store) SetRegisterDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Read returns a copy of the value stored at path.
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	if err := s.check(ctx, path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[path]
	if !ok {
		return nil, agency.ErrKeyNotFound
	}
	return clone(value), nil
}

// Write stores value at path and queues a change event on every watch of
// that path, in write order.
func (s *Store) Write(ctx context.Context, path string, value []byte) error {
	if err := s.check(ctx, path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.data[path]
	stored := clone(value)
	s.data[path] = stored
	s.notifyLocked(path, old, stored)
	return nil
}

// Delete removes path. Watches see a nil new value. Deleting a missing key
// is a no-op.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.check(ctx, path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.data[path]
	if !ok {
		return nil
	}
	delete(s.data, path)
	s.notifyLocked(path, old, nil)
	return nil
}

// RegisterWatch installs fn on path. The current value is queued as the
// first event before RegisterWatch returns, so no write can slip between
// the snapshot and the watch.
func (s *Store) RegisterWatch(ctx context.Context, path string, fn agency.WatchFunc) (agency.Handle, error) {
	if err := s.check(ctx, path); err != nil {
		return 0, err
	}

	s.mu.RLock()
	hook, delay := s.hook, s.delay
	s.mu.RUnlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: registering %s: %w", agency.ErrUnavailable, path, ctx.Err())
		}
	}
	if hook != nil {
		if err := hook(path); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	w := newWatch(path, fn)
	s.watches[id] = w
	w.enqueue(event{newValue: clone(s.data[path])})
	go w.run()

	return id, nil
}

// UnregisterWatch stops delivery for h. It does not wait for a callback that
// is already running.
func (s *Store) UnregisterWatch(ctx context.Context, h agency.Handle) error {
	if s.down.Load() {
		return agency.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[h]
	if !ok {
		return agency.ErrUnknownWatch
	}
	delete(s.watches, h)
	w.stop()
	return nil
}

// WatchCount reports how many watches are installed on path.
func (s *Store) WatchCount(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, w := range s.watches {
		if w.path == path {
			n++
		}
	}
	return n
}

// Close stops every watch.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.watches {
		w.stop()
		delete(s.watches, id)
	}
}

func (s *Store) check(ctx context.Context, path string) error {
	if s.down.Load() {
		return agency.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return agency.ValidatePath(path)
}

func (s *Store) notifyLocked(path string, old, value []byte) {
	for _, w := range s.watches {
		if w.path == path {
			w.enqueue(event{oldValue: clone(old), newValue: clone(value)})
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
