package memory

import (
	"sync"

	"github.com/dreamware/shardwatch/internal/agency"
)

type event struct {
	oldValue []byte
	newValue []byte
}

// watch delivers queued events to its callback from a single goroutine.
// The queue is unbounded so writers never block on a slow callback.
type watch struct {
	path string
	fn   agency.WatchFunc

	mu    sync.Mutex
	queue []event

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newWatch(path string, fn agency.WatchFunc) *watch {
	return &watch{
		path: path,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (w *watch) enqueue(ev event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watch) stop() { w.once.Do(func() { close(w.done) }) }

func (w *watch) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *watch) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			if w.stopped() {
				return
			}
			w.fn(ev.oldValue, ev.newValue)
		}
	}
}
