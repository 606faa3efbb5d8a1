package conductor

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Jobs is the set of jobs known to a coordinator process, keyed by id.
type Jobs struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewJobs creates an empty job set.
func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]*Job)}
}

// Add stores j under its id.
func (js *Jobs) Add(j *Job) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.jobs[j.ID()] = j
}

// Get returns the job with the given id.
func (js *Jobs) Get(id string) (*Job, bool) {
	js.mu.RLock()
	defer js.mu.RUnlock()
	j, ok := js.jobs[id]
	return j, ok
}

// Remove forgets the job with the given id and returns it.
func (js *Jobs) Remove(id string) (*Job, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	j, ok := js.jobs[id]
	delete(js.jobs, id)
	return j, ok
}

// List returns the status of every job, sorted by id.
func (js *Jobs) List() []Status {
	js.mu.RLock()
	jobs := make([]*Job, 0, len(js.jobs))
	for _, j := range js.jobs {
		jobs = append(jobs, j)
	}
	js.mu.RUnlock()

	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
