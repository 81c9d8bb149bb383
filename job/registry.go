package job

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the in-memory job store and the only mutator of job records.
// Readers always get copies.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Create inserts j. It fails if the id is already taken.
func (r *Registry) Create(j Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[j.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID)
	}
	r.jobs[j.ID] = &j
	return nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

// Update applies fn atomically with respect to every other registry call.
// If fn returns an error the record is left exactly as it was.
func (r *Registry) Update(id string, fn func(*Job) error) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	draft := *j
	if err := fn(&draft); err != nil {
		return *j, err
	}
	*j = draft
	return draft, nil
}

// List returns every job, oldest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	list := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		list = append(list, *j)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(a, b int) bool {
		if list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].ID < list[b].ID
		}
		return list[a].CreatedAt.Before(list[b].CreatedAt)
	})
	return list
}

// Sweep evicts terminal jobs that finished before cutoff and returns them.
func (r *Registry) Sweep(cutoff time.Time) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Job
	for id, j := range r.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			removed = append(removed, *j)
			delete(r.jobs, id)
		}
	}
	return removed
}

// Len returns the number of stored jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
