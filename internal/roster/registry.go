package roster

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maintains the live worker set, keyed by name.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: map[string]Worker{}}
}

// FromWorkers builds a registry from a loaded roster.
func FromWorkers(workers []Worker) (*Registry, error) {
	r := NewRegistry()
	for _, w := range workers {
		if err := r.Register(w); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register installs a worker. Returns an error if the name already exists.
func (r *Registry) Register(w Worker) error {
	worker, err := w.Normalize()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[worker.Name]; exists {
		return fmt.Errorf("roster: %s already registered", worker.Name)
	}
	r.workers[worker.Name] = worker
	return nil
}

// Lookup returns a worker by name.
func (r *Registry) Lookup(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// Workers returns every registered worker sorted by name.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workers := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers
}

// Names returns a sorted list of registered worker names.
func (r *Registry) Names() []string {
	workers := r.Workers()
	names := make([]string, len(workers))
	for i, w := range workers {
		names[i] = w.Name
	}
	return names
}
