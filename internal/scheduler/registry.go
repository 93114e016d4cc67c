package scheduler

import "sync"

// registry is the process-local set of job ids this scheduler has registered.
// The durable queue keys definitions by id as well, which covers restarts.
type registry struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newRegistry() *registry {
	return &registry{ids: make(map[string]struct{})}
}

// claim marks id as registered and reports whether the caller got it first.
func (r *registry) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *registry) release(id string) {
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()
}

func (r *registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}
