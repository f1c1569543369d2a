package tidecache

import (
	"context"
	"sync"
)

// Clients tells how many windows are currently controlled by the worker.
type Clients interface {
	Count(ctx context.Context) (int, error)
}

// Registry is an in-memory set of open client ids.
// It is rebuilt by the clients on every start and never persisted.
type Registry struct {
	mutex *sync.Mutex
	ids   map[string]struct{}
}

var _ Clients = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		mutex: &sync.Mutex{},
		ids:   make(map[string]struct{}),
	}
}

// Register adds the client. Registering twice is a no-op.
func (r *Registry) Register(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.ids[id] = struct{}{}
}

// Unregister removes the client and reports whether it was registered.
func (r *Registry) Unregister(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.ids[id]
	delete(r.ids, id)
	return ok
}

func (r *Registry) Count(context.Context) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.ids), nil
}
