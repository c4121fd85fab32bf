package runspace

import (
	"sort"
	"sync"
)

// The process-wide registry of live runspaces, used for introspection.
// Runspaces register on creation and deregister explicitly on close or
// dispose; there is no reliance on garbage collection.
var (
	registryMu sync.Mutex
	registry   = make(map[int64]*Runspace)
)

func register(r *Runspace) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[r.id] = r
}

func unregister(r *Runspace) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, r.id)
}

// List returns the live runspaces ordered by id.
func List() []*Runspace {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]*Runspace, 0, len(registry))
	for _, r := range registry {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Get returns the live runspace with the given id.
func Get(id int64) (*Runspace, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	r, ok := registry[id]
	return r, ok
}
