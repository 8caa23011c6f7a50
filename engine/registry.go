package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the immutable catalog of published templates. Reads are
// lock-free against a snapshot map; hot reload swaps the whole snapshot so
// consumers always see a consistent catalog.
type Registry struct {
	mu       sync.RWMutex
	snapshot map[string]*Template
}

// NewRegistry validates every template and builds the initial snapshot.
func NewRegistry(templates []*Template) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(templates); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace atomically swaps in a new catalog snapshot. The old snapshot stays
// valid for readers that already hold a template pointer.
func (r *Registry) Replace(templates []*Template) error {
	next := make(map[string]*Template, len(templates))
	for _, tpl := range templates {
		if err := tpl.Validate(); err != nil {
			return err
		}
		if _, dup := next[tpl.Key]; dup {
			return fmt.Errorf("duplicate template key %q", tpl.Key)
		}
		if tpl.Version == 0 {
			tpl.Version = 1
		}
		next[tpl.Key] = tpl
	}
	r.mu.Lock()
	r.snapshot = next
	r.mu.Unlock()
	return nil
}

// Get looks up a template by key.
func (r *Registry) Get(key string) (*Template, error) {
	r.mu.RLock()
	tpl, ok := r.snapshot[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, key)
	}
	return tpl, nil
}

// List returns the catalog sorted by key.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	out := make([]*Template, 0, len(r.snapshot))
	for _, tpl := range r.snapshot {
		out = append(out, tpl)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
