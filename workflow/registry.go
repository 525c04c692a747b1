package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// RunnerFunc is a type-erased workflow handler over raw JSON input.
type RunnerFunc func(wf *Workflow, input []byte) error

type versioned struct {
	version int
	fn      RunnerFunc
}

// Registry maps workflow names to versioned handlers. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]versioned // kept sorted by version
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string][]versioned)}
}

// RegisterDefinition registers a typed workflow definition, replacing an
// earlier registration of the same name and version.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	fn := func(wf *Workflow, input []byte) error {
		var t T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t); err != nil {
				return fmt.Errorf("unmarshal input for workflow %q: %w", def.Name, err)
			}
		}
		return def.Handler(wf, t)
	}
	r.Register(def.Name, def.Version, fn)
}

// Register binds a raw handler to name and version.
func (r *Registry) Register(name string, version int, fn RunnerFunc) {
	if version <= 0 {
		version = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[name]
	for i := range list {
		if list[i].version == version {
			list[i].fn = fn
			return
		}
	}
	list = append(list, versioned{version: version, fn: fn})
	sort.Slice(list, func(i, j int) bool { return list[i].version < list[j].version })
	r.entries[name] = list
}

// Get returns the latest-version handler for name.
func (r *Registry) Get(name string) (RunnerFunc, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.entries[name]
	if len(list) == 0 {
		return nil, 0, false
	}
	latest := list[len(list)-1]
	return latest.fn, latest.version, true
}

// GetVersion returns the handler for a specific version. A version <= 0
// selects the latest.
func (r *Registry) GetVersion(name string, version int) (RunnerFunc, bool) {
	if version <= 0 {
		fn, _, ok := r.Get(name)
		return fn, ok
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.entries[name] {
		if v.version == version {
			return v.fn, true
		}
	}
	return nil, false
}

// Has reports whether any version of name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[name]) > 0
}

// Names returns all registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
