package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased job handler. The returned bytes become the
// job's Result when the handler succeeds.
type HandlerFunc func(ctx context.Context, j *Job) ([]byte, error)

// Registry maps job names to type-erased handler functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	defaults map[string][]Option
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		defaults: make(map[string][]Option),
	}
}

// Register binds a raw handler to a job name, replacing any previous one.
func (r *Registry) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterDefinition registers a typed job definition and its enqueue
// defaults. An empty payload leaves T at its zero value.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	r.Register(def.Name, func(ctx context.Context, j *Job) ([]byte, error) {
		var t T
		if len(j.Payload) > 0 {
			if err := json.Unmarshal(j.Payload, &t); err != nil {
				return nil, fmt.Errorf("unmarshal payload for job %q: %w", def.Name, err)
			}
		}
		return def.handle(ctx, t)
	})
	r.mu.Lock()
	r.defaults[def.Name] = def.defaults
	r.mu.Unlock()
}

// Defaults returns the enqueue defaults registered for name, if any.
func (r *Registry) Defaults(name string) []Option {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults[name]
}

// Get returns the handler for the given job name.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered job names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
