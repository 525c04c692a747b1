package job

import (
	"context"
	"encoding/json"
	"fmt"
)

// Definition binds a job name to a typed handler. The payload is decoded
// from JSON into T before the handler runs. Options given to the
// constructor become the job's enqueue defaults; options passed at enqueue
// time override them.
type Definition[T any] struct {
	Name     string
	defaults []Option
	handle   func(ctx context.Context, payload T) ([]byte, error)
}

// NewDefinition defines a job whose handler produces no result.
func NewDefinition[T any](name string, fn func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	return &Definition[T]{
		Name:     name,
		defaults: opts,
		handle: func(ctx context.Context, p T) ([]byte, error) {
			return nil, fn(ctx, p)
		},
	}
}

// NewResultDefinition defines a job whose return value is stored, JSON
// encoded, as the job's Result.
func NewResultDefinition[T, R any](name string, fn func(ctx context.Context, payload T) (R, error), opts ...Option) *Definition[T] {
	return &Definition[T]{
		Name:     name,
		defaults: opts,
		handle: func(ctx context.Context, p T) ([]byte, error) {
			r, err := fn(ctx, p)
			if err != nil {
				return nil, err
			}
			out, err := json.Marshal(r)
			if err != nil {
				return nil, fmt.Errorf("marshal result of job %q: %w", name, err)
			}
			return out, nil
		},
	}
}

// Options resolves the definition's defaults.
func (d *Definition[T]) Options() Options {
	o := DefaultOptions()
	for _, opt := range d.defaults {
		opt(&o)
	}
	return o
}
