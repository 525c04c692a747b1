package snapshot

import "context"

type contextKey string

const snapshotKey contextKey = "flowbridge.snapshot"

// WithSnapshot returns a context carrying a copy of s.
func WithSnapshot(ctx context.Context, s *ContextSnapshot) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, snapshotKey, s.Clone())
}

// FromContext returns a copy of the snapshot stored in ctx, or nil.
func FromContext(ctx context.Context) *ContextSnapshot {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(snapshotKey).(*ContextSnapshot)
	return s.Clone()
}

// Provider supplies the snapshot of the current call, if there is one.
// A nil snapshot is normal, not an error.
type Provider interface {
	Snapshot(ctx context.Context) *ContextSnapshot
}

// NullProvider never has a snapshot.
type NullProvider struct{}

// Snapshot implements Provider.
func (NullProvider) Snapshot(context.Context) *ContextSnapshot { return nil }

// ContextProvider returns the snapshot placed in the context by Middleware
// or WithSnapshot.
type ContextProvider struct{}

// Snapshot implements Provider.
func (ContextProvider) Snapshot(ctx context.Context) *ContextSnapshot { return FromContext(ctx) }

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) *ContextSnapshot

// Snapshot implements Provider.
func (f ProviderFunc) Snapshot(ctx context.Context) *ContextSnapshot { return f(ctx) }
