// Package middleware holds the wrappers the worker applies around every
// job handler.
//
//	chain := middleware.Chain(
//		middleware.Recover(logger),
//		middleware.Tracing(),
//		middleware.RestoreSnapshot(),
//	)
//
// The first middleware passed to [Chain] is the outermost. [RestoreSnapshot]
// lets context-aware workflows enqueued from an HTTP request see the
// caller's snapshot even when the bridge's provider reads from the context.
package middleware
