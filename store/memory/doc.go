// Package memory provides an in-memory implementation of every flowbridge
// store interface. Values are copied on the way in and on the way out, so
// callers never share memory with the store.
//
// It is the default backend for tests and single-process development.
// Nothing survives a restart.
package memory
