// Package snapshot carries request metadata across the asynchronous
// boundary between the code that enqueues a workflow and the worker that
// runs it.
//
// A [ContextSnapshot] holds plain values only. It is captured from an
// *http.Request by [Capture] or [Middleware], filtered through header and
// claim allow-lists, and never references the live request. Context-aware
// workflows receive it inside an [Envelope].
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// ContextSnapshot is a detached copy of request metadata.
type ContextSnapshot struct {
	RequestPath   string            `json:"request_path,omitempty"`
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Claims        map[string]string `json:"claims,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	RemoteAddress string            `json:"remote_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Clone returns a deep copy of s. Clone of nil is nil.
func (s *ContextSnapshot) Clone() *ContextSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Headers = maps.Clone(s.Headers)
	cp.Claims = maps.Clone(s.Claims)
	return &cp
}

// Header returns the captured value of a header, or "".
func (s *ContextSnapshot) Header(name string) string {
	if s == nil {
		return ""
	}
	return s.Headers[canonicalHeader(name)]
}

// Claim returns the captured value of a claim, or "".
func (s *ContextSnapshot) Claim(name string) string {
	if s == nil {
		return ""
	}
	return s.Claims[name]
}

// Envelope wraps the input of a context-aware workflow.
type Envelope[T any] struct {
	Data      T                `json:"data"`
	Context   *ContextSnapshot `json:"context,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Wrap builds an envelope around data with a copy of snap.
func Wrap[T any](data T, snap *ContextSnapshot) Envelope[T] {
	return Envelope[T]{
		Data:      data,
		Context:   snap.Clone(),
		CreatedAt: time.Now().UTC(),
	}
}

// ErrMissingData is returned by DecodeEnvelope when the payload has no
// data member or its data is null.
var ErrMissingData = errors.New("envelope has no data")

// DecodeEnvelope decodes an envelope and rejects one without data.
func DecodeEnvelope[T any](payload []byte) (*Envelope[T], error) {
	var probe struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(probe.Data) == 0 || string(probe.Data) == "null" {
		return nil, ErrMissingData
	}

	var env Envelope[T]
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
