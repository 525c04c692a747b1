// Package id defines the prefixed identifiers used by every flowbridge entity.
//
// Identifiers are TypeIDs: a short type prefix, an underscore and a
// UUIDv7-derived suffix. They sort by creation time and are safe to embed in
// URLs and Redis keys.
package id

import (
	"fmt"

	"go.jetify.com/typeid"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

const (
	PrefixJob        Prefix = "job"
	PrefixBatch      Prefix = "batch"
	PrefixRun        Prefix = "wfrun"
	PrefixCheckpoint Prefix = "ckpt"
	PrefixCron       Prefix = "cron"
	PrefixEvent      Prefix = "evt"
	PrefixWorker     Prefix = "wkr"
	PrefixRequest    Prefix = "req"
	PrefixSubscriber Prefix = "sub"
)

// ID is a prefix-qualified identifier. The zero value is Nil.
//
//nolint:recvcheck // value receivers for reads, pointer receiver for UnmarshalText.
type ID struct {
	inner typeid.AnyID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates an ID with the given prefix. It panics on an invalid prefix,
// which is always a programming error.
func New(prefix Prefix) ID {
	tid, err := typeid.WithPrefix(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses a "prefix_suffix" string of any prefix.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.FromString(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that its prefix is expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return parsed
}

// ──────────────────────────────────────────────────
// Typed aliases
// ──────────────────────────────────────────────────

// JobID identifies a background job (prefix "job").
type JobID = ID

// BatchID identifies a group of jobs enqueued together (prefix "batch").
type BatchID = ID

// RunID identifies a workflow instance (prefix "wfrun").
type RunID = ID

// CronID identifies a recurring entry (prefix "cron").
type CronID = ID

// EventID identifies a workflow event (prefix "evt").
type EventID = ID

// WorkerID identifies a worker pool (prefix "wkr").
type WorkerID = ID

func NewJobID() ID        { return New(PrefixJob) }
func NewBatchID() ID      { return New(PrefixBatch) }
func NewRunID() ID        { return New(PrefixRun) }
func NewCheckpointID() ID { return New(PrefixCheckpoint) }
func NewCronID() ID       { return New(PrefixCron) }
func NewEventID() ID      { return New(PrefixEvent) }
func NewWorkerID() ID     { return New(PrefixWorker) }
func NewRequestID() ID    { return New(PrefixRequest) }
func NewSubscriberID() ID { return New(PrefixSubscriber) }

func ParseJobID(s string) (ID, error)   { return ParseWithPrefix(s, PrefixJob) }
func ParseBatchID(s string) (ID, error) { return ParseWithPrefix(s, PrefixBatch) }
func ParseRunID(s string) (ID, error)   { return ParseWithPrefix(s, PrefixRun) }
func ParseCronID(s string) (ID, error)  { return ParseWithPrefix(s, PrefixCron) }

// ──────────────────────────────────────────────────
// Methods
// ──────────────────────────────────────────────────

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the type prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
