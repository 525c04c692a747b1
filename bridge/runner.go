package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/flowbridge/snapshot"
)

// JobPrefix prefixes the job name under which a workflow is enqueued.
const JobPrefix = "workflow:"

// JobName returns the job name that runs workflowName through the bridge.
func JobName(workflowName string) string { return JobPrefix + workflowName }

// InputError reports a job payload that cannot be turned into workflow
// input. No instance is started for it.
type InputError struct {
	Detail string
	Err    error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Detail
}

func (e *InputError) Unwrap() error { return e.Err }

type runnerConfig struct {
	contextAware bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerConfig)

// ContextAware makes the runner expect a snapshot.Envelope payload. When
// the envelope carries no snapshot, the bridge's provider supplies one.
func ContextAware() RunnerOption {
	return func(c *runnerConfig) { c.contextAware = true }
}

// Runner describes how a job payload becomes the input of one workflow.
type Runner struct {
	workflow     string
	contextAware bool
	prepare      func(payload []byte, current func() *snapshot.ContextSnapshot) ([]byte, error)
}

// For builds the runner of a workflow whose input type is T. Payloads must
// decode into T; the workflow receives them unchanged.
func For[T any](workflowName string, opts ...RunnerOption) *Runner {
	var cfg runnerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Runner{workflow: workflowName, contextAware: cfg.contextAware}
	if cfg.contextAware {
		r.prepare = prepareEnvelope[T]
	} else {
		r.prepare = preparePlain[T]
	}
	return r
}

// Workflow returns the name of the workflow the runner starts.
func (r *Runner) Workflow() string { return r.workflow }

// IsContextAware reports whether payloads are envelopes.
func (r *Runner) IsContextAware() bool { return r.contextAware }

func checkPayload(payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	switch {
	case len(trimmed) == 0:
		return &InputError{Detail: "empty payload"}
	case bytes.Equal(trimmed, []byte("null")):
		return &InputError{Detail: "null payload"}
	}
	return nil
}

func preparePlain[T any](payload []byte, _ func() *snapshot.ContextSnapshot) ([]byte, error) {
	if err := checkPayload(payload); err != nil {
		return nil, err
	}
	var data T
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, &InputError{Err: err}
	}
	// The decoded value only validates; the workflow gets the payload as sent.
	return append([]byte(nil), bytes.TrimSpace(payload)...), nil
}

func prepareEnvelope[T any](payload []byte, current func() *snapshot.ContextSnapshot) ([]byte, error) {
	if err := checkPayload(payload); err != nil {
		return nil, err
	}
	env, err := snapshot.DecodeEnvelope[T](payload)
	if err != nil {
		if errors.Is(err, snapshot.ErrMissingData) {
			return nil, &InputError{Detail: err.Error()}
		}
		return nil, &InputError{Err: err}
	}
	if env.Context == nil {
		env.Context = current()
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode workflow envelope: %w", err)
	}
	return out, nil
}

// Registry maps job names to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

// Register maps jobName to r, replacing any previous runner.
func (reg *Registry) Register(jobName string, r *Runner) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.runners[jobName] = r
}

// Get returns the runner registered for jobName.
func (reg *Registry) Get(jobName string) (*Runner, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.runners[jobName]
	return r, ok
}

// Names returns the registered job names in sorted order.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.runners))
	for name := range reg.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
