package workflow

// Definition is a typed workflow definition with a handler function.
// T is the input type and must be JSON-serializable.
type Definition[T any] struct {
	// Name is the unique identifier for this workflow type.
	Name string

	// Version distinguishes incompatible revisions of the same workflow.
	// Zero is treated as 1. New runs use the highest registered version;
	// resumed runs keep the version they were started with.
	Version int

	// Handler executes the workflow logic through the durable step
	// methods of *Workflow.
	Handler func(wf *Workflow, input T) error
}

// NewWorkflow creates a typed workflow definition.
func NewWorkflow[T any](name string, handler func(wf *Workflow, input T) error) *Definition[T] {
	return &Definition[T]{
		Name:    name,
		Handler: handler,
	}
}

// WithVersion returns a copy of the definition stamped with version v.
func (d *Definition[T]) WithVersion(v int) *Definition[T] {
	cp := *d
	cp.Version = v
	return &cp
}
