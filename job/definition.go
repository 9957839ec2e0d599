package job

import "context"

// Definition is a typed automation job definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this job type
	// (e.g. "inspection.single", "inspection.batch").
	Name string

	// Handler processes the job payload. It receives a ReportFunc to
	// publish progress as the automation advances through phases.
	Handler func(ctx context.Context, payload T, report ReportFunc) error

	// Opts configures retries, queue, priority, and timeout.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T, report ReportFunc) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
