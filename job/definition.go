package job

import "context"

// Definition is a typed task definition. In is decoded from the job payload
// and Out is encoded as the job result; both must be JSON-serializable.
type Definition[In, Out any] struct {
	Kind    Kind
	Handler func(ctx context.Context, in In) (Out, error)
	Opts    Options
}

// NewDefinition creates a typed task definition.
func NewDefinition[In, Out any](kind Kind, handler func(ctx context.Context, in In) (Out, error), opts ...Option) *Definition[In, Out] {
	def := &Definition[In, Out]{
		Kind:    kind,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
