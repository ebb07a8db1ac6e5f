package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Mudityadev/charles-map/dispatch"
)

// HandlerFunc is a type-erased task handler. It receives the raw JSON
// payload and returns a JSON result.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

type entry struct {
	handler HandlerFunc
	opts    Options
}

// Registry is the static mapping from task kind to handler. Lookups of
// names outside the registered set take a single ErrUnknownTask path.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]entry)}
}

// Register binds h to kind k.
func (r *Registry) Register(k Kind, h HandlerFunc, opts ...Option) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[k] = entry{handler: h, opts: o}
}

// RegisterDefinition registers a typed definition. The payload is decoded
// into In before the handler runs and Out is encoded as the job result.
// A payload that does not decode is a terminal failure: retrying cannot fix it.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[In, Out any](r *Registry, def *Definition[In, Out]) {
	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		var in In
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, dispatch.Terminal(fmt.Errorf("%w: decode %q payload: %v",
					dispatch.ErrInvalidPayload, def.Kind, err))
			}
		}
		out, err := def.Handler(ctx, in)
		if err != nil {
			return nil, err
		}
		result, err := json.Marshal(out)
		if err != nil {
			return nil, dispatch.Terminal(fmt.Errorf("encode %q result: %w", def.Kind, err))
		}
		return result, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Kind] = entry{handler: handler, opts: def.Opts}
}

// Lookup resolves a task name to its handler and options.
func (r *Registry) Lookup(name string) (HandlerFunc, Options, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[Kind(name)]
	if !ok {
		return nil, Options{}, fmt.Errorf("%w: %q", dispatch.ErrUnknownTask, name)
	}
	return e.handler, e.opts, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
