package stream

import (
	"sync"

	"github.com/roasbeef/lattice/internal/wire"
)

// FilterFunc is a pure, stateless payload filter. It returns the transformed
// payload and whether the payload should be emitted at all. Params come from
// the opening invocation and are the same for every payload of the stream.
type FilterFunc func(payload []byte, params map[string]string) ([]byte, bool)

// AppliedFilter is a FilterFunc with its parameter map bound.
type AppliedFilter func(payload []byte) ([]byte, bool)

// FilterRegistry maps filter names to implementations. Registration normally
// happens at startup; lookup happens per stream open.
type FilterRegistry struct {
	mu      sync.RWMutex
	filters map[string]FilterFunc
}

// NewFilterRegistry creates an empty registry.
func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{
		filters: make(map[string]FilterFunc),
	}
}

// Register installs a named filter, replacing any previous registration.
func (r *FilterRegistry) Register(name string, fn FilterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.filters[name] = fn
}

// Resolve binds the invocation's filter spec to a registered implementation.
// A nil spec or an unknown name yields a pass-through filter: streams open
// unfiltered rather than failing.
func (r *FilterRegistry) Resolve(spec *wire.StreamFilter) AppliedFilter {
	if spec == nil {
		return passThrough
	}

	r.mu.RLock()
	fn, ok := r.filters[spec.Name]
	r.mu.RUnlock()

	if !ok {
		log.Warnf("Unknown stream filter %q, opening unfiltered",
			spec.Name)
		return passThrough
	}

	params := spec.Params

	return func(payload []byte) ([]byte, bool) {
		return fn(payload, params)
	}
}

func passThrough(payload []byte) ([]byte, bool) {
	return payload, true
}
