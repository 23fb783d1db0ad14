package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Spec is everything a Factory needs to bring a runtime up.
type Spec struct {
	Name        string
	Dir         string
	Tag         Tag
	Manifest    Manifest
	Interpreter string
	Config      map[string]any
	// Grace is how long Close waits after SIGTERM before killing.
	Grace  time.Duration
	Logger zerolog.Logger
}

// Factory constructs a runtime. It may block until the runtime is ready.
type Factory func(ctx context.Context, spec Spec) (Model, error)

// Registry maps capability tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Tag]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Tag]Factory)}
}

// DefaultRegistry maps every known tag to the subprocess runtime.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, m := range Markers {
		r.Register(m.Tag, StartSubprocess)
	}
	return r
}

// Register installs f for tag, replacing any previous factory.
func (r *Registry) Register(tag Tag, f Factory) {
	r.mu.Lock()
	r.factories[tag] = f
	r.mu.Unlock()
}

// Lookup returns the factory for tag.
func (r *Registry) Lookup(tag Tag) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[tag]
	return f, ok
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tag, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open constructs the runtime for spec.Tag.
func (r *Registry) Open(ctx context.Context, spec Spec) (Model, error) {
	f, ok := r.Lookup(spec.Tag)
	if !ok {
		return nil, fmt.Errorf("no runtime registered for capability %q", spec.Tag)
	}
	return f(ctx, spec)
}
