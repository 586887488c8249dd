package experiment

import (
	"fmt"
	"sort"
	"sync"
)

// Logger receives registry traces. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes registry construction.
type Option func(*Registry)

// WithLogger routes registration traces to l.
func WithLogger(l Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry maps experiment names to modules.
//
// Registering a name that already exists replaces the previous module without
// an error. Callers that need to know which requested experiments are missing
// must compare their request against Names or All.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	logger  Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{modules: map[string]Module{}, logger: nopLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs m under name, replacing any previous entry.
func (r *Registry) Register(name string, m Module) error {
	if name == "" {
		return fmt.Errorf("experiment: name is required")
	}
	if m == nil {
		return fmt.Errorf("experiment: module is required for %s", name)
	}
	r.logger.Printf("Registering experiment: %s", name)
	r.mu.Lock()
	r.modules[name] = m
	r.mu.Unlock()
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, m Module) {
	if err := r.Register(name, m); err != nil {
		panic(err)
	}
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// All returns a snapshot of every registered module. The map is a copy;
// changing it does not affect the registry.
func (r *Registry) All() map[string]Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Module, len(r.modules))
	for name, m := range r.modules {
		out[name] = m
	}
	return out
}

// Names returns a sorted list of registered experiment names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports how many experiments are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Reset drops every registration.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.modules = map[string]Module{}
	r.mu.Unlock()
}
