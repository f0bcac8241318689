package config

import (
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dcshock/brainpipe/pipeline"
)

// Factory builds a step from the params of a step entry. params is nil when
// the entry has none.
type Factory func(params map[string]any) (pipeline.Step, error)

// Registry maps step names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty step registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given name. Overwrites any existing registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[name] = f
}

// RegisterStep registers a fixed step; params are ignored.
func (r *Registry) RegisterStep(name string, step pipeline.Step) {
	r.Register(name, func(map[string]any) (pipeline.Step, error) { return step, nil })
}

// Get returns the factory for name, or nil and false if not found.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// MustGet returns the factory for name, or panics if not found.
func (r *Registry) MustGet(name string) Factory {
	f, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("config: step %q not registered", name))
	}
	return f
}

// Build looks up name and calls its factory. Unknown names and factory
// failures are configuration errors.
func (r *Registry) Build(name string, params map[string]any) (pipeline.Step, error) {
	f, ok := r.Get(name)
	if !ok {
		return nil, pipeline.ConfigErrorf("step %q not in registry", name)
	}
	step, err := f(params)
	if err != nil {
		if pipeline.IsConfigError(err) {
			return nil, err
		}
		return nil, &pipeline.ConfigError{Err: fmt.Errorf("step %q: %w", name, err)}
	}
	return step, nil
}

// Names returns all registered step names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DecodeParams fills out (a pointer to a struct with yaml tags) from params.
func DecodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
