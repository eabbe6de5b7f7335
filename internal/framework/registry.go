package framework

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// FactoryEnv names the environment variable consulted when no factory is configured.
const FactoryEnv = "FWAGENT_FRAMEWORK_FACTORY"

// Registry holds the runtime factories and activators available to the agent.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	activators map[string]func() Activator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		activators: make(map[string]func() Activator),
	}
}

// DefaultRegistry is where built-in factories and activators register themselves.
var DefaultRegistry = NewRegistry()

// RegisterFactory adds a factory under name.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// RegisterActivator adds an activator constructor under name.
func (r *Registry) RegisterActivator(name string, fn func() Activator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activators[name] = fn
}

// ResolveFactory finds the factory to use. An explicit name wins, then the
// FWAGENT_FRAMEWORK_FACTORY environment variable, then the first registered
// factory in name order. ErrNoFactory is returned when nothing matches.
func (r *Registry) ResolveFactory(name string) (string, Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = os.Getenv(FactoryEnv)
	}
	if name != "" {
		f, ok := r.factories[name]
		if !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrNoFactory, name)
		}
		return name, f, nil
	}

	if len(r.factories) == 0 {
		return "", nil, ErrNoFactory
	}
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names[0], r.factories[names[0]], nil
}

// NewActivator builds the named activator.
func (r *Registry) NewActivator(name string) (Activator, error) {
	r.mu.RLock()
	fn, ok := r.activators[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActivator, name)
	}
	return fn(), nil
}

// ActivatorNames lists the registered activators in name order.
func (r *Registry) ActivatorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activators))
	for n := range r.activators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SplitList splits a comma-separated property value, dropping blanks.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
