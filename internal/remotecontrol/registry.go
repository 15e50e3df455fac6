// Package remotecontrol implements the narrow getter/setter surface
// described in §4 and §6 of the spec, as a composition instead of the
// original RemoteControllable base class (§9 Design Notes): each
// component registers its parameters as a pair of closures under its own
// name, and the registry dispatches "(component, parameter) -> value" and
// "(component, parameter, value) -> error" calls.
package remotecontrol

import (
	"fmt"
	"sort"
	"sync"
)

// ParameterError reports a config/validation failure (§7 class 1):
// an invalid mode string, a read-only parameter write, or an unknown
// name. It is always reported synchronously to the caller and never
// changes component state.
type ParameterError struct {
	Component string
	Parameter string
	Reason    string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("remotecontrol: %s.%s: %s", e.Component, e.Parameter, e.Reason)
}

// Getter returns the current string value of a parameter.
type Getter func() string

// Setter validates and applies a new string value, or returns an error
// leaving the component's state unchanged.
type Setter func(value string) error

// Parameter is a single named, described remote-control field.
type Parameter struct {
	Name        string
	Description string
	Get         Getter
	// Set is nil for read-only parameters.
	Set Setter
}

// Registry maps (component, parameter) to accessor closures. It is safe
// for concurrent use: components register once at construction time and
// the remote-control surface calls Get/Set concurrently with the
// processing threads reading the component's own rc-mutable fields.
type Registry struct {
	mu         sync.RWMutex
	components map[string]map[string]Parameter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]map[string]Parameter)}
}

// Register adds a component's parameter set. Calling Register twice for
// the same component name merges parameters, with later registrations
// overriding earlier ones of the same name.
func (r *Registry) Register(component string, params ...Parameter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.components[component]
	if !ok {
		m = make(map[string]Parameter)
		r.components[component] = m
	}
	for _, p := range params {
		m[p.Name] = p
	}
}

// Unregister removes a component and all of its parameters.
func (r *Registry) Unregister(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.components, component)
}

// Get returns the current value of a parameter.
func (r *Registry) Get(component, parameter string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, err := r.lookup(component, parameter)
	if err != nil {
		return "", err
	}
	return p.Get(), nil
}

// Set validates and applies a new value to a parameter.
func (r *Registry) Set(component, parameter, value string) error {
	r.mu.RLock()
	p, err := r.lookup(component, parameter)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	if p.Set == nil {
		return &ParameterError{Component: component, Parameter: parameter, Reason: "is read-only"}
	}
	return p.Set(value)
}

func (r *Registry) lookup(component, parameter string) (Parameter, error) {
	m, ok := r.components[component]
	if !ok {
		return Parameter{}, &ParameterError{Component: component, Parameter: parameter, Reason: "unknown component"}
	}
	p, ok := m[parameter]
	if !ok {
		return Parameter{}, &ParameterError{Component: component, Parameter: parameter,
			Reason: fmt.Sprintf("not exported by controllable %s", component)}
	}
	return p, nil
}

// Components returns the registered component names, sorted.
func (r *Registry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.components))
	for name := range r.components {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Parameters returns the parameter names registered for a component,
// sorted, or nil if the component is unknown.
func (r *Registry) Parameters(component string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.components[component]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
