// Package template implements the template and node-handle contracts plus
// the built-in node templates (agent, trigger, docker runtime, tool, MCP).
package template

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// Registry is an instance-scoped template registry. It is a field of the
// engine rather than module-level state so tests and embedders can assemble
// their own template sets.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]core.Template
}

// NewRegistry builds a registry holding the given templates.
func NewRegistry(templates ...core.Template) *Registry {
	r := &Registry{templates: make(map[string]core.Template, len(templates))}
	for _, t := range templates {
		r.templates[t.Name()] = t
	}
	return r
}

// Register adds or replaces a template.
func (r *Registry) Register(t core.Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name()] = t
}

// Get returns the template with the given name.
func (r *Registry) Get(name string) (core.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("no template registered with name: %s", name)
	}
	return t, nil
}

// Names returns the registered template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ core.TemplateRegistry = (*Registry)(nil)

// Builtin returns the default template set the engine ships with. The docker
// runtime template is only included when docker options are given; its
// client is created lazily, on first use.
func Builtin(opts BuiltinOptions) *Registry {
	reg := NewRegistry(
		NewAgentTemplate(),
		NewTriggerTemplate(),
		NewFunctionToolTemplate(),
		NewMCPServerTemplate(),
	)
	if opts.Docker != nil {
		reg.Register(NewDockerRuntimeTemplate(opts.Docker))
	}
	return reg
}

// BuiltinOptions configures the built-in template set.
type BuiltinOptions struct {
	Docker *DockerRuntimeOptions
}
