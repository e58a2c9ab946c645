package workflow

import (
	"fmt"
	"sync"
)

// TemplateRegistry holds reusable workflow definitions for SUBFLOW nodes.
// Registration happens at boot; lookups happen on the executor's hot path,
// hence the read lock.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*Definition
}

// NewTemplateRegistry returns an empty registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{templates: make(map[string]*Definition)}
}

// Register stores a template under its name. The definition is validated
// eagerly so a broken template fails at boot, not mid-workflow.
func (r *TemplateRegistry) Register(name string, def *Definition) error {
	if name == "" {
		return fmt.Errorf("template needs a name")
	}
	if _, _, _, err := def.Build(); err != nil {
		return fmt.Errorf("template %q is invalid: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[name]; exists {
		return fmt.Errorf("template %q is already registered", name)
	}
	r.templates[name] = def
	return nil
}

// Get returns the template registered under name.
func (r *TemplateRegistry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("no workflow template named %q", name)
	}
	return def, nil
}

// Names lists the registered template names.
func (r *TemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}
