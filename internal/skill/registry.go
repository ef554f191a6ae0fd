// ABOUTME: Thread-safe registry mapping intent names to skill factories
// ABOUTME: Instantiation always builds a fresh skill so turns never share definitions

package skill

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrSkillNotFound indicates no skill is registered under the requested name.
var ErrSkillNotFound = errors.New("skill not found")

// ErrSkillExists indicates a skill with the same name is already registered.
var ErrSkillExists = errors.New("skill already registered")

// Factory constructs a fresh skill definition.
type Factory func() *Skill

// Registry maintains the skills available to the flow engine.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With("component", "skill"),
	}
}

// Register adds a skill factory under name.
// Returns ErrSkillExists if the name is taken.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("skill name is required")
	}
	if factory == nil {
		return fmt.Errorf("skill %s: factory is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrSkillExists, name)
	}
	r.factories[name] = factory

	r.logger.Info("=== SKILL REGISTERED ===",
		"skill", name,
		"total_skills", len(r.factories),
	)
	return nil
}

// Has reports whether a skill is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists registered skills in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instantiate builds a fresh skill registered under name.
// Returns ErrSkillNotFound if there is none.
func (r *Registry) Instantiate(name string) (*Skill, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	s := factory()
	if s == nil {
		return nil, fmt.Errorf("skill %s: factory returned nil", name)
	}
	s.Name = name
	return s, nil
}
