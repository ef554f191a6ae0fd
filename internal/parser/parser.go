// ABOUTME: Parser contract, policy helpers and the name-keyed parser registry
// ABOUTME: Skills reference builtin parsers by name plus a policy map

package parser

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Policy configures a builtin parser, e.g. {"min": 1, "max": 100}.
type Policy map[string]any

// Param is the candidate value for a parameter key.
type Param struct {
	Key   string
	Value any
}

// Parser validates and transforms a raw value.
type Parser interface {
	// Type is the name skills use to reference the parser.
	Type() string
	Parse(ctx context.Context, param Param, policy Policy) (any, error)
}

// Registry resolves builtin parsers by name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
	logger  *slog.Logger
}

// NewRegistry creates a registry holding the string, number, email and list
// parsers plus any extra parsers given.
func NewRegistry(logger *slog.Logger, extra ...Parser) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		parsers: make(map[string]Parser),
		logger:  logger.With("component", "parser"),
	}
	builtins := []Parser{String{}, Number{}, Email{}, List{}}
	for _, p := range append(builtins, extra...) {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a parser. Returns ErrParserExists for a duplicate name.
func (r *Registry) Register(p Parser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.parsers[p.Type()]; exists {
		return fmt.Errorf("%w: %s", ErrParserExists, p.Type())
	}
	r.parsers[p.Type()] = p
	r.logger.Debug("parser registered", "type", p.Type())
	return nil
}

// Get returns the parser registered under name.
func (r *Registry) Get(name string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[name]
	return p, ok
}

// Types lists the registered parser names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse runs the named parser. A nil policy is treated as empty.
func (r *Registry) Parse(ctx context.Context, name string, param Param, policy Policy) (any, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParser, name)
	}
	if policy == nil {
		policy = Policy{}
	}
	return p.Parse(ctx, param, policy)
}

// Float returns a numeric policy value.
func (p Policy) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	return toFloat(v)
}

// String returns a string policy value; empty strings count as absent.
func (p Policy) String(key string) (string, bool) {
	s, ok := p[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// List returns a list policy value.
func (p Policy) List(key string) ([]any, bool) {
	switch v := p[key].(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
