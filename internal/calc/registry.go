package calc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownCalculator = errors.New("unknown calculator")

// Factory builds a calculator from the task's raw options. It runs on every
// tick, so a re-registered factory takes effect on the next window.
type Factory func(options json.RawMessage) (Calculator, error)

type Registry struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Factory{}}
}

// Default returns a registry preloaded with the builtin calculators.
func Default() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("calculator name required")
	}
	if f == nil {
		return fmt.Errorf("calculator %q: nil factory", name)
	}
	r.mu.Lock()
	r.m[name] = f
	r.mu.Unlock()
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.m[strings.TrimSpace(name)]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Resolve builds a fresh calculator for name.
func (r *Registry) Resolve(name string, options json.RawMessage) (Calculator, error) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	f := r.m[name]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCalculator, name)
	}
	c, err := f(options)
	if err != nil {
		return nil, fmt.Errorf("calculator %q: %w", name, err)
	}
	if c == nil {
		return nil, fmt.Errorf("calculator %q: factory returned nil", name)
	}
	return c, nil
}

// DecodeOptions strictly decodes raw into v. Empty input leaves v untouched.
func DecodeOptions(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}
