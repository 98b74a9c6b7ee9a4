// Package catalog holds the declarative task definitions. A Registry is
// validated once at load and read-only afterwards.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
)

var ErrUnknownTask = errors.New("unknown task")

// ConfigurationError reports an invalid task definition.
type ConfigurationError struct {
	Task   string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("task %q: %s", e.Task, e.Reason)
	}
	return fmt.Sprintf("task %q: %s: %s", e.Task, e.Field, e.Reason)
}

var keyRe = regexp.MustCompile(`^\w+$`)

// TaskDefinition is one validated task.
type TaskDefinition struct {
	Key        string          `json:"key"`
	Name       string          `json:"name"`
	Calculator string          `json:"calculator"`
	Stream     string          `json:"stream"`
	Duration   time.Duration   `json:"duration"`
	Align      time.Duration   `json:"align,omitempty"`
	Autostart  bool            `json:"autostart"`
	Options    json.RawMessage `json:"options,omitempty"`
}

// Hash identifies the definition's content. Option key order and whitespace
// do not affect it.
func (d TaskDefinition) Hash() uint64 {
	c := d
	c.Options = canonicalJSON(d.Options)
	b, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func canonicalJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}

// Spec is the unvalidated, config-shaped form of a task. Durations are Go
// duration strings.
type Spec struct {
	Name       string
	Calculator string
	Stream     string
	Duration   string
	Align      string
	Autostart  bool
	Options    json.RawMessage
}

// Checks are the external facts a definition is validated against.
type Checks struct {
	// Calculator reports whether a calculator name is registered.
	Calculator func(name string) bool
	// Stream reports whether a stream name is configured.
	Stream func(name string) bool
}

type Registry struct {
	defs map[string]TaskDefinition
	keys []string
}

// Build validates specs and returns the registry. Every invalid task is
// reported; errors.As finds the individual *ConfigurationError values.
func Build(specs map[string]Spec, chk Checks) (*Registry, error) {
	r := &Registry{defs: make(map[string]TaskDefinition, len(specs))}

	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs error
	for _, k := range keys {
		def, err := validate(k, specs[k], chk)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		r.defs[def.Key] = def
		r.keys = append(r.keys, def.Key)
	}
	if errs != nil {
		return nil, errs
	}
	return r, nil
}

func validate(key string, s Spec, chk Checks) (TaskDefinition, error) {
	cfgErr := func(field, reason string) error {
		return &ConfigurationError{Task: key, Field: field, Reason: reason}
	}

	key = strings.TrimSpace(key)
	if !keyRe.MatchString(key) {
		return TaskDefinition{}, cfgErr("key", "must match "+keyRe.String())
	}
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return TaskDefinition{}, cfgErr("name", "required")
	}

	calcName := strings.TrimSpace(s.Calculator)
	if calcName == "" {
		return TaskDefinition{}, cfgErr("calculator", "required")
	}
	if chk.Calculator != nil && !chk.Calculator(calcName) {
		return TaskDefinition{}, cfgErr("calculator", fmt.Sprintf("%q is not registered", calcName))
	}

	streamName := strings.TrimSpace(s.Stream)
	if streamName == "" {
		return TaskDefinition{}, cfgErr("stream", "required")
	}
	if chk.Stream != nil && !chk.Stream(streamName) {
		return TaskDefinition{}, cfgErr("stream", fmt.Sprintf("%q is not configured", streamName))
	}

	if strings.TrimSpace(s.Duration) == "" {
		return TaskDefinition{}, cfgErr("duration", "required")
	}
	d, err := time.ParseDuration(strings.TrimSpace(s.Duration))
	if err != nil {
		return TaskDefinition{}, cfgErr("duration", err.Error())
	}
	if d <= 0 {
		return TaskDefinition{}, cfgErr("duration", "must be positive")
	}

	var align time.Duration
	if a := strings.TrimSpace(s.Align); a != "" {
		align, err = time.ParseDuration(a)
		if err != nil {
			return TaskDefinition{}, cfgErr("align", err.Error())
		}
		if align < 0 {
			return TaskDefinition{}, cfgErr("align", "must not be negative")
		}
	}

	if len(s.Options) > 0 && !json.Valid(s.Options) {
		return TaskDefinition{}, cfgErr("options", "invalid JSON")
	}

	return TaskDefinition{
		Key:        key,
		Name:       name,
		Calculator: calcName,
		Stream:     streamName,
		Duration:   d,
		Align:      align,
		Autostart:  s.Autostart,
		Options:    s.Options,
	}, nil
}

// Lookup returns the definition for key.
func (r *Registry) Lookup(key string) (TaskDefinition, error) {
	if r != nil {
		if d, ok := r.defs[key]; ok {
			return d, nil
		}
	}
	return TaskDefinition{}, fmt.Errorf("%w: %q", ErrUnknownTask, key)
}

// Keys returns task keys in sorted order.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.keys...)
}

func (r *Registry) All() []TaskDefinition {
	if r == nil {
		return nil
	}
	out := make([]TaskDefinition, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.defs[k])
	}
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Streams returns the distinct stream names referenced by tasks, sorted.
func (r *Registry) Streams() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, d := range r.All() {
		if _, ok := seen[d.Stream]; ok {
			continue
		}
		seen[d.Stream] = struct{}{}
		out = append(out, d.Stream)
	}
	sort.Strings(out)
	return out
}
