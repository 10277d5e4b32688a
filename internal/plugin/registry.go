package plugin

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// entry is one registered plugin kind: its factory, static chain priority,
// and optional config schema, compiled once at Register time. Grounded on
// the teacher's validation.compileSchema (internal/middleware/validation),
// adapted from per-instance compilation (one Validator per route) to a
// single compile at registration since a plugin's schema never varies
// across the routes/services/consumers that attach it.
type entry struct {
	name     string
	priority int
	schema   *jsonschema.Schema
	factory  Factory
}

// Registry is the process-wide table of known plugin kinds, keyed by name.
// Populated at startup by the built-in plugins package; read-only once the
// gateway starts serving.
type Registry struct {
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a plugin kind. schemaJSON may be empty to skip config
// validation. priority orders the chain: higher runs first.
func (r *Registry) Register(name string, priority int, schemaJSON string, factory Factory) error {
	e := &entry{name: name, priority: priority, factory: factory}

	if schemaJSON != "" {
		var doc any
		if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
			return fmt.Errorf("plugin %s: invalid config schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		resourceID := name + ".schema.json"
		if err := c.AddResource(resourceID, doc); err != nil {
			return fmt.Errorf("plugin %s: add schema resource: %w", name, err)
		}
		schema, err := c.Compile(resourceID)
		if err != nil {
			return fmt.Errorf("plugin %s: compile schema: %w", name, err)
		}
		e.schema = schema
	}

	r.entries[name] = e
	return nil
}

// Known reports whether a plugin name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Priority returns the static chain priority for a registered plugin name.
func (r *Registry) Priority(name string) int {
	e, ok := r.entries[name]
	if !ok {
		return 0
	}
	return e.priority
}

// Validate checks cfg against the plugin's compiled config schema, if any.
func (r *Registry) Validate(name string, cfg map[string]any) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("unknown plugin %q", name)
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(cfg); err != nil {
		return fmt.Errorf("plugin %s: config invalid: %w", name, err)
	}
	return nil
}

// Build validates cfg and constructs a Plugin instance for it.
func (r *Registry) Build(name string, cfg map[string]any) (Plugin, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}
	if e.schema != nil {
		if err := e.schema.Validate(cfg); err != nil {
			return nil, fmt.Errorf("plugin %s: config invalid: %w", name, err)
		}
	}
	return e.factory(cfg)
}

// Names returns every registered plugin name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}
