package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrInvalidInput marks caller input rejected by the visible schema.
	ErrInvalidInput = errors.New("invalid function input")
	// ErrMisconfigured marks a parameter schema that cannot be executed,
	// e.g. a required invisible property without a default.
	ErrMisconfigured = errors.New("function parameters misconfigured")
)

// Normalizer validates caller input against the visible subset of a function
// schema, injects defaults for invisible required properties and strips null
// values. Compiled visible schemas are cached by caller-supplied key.
type Normalizer struct {
	mu         sync.RWMutex
	compiled   map[string]*jsonschema.Schema
	maxEntries int
}

// NewNormalizer builds a normalizer with a bounded compile cache.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		compiled:   make(map[string]*jsonschema.Schema),
		maxEntries: 1024,
	}
}

// Normalize runs the full pipeline. cacheKey must change whenever params
// changes; callers derive it from the definition's id and update time so a
// re-imported schema is recompiled instead of served stale.
func (n *Normalizer) Normalize(cacheKey string, params *Object, raw map[string]any) (map[string]any, error) {
	if raw == nil {
		raw = map[string]any{}
	}

	compiled, err := n.visibleSchema(cacheKey, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	if err := compiled.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	input := cloneValue(raw).(map[string]any)
	if err := injectDefaults(params, input); err != nil {
		return nil, err
	}
	return stripNulls(input).(map[string]any), nil
}

func (n *Normalizer) visibleSchema(cacheKey string, params *Object) (*jsonschema.Schema, error) {
	n.mu.RLock()
	compiled, ok := n.compiled[cacheKey]
	n.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	doc, err := schemaDocument(VisibleOnly(params))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err = c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	n.mu.Lock()
	if len(n.compiled) >= n.maxEntries {
		// Dropping the cache is only a compile cost on the next call.
		n.compiled = make(map[string]*jsonschema.Schema)
	}
	n.compiled[cacheKey] = compiled
	n.mu.Unlock()
	return compiled, nil
}

func schemaDocument(s *Object) (any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// injectDefaults walks the full schema (not the visible subset) and fills
// every required invisible property absent from the input with its default.
// Required invisible objects without an explicit default are created empty so
// nested defaults can be placed.
func injectDefaults(s *Object, value map[string]any) error {
	if s == nil {
		return nil
	}
	for name, prop := range s.Properties {
		current, present := value[name]

		if !prop.IsVisible() && s.requires(name) && !present {
			switch {
			case prop.Default != nil:
				value[name] = cloneValue(prop.Default)
				continue
			case prop.Type == "object":
				child := map[string]any{}
				value[name] = child
				if err := injectDefaults(prop, child); err != nil {
					return err
				}
				continue
			default:
				return fmt.Errorf("%w: required invisible property %q has no default", ErrMisconfigured, name)
			}
		}

		if child, ok := current.(map[string]any); ok {
			if err := injectDefaults(prop, child); err != nil {
				return err
			}
		}
	}
	return nil
}

// stripNulls removes keys with null values recursively. Strict typed callers
// tend to serialise optional fields as explicit nulls which many upstreams
// reject.
func stripNulls(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			if item == nil {
				delete(val, k)
				continue
			}
			val[k] = stripNulls(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = stripNulls(item)
		}
		return val
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// PartitionInput splits normalized input into per-location maps according to
// the schema partition. Keys outside the known locations are ignored.
func PartitionInput(input map[string]any) map[Location]map[string]any {
	out := make(map[Location]map[string]any, len(Locations()))
	for _, loc := range Locations() {
		if raw, ok := input[string(loc)]; ok {
			if m, ok := raw.(map[string]any); ok {
				out[loc] = m
			}
		}
	}
	return out
}
