// Package schema models function parameter schemas partitioned by HTTP
// location and implements the visible/invisible property contract used for
// agent-facing function definitions.
package schema

import (
	"fmt"
	"sort"
)

// Location identifies where a parameter travels in an HTTP request.
type Location string

const (
	LocationPath   Location = "path"
	LocationQuery  Location = "query"
	LocationHeader Location = "header"
	LocationCookie Location = "cookie"
	LocationBody   Location = "body"
)

// Locations returns all valid HTTP locations in a stable order.
func Locations() []Location {
	return []Location{LocationPath, LocationQuery, LocationHeader, LocationCookie, LocationBody}
}

// Valid reports whether the location is one of the known HTTP locations.
func (l Location) Valid() bool {
	switch l {
	case LocationPath, LocationQuery, LocationHeader, LocationCookie, LocationBody:
		return true
	}
	return false
}

// Object is a JSON-Schema subset describing function parameters. Each
// property may additionally carry a visibility flag: invisible properties are
// hidden from the caller and filled from defaults at execution time.
type Object struct {
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Object `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Object            `json:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Default              any                `json:"default,omitempty"`
	Format               string             `json:"format,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
	Visible              *bool              `json:"visible,omitempty"`
}

// IsVisible reports whether the property is exposed to callers. Absence of
// the flag means visible.
func (o *Object) IsVisible() bool {
	return o == nil || o.Visible == nil || *o.Visible
}

func (o *Object) requires(name string) bool {
	for _, r := range o.Required {
		if r == name {
			return true
		}
	}
	return false
}

// Partition splits a function parameter schema into its per-location
// sub-schemas. The top-level schema must be an object whose properties are a
// subset of the known HTTP locations, each itself an object schema.
func Partition(params *Object) (map[Location]*Object, error) {
	if params == nil {
		return map[Location]*Object{}, nil
	}
	if params.Type != "" && params.Type != "object" {
		return nil, fmt.Errorf("parameters schema must be an object, got %q", params.Type)
	}

	byLocation := make(map[Location]*Object, len(params.Properties))
	for name, prop := range params.Properties {
		loc := Location(name)
		if !loc.Valid() {
			return nil, fmt.Errorf("unknown parameter location %q", name)
		}
		if prop.Type != "" && prop.Type != "object" {
			return nil, fmt.Errorf("location %q schema must be an object, got %q", name, prop.Type)
		}
		byLocation[loc] = prop
	}
	return byLocation, nil
}

// VisibleOnly returns a deep copy of the schema with every invisible property
// removed, including from required lists. Structure, types and nested schemas
// are otherwise preserved.
func VisibleOnly(s *Object) *Object {
	if s == nil {
		return nil
	}

	out := &Object{
		Type:                 s.Type,
		Description:          s.Description,
		Items:                VisibleOnly(s.Items),
		Enum:                 append([]any(nil), s.Enum...),
		Default:              s.Default,
		Format:               s.Format,
		AdditionalProperties: s.AdditionalProperties,
	}

	if s.Properties != nil {
		out.Properties = make(map[string]*Object, len(s.Properties))
		for name, prop := range s.Properties {
			if !prop.IsVisible() {
				continue
			}
			out.Properties[name] = VisibleOnly(prop)
		}
		for _, name := range s.Required {
			if _, ok := out.Properties[name]; ok {
				out.Required = append(out.Required, name)
			}
		}
		sort.Strings(out.Required)
	}
	return out
}

// Validate checks a parameter schema at import time. It enforces the
// partition contract and the invariant that every required-but-invisible
// non-object property carries a default, so execution can always proceed.
func Validate(params *Object) error {
	if _, err := Partition(params); err != nil {
		return err
	}
	return validateDefaults(params, "")
}

func validateDefaults(s *Object, path string) error {
	if s == nil {
		return nil
	}
	for name, prop := range s.Properties {
		propPath := name
		if path != "" {
			propPath = path + "." + name
		}
		if !prop.IsVisible() && s.requires(name) && prop.Default == nil && prop.Type != "object" {
			return fmt.Errorf("required invisible property %q has no default", propPath)
		}
		if err := validateDefaults(prop, propPath); err != nil {
			return err
		}
	}
	return validateDefaults(s.Items, path+"[]")
}
