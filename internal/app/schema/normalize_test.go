package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func executionSchema() *Object {
	return &Object{
		Type: "object",
		Properties: map[string]*Object{
			"path": {
				Type: "object",
				Properties: map[string]*Object{
					"channel": {Type: "string"},
				},
				Required: []string{"channel"},
			},
			"query": {
				Type: "object",
				Properties: map[string]*Object{
					"limit":       {Type: "integer"},
					"api_version": {Type: "string", Visible: boolPtr(false), Default: "v2"},
				},
				Required:             []string{"api_version"},
				AdditionalProperties: boolPtr(false),
			},
			"body": {
				Type: "object",
				Properties: map[string]*Object{
					"text": {},
				},
			},
		},
		Required: []string{"path", "query"},
	}
}

func TestNormalizeInjectsInvisibleDefaults(t *testing.T) {
	n := NewNormalizer()
	input := map[string]any{
		"path":  map[string]any{"channel": "general"},
		"query": map[string]any{"limit": float64(5)},
	}

	normalized, err := n.Normalize("fn-1", executionSchema(), input)
	require.NoError(t, err)

	query := normalized["query"].(map[string]any)
	require.Equal(t, "v2", query["api_version"])
	require.Equal(t, float64(5), query["limit"])

	// The caller's map is untouched.
	require.NotContains(t, input["query"].(map[string]any), "api_version")
}

func TestNormalizeRejectsInvisibleInput(t *testing.T) {
	n := NewNormalizer()
	input := map[string]any{
		"path":  map[string]any{"channel": "general"},
		"query": map[string]any{"api_version": "v999"},
	}

	_, err := n.Normalize("fn-1", executionSchema(), input)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNormalizeRejectsMissingRequired(t *testing.T) {
	n := NewNormalizer()

	_, err := n.Normalize("fn-1", executionSchema(), map[string]any{
		"query": map[string]any{},
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNormalizeStripsNulls(t *testing.T) {
	n := NewNormalizer()
	input := map[string]any{
		"path":  map[string]any{"channel": "general"},
		"query": map[string]any{},
		"body":  map[string]any{"text": nil},
	}

	normalized, err := n.Normalize("fn-1", executionSchema(), input)
	require.NoError(t, err)

	body := normalized["body"].(map[string]any)
	require.NotContains(t, body, "text")
}

func TestNormalizeMisconfiguredSchema(t *testing.T) {
	params := &Object{
		Type: "object",
		Properties: map[string]*Object{
			"query": {
				Type: "object",
				Properties: map[string]*Object{
					"token": {Type: "string", Visible: boolPtr(false)},
				},
				Required: []string{"token"},
			},
		},
	}

	n := NewNormalizer()
	_, err := n.Normalize("fn-bad", params, map[string]any{})
	if !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("expected ErrMisconfigured, got %v", err)
	}
}

func TestNormalizeNilInput(t *testing.T) {
	params := &Object{Type: "object"}
	n := NewNormalizer()

	normalized, err := n.Normalize("fn-empty", params, nil)
	require.NoError(t, err)
	require.Empty(t, normalized)
}

func TestPartitionInput(t *testing.T) {
	input := map[string]any{
		"path":    map[string]any{"id": "42"},
		"query":   map[string]any{"limit": 10},
		"unknown": map[string]any{"x": 1},
	}

	parts := PartitionInput(input)
	require.Len(t, parts, 2)
	require.Equal(t, "42", parts[LocationPath]["id"])
	require.NotContains(t, parts, Location("unknown"))
}
