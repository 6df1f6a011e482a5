package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInputAcceptsMatchingPayload(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
			"count":   map[string]any{"type": "integer"},
		},
		"required": []string{"message"},
	}

	res := ValidateInput(schema, map[string]any{"message": "hi", "count": float64(3)})
	assert.True(t, res.Valid())
	assert.Empty(t, res.Errors)
}

func TestValidateInputMissingRequired(t *testing.T) {
	schema := map[string]any{"required": []string{"message"}}

	res := ValidateInput(schema, map[string]any{})
	require.False(t, res.Valid())
	assert.Equal(t, "message", res.Errors[0].Field)
	assert.Contains(t, res.Errors[0].Message, "required")
}

func TestValidateInputTypeMismatches(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
			"enabled": map[string]any{"type": "boolean"},
			"count":   map[string]any{"type": "integer"},
			"ratio":   map[string]any{"type": "number"},
			"tags":    map[string]any{"type": "array"},
			"opts":    map[string]any{"type": "object"},
		},
	}

	res := ValidateInput(schema, map[string]any{
		"message": 7,
		"enabled": "yes",
		"count":   1.5,
		"ratio":   "fast",
		"tags":    map[string]any{},
		"opts":    []any{},
	})
	require.False(t, res.Valid())
	assert.Len(t, res.Errors, 6)
}

func TestValidateInputCollectsAllErrors(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
		"required": []string{"message", "target"},
	}

	res := ValidateInput(schema, map[string]any{})
	assert.Len(t, res.Errors, 2)
	assert.NotEmpty(t, res.Summary())
}

func TestValidateInputNilSchemaAcceptsAnything(t *testing.T) {
	res := ValidateInput(nil, map[string]any{"anything": 1})
	assert.True(t, res.Valid())
}

func TestValidateInputUndeclaredFieldsPass(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
	}

	res := ValidateInput(schema, map[string]any{"message": "ok", "extra": 42})
	assert.True(t, res.Valid())
}

// Schemas decoded from JSON carry []any required lists and float64 numbers.
func TestValidateInputDecodedJSONSchema(t *testing.T) {
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"properties": {"count": {"type": "integer"}},
		"required": ["count"]
	}`), &schema))

	res := ValidateInput(schema, map[string]any{"count": float64(2)})
	assert.True(t, res.Valid())

	res = ValidateInput(schema, map[string]any{})
	assert.False(t, res.Valid())
}
