package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSchemaEmpty(t *testing.T) {
	sanitized := SanitizeSchema(nil)

	assert.Equal(t, "object", sanitized["type"])
	props, ok := sanitized["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "reason")
	assert.Equal(t, []string{"reason"}, sanitized["required"])
}

func TestSanitizeSchemaStripsUnknownKeywords(t *testing.T) {
	sanitized := SanitizeSchema(map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{"name": map[string]interface{}{"type": "string"}},
		"additionalProperties": false,
		"$schema":              "http://json-schema.org/draft-07/schema#",
	})

	assert.NotContains(t, sanitized, "additionalProperties")
	assert.NotContains(t, sanitized, "$schema")
	assert.Contains(t, sanitized, "properties")
}

func TestSanitizeSchemaConstBecomesEnum(t *testing.T) {
	sanitized := SanitizeSchema(map[string]interface{}{
		"type":  "string",
		"const": "fixed",
	})

	assert.Equal(t, []interface{}{"fixed"}, sanitized["enum"])
	assert.NotContains(t, sanitized, "const")
}

func TestSanitizeSchemaEmptyObjectGetsPlaceholder(t *testing.T) {
	sanitized := SanitizeSchema(map[string]interface{}{"type": "object"})

	props, ok := sanitized["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "reason")
}

func TestCleanSchemaRefBecomesHint(t *testing.T) {
	cleaned := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target": map[string]interface{}{"$ref": "#/$defs/Target"},
		},
	})

	props := cleaned["properties"].(map[string]interface{})
	target := props["target"].(map[string]interface{})
	assert.Equal(t, "OBJECT", target["type"])
	assert.Contains(t, target["description"], "See: Target")
}

func TestCleanSchemaGoogleTypeNames(t *testing.T) {
	cleaned := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"count": map[string]interface{}{"type": "integer"},
			"tags":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
	})

	assert.Equal(t, "OBJECT", cleaned["type"])
	props := cleaned["properties"].(map[string]interface{})
	assert.Equal(t, "INTEGER", props["count"].(map[string]interface{})["type"])
	tags := props["tags"].(map[string]interface{})
	assert.Equal(t, "ARRAY", tags["type"])
	assert.Equal(t, "STRING", tags["items"].(map[string]interface{})["type"])
}

func TestCleanSchemaConstraintsToHints(t *testing.T) {
	cleaned := CleanSchema(map[string]interface{}{
		"type":      "string",
		"minLength": 3,
		"maxLength": 10,
	})

	assert.NotContains(t, cleaned, "minLength")
	assert.NotContains(t, cleaned, "maxLength")
	description, _ := cleaned["description"].(string)
	assert.Contains(t, description, "minLength: 3")
	assert.Contains(t, description, "maxLength: 10")
}

func TestCleanSchemaFlattensAnyOf(t *testing.T) {
	cleaned := CleanSchema(map[string]interface{}{
		"anyOf": []interface{}{
			map[string]interface{}{"type": "string"},
			map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
			},
		},
	})

	// The object branch scores highest.
	assert.Equal(t, "OBJECT", cleaned["type"])
	assert.NotContains(t, cleaned, "anyOf")
	props, ok := cleaned["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "id")
	description, _ := cleaned["description"].(string)
	assert.Contains(t, description, "Accepts: string | object")
}

func TestCleanSchemaMergesAllOf(t *testing.T) {
	cleaned := CleanSchema(map[string]interface{}{
		"allOf": []interface{}{
			map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"a": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"a"},
			},
			map[string]interface{}{
				"properties": map[string]interface{}{"b": map[string]interface{}{"type": "number"}},
				"required":   []interface{}{"b"},
			},
		},
	})

	assert.NotContains(t, cleaned, "allOf")
	props := cleaned["properties"].(map[string]interface{})
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	required, ok := cleaned["required"].([]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{"a", "b"}, required)
}

func TestCleanSchemaNullableTypeArray(t *testing.T) {
	cleaned := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"note": map[string]interface{}{"type": []interface{}{"string", "null"}},
		},
		"required": []interface{}{"note"},
	})

	props := cleaned["properties"].(map[string]interface{})
	note := props["note"].(map[string]interface{})
	assert.Equal(t, "STRING", note["type"])
	assert.Contains(t, note["description"], "nullable")
	// Nullable properties are no longer required.
	assert.NotContains(t, cleaned, "required")
}

func TestCleanSchemaPrunesUndefinedRequired(t *testing.T) {
	cleaned := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kept": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"kept", "ghost"},
	})

	assert.Equal(t, []interface{}{"kept"}, cleaned["required"])
}
