package format

import (
	"fmt"
	"strings"
)

// placeholderProperties is injected into empty object schemas; the API
// rejects tools whose schema declares no properties.
func placeholderProperties() map[string]interface{} {
	return map[string]interface{}{
		"reason": map[string]interface{}{
			"type":        "string",
			"description": "Reason for calling this tool",
		},
	}
}

// SanitizeSchema reduces a JSON Schema to the feature set the upstream
// accepts, keeping only allowlisted keywords. "const" becomes a
// single-value "enum", and empty object schemas get a placeholder
// property.
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return map[string]interface{}{
			"type":       "object",
			"properties": placeholderProperties(),
			"required":   []string{"reason"},
		}
	}

	allowed := map[string]bool{
		"type":        true,
		"description": true,
		"properties":  true,
		"required":    true,
		"items":       true,
		"enum":        true,
		"title":       true,
	}

	sanitized := make(map[string]interface{})
	for key, value := range schema {
		if key == "const" {
			sanitized["enum"] = []interface{}{value}
			continue
		}
		if !allowed[key] {
			continue
		}

		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				sanitized["properties"] = mapProperties(props, SanitizeSchema)
			}
		case "items":
			sanitized["items"] = mapItems(value, SanitizeSchema)
		default:
			if nested, ok := value.(map[string]interface{}); ok {
				sanitized[key] = SanitizeSchema(nested)
			} else {
				sanitized[key] = value
			}
		}
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "object"
	}

	if schemaType, _ := sanitized["type"].(string); schemaType == "object" {
		props, hasProps := sanitized["properties"].(map[string]interface{})
		if !hasProps || len(props) == 0 {
			sanitized["properties"] = placeholderProperties()
			sanitized["required"] = []string{"reason"}
		}
	}

	return sanitized
}

// CleanSchema runs the multi-phase Gemini compatibility pipeline:
// references and constraints become description hints, allOf merges,
// anyOf/oneOf flatten to their most informative branch, type arrays
// collapse, unsupported keywords are stripped, and type names convert
// to Google's uppercase form.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	result = refsToHints(result)
	result = enumHints(result)
	result = additionalPropertiesHints(result)
	result = constraintsToHints(result)
	result = mergeAllOf(result)
	result = flattenUnions(result)
	result = flattenTypeArrays(result, nil, "")

	for _, key := range []string{
		"additionalProperties", "default", "$schema", "$defs",
		"definitions", "$ref", "$id", "$comment", "title",
		"minLength", "maxLength", "pattern", "format",
		"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
	} {
		delete(result, key)
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		result["properties"] = mapProperties(props, CleanSchema)
	}
	result["items"] = mapItems(result["items"], CleanSchema)
	if result["items"] == nil {
		delete(result, "items")
	}

	pruneRequired(result)

	if schemaType, ok := result["type"].(string); ok {
		result["type"] = googleTypeName(schemaType)
	}

	return result
}

// pruneRequired drops required entries that name undefined properties.
func pruneRequired(schema map[string]interface{}) {
	required, ok := schema["required"].([]interface{})
	if !ok {
		return
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return
	}

	kept := make([]interface{}, 0, len(required))
	for _, entry := range required {
		if name, ok := entry.(string); ok {
			if _, defined := props[name]; defined {
				kept = append(kept, name)
			}
		}
	}
	if len(kept) == 0 {
		delete(schema, "required")
	} else {
		schema["required"] = kept
	}
}

// appendHint folds a hint into the description field.
func appendHint(schema map[string]interface{}, hint string) map[string]interface{} {
	result := copySchema(schema)
	if desc, ok := result["description"].(string); ok && desc != "" {
		result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		result["description"] = hint
	}
	return result
}

// refsToHints replaces $ref with an object schema carrying the
// definition name as a description hint.
func refsToHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	if ref, ok := result["$ref"].(string); ok {
		segments := strings.Split(ref, "/")
		defName := segments[len(segments)-1]
		if defName == "" {
			defName = "unknown"
		}
		hint := "See: " + defName

		description := hint
		if desc, ok := result["description"].(string); ok && desc != "" {
			description = fmt.Sprintf("%s (%s)", desc, hint)
		}
		return map[string]interface{}{
			"type":        "object",
			"description": description,
		}
	}

	recurseChildren(result, refsToHints)

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := result[key].([]interface{}); ok {
			result[key] = mapSchemaSlice(arr, refsToHints)
		}
	}

	return result
}

// enumHints records enum values in the description so they survive
// schemas where enum itself gets dropped downstream.
func enumHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	if enumArr, ok := result["enum"].([]interface{}); ok && len(enumArr) > 1 && len(enumArr) <= 10 {
		values := make([]string, 0, len(enumArr))
		for _, v := range enumArr {
			values = append(values, fmt.Sprintf("%v", v))
		}
		result = appendHint(result, "Allowed: "+strings.Join(values, ", "))
	}

	recurseChildren(result, enumHints)
	return result
}

func additionalPropertiesHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)
	if result["additionalProperties"] == false {
		result = appendHint(result, "No extra properties allowed")
	}

	recurseChildren(result, additionalPropertiesHints)
	return result
}

// constraintsToHints preserves validation constraints as prose before
// the keyword strip removes them.
func constraintsToHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)
	for _, constraint := range []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"} {
		if value, ok := result[constraint]; ok {
			if _, isMap := value.(map[string]interface{}); !isMap {
				result = appendHint(result, fmt.Sprintf("%s: %v", constraint, value))
			}
		}
	}

	recurseChildren(result, constraintsToHints)
	return result
}

// mergeAllOf folds every allOf branch into the parent: properties and
// required union, other fields keep their first occurrence.
func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	if branches, ok := result["allOf"].([]interface{}); ok && len(branches) > 0 {
		mergedProps := make(map[string]interface{})
		mergedRequired := make(map[string]bool)
		otherFields := make(map[string]interface{})

		for _, branch := range branches {
			branchMap, ok := branch.(map[string]interface{})
			if !ok {
				continue
			}
			if props, ok := branchMap["properties"].(map[string]interface{}); ok {
				for key, value := range props {
					mergedProps[key] = value
				}
			}
			if required, ok := branchMap["required"].([]interface{}); ok {
				for _, entry := range required {
					if name, ok := entry.(string); ok {
						mergedRequired[name] = true
					}
				}
			}
			for key, value := range branchMap {
				if key == "properties" || key == "required" {
					continue
				}
				if _, exists := otherFields[key]; !exists {
					otherFields[key] = value
				}
			}
		}

		delete(result, "allOf")

		for key, value := range otherFields {
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}

		if len(mergedProps) > 0 {
			existing, _ := result["properties"].(map[string]interface{})
			if existing == nil {
				existing = make(map[string]interface{})
			}
			for key, value := range mergedProps {
				if _, exists := existing[key]; !exists {
					existing[key] = value
				}
			}
			result["properties"] = existing
		}

		if len(mergedRequired) > 0 {
			if required, ok := result["required"].([]interface{}); ok {
				for _, entry := range required {
					if name, ok := entry.(string); ok {
						mergedRequired[name] = true
					}
				}
			}
			merged := make([]interface{}, 0, len(mergedRequired))
			for name := range mergedRequired {
				merged = append(merged, name)
			}
			result["required"] = merged
		}
	}

	recurseChildren(result, mergeAllOf)
	return result
}

// scoreBranch ranks anyOf/oneOf branches: objects with properties beat
// arrays beat scalars beat null.
func scoreBranch(schema map[string]interface{}) int {
	if schema == nil {
		return 0
	}
	if schema["type"] == "object" || schema["properties"] != nil {
		return 3
	}
	if schema["type"] == "array" || schema["items"] != nil {
		return 2
	}
	if schemaType, ok := schema["type"].(string); ok && schemaType != "null" {
		return 1
	}
	return 0
}

// flattenUnions collapses anyOf/oneOf to the highest scoring branch,
// noting the alternatives in the description.
func flattenUnions(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		branches, ok := result[unionKey].([]interface{})
		if !ok || len(branches) == 0 {
			continue
		}

		var typeNames []string
		var best map[string]interface{}
		bestScore := -1

		for _, branch := range branches {
			branchMap, ok := branch.(map[string]interface{})
			if !ok {
				continue
			}

			typeName := ""
			if t, ok := branchMap["type"].(string); ok {
				typeName = t
			} else if branchMap["properties"] != nil {
				typeName = "object"
			}
			if typeName != "" && typeName != "null" {
				typeNames = append(typeNames, typeName)
			}

			if score := scoreBranch(branchMap); score > bestScore {
				bestScore = score
				best = branchMap
			}
		}

		delete(result, unionKey)

		if best != nil {
			parentDescription, _ := result["description"].(string)
			flattened := flattenUnions(best)

			for key, value := range flattened {
				if key == "description" {
					if desc, ok := value.(string); ok && desc != "" && desc != parentDescription {
						if parentDescription != "" {
							result["description"] = fmt.Sprintf("%s (%s)", parentDescription, desc)
						} else {
							result["description"] = desc
						}
					}
					continue
				}
				if _, exists := result[key]; !exists || key == "type" || key == "properties" || key == "items" {
					result[key] = value
				}
			}

			if len(typeNames) > 1 {
				result = appendHint(result, "Accepts: "+strings.Join(uniqueStrings(typeNames), " | "))
			}
		}
	}

	recurseChildren(result, flattenUnions)
	return result
}

// flattenTypeArrays picks the first non-null type from array-valued
// type fields. Nullable properties come off the parent's required list.
func flattenTypeArrays(schema map[string]interface{}, nullableProps map[string]bool, propName string) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	if typeArr, ok := result["type"].([]interface{}); ok {
		hasNull := false
		var nonNull []string
		for _, t := range typeArr {
			if name, ok := t.(string); ok {
				if name == "null" {
					hasNull = true
				} else if name != "" {
					nonNull = append(nonNull, name)
				}
			}
		}

		picked := "string"
		if len(nonNull) > 0 {
			picked = nonNull[0]
		}
		result["type"] = picked

		if len(nonNull) > 1 {
			result = appendHint(result, "Accepts: "+strings.Join(nonNull, " | "))
		}
		if hasNull {
			result = appendHint(result, "nullable")
			if nullableProps != nil && propName != "" {
				nullableProps[propName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		childNullable := make(map[string]bool)
		newProps := make(map[string]interface{})
		for key, value := range props {
			if nested, ok := value.(map[string]interface{}); ok {
				newProps[key] = flattenTypeArrays(nested, childNullable, key)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps

		if required, ok := result["required"].([]interface{}); ok && len(childNullable) > 0 {
			kept := make([]interface{}, 0, len(required))
			for _, entry := range required {
				if name, ok := entry.(string); ok && !childNullable[name] {
					kept = append(kept, name)
				}
			}
			if len(kept) == 0 {
				delete(result, "required")
			} else {
				result["required"] = kept
			}
		}
	}

	result["items"] = mapItems(result["items"], func(s map[string]interface{}) map[string]interface{} {
		return flattenTypeArrays(s, nullableProps, "")
	})
	if result["items"] == nil {
		delete(result, "items")
	}

	return result
}

// googleTypeName converts a JSON Schema type to Google's uppercase
// protobuf-style name.
func googleTypeName(typeName string) string {
	switch strings.ToLower(typeName) {
	case "":
		return typeName
	case "string", "null":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	default:
		return strings.ToUpper(typeName)
	}
}

// recurseChildren applies fn to properties and items in place.
func recurseChildren(schema map[string]interface{}, fn func(map[string]interface{}) map[string]interface{}) {
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		schema["properties"] = mapProperties(props, fn)
	}
	if mapped := mapItems(schema["items"], fn); mapped != nil {
		schema["items"] = mapped
	}
}

func mapProperties(props map[string]interface{}, fn func(map[string]interface{}) map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(props))
	for key, value := range props {
		if nested, ok := value.(map[string]interface{}); ok {
			result[key] = fn(nested)
		} else {
			result[key] = value
		}
	}
	return result
}

// mapItems handles items as a single schema or a tuple of schemas.
func mapItems(items interface{}, fn func(map[string]interface{}) map[string]interface{}) interface{} {
	switch v := items.(type) {
	case map[string]interface{}:
		return fn(v)
	case []interface{}:
		return mapSchemaSlice(v, fn)
	default:
		return items
	}
}

func mapSchemaSlice(arr []interface{}, fn func(map[string]interface{}) map[string]interface{}) []interface{} {
	result := make([]interface{}, 0, len(arr))
	for _, item := range arr {
		if nested, ok := item.(map[string]interface{}); ok {
			result = append(result, fn(nested))
		} else {
			result = append(result, item)
		}
	}
	return result
}

func copySchema(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
