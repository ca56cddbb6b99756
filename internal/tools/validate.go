package tools

import (
	"fmt"
	"strings"
)

// ValidateArgs checks args against a JSON schema of the shape used in
// tool Parameters declarations: an object schema with "properties",
// "required", and primitive "type" fields. It covers the subset of
// JSON Schema the tool declarations actually use; unknown keywords are
// ignored rather than rejected.
func ValidateArgs(schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	props, _ := schema["properties"].(map[string]any)

	// Required fields must be present and non-empty for strings.
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if err := checkRequired(name, args); err != nil {
				return err
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if err := checkRequired(name, args); err != nil {
				return err
			}
		}
	}

	// Supplied fields must exist in the schema and match declared types.
	for name, value := range args {
		propAny, ok := props[name]
		if !ok {
			if props == nil {
				continue
			}
			return fmt.Errorf("unknown argument %q (expected: %s)", name, strings.Join(propNames(props), ", "))
		}
		prop, _ := propAny.(map[string]any)
		declared, _ := prop["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if !typeMatches(declared, value) {
			return fmt.Errorf("argument %q must be of type %s", name, declared)
		}
	}

	return nil
}

func checkRequired(name string, args map[string]any) error {
	value, ok := args[name]
	if !ok || value == nil {
		return fmt.Errorf("missing required argument %q", name)
	}
	if s, isStr := value.(string); isStr && strings.TrimSpace(s) == "" {
		return fmt.Errorf("required argument %q is empty", name)
	}
	return nil
}

// typeMatches maps JSON schema primitive types onto the Go types that
// encoding/json produces from provider payloads.
func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, int:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}

func propNames(props map[string]any) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	return names
}
