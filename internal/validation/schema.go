// Package validation checks workflow input payloads against the schema each
// workflow publishes. Validators return a list of field errors rather than
// failing on the first problem, so a client sees everything wrong with its
// request at once. Invalid input is an expected condition, not an error path:
// callers map a non-empty result to a 400 response.
package validation

import (
	"fmt"
	"strings"
)

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Result collects the field errors from one validation pass.
type Result struct {
	Errors []FieldError `json:"errors"`
}

// Valid reports whether the input passed.
func (r *Result) Valid() bool { return len(r.Errors) == 0 }

func (r *Result) add(field, format string, args ...any) {
	r.Errors = append(r.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Summary joins the errors into one line for logs and audit details.
func (r *Result) Summary() string {
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// ValidateInput checks input against a JSON-schema-shaped object schema:
// top-level "required" names must be present, and each property with a
// declared "type" must hold a value of that type. Properties absent from the
// schema pass through unchecked. A nil or typeless schema accepts anything.
func ValidateInput(schema, input map[string]any) *Result {
	res := &Result{}
	if schema == nil {
		return res
	}

	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if _, present := input[field]; !present {
				res.add(field, "is required")
			}
		}
	} else if required, ok := schema["required"].([]any); ok {
		for _, f := range required {
			if field, ok := f.(string); ok {
				if _, present := input[field]; !present {
					res.add(field, "is required")
				}
			}
		}
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return res
	}
	for field, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		want, ok := prop["type"].(string)
		if !ok {
			continue
		}
		value, present := input[field]
		if !present || value == nil {
			continue
		}
		if !matchesType(value, want) {
			res.add(field, "must be of type %s", want)
		}
	}
	return res
}

// matchesType checks a decoded JSON value against a schema type name. JSON
// numbers decode as float64, so integers are floats with no fraction.
func matchesType(value any, want string) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		default:
			return false
		}
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case int, int64, float64:
		return true
	default:
		return false
	}
}
