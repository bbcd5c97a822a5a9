package tools

import (
	"fmt"
	"sort"
	"strings"
)

// FieldType enumerates the schema variants a parameter field can take.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
	FieldUnion   FieldType = "union"
)

// Schema is a tagged variant describing one parameter field. Which extra
// fields apply depends on Type: Enum values for enum, Items for array,
// Properties for object, Variants for union. Object properties are
// required unless marked Optional.
type Schema struct {
	Type        FieldType          `json:"type"`
	Description string             `json:"description,omitempty"`
	Optional    bool               `json:"optional,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Variants    []*Schema          `json:"variants,omitempty"`
}

// Violation reports one failed check with the path to the offending value.
type Violation struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: expected %s, got %s", v.Path, v.Expected, v.Actual)
}

// SchemaError aggregates argument violations for one tool call.
type SchemaError struct {
	Tool       string
	Violations []Violation
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, strings.Join(parts, "; "))
}

// Validate recursively checks a decoded JSON value against the schema and
// returns every violation found. Unknown object fields are tolerated;
// models routinely add extras.
func (s *Schema) Validate(value any) []Violation {
	var out []Violation
	s.validate("$", value, &out)
	return out
}

func (s *Schema) validate(path string, value any, out *[]Violation) {
	switch s.Type {
	case FieldString:
		if _, ok := value.(string); !ok {
			*out = append(*out, Violation{Path: path, Expected: "string", Actual: typeName(value)})
		}
	case FieldNumber:
		switch value.(type) {
		case float64, int, int64, float32:
		default:
			*out = append(*out, Violation{Path: path, Expected: "number", Actual: typeName(value)})
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			*out = append(*out, Violation{Path: path, Expected: "boolean", Actual: typeName(value)})
		}
	case FieldEnum:
		str, ok := value.(string)
		if !ok {
			*out = append(*out, Violation{Path: path, Expected: enumExpectation(s.Enum), Actual: typeName(value)})
			return
		}
		for _, allowed := range s.Enum {
			if str == allowed {
				return
			}
		}
		*out = append(*out, Violation{Path: path, Expected: enumExpectation(s.Enum), Actual: fmt.Sprintf("%q", str)})
	case FieldArray:
		items, ok := value.([]any)
		if !ok {
			*out = append(*out, Violation{Path: path, Expected: "array", Actual: typeName(value)})
			return
		}
		if s.Items != nil {
			for i, item := range items {
				s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item, out)
			}
		}
	case FieldObject:
		obj, ok := value.(map[string]any)
		if !ok {
			*out = append(*out, Violation{Path: path, Expected: "object", Actual: typeName(value)})
			return
		}
		for name, prop := range s.Properties {
			childPath := path + "." + name
			child, present := obj[name]
			if !present {
				if !prop.Optional {
					*out = append(*out, Violation{Path: childPath, Expected: string(prop.Type), Actual: "missing"})
				}
				continue
			}
			prop.validate(childPath, child, out)
		}
	case FieldUnion:
		// Valid when any variant validates cleanly.
		for _, variant := range s.Variants {
			var vs []Violation
			variant.validate(path, value, &vs)
			if len(vs) == 0 {
				return
			}
		}
		expected := make([]string, len(s.Variants))
		for i, variant := range s.Variants {
			expected[i] = string(variant.Type)
		}
		*out = append(*out, Violation{
			Path:     path,
			Expected: "one of " + strings.Join(expected, "|"),
			Actual:   typeName(value),
		})
	default:
		*out = append(*out, Violation{Path: path, Expected: "known field type", Actual: string(s.Type)})
	}
}

// JSONSchema renders the variant as a JSON-Schema document for provider
// tool definitions.
func (s *Schema) JSONSchema() map[string]any {
	out := map[string]any{}
	if s.Description != "" {
		out["description"] = s.Description
	}
	switch s.Type {
	case FieldString:
		out["type"] = "string"
	case FieldNumber:
		out["type"] = "number"
	case FieldBoolean:
		out["type"] = "boolean"
	case FieldEnum:
		out["type"] = "string"
		values := make([]any, len(s.Enum))
		for i, v := range s.Enum {
			values[i] = v
		}
		out["enum"] = values
	case FieldArray:
		out["type"] = "array"
		if s.Items != nil {
			out["items"] = s.Items.JSONSchema()
		}
	case FieldObject:
		out["type"] = "object"
		props := map[string]any{}
		var required []string
		for name, prop := range s.Properties {
			props[name] = prop.JSONSchema()
			if !prop.Optional {
				required = append(required, name)
			}
		}
		out["properties"] = props
		if len(required) > 0 {
			sort.Strings(required)
			out["required"] = required
		}
	case FieldUnion:
		variants := make([]any, len(s.Variants))
		for i, v := range s.Variants {
			variants[i] = v.JSONSchema()
		}
		out["anyOf"] = variants
	}
	return out
}

// Object is a convenience constructor for the common top-level shape.
func Object(properties map[string]*Schema) *Schema {
	return &Schema{Type: FieldObject, Properties: properties}
}

// StringField builds a string schema with a description.
func StringField(description string) *Schema {
	return &Schema{Type: FieldString, Description: description}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func enumExpectation(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "one of " + strings.Join(quoted, ", ")
}
