// Package jsonschema compiles and evaluates the closed JSON-schema subset
// used by workflow definition input and output schemas.
//
// The subset is exactly {type, properties, required, items, enum, minimum,
// maximum, minLength, maxLength, pattern, additionalProperties}. Anything
// else, including $ref and combinators, is rejected at compile time so a
// published definition can never depend on schema features the engine does
// not evaluate.
package jsonschema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

var validTypes = map[string]bool{
	"object":  true,
	"array":   true,
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"null":    true,
}

// Schema is a compiled validator. The zero-keyword schema {} accepts every
// document.
type Schema struct {
	typ        string
	properties map[string]*Schema
	required   []string
	items      *Schema
	enum       []any
	minimum    *float64
	maximum    *float64
	minLength  *int
	maxLength  *int
	pattern    *regexp.Regexp

	// additionalProperties nil means allowed.
	additionalProperties *bool
}

// Compile parses and compiles a schema document.
func Compile(doc []byte) (*Schema, error) {
	var raw any
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return compile(raw, "#")
}

func compile(v any, path string) (*Schema, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: schema must be a JSON object", path)
	}

	s := &Schema{}
	for _, key := range sortedKeys(obj) {
		val := obj[key]
		switch key {
		case "type":
			name, ok := val.(string)
			if !ok || !validTypes[name] {
				return nil, fmt.Errorf("%s/type: must be one of object, array, string, number, integer, boolean, null", path)
			}
			s.typ = name

		case "properties":
			props, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s/properties: must be an object", path)
			}
			s.properties = make(map[string]*Schema, len(props))
			for _, name := range sortedKeys(props) {
				child, err := compile(props[name], path+"/properties/"+name)
				if err != nil {
					return nil, err
				}
				s.properties[name] = child
			}

		case "required":
			list, ok := val.([]any)
			if !ok {
				return nil, fmt.Errorf("%s/required: must be an array of strings", path)
			}
			seen := make(map[string]bool, len(list))
			for _, item := range list {
				name, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("%s/required: must be an array of strings", path)
				}
				if seen[name] {
					return nil, fmt.Errorf("%s/required: duplicate entry %q", path, name)
				}
				seen[name] = true
				s.required = append(s.required, name)
			}

		case "items":
			child, err := compile(val, path+"/items")
			if err != nil {
				return nil, err
			}
			s.items = child

		case "enum":
			list, ok := val.([]any)
			if !ok || len(list) == 0 {
				return nil, fmt.Errorf("%s/enum: must be a non-empty array", path)
			}
			s.enum = list

		case "minimum", "maximum":
			n, ok := val.(float64)
			if !ok {
				return nil, fmt.Errorf("%s/%s: must be a number", path, key)
			}
			if key == "minimum" {
				s.minimum = &n
			} else {
				s.maximum = &n
			}

		case "minLength", "maxLength":
			n, ok := val.(float64)
			if !ok || n != math.Trunc(n) || n < 0 {
				return nil, fmt.Errorf("%s/%s: must be a non-negative integer", path, key)
			}
			length := int(n)
			if key == "minLength" {
				s.minLength = &length
			} else {
				s.maxLength = &length
			}

		case "pattern":
			expr, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%s/pattern: must be a string", path)
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("%s/pattern: %v", path, err)
			}
			s.pattern = re

		case "additionalProperties":
			b, ok := val.(bool)
			if !ok {
				return nil, fmt.Errorf("%s/additionalProperties: must be a boolean", path)
			}
			s.additionalProperties = &b

		default:
			return nil, fmt.Errorf("%s: unsupported keyword %q", path, key)
		}
	}

	if s.minimum != nil && s.maximum != nil && *s.minimum > *s.maximum {
		return nil, fmt.Errorf("%s: minimum exceeds maximum", path)
	}
	if s.minLength != nil && s.maxLength != nil && *s.minLength > *s.maxLength {
		return nil, fmt.Errorf("%s: minLength exceeds maxLength", path)
	}
	return s, nil
}

// Violation is one failed constraint, addressed by JSON pointer.
type Violation struct {
	Path    string
	Message string
}

// ValidationError aggregates every violation found in a document, in
// deterministic path order.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Path, v.Message)
	}
	return strings.Join(parts, "; ")
}

// Validate checks a JSON document against the schema. It returns a
// *ValidationError listing every violation, or nil when the document
// conforms.
func (s *Schema) Validate(doc []byte) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return &ValidationError{Violations: []Violation{{Path: "#", Message: fmt.Sprintf("not valid JSON: %v", err)}}}
	}
	return s.ValidateValue(v)
}

// ValidateValue checks an already-unmarshaled document.
func (s *Schema) ValidateValue(v any) error {
	var violations []Violation
	s.validate(v, "#", &violations)
	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func (s *Schema) validate(v any, path string, violations *[]Violation) {
	if s.typ != "" && !typeMatches(s.typ, v) {
		*violations = append(*violations, Violation{Path: path, Message: fmt.Sprintf("expected %s, got %s", s.typ, typeName(v))})
		return
	}

	if s.enum != nil {
		matched := false
		for _, candidate := range s.enum {
			if reflect.DeepEqual(v, candidate) {
				matched = true
				break
			}
		}
		if !matched {
			*violations = append(*violations, Violation{Path: path, Message: "value not in enum"})
		}
	}

	switch value := v.(type) {
	case string:
		length := utf8.RuneCountInString(value)
		if s.minLength != nil && length < *s.minLength {
			*violations = append(*violations, Violation{Path: path, Message: fmt.Sprintf("length %d below minLength %d", length, *s.minLength)})
		}
		if s.maxLength != nil && length > *s.maxLength {
			*violations = append(*violations, Violation{Path: path, Message: fmt.Sprintf("length %d above maxLength %d", length, *s.maxLength)})
		}
		if s.pattern != nil && !s.pattern.MatchString(value) {
			*violations = append(*violations, Violation{Path: path, Message: fmt.Sprintf("does not match pattern %s", s.pattern)})
		}

	case float64:
		if s.minimum != nil && value < *s.minimum {
			*violations = append(*violations, Violation{Path: path, Message: fmt.Sprintf("%v below minimum %v", value, *s.minimum)})
		}
		if s.maximum != nil && value > *s.maximum {
			*violations = append(*violations, Violation{Path: path, Message: fmt.Sprintf("%v above maximum %v", value, *s.maximum)})
		}

	case []any:
		if s.items != nil {
			for i, item := range value {
				s.items.validate(item, fmt.Sprintf("%s/%d", path, i), violations)
			}
		}

	case map[string]any:
		for _, name := range s.required {
			if _, ok := value[name]; !ok {
				*violations = append(*violations, Violation{Path: path, Message: fmt.Sprintf("missing required property %q", name)})
			}
		}
		for _, name := range sortedKeys(value) {
			child, known := s.properties[name]
			if known {
				child.validate(value[name], path+"/"+name, violations)
				continue
			}
			if s.additionalProperties != nil && !*s.additionalProperties {
				*violations = append(*violations, Violation{Path: path + "/" + name, Message: "additional property not allowed"})
			}
		}
	}
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case "null":
		return v == nil
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
