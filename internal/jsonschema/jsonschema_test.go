package jsonschema

import (
	"errors"
	"strings"
	"testing"
)

// TestCompileRejectsUnknownKeywords tests that the subset is closed
func TestCompileRejectsUnknownKeywords(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"ref", `{"$ref": "#/defs/x"}`},
		{"oneOf", `{"oneOf": [{"type": "string"}]}`},
		{"allOf", `{"allOf": []}`},
		{"format", `{"type": "string", "format": "email"}`},
		{"nested unknown", `{"type": "object", "properties": {"a": {"exclusiveMinimum": 3}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Compile([]byte(tc.doc)); err == nil {
				t.Error("expected compile error, got nil")
			}
		})
	}
}

// TestCompileRejectsMalformedKeywords tests keyword shape validation
func TestCompileRejectsMalformedKeywords(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad type", `{"type": "strings"}`},
		{"type array", `{"type": ["string", "null"]}`},
		{"required not strings", `{"required": [1]}`},
		{"duplicate required", `{"required": ["a", "a"]}`},
		{"empty enum", `{"enum": []}`},
		{"negative minLength", `{"minLength": -1}`},
		{"fractional maxLength", `{"maxLength": 1.5}`},
		{"bad pattern", `{"pattern": "("}`},
		{"schema-valued additionalProperties", `{"additionalProperties": {"type": "string"}}`},
		{"minimum above maximum", `{"minimum": 5, "maximum": 1}`},
		{"not an object", `["type"]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Compile([]byte(tc.doc)); err == nil {
				t.Error("expected compile error, got nil")
			}
		})
	}
}

// TestValidate tests subset evaluation against documents
func TestValidate(t *testing.T) {
	schema, err := Compile([]byte(`{
		"type": "object",
		"required": ["client_id", "amount"],
		"additionalProperties": false,
		"properties": {
			"client_id": {"type": "string", "minLength": 1, "pattern": "^cl-"},
			"amount": {"type": "number", "minimum": 0, "maximum": 1000000},
			"installments": {"type": "integer", "minimum": 1},
			"currency": {"enum": ["EUR", "USD"]},
			"tags": {"type": "array", "items": {"type": "string", "maxLength": 10}}
		}
	}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	t.Run("conforming document", func(t *testing.T) {
		doc := `{"client_id": "cl-7", "amount": 1250.5, "installments": 3, "currency": "EUR", "tags": ["priority"]}`
		if err := schema.Validate([]byte(doc)); err != nil {
			t.Errorf("unexpected violations: %v", err)
		}
	})

	t.Run("integer accepts integral float", func(t *testing.T) {
		if err := schema.Validate([]byte(`{"client_id": "cl-7", "amount": 1, "installments": 2.0}`)); err != nil {
			t.Errorf("unexpected violations: %v", err)
		}
	})

	t.Run("violations are aggregated with paths", func(t *testing.T) {
		doc := `{"client_id": "x", "amount": -5, "currency": "GBP", "extra": true, "tags": [3]}`
		err := schema.Validate([]byte(doc))
		if err == nil {
			t.Fatal("expected violations, got nil")
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected *ValidationError, got %T", err)
		}
		expected := []string{
			"#/amount",   // below minimum
			"#/client_id", // pattern mismatch
			"#/currency", // not in enum
			"#/extra",    // additional property
			"#/tags/0",   // wrong item type
		}
		if len(verr.Violations) != len(expected) {
			t.Fatalf("expected %d violations, got %d: %v", len(expected), len(verr.Violations), err)
		}
		for i, path := range expected {
			if verr.Violations[i].Path != path {
				t.Errorf("violation %d: expected path %s, got %s", i, path, verr.Violations[i].Path)
			}
		}
	})

	t.Run("missing required", func(t *testing.T) {
		err := schema.Validate([]byte(`{"client_id": "cl-7"}`))
		if err == nil || !strings.Contains(err.Error(), `missing required property "amount"`) {
			t.Errorf("expected missing-required violation, got %v", err)
		}
	})

	t.Run("wrong root type short-circuits", func(t *testing.T) {
		err := schema.Validate([]byte(`[1, 2]`))
		var verr *ValidationError
		if !errors.As(err, &verr) || len(verr.Violations) != 1 {
			t.Fatalf("expected a single root violation, got %v", err)
		}
		if verr.Violations[0].Path != "#" {
			t.Errorf("expected path #, got %s", verr.Violations[0].Path)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if err := schema.Validate([]byte(`{`)); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

// TestValidateEmptySchema tests that {} accepts anything
func TestValidateEmptySchema(t *testing.T) {
	schema, err := Compile([]byte(`{}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, doc := range []string{`null`, `true`, `"s"`, `42`, `[1]`, `{"a": 1}`} {
		if err := schema.Validate([]byte(doc)); err != nil {
			t.Errorf("document %s: unexpected violations %v", doc, err)
		}
	}
}

// TestValidateStringLength tests rune-counted length bounds
func TestValidateStringLength(t *testing.T) {
	schema, err := Compile([]byte(`{"type": "string", "minLength": 2, "maxLength": 3}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// Three runes, nine bytes: length is counted in code points.
	if err := schema.Validate([]byte(`"日本語"`)); err != nil {
		t.Errorf("unexpected violations: %v", err)
	}
	if err := schema.Validate([]byte(`"a"`)); err == nil {
		t.Error("expected minLength violation")
	}
}
