package agentdriver

import "fmt"

// Schema is a minimal structural validator over map[string]any: field
// presence, type, and enum membership for the three fixed roles this
// system calls. Hand-rolled because no JSON-Schema library appears
// anywhere in the example pack (confirmed by grep across all example
// repos and other_examples/); a real schema library would be preferred
// if one existed in the corpus.
type Schema struct {
	Fields []Field
}

// FieldType is the closed set of JSON value kinds this validator
// checks.
type FieldType int

const (
	TypeString FieldType = iota
	TypeBool
	TypeNumber
	TypeArray
	TypeObject
)

// Field describes one required or optional property.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Enum     []string // non-empty only for TypeString fields with a closed value set
}

// Validate checks doc against the schema's fields.
func (s Schema) Validate(doc map[string]any) error {
	for _, f := range s.Fields {
		v, present := doc[f.Name]
		if !present {
			if f.Required {
				return fmt.Errorf("missing required field %q", f.Name)
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

func checkType(f Field, v any) error {
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return fmt.Errorf("value %q not in allowed set %v", s, f.Enum)
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
	case TypeNumber:
		switch v.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("expected number, got %T", v)
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// plannerSchema validates the Planner role's structured output:
// a refined batch plan (spec.md §4.F).
var plannerSchema = Schema{Fields: []Field{
	{Name: "batches", Type: TypeArray, Required: true},
	{Name: "notes", Type: TypeString},
}}

// patcherSchema validates the Patcher role's structured output: one
// patch proposal per call (spec.md §4.D/§4.G).
var patcherSchema = Schema{Fields: []Field{
	{Name: "status", Type: TypeString, Required: true, Enum: []string{"ok", "noop", "blocked"}},
	{Name: "rationale", Type: TypeString, Required: true},
	{Name: "patch_unified_diff", Type: TypeString},
	{Name: "touched_files", Type: TypeArray},
	{Name: "expected_verifier_commands", Type: TypeArray},
	{Name: "risk_notes", Type: TypeString},
	{Name: "follow_up_suggestions", Type: TypeArray},
}}

// criticSchema validates the optional Critic role's review output.
var criticSchema = Schema{Fields: []Field{
	{Name: "approve", Type: TypeBool, Required: true},
	{Name: "concerns", Type: TypeArray},
	{Name: "suggested_rationale", Type: TypeString},
}}
