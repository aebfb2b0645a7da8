package jsonschema

import (
	"encoding/json"
	"errors"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Schema holds a JSON schema document as written. Keywords that have no
// bearing on generation (title, description, examples, ...) are dropped.
type Schema struct {
	// Type is a string, a list of strings, or nil.
	Type any `json:"type"`

	// Properties keeps the order in which properties were defined.
	Properties *orderedmap.OrderedMap[string, *Schema] `json:"properties"`
	Required   []string                                `json:"required"`

	// Items is the schema for each item in a list.
	//
	// If it is missing, or its JSON value is "null" or "false", it is nil.
	// If the JSON value is "true", it is set to the empty Schema. If the
	// JSON value is an object, it will be decoded as a Schema.
	Items       *Schema   `json:"-"`
	PrefixItems []*Schema `json:"prefixItems"`
	MinItems    *int      `json:"minItems"`
	MaxItems    *int      `json:"maxItems"`

	// Minimum and Maximum keep the literal as written so decimal bounds
	// compare exactly.
	Minimum          *json.Number `json:"minimum"`
	Maximum          *json.Number `json:"maximum"`
	ExclusiveMinimum *float64     `json:"exclusiveMinimum"`
	ExclusiveMaximum *float64     `json:"exclusiveMaximum"`
	MultipleOf       *float64     `json:"multipleOf"`

	MinLength *int   `json:"minLength"`
	MaxLength *int   `json:"maxLength"`
	Pattern   string `json:"pattern"`

	// Format is accepted but not enforced; it is the callers
	// responsibility to validate the property against the format.
	Format string `json:"format"`

	Enum  []json.RawMessage `json:"enum"`
	Const json.RawMessage   `json:"const"`

	AnyOf []*Schema `json:"anyOf"`
	OneOf []*Schema `json:"oneOf"`
	AllOf []*Schema `json:"allOf"`
	Not   *Schema   `json:"not"`
	Ref   string    `json:"$ref"`
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	type S Schema
	w := struct {
		Items items `json:"items"`
		*S
	}{
		S: (*S)(s),
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Items.set {
		s.Items = &w.Items.Schema
	}
	return nil
}

type items struct {
	Schema
	set bool
}

func (s *items) UnmarshalJSON(data []byte) error {
	switch b := data[0]; b {
	case 't':
		*s = items{set: true}
	case '{':
		if err := json.Unmarshal(data, &s.Schema); err != nil {
			return err
		}
		s.set = true
	case 'n', 'f':
	default:
		return errors.New("invalid items")
	}
	return nil
}

// EffectiveType returns the effective type of the schema. If the Type field is
// a single string, it is returned; otherwise:
//
//   - If the schema has Enum or Const, it returns "enum".
//   - If the schema has Properties, it returns "object".
//   - If the schema has Items, it returns "array".
//   - Otherwise it returns "value".
//
// The returned string is never empty.
func (s *Schema) EffectiveType() string {
	if len(s.Enum) > 0 || s.Const != nil {
		return "enum"
	}
	if t, ok := s.Type.(string); ok && t != "" {
		return t
	}
	if s.Type == nil {
		if s.Properties != nil && s.Properties.Len() > 0 {
			return "object"
		}
		if len(s.PrefixItems) > 0 || s.Items != nil {
			return "array"
		}
	}
	return "value"
}
