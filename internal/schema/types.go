// Package schema implements the schema registry (spec §4.2, C2):
// register/validate/persist typed, JSON-Schema-shaped schemas, deriving
// the field list, required set, key field, indexed fields, and nested
// $defs. Grounded on the teacher's validator-chain composition idiom
// (internal/validation/issue.go's IssueValidator/Chain) generalized from
// a fixed issue struct to an arbitrary schema-declared payload shape.
package schema

import (
	"encoding/json"
)

// FieldType is one of the JSON-Schema-shaped primitive types this
// registry understands.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// IsHashableScalar reports whether a field of this type can back a
// secondary index posting (spec §4.2: "A field declared as indexed MUST
// be of a hashable scalar type (string, integer, boolean)").
func (t FieldType) IsHashableScalar() bool {
	switch t {
	case TypeString, TypeInteger, TypeBoolean:
		return true
	default:
		return false
	}
}

// Field describes one property of a schema.
type Field struct {
	Type        FieldType         `json:"type" yaml:"type"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string          `json:"enum,omitempty" yaml:"enum,omitempty"`
	MinLength   *int              `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength   *int              `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern     string            `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Ge          *float64          `json:"ge,omitempty" yaml:"ge,omitempty"`
	Le          *float64          `json:"le,omitempty" yaml:"le,omitempty"`
	Ref         string            `json:"$ref,omitempty" yaml:"$ref,omitempty"`
	Items       *Field            `json:"items,omitempty" yaml:"items,omitempty"`
	Properties  map[string]*Field `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string          `json:"required,omitempty" yaml:"required,omitempty"`
	Examples    []string          `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// Doc is the on-the-wire / on-disk schema document shape accepted by
// Register. It is intentionally permissive (unexported validation
// happens after parsing) so callers can author schemas as YAML or JSON.
type Doc struct {
	Name          string            `json:"name" yaml:"name"`
	Title         string            `json:"title,omitempty" yaml:"title,omitempty"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	Category      string            `json:"category,omitempty" yaml:"category,omitempty"`
	Properties    map[string]*Field `json:"properties" yaml:"properties"`
	Required      []string          `json:"required,omitempty" yaml:"required,omitempty"`
	KeyField      string            `json:"key_field,omitempty" yaml:"key_field,omitempty"`
	IndexedFields []string          `json:"indexed_fields,omitempty" yaml:"indexed_fields,omitempty"`
	ExtraAllow    bool              `json:"extra_allow,omitempty" yaml:"extra_allow,omitempty"`
	Tools         json.RawMessage   `json:"tools,omitempty" yaml:"-"`
	Defs          map[string]*Field `json:"$defs,omitempty" yaml:"defs,omitempty"`
}

// Schema is the registered, derived form of a Doc: the registry
// computes and caches the field list, required set, key field, indexed
// fields, and $defs exactly as spec §4.2 describes.
type Schema struct {
	Name          string
	Title         string
	Description   string
	Category      string
	Properties    map[string]*Field
	Required      []string
	KeyField      string
	IndexedFields []string
	ExtraAllow    bool
	Tools         json.RawMessage
	Defs          map[string]*Field

	// raw is the exact Doc this Schema was derived from, kept so a
	// re-registration can be compared for compatibility (spec §4.2:
	// DuplicateSchema fires only when "name taken with incompatible
	// definition").
	raw Doc
}

func fromDoc(d Doc) *Schema {
	return &Schema{
		Name:          d.Name,
		Title:         d.Title,
		Description:   d.Description,
		Category:      d.Category,
		Properties:    d.Properties,
		Required:      d.Required,
		KeyField:      d.KeyField,
		IndexedFields: d.IndexedFields,
		ExtraAllow:    d.ExtraAllow,
		Tools:         d.Tools,
		Defs:          d.Defs,
		raw:           d,
	}
}

// compatible reports whether two documents describing the same schema
// name may coexist (additive field introduction only — spec §1
// Non-goals: "does not perform schema migrations beyond additive field
// introduction"). A re-registration is compatible if it does not change
// the type of an existing field, does not remove a required field, and
// does not change key_field.
func compatible(old, new Doc) bool {
	if old.KeyField != new.KeyField {
		return false
	}
	for name, oldField := range old.Properties {
		newField, ok := new.Properties[name]
		if !ok {
			return false // fields are never removed
		}
		if oldField.Type != newField.Type {
			return false
		}
	}
	return true
}
