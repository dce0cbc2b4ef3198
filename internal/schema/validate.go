package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/p8db/p8core/internal/perr"
)

// fieldValidator mirrors the teacher's IssueValidator/Chain composition
// (internal/validation/issue.go) but validates one field's value rather
// than a whole issue struct.
type fieldValidator func(name string, field *Field, value any) error

// Validate enforces spec §4.2's contract: required fields present,
// declared types (including nested objects) match, enum membership
// holds, min_length/max_length/pattern hold for strings, ge/le hold for
// numerics, and $ref resolves recursively into $defs. Unknown
// properties are rejected unless the schema declares extra_allow.
func (sc *Schema) Validate(data map[string]any) (map[string]any, error) {
	for _, req := range sc.Required {
		if _, ok := data[req]; !ok {
			return nil, &perr.ValidationError{Field: req, Reason: "required field is missing"}
		}
	}

	if !sc.ExtraAllow {
		for k := range data {
			if _, ok := sc.Properties[k]; !ok {
				return nil, &perr.ValidationError{Field: k, Reason: "unknown property (schema does not declare extra=allow)"}
			}
		}
	}

	out := make(map[string]any, len(data))
	for name, value := range data {
		field, ok := sc.Properties[name]
		if !ok {
			out[name] = value
			continue
		}
		if err := sc.validateField(name, field, value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

func (sc *Schema) validateField(name string, field *Field, value any) error {
	if field.Ref != "" {
		def, ok := sc.Defs[field.Ref]
		if !ok {
			return &perr.ValidationError{Field: name, Reason: fmt.Sprintf("$ref %q not found in $defs", field.Ref)}
		}
		field = def
	}
	if value == nil {
		return nil
	}

	switch field.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return typeErr(name, "string", value)
		}
		if field.MinLength != nil && len(s) < *field.MinLength {
			return &perr.ValidationError{Field: name, Reason: fmt.Sprintf("length %d below min_length %d", len(s), *field.MinLength)}
		}
		if field.MaxLength != nil && len(s) > *field.MaxLength {
			return &perr.ValidationError{Field: name, Reason: fmt.Sprintf("length %d above max_length %d", len(s), *field.MaxLength)}
		}
		if field.Pattern != "" {
			re, err := regexp.Compile(field.Pattern)
			if err != nil {
				return &perr.ValidationError{Field: name, Reason: fmt.Sprintf("invalid pattern: %v", err)}
			}
			if !re.MatchString(s) {
				return &perr.ValidationError{Field: name, Reason: fmt.Sprintf("value does not match pattern %q", field.Pattern)}
			}
		}
		if len(field.Enum) > 0 && !contains(field.Enum, s) {
			return &perr.ValidationError{Field: name, Reason: fmt.Sprintf("value %q not in enum %v", s, field.Enum)}
		}
	case TypeInteger, TypeNumber:
		n, ok := asFloat(value)
		if !ok {
			return typeErr(name, string(field.Type), value)
		}
		if field.Type == TypeInteger && n != float64(int64(n)) {
			return &perr.ValidationError{Field: name, Reason: "value is not an integer"}
		}
		if field.Ge != nil && n < *field.Ge {
			return &perr.ValidationError{Field: name, Reason: fmt.Sprintf("value %v below ge %v", n, *field.Ge)}
		}
		if field.Le != nil && n > *field.Le {
			return &perr.ValidationError{Field: name, Reason: fmt.Sprintf("value %v above le %v", n, *field.Le)}
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return typeErr(name, "boolean", value)
		}
	case TypeArray:
		arr, ok := value.([]any)
		if !ok {
			return typeErr(name, "array", value)
		}
		if field.Items != nil {
			for i, item := range arr {
				if err := sc.validateField(fmt.Sprintf("%s[%d]", name, i), field.Items, item); err != nil {
					return err
				}
			}
		}
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return typeErr(name, "object", value)
		}
		for _, req := range field.Required {
			if _, ok := obj[req]; !ok {
				return &perr.ValidationError{Field: name + "." + req, Reason: "required field is missing"}
			}
		}
		for k, v := range obj {
			sub, ok := field.Properties[k]
			if !ok {
				continue
			}
			if err := sc.validateField(name+"."+k, sub, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func typeErr(name, want string, got any) error {
	return &perr.ValidationError{Field: name, Reason: fmt.Sprintf("expected %s, got %T", want, got)}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ParseISOTime parses an ISO-8601 datetime string, used by the predicate
// algebra's datetime-aware comparisons (spec §4.7); Validate does not
// call it.
func ParseISOTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 datetime: %q", s)
}
