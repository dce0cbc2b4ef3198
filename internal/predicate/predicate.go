// Package predicate implements the predicate algebra (spec §4.7, C7): a
// closed set of node types evaluated against an entity's properties (and
// a handful of top-level attributes), with the comparison and sort
// semantics the spec requires. Field extraction is built on
// github.com/tidwall/gjson (a teacher direct dependency) since its
// dotted-path traversal over a JSON document is exactly the
// "properties.* then top-level, dotted paths a.b.c" lookup the spec
// describes — no hand-rolled map walker needed.
package predicate

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/p8db/p8core/internal/entity"
	"github.com/p8db/p8core/internal/schema"
)

// Predicate is the closed evaluation-node interface (spec §4.7).
type Predicate interface {
	Eval(doc gjson.Result) bool
}

// Eq/Ne/Lt/Lte/Gt/Gte compare the value at Field against Value.
type Eq struct {
	Field string
	Value any
}
type Ne struct {
	Field string
	Value any
}
type Lt struct {
	Field string
	Value any
}
type Lte struct {
	Field string
	Value any
}
type Gt struct {
	Field string
	Value any
}
type Gte struct {
	Field string
	Value any
}

// In reports membership of Field's value in Values.
type In struct {
	Field  string
	Values []any
}

// Contains reports substring membership (strings, case-sensitive) or
// list membership (arrays).
type Contains struct {
	Field string
	Sub   any
}

// And/Or/Not compose sub-predicates.
type And []Predicate
type Or []Predicate
type Not struct{ Inner Predicate }

func (p Eq) Eval(doc gjson.Result) bool {
	v, ok := extract(doc, p.Field)
	if !ok {
		return false
	}
	return equalValues(v, p.Value)
}

func (p Ne) Eval(doc gjson.Result) bool { return !Eq(p).Eval(doc) }

func (p Lt) Eval(doc gjson.Result) bool  { return ordered(doc, p.Field, p.Value, func(c int) bool { return c < 0 }) }
func (p Lte) Eval(doc gjson.Result) bool { return ordered(doc, p.Field, p.Value, func(c int) bool { return c <= 0 }) }
func (p Gt) Eval(doc gjson.Result) bool  { return ordered(doc, p.Field, p.Value, func(c int) bool { return c > 0 }) }
func (p Gte) Eval(doc gjson.Result) bool { return ordered(doc, p.Field, p.Value, func(c int) bool { return c >= 0 }) }

func (p In) Eval(doc gjson.Result) bool {
	v, ok := extract(doc, p.Field)
	if !ok {
		return false
	}
	for _, candidate := range p.Values {
		if equalValues(v, candidate) {
			return true
		}
	}
	return false
}

func (p Contains) Eval(doc gjson.Result) bool {
	v, ok := extract(doc, p.Field)
	if !ok {
		return false
	}
	sub, ok := p.Sub.(string)
	if !ok {
		return false
	}
	switch val := v.(type) {
	case string:
		return strings.Contains(val, sub)
	case []any:
		for _, item := range val {
			if equalValues(item, sub) {
				return true
			}
		}
	}
	return false
}

func (p And) Eval(doc gjson.Result) bool {
	for _, sub := range p {
		if !sub.Eval(doc) {
			return false
		}
	}
	return true
}

func (p Or) Eval(doc gjson.Result) bool {
	for _, sub := range p {
		if sub.Eval(doc) {
			return true
		}
	}
	return false
}

func (p Not) Eval(doc gjson.Result) bool { return !p.Inner.Eval(doc) }

// ExtractField exposes extract to other packages (C9's projection step
// needs the identical properties.* then top-level resolution rule the
// predicate algebra uses, so there is exactly one implementation of it).
func ExtractField(doc gjson.Result, field string) (any, bool) { return extract(doc, field) }

// extract walks properties.<field> then top-level <field> (spec §4.7).
// Dotted paths (a.b.c) are passed straight through to gjson, which
// resolves them as nested object traversal.
func extract(doc gjson.Result, field string) (any, bool) {
	if r := doc.Get("properties." + field); r.Exists() {
		return r.Value(), true
	}
	if r := doc.Get(field); r.Exists() {
		return r.Value(), true
	}
	return nil, false
}

// ordered implements Lt/Lte/Gt/Gte: both operands are coerced per the
// spec's type rules and the comparator sign is tested with cmp.
func ordered(doc gjson.Result, field string, want any, cmp func(int) bool) bool {
	v, ok := extract(doc, field)
	if !ok {
		return false
	}
	c, ok := compare(v, want)
	if !ok {
		return false
	}
	return cmp(c)
}

// compare returns -1/0/1 per standard comparator convention, and ok=false
// when the operands are not comparable under the spec's coercion rules:
// both numeric -> numeric compare; both strings parsing as ISO-8601 ->
// datetime compare; both strings otherwise -> lexicographic; anything
// else -> not comparable.
func compare(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		if at, err := schema.ParseISOTime(as); err == nil {
			if bt, err := schema.ParseISOTime(bs); err == nil {
				return compareTime(at, bt), true
			}
		}
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
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

// equalValues is Eq's coercion: numeric equality compares numerically
// (so 1 == 1.0), everything else falls back to Go equality.
func equalValues(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

// Doc builds the gjson document an entity is evaluated against,
// exposing id/schema/name/aliases/created_at/modified_at as top-level
// fields and the schema-validated payload under "properties" (spec
// §4.7: "Field extraction walks properties.* then top-level fields").
func Doc(e *entity.Entity) (gjson.Result, error) {
	obj := map[string]any{
		"id":          e.ID,
		"schema":      e.Schema,
		"name":        e.Name,
		"aliases":     e.Aliases,
		"created_at":  e.CreatedAt,
		"modified_at": e.ModifiedAt,
		"properties":  e.Properties,
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(raw), nil
}

// SortKey describes one ORDER BY term (spec §4.7: "(field, direction)").
type SortKey struct {
	Field string
	Desc  bool
}

// Sort orders docs per keys, missing values sorting last in ASC (spec
// §4.7). Stable so ties preserve fetch order.
func Sort(docs []gjson.Result, keys []SortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			vi, oki := extract(docs[i], k.Field)
			vj, okj := extract(docs[j], k.Field)
			switch {
			case !oki && !okj:
				continue
			case !oki:
				return false // missing sorts last regardless of direction's literal sense
			case !okj:
				return true
			}
			c, ok := compare(vi, vj)
			if !ok || c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// SkipTake implements offset/limit (spec §4.7: "skip(n).take(m)").
func SkipTake(docs []gjson.Result, skip, take int) []gjson.Result {
	if skip >= len(docs) {
		return nil
	}
	docs = docs[skip:]
	if take > 0 && take < len(docs) {
		docs = docs[:take]
	}
	return docs
}
