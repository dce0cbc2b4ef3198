package sqlfe

import (
	"testing"

	"github.com/p8db/p8core/internal/predicate"
)

func TestParseSelectStar(t *testing.T) {
	q, err := Parse(`SELECT * FROM widget`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !q.Star || q.Schema != "widget" {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestParseProjectionList(t *testing.T) {
	q, err := Parse(`SELECT name, properties.color FROM widget`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(q.Projection) != 2 || q.Projection[0] != "name" || q.Projection[1] != "properties.color" {
		t.Fatalf("unexpected projection: %+v", q.Projection)
	}
}

func TestParseWhereEq(t *testing.T) {
	q, err := Parse(`SELECT * FROM widget WHERE color = 'red'`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	eq, ok := q.Where.(predicate.Eq)
	if !ok {
		t.Fatalf("expected Eq, got %T", q.Where)
	}
	if eq.Field != "color" || eq.Value != "red" {
		t.Fatalf("unexpected Eq: %+v", eq)
	}
}

func TestParseWhereAndOrPrecedence(t *testing.T) {
	// AND should bind tighter than OR: a OR b AND c == a OR (b AND c)
	q, err := Parse(`SELECT * FROM widget WHERE color = 'red' OR color = 'blue' AND price > 5`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	or, ok := q.Where.(predicate.Or)
	if !ok {
		t.Fatalf("expected top-level Or, got %T", q.Where)
	}
	if len(or) != 2 {
		t.Fatalf("expected 2 Or terms, got %d", len(or))
	}
	if _, ok := or[0].(predicate.Eq); !ok {
		t.Fatalf("expected first Or term to be Eq, got %T", or[0])
	}
	and, ok := or[1].(predicate.And)
	if !ok {
		t.Fatalf("expected second Or term to be And, got %T", or[1])
	}
	if len(and) != 2 {
		t.Fatalf("expected 2 And terms, got %d", len(and))
	}
}

func TestParseWhereParensOverridePrecedence(t *testing.T) {
	q, err := Parse(`SELECT * FROM widget WHERE (color = 'red' OR color = 'blue') AND price > 5`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	and, ok := q.Where.(predicate.And)
	if !ok {
		t.Fatalf("expected top-level And, got %T", q.Where)
	}
	if _, ok := and[0].(predicate.Or); !ok {
		t.Fatalf("expected first And term to be Or, got %T", and[0])
	}
}

func TestParseWhereNot(t *testing.T) {
	q, err := Parse(`SELECT * FROM widget WHERE NOT color = 'red'`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	not, ok := q.Where.(predicate.Not)
	if !ok {
		t.Fatalf("expected Not, got %T", q.Where)
	}
	if _, ok := not.Inner.(predicate.Eq); !ok {
		t.Fatalf("expected inner Eq, got %T", not.Inner)
	}
}

func TestParseWhereIn(t *testing.T) {
	q, err := Parse(`SELECT * FROM widget WHERE color IN ('red', 'blue', 'green')`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	in, ok := q.Where.(predicate.In)
	if !ok {
		t.Fatalf("expected In, got %T", q.Where)
	}
	if len(in.Values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(in.Values))
	}
}

func TestParseOrderByLimitOffset(t *testing.T) {
	q, err := Parse(`SELECT * FROM widget ORDER BY price DESC LIMIT 10 OFFSET 5`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(q.OrderBy) != 1 || q.OrderBy[0].Field != "price" || !q.OrderBy[0].Desc {
		t.Fatalf("unexpected order by: %+v", q.OrderBy)
	}
	if q.Limit != 10 || q.Offset != 5 {
		t.Fatalf("unexpected limit/offset: limit=%d offset=%d", q.Limit, q.Offset)
	}
}

func TestParseSimilarityCosine(t *testing.T) {
	q, err := Parse(`SELECT * FROM widget WHERE description.cosine("a red gadget")`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Similarity == nil {
		t.Fatal("expected similarity clause")
	}
	if q.Similarity.Field != "description" || q.Similarity.Kind != "cosine" || q.Similarity.QueryText != "a red gadget" {
		t.Fatalf("unexpected similarity: %+v", q.Similarity)
	}
	if q.Where != nil {
		t.Fatalf("expected no residual predicate, got %+v", q.Where)
	}
}

func TestParseSimilarityHybrid(t *testing.T) {
	q, err := Parse(`SELECT * FROM widget WHERE embedding.inner_product("fast server") AND price < 100`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Similarity == nil || q.Similarity.Kind != "inner_product" {
		t.Fatalf("expected inner_product similarity, got %+v", q.Similarity)
	}
	lt, ok := q.Where.(predicate.Lt)
	if !ok {
		t.Fatalf("expected residual Lt, got %T", q.Where)
	}
	if lt.Field != "price" {
		t.Fatalf("unexpected residual field: %s", lt.Field)
	}
}

func TestParseErrorMissingFrom(t *testing.T) {
	_, err := Parse(`SELECT * widget`)
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseErrorUnterminatedString(t *testing.T) {
	_, err := Parse(`SELECT * FROM widget WHERE color = 'red`)
	if err == nil {
		t.Fatal("expected lexer error for unterminated string")
	}
}

func TestParseBooleanAndNullLiterals(t *testing.T) {
	q, err := Parse(`SELECT * FROM widget WHERE active = TRUE AND deleted_at = NULL`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	and, ok := q.Where.(predicate.And)
	if !ok {
		t.Fatalf("expected And, got %T", q.Where)
	}
	eq1, ok := and[0].(predicate.Eq)
	if !ok || eq1.Value != true {
		t.Fatalf("expected active = true, got %+v", and[0])
	}
	eq2, ok := and[1].(predicate.Eq)
	if !ok || eq2.Value != nil {
		t.Fatalf("expected deleted_at = nil, got %+v", and[1])
	}
}
