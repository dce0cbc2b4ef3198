package predicate

import (
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/p8db/p8core/internal/entity"
)

func mustDoc(t *testing.T, props map[string]any) gjson.Result {
	t.Helper()
	e := &entity.Entity{
		ID: "e1", Schema: "widget", Name: "Widget One",
		Aliases: []string{"W1"}, Properties: props,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	d, err := Doc(e)
	if err != nil {
		t.Fatalf("Doc: %v", err)
	}
	return d
}

func TestEqOnProperty(t *testing.T) {
	d := mustDoc(t, map[string]any{"color": "red", "price": 9.5})
	if !(Eq{Field: "color", Value: "red"}).Eval(d) {
		t.Error("expected color == red to match")
	}
	if (Eq{Field: "color", Value: "blue"}).Eval(d) {
		t.Error("expected color == blue not to match")
	}
}

func TestNumericEqualityCoercesIntFloat(t *testing.T) {
	d := mustDoc(t, map[string]any{"count": 3.0})
	if !(Eq{Field: "count", Value: 3}).Eval(d) {
		t.Error("expected 3 == 3.0 to match")
	}
}

func TestComparisonOperators(t *testing.T) {
	d := mustDoc(t, map[string]any{"price": 9.5})
	if !(Gt{Field: "price", Value: 9.0}).Eval(d) {
		t.Error("expected price > 9.0")
	}
	if (Lt{Field: "price", Value: 9.0}).Eval(d) {
		t.Error("expected price not < 9.0")
	}
}

func TestMismatchedTypesCompareFalse(t *testing.T) {
	d := mustDoc(t, map[string]any{"color": "red"})
	if (Gt{Field: "color", Value: 5}).Eval(d) {
		t.Error("expected string-vs-number comparison to be false")
	}
}

func TestInAndContains(t *testing.T) {
	d := mustDoc(t, map[string]any{"color": "red", "tags": []any{"a", "b"}})
	if !(In{Field: "color", Values: []any{"blue", "red"}}).Eval(d) {
		t.Error("expected In to match")
	}
	if !(Contains{Field: "tags", Sub: "a"}).Eval(d) {
		t.Error("expected Contains to match list membership")
	}
	if !(Contains{Field: "color", Sub: "re"}).Eval(d) {
		t.Error("expected Contains to match substring")
	}
}

func TestAndOrNot(t *testing.T) {
	d := mustDoc(t, map[string]any{"color": "red", "price": 9.5})
	if !(And{Eq{Field: "color", Value: "red"}, Gt{Field: "price", Value: 1}}).Eval(d) {
		t.Error("expected And to match")
	}
	if (And{Eq{Field: "color", Value: "red"}, Gt{Field: "price", Value: 100}}).Eval(d) {
		t.Error("expected And to fail when one clause fails")
	}
	if !(Or{Eq{Field: "color", Value: "blue"}, Eq{Field: "color", Value: "red"}}).Eval(d) {
		t.Error("expected Or to match")
	}
	if !(Not{Inner: Eq{Field: "color", Value: "blue"}}).Eval(d) {
		t.Error("expected Not to invert a false match to true")
	}
}

func TestDatetimeComparison(t *testing.T) {
	d := mustDoc(t, map[string]any{"issued_at": "2025-06-01T00:00:00Z"})
	if !(Gt{Field: "issued_at", Value: "2025-01-01T00:00:00Z"}).Eval(d) {
		t.Error("expected ISO-8601 datetime comparison to order chronologically")
	}
}

func TestSortMissingLast(t *testing.T) {
	a := mustDoc(t, map[string]any{"rank": 2.0})
	b := mustDoc(t, map[string]any{})
	c := mustDoc(t, map[string]any{"rank": 1.0})
	docs := []gjson.Result{a, b, c}
	Sort(docs, []SortKey{{Field: "rank"}})
	if docs[0].Raw != c.Raw || docs[1].Raw != a.Raw || docs[2].Raw != b.Raw {
		t.Errorf("expected [c, a, b] (missing last in ASC), got different order")
	}
}

func TestSkipTake(t *testing.T) {
	docs := []gjson.Result{mustDoc(t, nil), mustDoc(t, nil), mustDoc(t, nil)}
	out := SkipTake(docs, 1, 1)
	if len(out) != 1 {
		t.Fatalf("expected 1 result after skip(1).take(1), got %d", len(out))
	}
}
