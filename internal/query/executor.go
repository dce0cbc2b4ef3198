// Package query implements the query executor (spec §4.9, C9): it
// resolves a parsed internal/sqlfe.Query against a registered schema,
// applies the five ordered planning rules to pick an index-assisted
// fetch over a full scan where possible, then sorts, paginates, and
// projects. Grounded structurally on the teacher's repository-layer
// list functions (internal/storage/sqlite's filtered issue listing),
// generalized from a fixed issue-filter struct to the predicate
// algebra and an explicit, observable planning decision.
package query

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/p8db/p8core/internal/embed"
	"github.com/p8db/p8core/internal/entity"
	"github.com/p8db/p8core/internal/index"
	"github.com/p8db/p8core/internal/perr"
	"github.com/p8db/p8core/internal/predicate"
	"github.com/p8db/p8core/internal/schema"
	"github.com/p8db/p8core/internal/sqlfe"
	"github.com/p8db/p8core/internal/vecindex"
)

// embeddingField is the one property name C3's entity store allows an
// embedding to live under (spec §3's Open Question decision 1); it is
// also the only field name a similarity predicate may name.
const embeddingField = "embedding"

// defaultSimilarityK is knn's k when the query has no explicit LIMIT
// (spec §4.9 rule 4: "k = LIMIT or default 10").
const defaultSimilarityK = 10

// Row is one projected result row.
type Row map[string]any

// Result is one query's output plus the planning decision that
// produced it, exposed for testability (spec §8 scenario S2: "planner
// uses index intersection (observable via a counter exposed for
// tests)").
type Result struct {
	Rows []Row
	Plan string // "eq" | "and" | "or" | "similarity" | "scan"
}

// Executor resolves sqlfe.Query values against the entity store,
// secondary index, and vector index.
type Executor struct {
	entities *entity.Store
	registry *schema.Registry
	idx      *index.Index
	vecs     *vecindex.Manager
	embedder embed.Provider

	mu        sync.Mutex
	indexHits int
	scanHits  int
}

func New(entities *entity.Store, registry *schema.Registry, idx *index.Index, vecs *vecindex.Manager, embedder embed.Provider) *Executor {
	return &Executor{entities: entities, registry: registry, idx: idx, vecs: vecs, embedder: embedder}
}

// IndexHits is the running count of queries this Executor answered via
// an indexed planning rule (eq/and/or/similarity), not a full scan.
func (x *Executor) IndexHits() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.indexHits
}

// ScanHits is the running count of queries answered by full scan.
func (x *Executor) ScanHits() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.scanHits
}

func (x *Executor) recordPlan(plan string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if plan == "scan" {
		x.scanHits++
	} else {
		x.indexHits++
	}
}

// RunSQL parses src and executes it (the `sql()` library call, spec
// §6).
func (x *Executor) RunSQL(ctx context.Context, tenant, src string) (*Result, error) {
	q, err := sqlfe.Parse(src)
	if err != nil {
		return nil, err
	}
	return x.Run(ctx, tenant, q)
}

// Run executes an already-parsed query.
func (x *Executor) Run(ctx context.Context, tenant string, q *sqlfe.Query) (*Result, error) {
	sc, ok := x.registry.Get(tenant, q.Schema)
	if !ok {
		return nil, &perr.UnknownSchema{Name: q.Schema}
	}

	docs, plan, scores, err := x.fetch(ctx, tenant, sc, q)
	if err != nil {
		return nil, err
	}
	x.recordPlan(plan)

	if q.Where != nil {
		filtered := docs[:0]
		filteredScores := make(map[string]float32, len(scores))
		for _, d := range docs {
			if q.Where.Eval(d) {
				filtered = append(filtered, d)
				if s, ok := scores[d.Get("id").String()]; ok {
					filteredScores[d.Get("id").String()] = s
				}
			}
		}
		docs = filtered
		scores = filteredScores
	}

	if len(scores) > 0 {
		docs = attachScores(docs, scores)
	}

	orderBy := q.OrderBy
	if len(orderBy) == 0 && q.Similarity != nil {
		orderBy = []predicate.SortKey{{Field: "_score", Desc: true}}
	}
	predicate.Sort(docs, orderBy)
	docs = predicate.SkipTake(docs, q.Offset, q.Limit)

	rows := project(docs, q)
	return &Result{Rows: rows, Plan: plan}, nil
}

// fetch applies the five ordered planning rules (spec §4.9) and
// returns the resulting documents, which rule fired, and any
// similarity scores keyed by entity id.
func (x *Executor) fetch(ctx context.Context, tenant string, sc *schema.Schema, q *sqlfe.Query) ([]gjson.Result, string, map[string]float32, error) {
	if q.Similarity != nil {
		return x.fetchSimilarity(ctx, tenant, sc, q)
	}

	if eq, ok := q.Where.(predicate.Eq); ok && isIndexed(sc, eq.Field) {
		ids, err := x.idx.Lookup(ctx, sc.Name, tenant, eq.Field, eq.Value)
		if err != nil {
			return nil, "", nil, err
		}
		docs, err := x.docsForIDs(ctx, tenant, ids)
		return docs, "eq", nil, err
	}

	if and, ok := q.Where.(predicate.And); ok {
		if set, ok := x.indexedIntersection(ctx, tenant, sc, and); ok {
			docs, err := x.docsForIDs(ctx, tenant, sortedIDs(set))
			return docs, "and", nil, err
		}
	}

	if or, ok := q.Where.(predicate.Or); ok {
		if lookups, ok := indexedEqLookups(sc, or); ok {
			ids, err := x.idx.Union(ctx, sc.Name, tenant, lookups)
			if err != nil {
				return nil, "", nil, err
			}
			docs, err := x.docsForIDs(ctx, tenant, ids)
			return docs, "or", nil, err
		}
	}

	entities, err := x.entities.ScanSchema(ctx, tenant, sc.Name)
	if err != nil {
		return nil, "", nil, err
	}
	docs, err := toDocs(entities)
	return docs, "scan", nil, err
}

func (x *Executor) fetchSimilarity(ctx context.Context, tenant string, sc *schema.Schema, q *sqlfe.Query) ([]gjson.Result, string, map[string]float32, error) {
	if q.Similarity.Field != embeddingField {
		return nil, "", nil, &perr.UnknownField{Schema: sc.Name, Field: q.Similarity.Field}
	}
	queryVec, err := x.embedder.Embed(ctx, q.Similarity.QueryText)
	if err != nil {
		return nil, "", nil, err
	}
	k := q.Limit
	if k <= 0 {
		k = defaultSimilarityK
	}
	neighbors, err := x.vecs.Knn(ctx, tenant, sc.Name, queryVec, k, 0, 0)
	if err != nil {
		return nil, "", nil, err
	}
	ids := make([]string, 0, len(neighbors))
	scores := make(map[string]float32, len(neighbors))
	for _, n := range neighbors {
		ids = append(ids, n.ID)
		scores[n.ID] = n.Score
	}
	docs, err := x.docsForIDs(ctx, tenant, ids)
	return docs, "similarity", scores, err
}

// indexedIntersection implements rule 2 ("And([…]) of indexed Eq/In"):
// every conjunct must resolve to a posting set on its own, and the
// result is their intersection.
func (x *Executor) indexedIntersection(ctx context.Context, tenant string, sc *schema.Schema, and predicate.And) (map[string]struct{}, bool) {
	if lookups, ok := indexedEqLookupsAnd(sc, and); ok {
		ids, err := x.idx.Intersect(ctx, sc.Name, tenant, lookups)
		if err != nil {
			return nil, false
		}
		return toSet(ids), true
	}

	var sets []map[string]struct{}
	for _, sub := range and {
		set, ok := x.idSetFor(ctx, tenant, sc, sub)
		if !ok {
			return nil, false
		}
		sets = append(sets, set)
	}
	if len(sets) == 0 {
		return nil, false
	}
	result := sets[0]
	for _, set := range sets[1:] {
		next := make(map[string]struct{})
		for id := range result {
			if _, ok := set[id]; ok {
				next[id] = struct{}{}
			}
		}
		result = next
	}
	return result, true
}

// indexedEqLookupsAnd is indexedEqLookups' And-shaped counterpart: when
// every conjunct is a plain indexed Eq, the intersection can be computed
// by internal/index.Intersect directly instead of rolling per-predicate
// sets by hand here.
func indexedEqLookupsAnd(sc *schema.Schema, and predicate.And) ([]index.FieldValue, bool) {
	lookups := make([]index.FieldValue, 0, len(and))
	for _, sub := range and {
		eq, ok := sub.(predicate.Eq)
		if !ok || !isIndexed(sc, eq.Field) {
			return nil, false
		}
		lookups = append(lookups, index.FieldValue{Field: eq.Field, Value: eq.Value})
	}
	if len(lookups) == 0 {
		return nil, false
	}
	return lookups, true
}

func (x *Executor) idSetFor(ctx context.Context, tenant string, sc *schema.Schema, p predicate.Predicate) (map[string]struct{}, bool) {
	switch v := p.(type) {
	case predicate.Eq:
		if !isIndexed(sc, v.Field) {
			return nil, false
		}
		ids, err := x.idx.Lookup(ctx, sc.Name, tenant, v.Field, v.Value)
		if err != nil {
			return nil, false
		}
		return toSet(ids), true
	case predicate.In:
		if !isIndexed(sc, v.Field) {
			return nil, false
		}
		lookups := make([]index.FieldValue, len(v.Values))
		for i, val := range v.Values {
			lookups[i] = index.FieldValue{Field: v.Field, Value: val}
		}
		ids, err := x.idx.Union(ctx, sc.Name, tenant, lookups)
		if err != nil {
			return nil, false
		}
		return toSet(ids), true
	default:
		return nil, false
	}
}

// indexedEqLookups implements rule 3 ("Or([…]) of indexed Eq"): every
// disjunct must be a plain Eq on an indexed field.
func indexedEqLookups(sc *schema.Schema, or predicate.Or) ([]index.FieldValue, bool) {
	lookups := make([]index.FieldValue, 0, len(or))
	for _, sub := range or {
		eq, ok := sub.(predicate.Eq)
		if !ok || !isIndexed(sc, eq.Field) {
			return nil, false
		}
		lookups = append(lookups, index.FieldValue{Field: eq.Field, Value: eq.Value})
	}
	if len(lookups) == 0 {
		return nil, false
	}
	return lookups, true
}

func isIndexed(sc *schema.Schema, field string) bool {
	for _, f := range sc.IndexedFields {
		if f == field {
			return true
		}
	}
	return false
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (x *Executor) docsForIDs(ctx context.Context, tenant string, ids []string) ([]gjson.Result, error) {
	entities := make([]*entity.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := x.entities.Get(ctx, tenant, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entities = append(entities, e)
		}
	}
	return toDocs(entities)
}

func toDocs(entities []*entity.Entity) ([]gjson.Result, error) {
	docs := make([]gjson.Result, 0, len(entities))
	for _, e := range entities {
		d, err := predicate.Doc(e)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// attachScores rebuilds each doc with a top-level "_score" field so
// ORDER BY _score and projection can both see it (spec §4.9 rule 4:
// "attach _score").
func attachScores(docs []gjson.Result, scores map[string]float32) []gjson.Result {
	out := make([]gjson.Result, len(docs))
	for i, d := range docs {
		id := d.Get("id").String()
		score, ok := scores[id]
		if !ok {
			out[i] = d
			continue
		}
		obj := d.Value().(map[string]any)
		obj["_score"] = score
		raw, err := json.Marshal(obj)
		if err != nil {
			out[i] = d
			continue
		}
		out[i] = gjson.ParseBytes(raw)
	}
	return out
}

// project applies the final projection step: "*" returns the full
// document, otherwise each named field is resolved with the same
// properties.* then top-level rule the predicate algebra uses, missing
// fields projecting to nil (spec §4.8: "missing fields return null").
func project(docs []gjson.Result, q *sqlfe.Query) []Row {
	rows := make([]Row, len(docs))
	for i, d := range docs {
		if q.Star {
			if obj, ok := d.Value().(map[string]any); ok {
				rows[i] = obj
				continue
			}
			rows[i] = Row{}
			continue
		}
		row := make(Row, len(q.Projection))
		for _, field := range q.Projection {
			v, ok := predicate.ExtractField(d, field)
			if !ok {
				v = nil
			}
			row[lastSegment(field)] = v
		}
		rows[i] = row
	}
	return rows
}

// lastSegment uses the trailing path component as a projected field's
// output key (e.g. "properties.color" projects as "color").
func lastSegment(field string) string {
	if i := strings.LastIndex(field, "."); i >= 0 {
		return field[i+1:]
	}
	return field
}
