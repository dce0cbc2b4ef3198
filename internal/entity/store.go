package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/p8db/p8core/internal/idgen"
	"github.com/p8db/p8core/internal/index"
	"github.com/p8db/p8core/internal/keys"
	"github.com/p8db/p8core/internal/kv"
	"github.com/p8db/p8core/internal/perr"
	"github.com/p8db/p8core/internal/schema"
	"github.com/p8db/p8core/internal/wal"
)

// Store implements insert/get/delete/lookup (spec §4.3, C3), composing
// the schema registry, secondary index, and WAL into one atomic batch
// per logical write — the same pattern as the teacher's issue-CRUD
// functions threading a *sql.Tx through storage/sqlite/*.go helpers.
type Store struct {
	kv       *kv.Store
	registry *schema.Registry
	idx      *index.Index
	wal      *wal.WAL
}

func New(store *kv.Store, registry *schema.Registry, idx *index.Index, w *wal.WAL) *Store {
	return &Store{kv: store, registry: registry, idx: idx, wal: w}
}

// envelopeFields are first-class Entity attributes carried alongside a
// schema-validated payload rather than being schema properties
// themselves (spec §3 distinguishes id/schema/name/aliases/edges/
// embedding from "properties: the schema-validated payload").
func extractEnvelope(data map[string]any) (name string, aliases []string, edges []edgeInput, rest map[string]any, err error) {
	rest = make(map[string]any, len(data))
	for k, v := range data {
		switch k {
		case "name":
			s, ok := v.(string)
			if !ok {
				return "", nil, nil, nil, &perr.ValidationError{Field: "name", Reason: "must be a string"}
			}
			name = s
		case "aliases":
			aliases, err = toStringSlice(v)
			if err != nil {
				return "", nil, nil, nil, err
			}
		case "edges":
			edges, err = toEdgeInputs(v)
			if err != nil {
				return "", nil, nil, nil, err
			}
		case embeddingFieldName:
			return "", nil, nil, nil, &perr.ValidationError{Field: embeddingFieldName, Reason: "embedding may only be set via set_embedding"}
		default:
			rest[k] = v
		}
	}
	return name, aliases, edges, rest, nil
}

// edgeInput is one inline edge tuple accepted in an insert payload (spec
// §3: "edges: inline list of (dst_id, rel_type, properties, created_at)
// tuples ... the engine MUST accept either and materialize the external
// form on write").
type edgeInput struct {
	Dst        string
	Rel        string
	Properties map[string]any
}

func toEdgeInputs(v any) ([]edgeInput, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, &perr.ValidationError{Field: "edges", Reason: "must be an array of edge objects"}
	}
	out := make([]edgeInput, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &perr.ValidationError{Field: "edges", Reason: "each edge must be an object"}
		}
		dst, _ := m["dst_id"].(string)
		if dst == "" {
			dst, _ = m["dst"].(string)
		}
		rel, _ := m["rel_type"].(string)
		if dst == "" || rel == "" {
			return nil, &perr.ValidationError{Field: "edges", Reason: "each edge requires dst_id and rel_type"}
		}
		props, _ := m["properties"].(map[string]any)
		out = append(out, edgeInput{Dst: dst, Rel: rel, Properties: props})
	}
	return out, nil
}

// dedupeEdges collapses repeats of the same (dst, rel_type) within one
// inline edges list, keeping the last occurrence — the list's own order
// stands in for "latest created_at" when two tuples in the same payload
// target the same pair (invariant I3).
func dedupeEdges(in []edgeInput) []edgeInput {
	index := make(map[string]int, len(in))
	out := make([]edgeInput, 0, len(in))
	for _, e := range in {
		key := e.Dst + "\x00" + e.Rel
		if i, ok := index[key]; ok {
			out[i] = e
			continue
		}
		index[key] = len(out)
		out = append(out, e)
	}
	return out
}

func toStringSlice(v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, &perr.ValidationError{Field: "aliases", Reason: "must be an array of strings"}
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, &perr.ValidationError{Field: "aliases", Reason: "must be an array of strings"}
		}
		out = append(out, s)
	}
	return out, nil
}

// Insert validates data against schemaName and upserts the resulting
// entity, following the seven steps of spec §4.3 verbatim.
func (s *Store) Insert(ctx context.Context, tenant, schemaName string, data map[string]any) (string, error) {
	sc, ok := s.registry.Get(tenant, schemaName)
	if !ok {
		return "", &perr.UnknownSchema{Name: schemaName}
	}

	name, aliases, edges, props, err := extractEnvelope(data)
	if err != nil {
		return "", err
	}
	validated, err := sc.Validate(props)
	if err != nil {
		return "", err
	}

	var id string
	if sc.KeyField != "" {
		keyVal, ok := validated[sc.KeyField]
		if !ok {
			return "", &perr.ValidationError{Field: sc.KeyField, Reason: "key_field value is required"}
		}
		id = idgen.Deterministic(tenant, schemaName, fmt.Sprint(keyVal)).String()
	} else {
		id = idgen.Fresh().String()
	}

	existing, _, err := s.readRecord(ctx, tenant, id)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	rec := record{
		ID:         id,
		Schema:     schemaName,
		Properties: validated,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if existing != nil {
		// Invariant I3: scalar fields overwrite; unspecified existing
		// fields survive. Inline edges are merged separately below, by
		// key-overwrite rather than by touching Properties.
		merged := make(map[string]any, len(existing.Properties)+len(validated))
		for k, v := range existing.Properties {
			merged[k] = v
		}
		for k, v := range validated {
			merged[k] = v
		}
		rec.Properties = merged
		rec.CreatedAt = existing.CreatedAt
		if name == "" {
			name = existing.Name
		}
		if aliases == nil {
			aliases = existing.Aliases
		}
	}
	if name == "" {
		name = fmt.Sprintf("%s_%s", schemaName, id)
	}
	rec.Name = name
	rec.Aliases = aliases

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", &perr.IoError{Op: "encode entity", Err: err}
	}

	err = s.kv.WithTx(ctx, func(tx *sql.Tx) error {
		seq, err := s.wal.NextSeq(ctx, tx, tenant)
		if err != nil {
			return err
		}
		ops := []kv.Op{kv.PutOp(keys.Entity(tenant, id), raw)}
		ops = append(ops, kv.PutOp(keys.EntityBySchema(tenant, schemaName, id), []byte{1}))

		var oldAliases []string
		if existing != nil {
			oldAliases = existing.Aliases
		}
		ops = append(ops, aliasDiffOps(tenant, id, oldAliases, aliases)...)

		indexOps, err := s.indexDiffOps(ctx, tx, tenant, schemaName, sc, existing, rec.Properties, id)
		if err != nil {
			return err
		}
		ops = append(ops, indexOps...)

		// Materialize inline edges into edge: rows in the same batch
		// (spec §3: "the engine MUST accept either and materialize the
		// external form on write"). The kv key already embeds
		// (src, dst, rel_type), so re-putting a (dst, rel_type) pair that
		// already has a stored row is the merge-by-overwrite invariant
		// I3 calls for: new wins, latest created_at survives.
		for _, ei := range dedupeEdges(edges) {
			er := edgeRecord{Src: id, Dst: ei.Dst, Rel: ei.Rel, Properties: ei.Properties, CreatedAt: now}
			edgeRaw, err := json.Marshal(er)
			if err != nil {
				return &perr.IoError{Op: "encode edge", Err: err}
			}
			ops = append(ops, kv.PutOp(keys.Edge(tenant, id, ei.Dst, ei.Rel), edgeRaw))
		}

		entry := wal.NewEntry(tenant, "entity", wal.OpPut, seq, keys.Entity(tenant, id), raw, "")
		walOp, err := wal.AppendOp(entry)
		if err != nil {
			return err
		}
		ops = append(ops, walOp)

		if err := kv.ApplyOps(ctx, tx, ops); err != nil {
			return err
		}
		s.wal.RecordApplied(tenant, entry)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func aliasDiffOps(tenant, id string, old, updated []string) []kv.Op {
	oldSet := make(map[string]struct{}, len(old))
	for _, a := range old {
		oldSet[strings.ToLower(a)] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(updated))
	for _, a := range updated {
		newSet[strings.ToLower(a)] = struct{}{}
	}
	var ops []kv.Op
	for a := range oldSet {
		if _, ok := newSet[a]; !ok {
			ops = append(ops, kv.DeleteOp(keys.Alias(tenant, a)))
		}
	}
	for a := range newSet {
		ops = append(ops, kv.PutOp(keys.Alias(tenant, a), []byte(id)))
	}
	return ops
}

func (s *Store) indexDiffOps(ctx context.Context, tx *sql.Tx, tenant, schemaName string, sc *schema.Schema, existing *record, newProps map[string]any, id string) ([]kv.Op, error) {
	var ops []kv.Op
	for _, field := range sc.IndexedFields {
		var oldVal, newVal any
		var hadOld, hasNew bool
		if existing != nil {
			oldVal, hadOld = existing.Properties[field]
		}
		newVal, hasNew = newProps[field]
		if hadOld && hasNew && fmt.Sprint(oldVal) == fmt.Sprint(newVal) {
			continue
		}
		if hadOld {
			op, err := s.idx.RemoveOp(ctx, tx, schemaName, tenant, field, oldVal, id)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
		if hasNew {
			op, err := s.idx.AddOp(ctx, tx, schemaName, tenant, field, newVal, id)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (s *Store) readRecord(ctx context.Context, tenant, id string) (*record, []byte, error) {
	raw, ok, err := s.kv.Get(ctx, keys.Entity(tenant, id))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, &perr.IoError{Op: "decode entity", Err: err}
	}
	return &rec, raw, nil
}

// Get returns the entity, with its inline Edges view repopulated from
// the separately stored edge rows (Open Question decision 2), or nil if
// absent.
func (s *Store) Get(ctx context.Context, tenant, id string) (*Entity, error) {
	rec, _, err := s.readRecord(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	e := rec.toEntity()
	edges, err := s.loadOutgoingEdges(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	e.Edges = edges
	if emb, ok := rec.Properties[embeddingFieldName]; ok {
		e.Embedding = toFloat32Slice(emb)
	}
	return e, nil
}

func toFloat32Slice(v any) []float32 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(arr))
	for _, item := range arr {
		f, ok := item.(float64)
		if !ok {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

func (s *Store) loadOutgoingEdges(ctx context.Context, tenant, id string) ([]Edge, error) {
	rows, err := s.kv.ScanPrefix(ctx, keys.EdgeOutPrefix(tenant, id))
	if err != nil {
		return nil, err
	}
	edges := make([]Edge, 0, len(rows))
	for _, row := range rows {
		var er edgeRecord
		if err := json.Unmarshal(row.Value, &er); err != nil {
			return nil, &perr.IoError{Op: "decode edge", Err: err}
		}
		edges = append(edges, Edge{DstID: er.Dst, RelType: er.Rel, Properties: er.Properties, CreatedAt: er.CreatedAt})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].CreatedAt.Before(edges[j].CreatedAt) })
	return edges, nil
}

// edgeRecord is the on-disk shape of one edge: row, shared with
// internal/graph which reads the same keyspace for traversal.
type edgeRecord struct {
	Src        string         `json:"src"`
	Dst        string         `json:"dst"`
	Rel        string         `json:"rel_type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CreateEdge persists a directed edge (spec §3 "Edge", §4.3's
// create_edge). Re-creating the same (src, dst, rel_type) triple
// overwrites in place, which is how invariant I3's "duplicates by
// (dst, rel_type) collapsed keeping latest created_at" holds: the kv
// key already embeds (src, dst, rel_type), so a later Put is the
// collapse.
func (s *Store) CreateEdge(ctx context.Context, tenant, src, dst, rel string, props map[string]any) error {
	if _, _, err := s.mustExist(ctx, tenant, src); err != nil {
		return err
	}
	if _, _, err := s.mustExist(ctx, tenant, dst); err != nil {
		return err
	}
	er := edgeRecord{Src: src, Dst: dst, Rel: rel, Properties: props, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(er)
	if err != nil {
		return &perr.IoError{Op: "encode edge", Err: err}
	}
	key := keys.Edge(tenant, src, dst, rel)

	return s.kv.WithTx(ctx, func(tx *sql.Tx) error {
		seq, err := s.wal.NextSeq(ctx, tx, tenant)
		if err != nil {
			return err
		}
		entry := wal.NewEntry(tenant, "edge", wal.OpPut, seq, key, raw, "")
		walOp, err := wal.AppendOp(entry)
		if err != nil {
			return err
		}
		if err := kv.ApplyOps(ctx, tx, []kv.Op{kv.PutOp(key, raw), walOp}); err != nil {
			return err
		}
		s.wal.RecordApplied(tenant, entry)
		return nil
	})
}

func (s *Store) mustExist(ctx context.Context, tenant, id string) (*record, []byte, error) {
	rec, raw, err := s.readRecord(ctx, tenant, id)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, &perr.UnknownEntity{ID: id}
	}
	return rec, raw, nil
}

// SetEmbedding validates vec's dimension against expectedDim (when
// positive) and stores it as the properties.embedding field — the
// only sanctioned way to mutate that field (Open Question decision 1).
func (s *Store) SetEmbedding(ctx context.Context, tenant, id string, vec []float32, expectedDim int) error {
	rec, _, err := s.mustExist(ctx, tenant, id)
	if err != nil {
		return err
	}
	if expectedDim > 0 && len(vec) != expectedDim {
		return &perr.DimMismatch{Want: expectedDim, Got: len(vec)}
	}
	rec.Properties[embeddingFieldName] = vec
	rec.ModifiedAt = time.Now().UTC()
	return s.putRecordOnly(ctx, tenant, id, rec)
}

// DeleteEmbedding removes the embedding property, distinct from entity
// deletion (supplemented feature, SPEC_FULL.md).
func (s *Store) DeleteEmbedding(ctx context.Context, tenant, id string) error {
	rec, _, err := s.mustExist(ctx, tenant, id)
	if err != nil {
		return err
	}
	delete(rec.Properties, embeddingFieldName)
	rec.ModifiedAt = time.Now().UTC()
	return s.putRecordOnly(ctx, tenant, id, rec)
}

func (s *Store) putRecordOnly(ctx context.Context, tenant, id string, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return &perr.IoError{Op: "encode entity", Err: err}
	}
	key := keys.Entity(tenant, id)
	return s.kv.WithTx(ctx, func(tx *sql.Tx) error {
		seq, err := s.wal.NextSeq(ctx, tx, tenant)
		if err != nil {
			return err
		}
		entry := wal.NewEntry(tenant, "entity", wal.OpPut, seq, key, raw, "")
		walOp, err := wal.AppendOp(entry)
		if err != nil {
			return err
		}
		if err := kv.ApplyOps(ctx, tx, []kv.Op{kv.PutOp(key, raw), walOp}); err != nil {
			return err
		}
		s.wal.RecordApplied(tenant, entry)
		return nil
	})
}

// Delete removes the entity row, its index postings, alias rows,
// embedding's vector_map entry (if any — left to the caller's vector
// manager, see internal/db), and every edge where it is src or dst
// (spec §4.3).
func (s *Store) Delete(ctx context.Context, tenant, id string) error {
	rec, _, err := s.readRecord(ctx, tenant, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	sc, ok := s.registry.Get(tenant, rec.Schema)
	if !ok {
		return &perr.UnknownSchema{Name: rec.Schema}
	}

	outEdges, err := s.kv.ScanPrefix(ctx, keys.EdgeOutPrefix(tenant, id))
	if err != nil {
		return err
	}
	allEdges, err := s.kv.ScanPrefix(ctx, keys.EdgeScanPrefix(tenant))
	if err != nil {
		return err
	}

	return s.kv.WithTx(ctx, func(tx *sql.Tx) error {
		var ops []kv.Op
		ops = append(ops, kv.DeleteOp(keys.Entity(tenant, id)))
		ops = append(ops, kv.DeleteOp(keys.EntityBySchema(tenant, rec.Schema, id)))
		for _, a := range rec.Aliases {
			ops = append(ops, kv.DeleteOp(keys.Alias(tenant, strings.ToLower(a))))
		}
		for _, field := range sc.IndexedFields {
			if val, ok := rec.Properties[field]; ok {
				op, err := s.idx.RemoveOp(ctx, tx, rec.Schema, tenant, field, val, id)
				if err != nil {
					return err
				}
				ops = append(ops, op)
			}
		}
		for _, row := range outEdges {
			ops = append(ops, kv.DeleteOp(row.Key))
		}
		for _, row := range allEdges {
			var er edgeRecord
			if err := json.Unmarshal(row.Value, &er); err != nil {
				continue
			}
			if er.Dst == id {
				ops = append(ops, kv.DeleteOp(row.Key))
			}
		}

		seq, err := s.wal.NextSeq(ctx, tx, tenant)
		if err != nil {
			return err
		}
		entry := wal.NewEntry(tenant, "entity", wal.OpDelete, seq, keys.Entity(tenant, id), nil, "")
		walOp, err := wal.AppendOp(entry)
		if err != nil {
			return err
		}
		ops = append(ops, walOp)

		if err := kv.ApplyOps(ctx, tx, ops); err != nil {
			return err
		}
		s.wal.RecordApplied(tenant, entry)
		return nil
	})
}

// ScanSchema returns every entity of schemaName under tenant, fetched
// via the entity_by_schema index (spec §4.9 rule 5's full-scan
// fallback, and C5's vector-index rebuild-from-entities path).
func (s *Store) ScanSchema(ctx context.Context, tenant, schemaName string) ([]*Entity, error) {
	rows, err := s.kv.ScanPrefix(ctx, keys.EntityBySchemaPrefix(tenant, schemaName))
	if err != nil {
		return nil, err
	}
	out := make([]*Entity, 0, len(rows))
	for _, row := range rows {
		id := idFromBySchemaKey(row.Key)
		e, err := s.Get(ctx, tenant, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// idFromBySchemaKey extracts the trailing id segment from an
// entity_by_schema:<tenant>:<schema>:<id> key.
func idFromBySchemaKey(key []byte) string {
	s := string(key)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Lookup resolves identifier to every matching entity (spec §4.3): id
// parse first, then the alias index, then a full scan matching name
// (case-insensitive) or any id-like property.
func (s *Store) Lookup(ctx context.Context, tenant, identifier string) ([]*Entity, error) {
	if _, ok := idgen.Parse(identifier); ok {
		e, err := s.Get(ctx, tenant, identifier)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return []*Entity{e}, nil
		}
	}

	if raw, ok, err := s.kv.Get(ctx, keys.Alias(tenant, strings.ToLower(identifier))); err != nil {
		return nil, err
	} else if ok {
		e, err := s.Get(ctx, tenant, string(raw))
		if err != nil {
			return nil, err
		}
		if e != nil {
			return []*Entity{e}, nil
		}
	}

	rows, err := s.kv.ScanPrefix(ctx, keys.EntityPrefix(tenant))
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(identifier)
	var out []*Entity
	seen := map[string]struct{}{}
	for _, row := range rows {
		var rec record
		if err := json.Unmarshal(row.Value, &rec); err != nil {
			continue
		}
		if !matches(rec, needle) {
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		e, err := s.Get(ctx, tenant, rec.ID)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func matches(rec record, needle string) bool {
	if strings.ToLower(rec.Name) == needle {
		return true
	}
	for _, a := range rec.Aliases {
		if strings.ToLower(a) == needle {
			return true
		}
	}
	for _, field := range idLikeProperties {
		if v, ok := rec.Properties[field]; ok && strings.ToLower(fmt.Sprint(v)) == needle {
			return true
		}
	}
	if rec.ID == needle {
		return true
	}
	return false
}
