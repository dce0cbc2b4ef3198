// Package index implements the secondary index (spec §4.4, C4):
// per-(schema, field, value) posting lists of entity ids, maintained
// synchronously with entity writes. Each posting list is one kv row
// whose value is a JSON-encoded sorted array of id strings; callers
// fold Add/Remove ops into the same kv.Batch as the owning entity write
// so posting-list consistency holds the atomicity invariant I1 (spec §3).
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/p8db/p8core/internal/keys"
	"github.com/p8db/p8core/internal/kv"
	"github.com/p8db/p8core/internal/perr"
)

// Index maintains posting lists for one tenant's entities.
type Index struct {
	store *kv.Store
}

func New(store *kv.Store) *Index { return &Index{store: store} }

func postingKey(schema, tenant, field string, value any) ([]byte, error) {
	canon, err := Canonical(value)
	if err != nil {
		return nil, err
	}
	return keys.IndexPosting(schema, tenant, field, canon), nil
}

func decodePosting(raw []byte) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, &perr.IoError{Op: "decode posting", Err: err}
	}
	return ids, nil
}

func encodePosting(ids []string) []byte {
	raw, _ := json.Marshal(ids)
	return raw
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func removeSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return append(ids[:i], ids[i+1:]...)
	}
	return ids
}

// AddOp returns the kv.Op that adds id to the (schema, field, value)
// posting list, reading the current list within tx to compute the new
// value. Must be called inside the same transaction as the entity
// write it accompanies.
func (ix *Index) AddOp(ctx context.Context, tx *sql.Tx, schema, tenant, field string, value any, id string) (kv.Op, error) {
	key, err := postingKey(schema, tenant, field, value)
	if err != nil {
		return kv.Op{}, err
	}
	existing, err := readPosting(ctx, tx, key)
	if err != nil {
		return kv.Op{}, err
	}
	updated := insertSorted(existing, id)
	return kv.PutOp(key, encodePosting(updated)), nil
}

// RemoveOp returns the kv.Op that removes id from a posting list,
// deleting the row entirely once the posting list becomes empty (spec
// §4.4: "Deletion drops the posting list when empty").
func (ix *Index) RemoveOp(ctx context.Context, tx *sql.Tx, schema, tenant, field string, value any, id string) (kv.Op, error) {
	key, err := postingKey(schema, tenant, field, value)
	if err != nil {
		return kv.Op{}, err
	}
	existing, err := readPosting(ctx, tx, key)
	if err != nil {
		return kv.Op{}, err
	}
	updated := removeSorted(existing, id)
	if len(updated) == 0 {
		return kv.DeleteOp(key), nil
	}
	return kv.PutOp(key, encodePosting(updated)), nil
}

func readPosting(ctx context.Context, tx *sql.Tx, key []byte) ([]string, error) {
	row := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &perr.IoError{Op: "read posting", Err: err}
	}
	return decodePosting(raw)
}

// Lookup returns every entity id posted under (schema, field, value).
func (ix *Index) Lookup(ctx context.Context, schema, tenant, field string, value any) ([]string, error) {
	key, err := postingKey(schema, tenant, field, value)
	if err != nil {
		return nil, err
	}
	raw, ok, err := ix.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return decodePosting(raw)
}

// Intersect returns the ids common to every lookup's result set,
// executed without materializing full entity rows (spec §4.9 rule 2).
func (ix *Index) Intersect(ctx context.Context, schema, tenant string, lookups []FieldValue) ([]string, error) {
	if len(lookups) == 0 {
		return nil, nil
	}
	sets := make([]map[string]struct{}, 0, len(lookups))
	for _, lv := range lookups {
		ids, err := ix.Lookup(ctx, schema, tenant, lv.Field, lv.Value)
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		sets = append(sets, set)
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
	return setToSortedSlice(result), nil
}

// Union returns the ids present in any lookup's result set (spec §4.9
// rule 3).
func (ix *Index) Union(ctx context.Context, schema, tenant string, lookups []FieldValue) ([]string, error) {
	result := make(map[string]struct{})
	for _, lv := range lookups {
		ids, err := ix.Lookup(ctx, schema, tenant, lv.Field, lv.Value)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			result[id] = struct{}{}
		}
	}
	return setToSortedSlice(result), nil
}

func setToSortedSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FieldValue pairs an indexed field name with the value to look up,
// used for multi-field intersect/union queries.
type FieldValue struct {
	Field string
	Value any
}
