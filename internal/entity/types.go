// Package entity implements the entity store (spec §4.3, C3): the
// universal record type's insert/get/delete/lookup operations, built
// atop the schema registry (C2), secondary index (C4), and WAL (C11).
// Grounded on the teacher's issue-CRUD shape (internal/storage/sqlite's
// create/get/update-issue trio) generalized from a fixed issue struct to
// an arbitrary schema-validated payload.
package entity

import "time"

// Edge is the inline view of one outgoing relationship (spec §3:
// "edges: inline list of (dst_id, rel_type, properties, created_at)
// tuples"). The store always persists edges as separate edge: rows
// (Open Question decision: normalized representation) but repopulates
// this inline view on Get so callers never have to issue a second call
// to see an entity's relationships.
type Edge struct {
	DstID      string         `json:"dst_id"`
	RelType    string         `json:"rel_type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Entity is the universal record type (spec §3).
type Entity struct {
	ID         string         `json:"id"`
	Schema     string         `json:"schema"`
	Name       string         `json:"name"`
	Aliases    []string       `json:"aliases,omitempty"`
	Properties map[string]any `json:"properties"`
	Edges      []Edge         `json:"-"` // never persisted inline; see Edge doc
	Embedding  []float32      `json:"embedding,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
}

// record is the on-disk shape written under entity:<tenant>:<id>. It
// excludes Edges (stored as separate rows, spec §3) and Embedding's
// authoritative copy is this record's "embedding" property, not a
// separate field — the vector index is authoritative for search, this
// record is authoritative for rebuild (Open Question decision 1).
type record struct {
	ID         string         `json:"id"`
	Schema     string         `json:"schema"`
	Name       string         `json:"name"`
	Aliases    []string       `json:"aliases,omitempty"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
}

func (e *Entity) toRecord() record {
	return record{
		ID:         e.ID,
		Schema:     e.Schema,
		Name:       e.Name,
		Aliases:    e.Aliases,
		Properties: e.Properties,
		CreatedAt:  e.CreatedAt,
		ModifiedAt: e.ModifiedAt,
	}
}

func (r record) toEntity() *Entity {
	return &Entity{
		ID:         r.ID,
		Schema:     r.Schema,
		Name:       r.Name,
		Aliases:    r.Aliases,
		Properties: r.Properties,
		CreatedAt:  r.CreatedAt,
		ModifiedAt: r.ModifiedAt,
	}
}

// embeddingFieldName is the reserved property name that may only be set
// via SetEmbedding/DeleteEmbedding, never through insert's data payload
// (Open Question decision 1).
const embeddingFieldName = "embedding"

// idLikeProperties lists the property names lookup() treats as
// identifier-equivalent to name/aliases (spec §4.3).
var idLikeProperties = []string{"id", "code", "ticket_id", "employee_id", "issue_number", "identifier"}
