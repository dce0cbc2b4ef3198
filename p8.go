// Package p8core provides a minimal public API for embedding p8's
// tenant-isolated entity/graph/vector store into a host Go program.
//
// Most of this module's logic lives under internal/; this file re-exports
// the §6 library surface (open, register_schema, insert, get, lookup,
// delete, sql, create_edge, traverse, set_embedding, search_similar,
// wal_range) as Go-idiomatic methods on DB, plus the supplemented calls
// (delete_embedding, list_by_category, dump) from SPEC_FULL.md §3.
package p8core

import (
	"context"

	"github.com/p8db/p8core/internal/db"
	"github.com/p8db/p8core/internal/embed"
	"github.com/p8db/p8core/internal/entity"
	"github.com/p8db/p8core/internal/graph"
	"github.com/p8db/p8core/internal/perr"
	"github.com/p8db/p8core/internal/query"
	"github.com/p8db/p8core/internal/replication"
	"github.com/p8db/p8core/internal/schema"
	"github.com/p8db/p8core/internal/vecindex"
	"github.com/p8db/p8core/internal/wal"
	"github.com/p8db/p8core/internal/worker"
)

// DB is one open p8core database handle.
type DB = db.DB

// Options configures Open.
type Options = db.Options

// Open opens (creating if absent) the database directory at path for
// tenant (spec §6: "open(path, tenant)"). The directory is
// single-writer; a concurrent Open against the same path fails.
func Open(ctx context.Context, path, tenant string, opts *Options) (*DB, error) {
	return db.Open(ctx, path, tenant, opts)
}

// Core record and option types from internal/entity, internal/schema,
// internal/graph, internal/query, internal/vecindex, internal/wal.
type (
	Entity        = entity.Entity
	Edge          = entity.Edge
	SchemaDoc     = schema.Doc
	Schema        = schema.Schema
	Field         = schema.Field
	FieldType     = schema.FieldType
	TraverseOpts  = graph.Options
	TraverseEdge  = graph.Edge
	Path          = graph.Path
	Strategy      = graph.Strategy
	QueryResult   = query.Result
	Row           = query.Row
	ScoredID      = vecindex.ScoredID
	WALEntry      = wal.Entry
	WorkerStatus  = worker.Status
	Dialer        = replication.Dialer
	LeaderState   = replication.State
	EmbedProvider = embed.Provider
)

// FieldType constants (spec §4.2).
const (
	TypeString  = schema.TypeString
	TypeInteger = schema.TypeInteger
	TypeNumber  = schema.TypeNumber
	TypeBoolean = schema.TypeBoolean
	TypeObject  = schema.TypeObject
	TypeArray   = schema.TypeArray
)

// Traversal strategies (spec §4.6).
const (
	BFS = graph.BFS
	DFS = graph.DFS
)

// Worker status values (spec §4.10).
const (
	StatusIdle    = worker.StatusIdle
	StatusBusy    = worker.StatusBusy
	StatusStopped = worker.StatusStopped
	StatusError   = worker.StatusError
)

// Replication follower states (spec §4.12).
const (
	StateIdle         = replication.StateIdle
	StateSubscribing  = replication.StateSubscribing
	StateCatchup      = replication.StateCatchup
	StateLive         = replication.StateLive
	StateDisconnected = replication.StateDisconnected
)

// Error taxonomy types (spec §7), for errors.As against a DB call's
// returned error.
type (
	IoError          = perr.IoError
	CorruptWAL       = perr.CorruptWAL
	ValidationError  = perr.ValidationError
	UnknownSchemaErr = perr.UnknownSchema
	UnknownEntityErr = perr.UnknownEntity
	UnknownFieldErr  = perr.UnknownField
	DuplicateSchema  = perr.DuplicateSchema
	InvalidSchema    = perr.InvalidSchema
	DimMismatch      = perr.DimMismatch
	ParseError       = perr.ParseError
	NetworkError     = perr.NetworkError
	StreamClosed     = perr.StreamClosed
)

// NewHashProvider constructs the bundled deterministic embed.Provider
// (spec §6's "embedding collaborator"), for hosts that have no real
// model client wired up yet.
func NewHashProvider(dim int) EmbedProvider { return embed.NewHashProvider(dim) }
