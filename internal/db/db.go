// Package db wires C1-C11 into one handle: the keyspace (internal/kv),
// schema registry (internal/schema), entity store (internal/entity),
// secondary index (internal/index), vector index (internal/vecindex),
// graph engine (internal/graph), query executor (internal/query), WAL
// (internal/wal), and background worker (internal/worker). This is the
// "facade" row of SPEC_FULL.md's package-mapping table; p8.go at the
// module root re-exports DB under the library's public names (spec §6).
//
// Grounded on the teacher's top-level wiring in cmd/bd (each command
// opens one beads.Database built from one sqlite connection plus its
// sibling stores) generalized from a fixed issue-tracker shape to the
// spec's per-tenant, per-schema generic entity model.
package db

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/p8db/p8core/internal/embed"
	"github.com/p8db/p8core/internal/entity"
	"github.com/p8db/p8core/internal/graph"
	"github.com/p8db/p8core/internal/index"
	"github.com/p8db/p8core/internal/keys"
	"github.com/p8db/p8core/internal/kv"
	"github.com/p8db/p8core/internal/perr"
	"github.com/p8db/p8core/internal/query"
	"github.com/p8db/p8core/internal/replication"
	"github.com/p8db/p8core/internal/schema"
	"github.com/p8db/p8core/internal/sqlfe"
	"github.com/p8db/p8core/internal/vecindex"
	"github.com/p8db/p8core/internal/wal"
	"github.com/p8db/p8core/internal/worker"
)

// defaultEmbedDim is the HashProvider's dimension when no embedder is
// configured, matching the fixture dimension used across this pack's
// tests.
const defaultEmbedDim = 32

// Options configures Open. A nil Options uses every default.
type Options struct {
	// Embedder overrides the default embed.HashProvider. Hosts wanting a
	// real model client supply their own embed.Provider here (spec §6:
	// "the core never selects a model; it only uses whatever the host
	// binds").
	Embedder embed.Provider
	// WorkerLogPath rotates the background worker's log through
	// lumberjack when set; empty means stderr.
	WorkerLogPath string
	// PeerID identifies this handle on the replication wire (spec
	// §4.12). Defaults to the tenant name if empty.
	PeerID string
}

// DB is one open p8core database: a single-writer directory holding a
// kv store, schema registry, and vector index snapshots for one
// tenant, fronted by a background worker (spec §4.10) and, once
// StartLeader/StartFollower is called, a replication stream (spec
// §4.12).
type DB struct {
	path   string
	tenant string
	peerID string

	lock  *flock.Flock
	store *kv.Store

	Registry *schema.Registry
	Entities *entity.Store
	Index    *index.Index
	Vecs     *vecindex.Manager
	Graph    *graph.Engine
	Query    *query.Executor
	WAL      *wal.WAL
	Embedder embed.Provider
	Worker   *worker.Worker

	Leader   *replication.Leader
	Follower *replication.Follower
}

// Open opens (creating if absent) the database directory at path,
// bootstrapping tenant's schema cache (spec §6: "open(path, tenant)").
// The directory is single-writer: a second concurrent Open against the
// same path fails with an IoError rather than silently racing the first
// (spec §6: "concurrent opens from multiple processes are undefined" —
// we at least detect and refuse it).
func Open(ctx context.Context, path, tenant string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := os.MkdirAll(filepath.Join(path, "db"), 0o755); err != nil {
		return nil, &perr.IoError{Op: "mkdir", Err: err}
	}

	lock := flock.New(filepath.Join(path, ".p8.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, &perr.IoError{Op: "lock database directory", Err: err}
	}
	if !locked {
		return nil, &perr.IoError{Op: "lock database directory", Err: fmt.Errorf("%s is held by another process", path)}
	}

	store, err := kv.Open(filepath.Join(path, "db", "p8.sqlite"))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	reg := schema.NewRegistry(store)
	if err := reg.Bootstrap(ctx, tenant); err != nil {
		store.Close()
		_ = lock.Unlock()
		return nil, err
	}

	idx := index.New(store)
	w := wal.New(store)
	entities := entity.New(store, reg, idx, w)
	vecs := vecindex.New(store, entities, path)

	embedder := opts.Embedder
	if embedder == nil {
		embedder = embed.NewHashProvider(defaultEmbedDim)
	}
	peerID := opts.PeerID
	if peerID == "" {
		peerID = tenant
	}

	d := &DB{
		path:     path,
		tenant:   tenant,
		peerID:   peerID,
		lock:     lock,
		store:    store,
		Registry: reg,
		Entities: entities,
		Index:    idx,
		Vecs:     vecs,
		Graph:    graph.New(store),
		Query:    query.New(entities, reg, idx, vecs, embedder),
		WAL:      w,
		Embedder: embedder,
	}
	d.Worker = worker.New(ctx, vecs, entities, embedder, d, opts.WorkerLogPath)
	return d, nil
}

// Close stops the background worker, closes the store and releases the
// directory lock. The worker gets up to timeout to drain; past it,
// queued tasks are abandoned and a task still executing is not waited
// for (spec §5).
func (d *DB) Close(timeout time.Duration) error {
	d.Worker.Stop(timeout)
	err := d.store.Close()
	if unlockErr := d.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// Send implements worker.Replicator so the background worker can
// dispatch REPLICATE tasks without importing internal/replication. It
// delivers nothing itself: it returns nil once this handle has started
// a Leader via StartLeader, and an error otherwise. The leader streams
// straight from the WAL once a follower subscribes (spec §4.12), so
// entry and peer are not used.
func (d *DB) Send(ctx context.Context, peer string, entry wal.Entry) error {
	if d.Leader == nil {
		return fmt.Errorf("replication: no leader started on this handle")
	}
	return nil
}

// StartLeader accepts follower connections on ln until ctx is
// cancelled, serving this handle's WAL (spec §6 CLI row "serve").
func (d *DB) StartLeader(ctx context.Context, ln net.Listener) error {
	d.Leader = replication.NewLeader(d.WAL, d.peerID, nil)
	return d.Leader.Accept(ctx, ln)
}

// StartFollower dials the leader via dial repeatedly (with backoff) and
// applies its stream until ctx is cancelled (spec §6 CLI row
// "replicate"). It blocks until ctx is done.
func (d *DB) StartFollower(ctx context.Context, dial replication.Dialer) {
	d.Follower = replication.NewFollower(d.store, d.WAL, d.peerID, d.tenant, nil)
	d.Follower.Run(ctx, dial)
}

// RegisterSchema registers a new schema document for this handle's
// tenant (spec §6: "register_schema(name, schema)").
func (d *DB) RegisterSchema(ctx context.Context, doc schema.Doc) (*schema.Schema, error) {
	return d.Registry.Register(ctx, d.tenant, doc)
}

// ListSchemas lists every registered schema for this handle's tenant.
func (d *DB) ListSchemas() []*schema.Schema { return d.Registry.List(d.tenant) }

// ListByCategory lists schemas declaring the given category (spec §3's
// supplemented feature).
func (d *DB) ListByCategory(category string) []*schema.Schema {
	return d.Registry.ListByCategory(d.tenant, category)
}

// Insert validates and inserts data under schemaName, returning its id
// (spec §6: "insert(schema, data)"). Spec §2's insert data-flow ends in
// "enqueue index persistence ... tasks (C10)"; the enqueue is fire-
// and-forget and coalesces, so it never slows down the write it follows.
func (d *DB) Insert(ctx context.Context, schemaName string, data map[string]any) (string, error) {
	id, err := d.Entities.Insert(ctx, d.tenant, schemaName, data)
	if err != nil {
		return "", err
	}
	d.enqueueSaveIndex(schemaName)
	return id, nil
}

// enqueueSaveIndex posts a coalescing SAVE_INDEX task for schemaName. A
// stopped worker rejects it silently: the caller's write already
// committed, and there's no one left to hand the task to.
func (d *DB) enqueueSaveIndex(schemaName string) {
	_ = d.Worker.Enqueue(worker.Task{
		Type:    worker.TaskSaveIndex,
		Payload: worker.SaveIndexPayload{Tenant: d.tenant, Schema: schemaName},
	})
}

// Get fetches one entity by id (spec §6: "get(id)").
func (d *DB) Get(ctx context.Context, id string) (*entity.Entity, error) {
	return d.Entities.Get(ctx, d.tenant, id)
}

// Lookup resolves identifier against name/alias/id (spec §6:
// "lookup(identifier)").
func (d *DB) Lookup(ctx context.Context, identifier string) ([]*entity.Entity, error) {
	return d.Entities.Lookup(ctx, d.tenant, identifier)
}

// Delete removes an entity, its index postings, and its entry in the
// schema's vector index (spec §6: "delete(id)").
func (d *DB) Delete(ctx context.Context, id string) error {
	e, err := d.Entities.Get(ctx, d.tenant, id)
	if err != nil || e == nil {
		return err
	}
	if err := d.Entities.Delete(ctx, d.tenant, id); err != nil {
		return err
	}
	return d.Vecs.Remove(ctx, d.tenant, e.Schema, id)
}

// SQL parses and runs text against this handle's tenant (spec §6:
// "sql(text)").
func (d *DB) SQL(ctx context.Context, text string) (*query.Result, error) {
	return d.Query.RunSQL(ctx, d.tenant, text)
}

// Parse exposes the sqlfe parser directly for callers that want to
// inspect a query's plan before running it.
func (d *DB) Parse(text string) (*sqlfe.Query, error) { return sqlfe.Parse(text) }

// CreateEdge records a directed relationship between two entities (spec
// §6: "create_edge(src, dst, rel, props)").
func (d *DB) CreateEdge(ctx context.Context, src, dst, rel string, props map[string]any) error {
	return d.Entities.CreateEdge(ctx, d.tenant, src, dst, rel, props)
}

// Traverse walks the graph from start per opts (spec §6:
// "traverse(start, opts)").
func (d *DB) Traverse(ctx context.Context, start string, opts graph.Options) ([]graph.Path, error) {
	return d.Graph.Traverse(ctx, d.tenant, start, opts)
}

// SetEmbedding writes vec onto id's embedding field, syncs the vector
// index's id<->handle mapping, and posts a SAVE_INDEX task so the ANN
// snapshot itself is persisted off the write path (spec §4.5: "every
// embedding write posts a SAVE_INDEX task to the background worker";
// spec §6: "set_embedding(id, vector)").
func (d *DB) SetEmbedding(ctx context.Context, schemaName, id string, vec []float32) error {
	if _, ok := d.Registry.Get(d.tenant, schemaName); !ok {
		return &perr.UnknownSchema{Name: schemaName}
	}
	if err := d.Entities.SetEmbedding(ctx, d.tenant, id, vec, d.Embedder.Dim()); err != nil {
		return err
	}
	if err := d.Vecs.Sync(ctx, d.tenant, schemaName, id, vec); err != nil {
		return err
	}
	d.enqueueSaveIndex(schemaName)
	return nil
}

// DeleteEmbedding clears id's embedding, distinct from
// set_embedding(nil) per the Open Question decision recorded in spec §9.
func (d *DB) DeleteEmbedding(ctx context.Context, schemaName, id string) error {
	if err := d.Entities.DeleteEmbedding(ctx, d.tenant, id); err != nil {
		return err
	}
	return d.Vecs.Remove(ctx, d.tenant, schemaName, id)
}

// SearchSimilar runs a k-nearest-neighbor search with a score floor
// (spec §6: "search_similar(q, k, min_score)"; §3's supplemented
// min_score floor, applied inside Knn itself).
func (d *DB) SearchSimilar(ctx context.Context, schemaName string, q []float32, k int, minScore float32) ([]vecindex.ScoredID, error) {
	return d.Vecs.Knn(ctx, d.tenant, schemaName, q, k, minScore, 0)
}

// WalRange returns WAL entries in (start, end] for this handle's
// tenant, capped at limit (spec §6: "wal_range(start, end, limit)").
func (d *DB) WalRange(ctx context.Context, start, end uint64, limit int) ([]wal.Entry, error) {
	return d.WAL.Range(ctx, d.tenant, start, end, limit)
}

// Dump walks every entity under this handle's tenant, for full-database
// export (spec §3's supplemented feature, grounded on the teacher's
// internal/export/config.go export-boundary notion).
func (d *DB) Dump(ctx context.Context) ([]*entity.Entity, error) {
	raw, err := d.store.ScanPrefix(ctx, keys.EntityPrefix(d.tenant))
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Entity, 0, len(raw))
	for _, pair := range raw {
		id := idFromEntityKey(pair.Key)
		if id == "" {
			continue
		}
		e, err := d.Entities.Get(ctx, d.tenant, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// idFromEntityKey extracts the trailing id segment of an entity:<tenant>:<id>
// key, mirroring internal/entity's own idFromBySchemaKey helper.
func idFromEntityKey(key []byte) string {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[i+1:]
		}
	}
	return ""
}
