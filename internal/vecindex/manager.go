// Package vecindex keeps one in-memory vector.Index per (tenant,
// schema) pair alive, backed by the persisted handle<->id vector_map
// keyspace (spec §4.5, §3 keyspace). This is the missing link between
// C3's entity.Store.SetEmbedding (which only ever touches the
// properties.embedding field) and C9's query executor: without a
// manager resolving ANN handles back to entity ids, similarity
// predicates would have nothing to fetch.
package vecindex

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/p8db/p8core/internal/entity"
	"github.com/p8db/p8core/internal/keys"
	"github.com/p8db/p8core/internal/kv"
	"github.com/p8db/p8core/internal/perr"
	"github.com/p8db/p8core/internal/vector"
)

// defaultMaxElements bounds a freshly created index until a caller
// rebuilds with an explicit, larger capacity (spec §4.5).
const defaultMaxElements = 100_000

// ScoredID is one Knn result resolved back to an entity id.
type ScoredID struct {
	ID    string
	Score float32
}

// Manager owns the lazily-built per-(tenant,schema) vector.Index set.
type Manager struct {
	kv       *kv.Store
	entities *entity.Store
	dir      string

	mu      sync.Mutex
	indexes map[string]*vector.Index
}

func New(store *kv.Store, entities *entity.Store, snapshotDir string) *Manager {
	return &Manager{kv: store, entities: entities, dir: snapshotDir, indexes: make(map[string]*vector.Index)}
}

func mapKey(tenant, schemaName string) string { return tenant + "\x00" + schemaName }

func (m *Manager) snapshotPath(tenant, schemaName string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s_%s_vector_index.hnsw", tenant, schemaName))
}

// getOrBuild returns the live index for (tenant, schema), loading its
// snapshot or rebuilding from entity embeddings if none exists yet
// (spec §4.5: "rebuilt from these on first open").
func (m *Manager) getOrBuild(ctx context.Context, tenant, schemaName string, dim int) (*vector.Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := mapKey(tenant, schemaName)
	if idx, ok := m.indexes[k]; ok {
		return idx, nil
	}

	if idx, ok, err := vector.Load(m.snapshotPath(tenant, schemaName)); err != nil {
		return nil, err
	} else if ok {
		m.indexes[k] = idx
		return idx, nil
	}

	idx := vector.New(dim, defaultMaxElements)
	if err := m.rebuild(ctx, tenant, schemaName, idx); err != nil {
		return nil, err
	}
	m.indexes[k] = idx
	return idx, nil
}

// rebuild replays every entity embedding of schemaName into idx, under
// its persisted handle when one already exists, so handles stay stable
// across a rebuild.
func (m *Manager) rebuild(ctx context.Context, tenant, schemaName string, idx *vector.Index) error {
	entities, err := m.entities.ScanSchema(ctx, tenant, schemaName)
	if err != nil {
		return err
	}
	for _, e := range entities {
		if len(e.Embedding) == 0 {
			continue
		}
		handle, ok, err := m.handleFor(ctx, tenant, schemaName, e.ID)
		if err != nil {
			return err
		}
		if !ok {
			h, err := idx.Add(vector.Vector(e.Embedding))
			if err != nil {
				return err
			}
			if err := m.persistMapping(ctx, tenant, schemaName, e.ID, h); err != nil {
				return err
			}
			continue
		}
		if err := idx.AddWithHandle(handle, vector.Vector(e.Embedding)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) handleFor(ctx context.Context, tenant, schemaName, id string) (uint32, bool, error) {
	raw, ok, err := m.kv.Get(ctx, keys.VectorMap(tenant, schemaName, "id:"+id))
	if err != nil || !ok {
		return 0, false, err
	}
	h, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, false, &perr.IoError{Op: "parse vector handle", Err: err}
	}
	return uint32(h), true, nil
}

func (m *Manager) persistMapping(ctx context.Context, tenant, schemaName, id string, handle uint32) error {
	hs := strconv.FormatUint(uint64(handle), 10)
	if err := m.kv.Put(ctx, keys.VectorMap(tenant, schemaName, "id:"+id), []byte(hs)); err != nil {
		return err
	}
	return m.kv.Put(ctx, keys.VectorMap(tenant, schemaName, "h:"+hs), []byte(id))
}

// Sync adds or replaces id's embedding in the schema's ANN index.
// Callers invoke this after entity.Store.SetEmbedding has persisted the
// properties.embedding field, keeping the two in lockstep.
func (m *Manager) Sync(ctx context.Context, tenant, schemaName, id string, vec []float32) error {
	idx, err := m.getOrBuild(ctx, tenant, schemaName, len(vec))
	if err != nil {
		return err
	}
	if handle, ok, err := m.handleFor(ctx, tenant, schemaName, id); err != nil {
		return err
	} else if ok {
		idx.Remove(handle)
	}
	handle, err := idx.Add(vector.Vector(vec))
	if err != nil {
		return err
	}
	return m.persistMapping(ctx, tenant, schemaName, id, handle)
}

// Remove drops id from the schema's ANN index, mirroring
// entity.Store.DeleteEmbedding and entity deletion.
func (m *Manager) Remove(ctx context.Context, tenant, schemaName, id string) error {
	handle, found, err := m.handleFor(ctx, tenant, schemaName, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	m.mu.Lock()
	idx, ok := m.indexes[mapKey(tenant, schemaName)]
	m.mu.Unlock()
	if ok {
		idx.Remove(handle)
	}

	hs := strconv.FormatUint(uint64(handle), 10)
	if err := m.kv.Delete(ctx, keys.VectorMap(tenant, schemaName, "id:"+id)); err != nil {
		return err
	}
	return m.kv.Delete(ctx, keys.VectorMap(tenant, schemaName, "h:"+hs))
}

// Knn runs a similarity search against the schema's ANN index and
// resolves handles back to entity ids (spec §4.9 rule 4).
func (m *Manager) Knn(ctx context.Context, tenant, schemaName string, query []float32, k int, minScore float32, efSearch int) ([]ScoredID, error) {
	idx, err := m.getOrBuild(ctx, tenant, schemaName, len(query))
	if err != nil {
		return nil, err
	}
	neighbors, err := idx.Knn(query, k, minScore, efSearch)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredID, 0, len(neighbors))
	for _, n := range neighbors {
		raw, ok, err := m.kv.Get(ctx, keys.VectorMap(tenant, schemaName, "h:"+strconv.FormatUint(uint64(n.Handle), 10)))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, ScoredID{ID: string(raw), Score: n.Score})
	}
	return out, nil
}

// Save persists the live in-memory index for (tenant, schema), the
// background worker's SAVE_INDEX task (spec §4.5, §4.10). A no-op if
// the index was never built in this process.
func (m *Manager) Save(tenant, schemaName string) error {
	m.mu.Lock()
	idx, ok := m.indexes[mapKey(tenant, schemaName)]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return idx.Save(m.snapshotPath(tenant, schemaName))
}
