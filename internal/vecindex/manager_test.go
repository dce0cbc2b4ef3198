package vecindex

import (
	"context"
	"testing"

	"github.com/p8db/p8core/internal/entity"
	"github.com/p8db/p8core/internal/index"
	"github.com/p8db/p8core/internal/kv"
	"github.com/p8db/p8core/internal/schema"
	"github.com/p8db/p8core/internal/wal"
)

const testTenant = "acme"

func setup(t *testing.T) (*Manager, *entity.Store) {
	t.Helper()
	store, err := kv.Open(":memory:")
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := schema.NewRegistry(store)
	ctx := context.Background()
	if err := reg.Bootstrap(ctx, testTenant); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := reg.Register(ctx, testTenant, schema.Doc{
		Name:       "doc",
		KeyField:   "slug",
		Properties: map[string]*schema.Field{"slug": {Type: schema.TypeString}},
		Required:   []string{"slug"},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	entities := entity.New(store, reg, index.New(store), wal.New(store))
	mgr := New(store, entities, t.TempDir())
	return mgr, entities
}

func TestSyncAndKnn(t *testing.T) {
	mgr, entities := setup(t)
	ctx := context.Background()

	id1, err := entities.Insert(ctx, testTenant, "doc", map[string]any{"slug": "a"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	id2, err := entities.Insert(ctx, testTenant, "doc", map[string]any{"slug": "b"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := entities.SetEmbedding(ctx, testTenant, id1, []float32{1, 0, 0}, 0); err != nil {
		t.Fatalf("SetEmbedding id1: %v", err)
	}
	if err := mgr.Sync(ctx, testTenant, "doc", id1, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Sync id1: %v", err)
	}
	if err := entities.SetEmbedding(ctx, testTenant, id2, []float32{0, 1, 0}, 0); err != nil {
		t.Fatalf("SetEmbedding id2: %v", err)
	}
	if err := mgr.Sync(ctx, testTenant, "doc", id2, []float32{0, 1, 0}); err != nil {
		t.Fatalf("Sync id2: %v", err)
	}

	results, err := mgr.Knn(ctx, testTenant, "doc", []float32{1, 0, 0}, 1, 0, 0)
	if err != nil {
		t.Fatalf("Knn: %v", err)
	}
	if len(results) != 1 || results[0].ID != id1 {
		t.Fatalf("expected top result %s, got %+v", id1, results)
	}
}

func TestSyncReplacesExistingVector(t *testing.T) {
	mgr, entities := setup(t)
	ctx := context.Background()

	id, err := entities.Insert(ctx, testTenant, "doc", map[string]any{"slug": "a"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mgr.Sync(ctx, testTenant, "doc", id, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := mgr.Sync(ctx, testTenant, "doc", id, []float32{0, 0, 1}); err != nil {
		t.Fatalf("Sync again: %v", err)
	}

	results, err := mgr.Knn(ctx, testTenant, "doc", []float32{0, 0, 1}, 5, 0, 0)
	if err != nil {
		t.Fatalf("Knn: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected resync to replace, not duplicate, got %d results", len(results))
	}
}

func TestRemoveDropsFromIndex(t *testing.T) {
	mgr, entities := setup(t)
	ctx := context.Background()

	id, err := entities.Insert(ctx, testTenant, "doc", map[string]any{"slug": "a"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mgr.Sync(ctx, testTenant, "doc", id, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := mgr.Remove(ctx, testTenant, "doc", id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	results, err := mgr.Knn(ctx, testTenant, "doc", []float32{1, 0, 0}, 5, 0, 0)
	if err != nil {
		t.Fatalf("Knn: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results after Remove, got %+v", results)
	}
}

func TestRebuildFromEntitiesWhenNoSnapshot(t *testing.T) {
	mgr, entities := setup(t)
	ctx := context.Background()

	id, err := entities.Insert(ctx, testTenant, "doc", map[string]any{"slug": "a"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := entities.SetEmbedding(ctx, testTenant, id, []float32{1, 0, 0}, 0); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	// No Sync call: the manager has never been told about this
	// embedding directly, so Knn must rebuild from entity properties.
	results, err := mgr.Knn(ctx, testTenant, "doc", []float32{1, 0, 0}, 5, 0, 0)
	if err != nil {
		t.Fatalf("Knn: %v", err)
	}
	if len(results) != 1 || results[0].ID != id {
		t.Fatalf("expected rebuild to surface %s, got %+v", id, results)
	}
}

func TestSaveIsNoopWithoutBuiltIndex(t *testing.T) {
	mgr, _ := setup(t)
	if err := mgr.Save(testTenant, "doc"); err != nil {
		t.Fatalf("Save: %v", err)
	}
}
