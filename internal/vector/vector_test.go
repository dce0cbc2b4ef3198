package vector

import (
	"path/filepath"
	"testing"
)

func TestAddAndKnn(t *testing.T) {
	ix := New(3, 10)

	h1, err := ix.Add(Vector{1, 0, 0})
	if err != nil {
		t.Fatalf("Add h1: %v", err)
	}
	h2, err := ix.Add(Vector{0, 1, 0})
	if err != nil {
		t.Fatalf("Add h2: %v", err)
	}
	_, err = ix.Add(Vector{-1, 0, 0})
	if err != nil {
		t.Fatalf("Add h3: %v", err)
	}

	results, err := ix.Knn(Vector{1, 0, 0}, 2, -1, 0)
	if err != nil {
		t.Fatalf("Knn: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Handle != h1 {
		t.Errorf("closest neighbor = %d, want %d", results[0].Handle, h1)
	}
	if results[0].Score < 0.99 {
		t.Errorf("expected near-1.0 cosine score for identical direction, got %v", results[0].Score)
	}
	_ = h2
}

func TestKnnRespectsMinScore(t *testing.T) {
	ix := New(3, 10)
	if _, err := ix.Add(Vector{1, 0, 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := ix.Add(Vector{-1, 0, 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := ix.Knn(Vector{1, 0, 0}, 10, 0.5, 0)
	if err != nil {
		t.Fatalf("Knn: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected min_score to filter out the opposite vector, got %d results", len(results))
	}
}

func TestAddDimMismatch(t *testing.T) {
	ix := New(3, 10)
	if _, err := ix.Add(Vector{1, 0}); err == nil {
		t.Fatal("expected DimMismatch error")
	}
}

func TestAddRespectsMaxElements(t *testing.T) {
	ix := New(2, 1)
	if _, err := ix.Add(Vector{1, 0}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := ix.Add(Vector{0, 1}); err == nil {
		t.Fatal("expected capacity error on second Add")
	}
}

func TestRemove(t *testing.T) {
	ix := New(2, 10)
	h, err := ix.Add(Vector{1, 0})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	ix.Remove(h)
	if ix.Len() != 0 {
		t.Errorf("expected empty index after Remove, got len %d", ix.Len())
	}
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	ix := New(2, 10)
	h, err := ix.Add(Vector{3, 4})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	path := filepath.Join(t.TempDir(), "vector_index.hnsw")
	if err := ix.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot to be found")
	}
	if loaded.Len() != 1 {
		t.Fatalf("expected 1 element after load, got %d", loaded.Len())
	}
	results, err := loaded.Knn(Vector{3, 4}, 1, -1, 0)
	if err != nil {
		t.Fatalf("Knn on loaded index: %v", err)
	}
	if len(results) != 1 || results[0].Handle != h {
		t.Fatalf("expected loaded handle %d to roundtrip, got %+v", h, results)
	}
}

func TestLoadMissingFileReturnsNotFound(t *testing.T) {
	_, ok, err := Load(filepath.Join(t.TempDir(), "missing.hnsw"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a missing snapshot")
	}
}
