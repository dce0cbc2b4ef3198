package graph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/p8db/p8core/internal/keys"
	"github.com/p8db/p8core/internal/kv"
)

const testTenant = "acme"

func putEdge(t *testing.T, store *kv.Store, src, dst, rel string) {
	t.Helper()
	ctx := context.Background()
	e := Edge{Src: src, Dst: dst, RelType: rel, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal edge: %v", err)
	}
	if err := store.Put(ctx, keys.Edge(testTenant, src, dst, rel), raw); err != nil {
		t.Fatalf("put edge: %v", err)
	}
}

func setupGraph(t *testing.T) (*Engine, *kv.Store) {
	t.Helper()
	store, err := kv.Open(":memory:")
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

// a -> b -> c -> d, plus a -> c directly (a shortcut), forming a diamond.
func buildDiamond(t *testing.T, store *kv.Store) {
	putEdge(t, store, "a", "b", "knows")
	putEdge(t, store, "b", "c", "knows")
	putEdge(t, store, "a", "c", "knows")
	putEdge(t, store, "c", "d", "knows")
}

func TestBFSShortestPath(t *testing.T) {
	g, store := setupGraph(t)
	buildDiamond(t, store)

	p, err := g.ShortestPath(context.Background(), testTenant, "a", "c", 5)
	if err != nil {
		t.Fatalf("ShortestPath: %v", err)
	}
	if p == nil {
		t.Fatal("expected a path")
	}
	if p.Depth != 1 {
		t.Errorf("expected shortest depth 1 (direct a->c edge), got %d", p.Depth)
	}
}

func TestDFSAllPaths(t *testing.T) {
	g, store := setupGraph(t)
	buildDiamond(t, store)

	paths, err := g.AllPaths(context.Background(), testTenant, "a", "c", 5)
	if err != nil {
		t.Fatalf("AllPaths: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths from a to c (direct + via b), got %d: %+v", len(paths), paths)
	}
}

func TestIsolatedStartReturnsEmpty(t *testing.T) {
	g, _ := setupGraph(t)
	paths, err := g.Traverse(context.Background(), testTenant, "lonely", Options{Strategy: BFS, MaxDepth: 3})
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("expected no paths from an isolated node, got %d", len(paths))
	}
}

func TestMaxDepthZeroReturnsEmpty(t *testing.T) {
	g, store := setupGraph(t)
	buildDiamond(t, store)
	paths, err := g.Traverse(context.Background(), testTenant, "a", Options{Strategy: BFS, MaxDepth: 0})
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("expected no paths at max_depth=0, got %d", len(paths))
	}
}

func TestTargetEqualsStartReturnsZeroLengthPath(t *testing.T) {
	g, store := setupGraph(t)
	buildDiamond(t, store)
	paths, err := g.Traverse(context.Background(), testTenant, "a", Options{Strategy: BFS, MaxDepth: 3, Target: "a"})
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(paths) != 1 || paths[0].Depth != 0 {
		t.Fatalf("expected one zero-length path, got %+v", paths)
	}
}

func TestRelFilterAtEnumeration(t *testing.T) {
	g, store := setupGraph(t)
	putEdge(t, store, "a", "b", "knows")
	putEdge(t, store, "a", "c", "blocks")

	paths, err := g.Traverse(context.Background(), testTenant, "a", Options{Strategy: BFS, MaxDepth: 2, RelTypes: []string{"knows"}})
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(paths) != 1 || paths[0].EntityIDs[len(paths[0].EntityIDs)-1] != "b" {
		t.Fatalf("expected rel_filter to admit only the 'knows' edge, got %+v", paths)
	}
}

func TestNeighborsAtDepth(t *testing.T) {
	g, store := setupGraph(t)
	buildDiamond(t, store)

	depth2, err := g.NeighborsAtDepth(context.Background(), testTenant, "a", 2)
	if err != nil {
		t.Fatalf("NeighborsAtDepth: %v", err)
	}
	for _, p := range depth2 {
		if p.Depth != 2 {
			t.Errorf("expected only depth-2 paths, got depth %d", p.Depth)
		}
	}
}

func TestEdgesInFullScan(t *testing.T) {
	g, store := setupGraph(t)
	buildDiamond(t, store)

	in, err := g.EdgesIn(context.Background(), testTenant, "c")
	if err != nil {
		t.Fatalf("EdgesIn: %v", err)
	}
	if len(in) != 2 {
		t.Fatalf("expected 2 incoming edges to c (from a and b), got %d", len(in))
	}
}
