package embed

import (
	"context"
	"math"
	"testing"
)

func TestEmbedIsDeterministic(t *testing.T) {
	p := NewHashProvider(16)
	ctx := context.Background()
	a, err := p.Embed(ctx, "a red gadget")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := p.Embed(ctx, "a red gadget")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic embedding, differed at %d: %v vs %v", i, a, b)
		}
	}
}

func TestEmbedDiffersForDifferentText(t *testing.T) {
	p := NewHashProvider(16)
	ctx := context.Background()
	a, _ := p.Embed(ctx, "a red gadget")
	b, _ := p.Embed(ctx, "a blue widget")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected different text to produce different embeddings")
	}
}

func TestEmbedIsL2Normalized(t *testing.T) {
	p := NewHashProvider(32)
	v, err := p.Embed(context.Background(), "normalize me")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	if math.Abs(norm-1.0) > 1e-4 {
		t.Fatalf("expected unit norm, got %f", norm)
	}
}

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	p := NewHashProvider(8)
	v, err := p.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for _, f := range v {
		if f != 0 {
			t.Fatalf("expected zero vector for empty text, got %v", v)
		}
	}
}

func TestDimMatchesConstructor(t *testing.T) {
	p := NewHashProvider(64)
	if p.Dim() != 64 {
		t.Fatalf("expected Dim() == 64, got %d", p.Dim())
	}
}
