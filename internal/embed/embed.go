// Package embed provides the embedding-provider abstraction the
// background worker's GENERATE_EMBEDDING task and C9's similarity
// predicates both need to turn text into a vector (spec §4.10, §4.8).
// Provider is pluggable so a deployment can swap in a real model
// client; the bundled implementation is a deterministic hash embedder,
// grounded on the same sha256-hash-to-vector stub pattern retrieved in
// the examples pack (a Postgres/pgvector RAG demo's `embed()` stub) —
// this keeps query-time and ingest-time behavior byte-for-byte
// reproducible without a network call or a model runtime dependency,
// neither of which this pack's teacher or its neighbors wire in.
package embed

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
)

// Provider turns text into a fixed-dimension embedding.
type Provider interface {
	Dim() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashProvider is a deterministic, dependency-free Provider: it spreads
// a sha256 digest of the lowercased text across dim buckets and
// L2-normalizes the result. It is not semantically meaningful the way a
// trained model's embedding is, but it is stable, reproducible, and
// collision-resistant enough for tests and for deployments that have
// not wired a real model client.
type HashProvider struct {
	dim int
}

func NewHashProvider(dim int) *HashProvider { return &HashProvider{dim: dim} }

func (p *HashProvider) Dim() int { return p.dim }

func (p *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, p.dim)
	if text == "" {
		return v, nil
	}
	h := sha256.Sum256([]byte(strings.ToLower(text)))
	for i := 0; i < p.dim; i++ {
		b := h[i%len(h)]
		shift := float32(i/len(h)) * 0.01
		v[i] = (float32(int(b))-127.5)/127.5 + shift
	}
	normalize(v)
	return v, nil
}

func normalize(v []float32) {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}
