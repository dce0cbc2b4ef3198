package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/p8db/p8core/internal/keys"
	"github.com/p8db/p8core/internal/kv"
	"github.com/p8db/p8core/internal/perr"
)

// tenantCache is the copy-on-write map of schema name → *Schema for one
// tenant (spec §5: "The schema cache is copy-on-write: registration
// rebuilds the map and swaps a pointer under a short lock; readers
// never block").
type tenantCache = map[string]*Schema

// Registry registers, validates, and persists schemas (spec §4.2, C2).
type Registry struct {
	store *kv.Store

	mu      sync.Mutex // guards structural changes only (new tenant, register)
	tenants sync.Map   // tenant string -> *atomic.Pointer[tenantCache]
}

// NewRegistry opens a registry backed by store. Call Bootstrap once per
// tenant to auto-register the built-in schemas (spec §4.2: "entity,
// resource, session, message, feedback are auto-registered at open").
func NewRegistry(store *kv.Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) pointerFor(tenant string) *atomic.Pointer[tenantCache] {
	if p, ok := r.tenants.Load(tenant); ok {
		return p.(*atomic.Pointer[tenantCache])
	}
	p := &atomic.Pointer[tenantCache]{}
	empty := tenantCache{}
	p.Store(&empty)
	actual, _ := r.tenants.LoadOrStore(tenant, p)
	return actual.(*atomic.Pointer[tenantCache])
}

// Bootstrap loads every schema previously persisted for tenant into the
// in-memory cache, then registers any built-in schema not already
// present. Call once per Open().
func (r *Registry) Bootstrap(ctx context.Context, tenant string) error {
	rows, err := r.store.ScanPrefix(ctx, keys.SchemaPrefix(tenant))
	if err != nil {
		return err
	}
	loaded := tenantCache{}
	for _, row := range rows {
		var doc Doc
		if err := json.Unmarshal(row.Value, &doc); err != nil {
			return &perr.InvalidSchema{Name: "(persisted)", Reason: err.Error()}
		}
		loaded[doc.Name] = fromDoc(doc)
	}
	r.pointerFor(tenant).Store(&loaded)

	for _, doc := range builtinSchemas() {
		if _, ok := r.Get(tenant, doc.Name); ok {
			continue
		}
		if _, err := r.Register(ctx, tenant, doc); err != nil {
			return fmt.Errorf("bootstrapping builtin schema %q: %w", doc.Name, err)
		}
	}
	return nil
}

// Register validates and persists a schema document, deriving its
// indexed fields / required set / key field / $defs, and swaps it into
// the in-memory cache.
func (r *Registry) Register(ctx context.Context, tenant string, doc Doc) (*Schema, error) {
	if doc.Name == "" {
		return nil, &perr.InvalidSchema{Name: doc.Name, Reason: "name is required"}
	}
	if doc.Properties == nil {
		doc.Properties = map[string]*Field{}
	}
	for _, f := range doc.IndexedFields {
		field, ok := doc.Properties[f]
		if !ok {
			return nil, &perr.InvalidSchema{Name: doc.Name, Reason: fmt.Sprintf("indexed_fields references unknown field %q", f)}
		}
		if !field.Type.IsHashableScalar() {
			return nil, &perr.InvalidSchema{Name: doc.Name, Reason: fmt.Sprintf("indexed field %q must be a hashable scalar type (string, integer, boolean), got %q", f, field.Type)}
		}
	}
	if doc.KeyField != "" {
		if _, ok := doc.Properties[doc.KeyField]; !ok {
			return nil, &perr.InvalidSchema{Name: doc.Name, Reason: fmt.Sprintf("key_field references unknown field %q", doc.KeyField)}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ptr := r.pointerFor(tenant)
	current := *ptr.Load()
	if existing, ok := current[doc.Name]; ok {
		if !compatible(existing.raw, doc) {
			return nil, &perr.DuplicateSchema{Name: doc.Name}
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &perr.InvalidSchema{Name: doc.Name, Reason: err.Error()}
	}
	if err := r.store.Put(ctx, keys.Schema(tenant, doc.Name), raw); err != nil {
		return nil, err
	}

	next := make(tenantCache, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	sc := fromDoc(doc)
	next[doc.Name] = sc
	ptr.Store(&next)

	return sc, nil
}

// Get returns the cached schema for tenant, if registered.
func (r *Registry) Get(tenant, name string) (*Schema, bool) {
	current := *r.pointerFor(tenant).Load()
	sc, ok := current[name]
	return sc, ok
}

// List returns every schema registered for tenant.
func (r *Registry) List(tenant string) []*Schema {
	current := *r.pointerFor(tenant).Load()
	out := make([]*Schema, 0, len(current))
	for _, sc := range current {
		out = append(out, sc)
	}
	return out
}

// ListByCategory filters List to schemas declaring the given category.
func (r *Registry) ListByCategory(tenant, category string) []*Schema {
	var out []*Schema
	for _, sc := range r.List(tenant) {
		if sc.Category == category {
			out = append(out, sc)
		}
	}
	return out
}
