// Package keys builds the `<kind>:<tenant>:<parts…>` byte keys described
// in spec.md §3 ("Keyspace"). Centralizing key construction here is what
// lets every component (schema registry, entity store, index, WAL,
// vector map) share one tenant-prefix isolation scheme without
// duplicating the join logic.
package keys

import "strings"

const sep = ":"

// join builds a colon-joined key from parts, escaping literal colons so
// a part's content can never be misread as a key-segment boundary. This
// keeps prefix scans exact: escaping a colon means "tenant:a:b" and
// "tenant:a" + "b" can never collide.
func join(parts ...string) []byte {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = escape(p)
	}
	return []byte(strings.Join(escaped, sep))
}

func escape(s string) string {
	if !strings.ContainsAny(s, `:\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ':':
			b.WriteString(`\c`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Entity builds the key for an entity row: entity:<tenant>:<id>.
func Entity(tenant, id string) []byte { return join("entity", tenant, id) }

// EntityPrefix builds the scan prefix for every entity under a tenant.
// Scans restricted to one schema use EntityBySchemaPrefix instead: the
// entity store additionally indexes by schema under entity_by_schema
// for cheap full-table scans of one schema (spec §4.9 rule 5).
func EntityPrefix(tenant string) []byte { return join("entity", tenant, "") }

// EntityBySchema builds the key under which an entity id is recorded
// for fast per-schema scans: entity_by_schema:<tenant>:<schema>:<id>.
func EntityBySchema(tenant, schema, id string) []byte {
	return join("entity_by_schema", tenant, schema, id)
}

// EntityBySchemaPrefix scopes a scan to one schema's entities.
func EntityBySchemaPrefix(tenant, schema string) []byte {
	return join("entity_by_schema", tenant, schema, "")
}

// Alias builds the key for an alias→id pointer: alias:<tenant>:<value>.
func Alias(tenant, value string) []byte { return join("alias", tenant, strings.ToLower(value)) }

// Schema builds the key for a schema document: schema:<tenant>:<name>.
func Schema(tenant, name string) []byte { return join("schema", tenant, name) }

// SchemaPrefix scopes a scan to every schema of one tenant.
func SchemaPrefix(tenant string) []byte { return join("schema", tenant, "") }

// Edge builds the key for an edge row: edge:<tenant>:<src>:<dst>:<rel>.
func Edge(tenant, src, dst, rel string) []byte { return join("edge", tenant, src, dst, rel) }

// EdgeOutPrefix scopes a scan to every outgoing edge of src.
func EdgeOutPrefix(tenant, src string) []byte { return join("edge", tenant, src, "") }

// EdgeScanPrefix scopes a scan to every edge of one tenant (used for the
// incoming-edge full scan described in spec §4.6).
func EdgeScanPrefix(tenant string) []byte { return join("edge", tenant, "") }

// Moment builds the key for a moment row: moment:<tenant>:<id>.
func Moment(tenant, id string) []byte { return join("moment", tenant, id) }

// MomentTime builds the time-indexed parallel key: moment_time:<tenant>:<iso>:<id>.
func MomentTime(tenant, iso, id string) []byte { return join("moment_time", tenant, iso, id) }

// MomentTimePrefix scopes a range scan of moments by time.
func MomentTimePrefix(tenant string) []byte { return join("moment_time", tenant, "") }

// VectorMap builds the key for the handle↔id bidirectional map row:
// vector_map:<tenant>:<schema>:<handle-or-id>.
func VectorMap(tenant, schema, part string) []byte { return join("vector_map", tenant, schema, part) }

// VectorMapPrefix scopes a scan to one schema's vector map.
func VectorMapPrefix(tenant, schema string) []byte { return join("vector_map", tenant, schema, "") }

// WALSeq builds the per-tenant monotonic sequence counter key.
func WALSeq(tenant string) []byte { return join("wal", "seq", tenant) }

// WALEntry builds the key for one WAL record: wal:entry:<tenant>:<seq>.
// seq is formatted by the caller with FormatSeq so lexicographic byte
// order matches numeric order.
func WALEntry(tenant string, seqStr string) []byte { return join("wal", "entry", tenant, seqStr) }

// WALEntryPrefix scopes a scan to one tenant's WAL entries.
func WALEntryPrefix(tenant string) []byte { return join("wal", "entry", tenant, "") }

// IndexPosting builds the key for a secondary-index posting list:
// index:<schema>:<tenant>:<field>:<canonical-value>.
func IndexPosting(schema, tenant, field, canonicalValue string) []byte {
	return join("index", schema, tenant, field, canonicalValue)
}

// IndexPostingPrefix scopes a scan to every value posting for one field.
func IndexPostingPrefix(schema, tenant, field string) []byte {
	return join("index", schema, tenant, field, "")
}

// ReplicationWatermark builds the key a follower persists its applied
// watermark under: replication:watermark:<tenant>:<peer>.
func ReplicationWatermark(tenant, peer string) []byte {
	return join("replication", "watermark", tenant, peer)
}
