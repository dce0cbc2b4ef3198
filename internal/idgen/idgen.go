// Package idgen generates the 128-bit entity identifiers described in
// spec.md §3 ("Entity"). Deterministic ids are a stable hash of
// (tenant, schema, key_field value); this follows the SHA-256 hashing of
// steveyegge-beads/internal/idgen/hash.go, generalized from a short
// human-facing issue-hash to a full 128-bit id and rendered as lowercase
// hex rather than base36. Fresh ids (schemas
// with no key_field) are version-4 UUIDs.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// ID is a 128-bit entity identifier.
type ID [16]byte

// String renders the id as lowercase hex, the canonical on-disk and
// wire form (stable across versions, per spec §4.1).
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (never a valid entity id).
func (id ID) IsZero() bool {
	return id == ID{}
}

// Parse decodes the canonical hex form produced by String.
func Parse(s string) (ID, bool) {
	var id ID
	if len(s) != 32 {
		return id, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Deterministic computes hash128(tenant || schema || keyValue), the id
// assigned to entities of a schema that declares a key_field (spec §3,
// invariant I3: re-insert with the same key_field value is an idempotent
// upsert of the same row).
func Deterministic(tenant, schema, keyValue string) ID {
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(schema))
	h.Write([]byte{0})
	h.Write([]byte(keyValue))
	sum := h.Sum(nil)
	var id ID
	copy(id[:], sum[:16])
	return id
}

// Fresh returns a new random id for schemas with no key_field.
func Fresh() ID {
	u := uuid.New()
	var id ID
	copy(id[:], u[:])
	return id
}
