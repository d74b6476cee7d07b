// Package naming generates the physical identifiers backing logical schema objects.
//
// Physical names are derived from a SHA-256 digest over the owning scope, the object kind
// and the logical name. The digest is truncated to a fixed-length lowercase hex string and
// prefixed with a kind tag, e.g. "tbl_3f9a0c2d41b7e6a8".
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies the type of physical object a name is generated for.
type Kind string

const (
	KindTable      Kind = "tbl"
	KindColumn     Kind = "col"
	KindIndex      Kind = "idx"
	KindForeignKey Kind = "fk"
	KindCheck      Kind = "chk"
	KindUnique     Kind = "uq"
)

const (
	// HashLength is the number of hex characters kept from the digest.
	HashLength = 16

	// MaxIdentifierLength is PostgreSQL's NAMEDATALEN-1 limit in bytes.
	MaxIdentifierLength = 63
)

// Generate returns the physical name for an object of the given kind.
// The result is stable for the same (kind, scopeID, logicalName) triple and differs
// whenever the scope differs, which isolates tenants and tables from each other.
func Generate(kind Kind, scopeID, logicalName string) string {
	sum := sha256.Sum256([]byte(scopeID + ":" + string(kind) + ":" + logicalName))
	return string(kind) + "_" + hex.EncodeToString(sum[:])[:HashLength]
}

// Scope joins owner and object ids into a hash scope.
// Including the freshly generated object id means a deleted object's physical name
// is never minted again, even when the logical name is reused.
func Scope(ids ...uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ":")
}

// IsValidPhysicalName reports whether name is usable as a backend identifier.
func IsValidPhysicalName(name string) bool {
	return name != "" && len(name) <= MaxIdentifierLength
}
