package schema

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeterministicID derives a stable column ID from a salt and the column
// name. Backends use this when re-deriving a schema from a live table,
// where the version store's original column IDs are unknown: salting with
// (container name, table name, last-synced tree) makes the IDs
// deterministic and independent of backend-assigned ordinal positions, so
// two introspections of the same unmodified table always agree.
func DeterministicID(salt, name string) string {
	sum := sha256.Sum256([]byte(salt + "\x00" + name))
	return hex.EncodeToString(sum[:16])
}

// IntrospectionSalt builds the conventional salt used by backends:
// the container (schema/catalog) name, the table name, and the tree the
// table was last synchronised to.
func IntrospectionSalt(container, table, tree string) string {
	return container + " " + table + " " + tree
}
