//go:build sqlite

package storage

// DefaultStoreKind prefers the embedded database when it is compiled in.
func DefaultStoreKind() string {
	return KindSQLite
}
