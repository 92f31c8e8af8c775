//go:build sqlite

package storage

import (
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	sqlStore
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{sqlStore{driver: "sqlite", dsn: path, blobType: "BLOB"}}
}

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}
