//go:build postgres

package storage

import (
	_ "github.com/lib/pq"
)

// PostgresStore shares the sqlite schema with BYTEA payloads.
type PostgresStore struct {
	sqlStore
}

func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{sqlStore{driver: "postgres", dsn: dsn, numbered: true, blobType: "BYTEA"}}
}

func newPostgresStore(dsn string) (Store, error) {
	return NewPostgresStore(dsn), nil
}
