package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNoRecord is returned by Store.Get when the key is absent.
var ErrNoRecord = errors.New("registry: no record")

// Tables used by herd.
const (
	TableWorkers = "workers"
	TableBatches = "batches"
)

// Record is one key/value pair of a table.
type Record struct {
	Key   string
	Value []byte
}

// Store is a flat key/value store of JSON documents grouped into tables.
// Implementations must read the backing medium on every call so that writes
// from other processes are visible immediately.
type Store interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	// List returns all records of table ordered by key.
	List(ctx context.Context, table string) ([]Record, error)
	Put(ctx context.Context, table, key string, value []byte) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, table, key string) error
	Close() error
}

// Backend names accepted by OpenStore.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// OpenStore opens the named backend rooted at path. For the JSON backend path
// is a directory; for SQLite it is the database file.
func OpenStore(backend, path string) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSONStore(path)
	case BackendSQLite:
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "registry.db")
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown registry backend %q (want %q or %q)", backend, BackendJSON, BackendSQLite)
	}
}
