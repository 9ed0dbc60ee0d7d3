package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	tbl        TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tbl, key)
);
`

// SQLiteStore keeps every table in a single records table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path with WAL pragmas and creates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent readers but a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE tbl = ? AND key = ?`, table, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return []byte(value), nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, table string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM records WHERE tbl = ? ORDER BY key`, table)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, Record{Key: key, Value: []byte(value)})
	}
	return out, rows.Err()
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, table, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (tbl, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tbl, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		table, key, string(value), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, table, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND key = ?`, table, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
