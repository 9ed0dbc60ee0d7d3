package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// JSONStore keeps each table in <dir>/<table>.json as a single JSON object.
// Every call reads the file; writes replace it atomically via rename.
// The mutex only serializes writers within this process.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore creates the directory if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if dir == "" {
		return nil, errors.New("json store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("json store: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) path(table string) string {
	return filepath.Join(s.dir, table+".json")
}

func (s *JSONStore) load(table string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path(table))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	rows := map[string]json.RawMessage{}
	if len(data) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path(table), err)
	}
	return rows, nil
}

func (s *JSONStore) save(table string, rows map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+table+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", table, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", table, err)
	}
	if err := os.Rename(tmp.Name(), s.path(table)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", table, err)
	}
	return nil
}

// Get implements Store.
func (s *JSONStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	rows, err := s.load(table)
	if err != nil {
		return nil, err
	}
	v, ok := rows[key]
	if !ok {
		return nil, ErrNoRecord
	}
	return v, nil
}

// List implements Store.
func (s *JSONStore) List(ctx context.Context, table string) ([]Record, error) {
	rows, err := s.load(table)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for k, v := range rows {
		out = append(out, Record{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Put implements Store.
func (s *JSONStore) Put(ctx context.Context, table, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("put %s/%s: value is not valid JSON", table, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.load(table)
	if err != nil {
		return err
	}
	rows[key] = json.RawMessage(value)
	return s.save(table, rows)
}

// Delete implements Store.
func (s *JSONStore) Delete(ctx context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.load(table)
	if err != nil {
		return err
	}
	if _, ok := rows[key]; !ok {
		return nil
	}
	delete(rows, key)
	return s.save(table, rows)
}

// Close implements Store.
func (s *JSONStore) Close() error { return nil }
