package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type auditRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Worker    string    `json:"worker"`
}

func TestLoggerAppendsAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "approve.jsonl")
	l, err := NewLogger(LoggerOptions{Path: path})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Log(auditRecord{Timestamp: time.Now(), Worker: "w1"}))
	require.NoError(t, l.Log(auditRecord{Timestamp: time.Now(), Worker: "w2"}))

	var workers []string
	require.NoError(t, l.ReadAll(func(line []byte) error {
		var r auditRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		workers = append(workers, r.Worker)
		return nil
	}))
	assert.Equal(t, []string{"w1", "w2"}, workers)
}

func TestLoggerRotateDropsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "approve.jsonl")

	old, _ := json.Marshal(auditRecord{Timestamp: now.AddDate(0, 0, -40), Worker: "old"})
	fresh, _ := json.Marshal(auditRecord{Timestamp: now.AddDate(0, 0, -1), Worker: "fresh"})
	content := string(old) + "\n" + "garbage\n" + string(fresh) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	l, err := NewLogger(LoggerOptions{Path: path, RetentionDays: 30, Now: func() time.Time { return now }})
	require.NoError(t, err)
	defer l.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"old"`)
	assert.Contains(t, string(data), "garbage")
	assert.Contains(t, string(data), `"fresh"`)

	require.NoError(t, l.Log(auditRecord{Timestamp: now, Worker: "new"}))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"new"`)
}

func TestLoggerClosed(t *testing.T) {
	l, err := NewLogger(LoggerOptions{Path: filepath.Join(t.TempDir(), "a.jsonl")})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.Error(t, l.Log(auditRecord{Timestamp: time.Now()}))
	assert.NoError(t, l.Close())
}
