package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultRetentionDays is the number of days to retain log entries.
	DefaultRetentionDays = 30

	// RotationCheckInterval is how often to check for rotation (in records).
	RotationCheckInterval = 100
)

// Logger appends JSON records to a file and drops records older than the
// retention period. Records must carry a top-level "timestamp" field.
type Logger struct {
	path          string
	retentionDays int
	mu            sync.Mutex
	file          *os.File
	count         int
	lastRotation  time.Time
	now           func() time.Time
}

// LoggerOptions configures a Logger.
type LoggerOptions struct {
	Path          string
	RetentionDays int
	Now           func() time.Time
}

// NewLogger opens (creating if needed) the log at opts.Path and prunes
// expired records.
func NewLogger(opts LoggerOptions) (*Logger, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("log path is empty")
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Logger{path: opts.Path, retentionDays: opts.RetentionDays, now: opts.Now}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	if err := l.Rotate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	l.file = f
	return nil
}

// Path returns the log file path.
func (l *Logger) Path() string { return l.path }

// Log appends one record.
func (l *Logger) Log(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("log %s is closed", l.path)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}

	l.count++
	if l.count%RotationCheckInterval == 0 && l.now().Sub(l.lastRotation) >= 24*time.Hour {
		if err := l.rotateLocked(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation error: %v\n", err)
		}
	}
	return nil
}

// Rotate removes records older than the retention period.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *Logger) rotateLocked() error {
	l.lastRotation = l.now()

	src, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".rotate-*.jsonl")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	cutoff := l.now().AddDate(0, 0, -l.retentionDays)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	w := bufio.NewWriter(tmp)
	dropped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec struct {
			Timestamp time.Time `json:"timestamp"`
		}
		// Keep malformed entries
		if err := json.Unmarshal(line, &rec); err == nil && !rec.Timestamp.IsZero() && rec.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		tmp.Close()
		return fmt.Errorf("scanning log file: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if dropped == 0 {
		return nil
	}

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = l.open()
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return l.open()
}

// ReadAll decodes every record in the log into fn, stopping on the first error.
func (l *Logger) ReadAll(fn func(line []byte) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
