package watcher

import (
	"bytes"
	"errors"
	"io"
	"os"
)

// Tail reads complete lines appended to a file since the previous call.
// A trailing partial line is held back until its newline arrives. If the
// file shrinks it is assumed to have been truncated and is re-read from the
// start.
type Tail struct {
	path    string
	offset  int64
	partial []byte
}

// NewTail creates a Tail positioned at the start of path.
func NewTail(path string) *Tail {
	return &Tail{path: path}
}

// Path returns the tailed file.
func (t *Tail) Path() string { return t.path }

// Offset returns the byte offset of the next unread line.
func (t *Tail) Offset() int64 { return t.offset - int64(len(t.partial)) }

// ReadLines returns new complete lines. A missing file returns os.ErrNotExist.
func (t *Tail) ReadLines() ([]string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return nil, nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	var lines []string
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(buf[:i], "\r")
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
		buf = buf[i+1:]
	}
	t.partial = append([]byte(nil), buf...)
	return lines, nil
}
