// Package watcher notifies about changes to files in watched directories.
// It uses fsnotify when available and falls back to polling otherwise.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned when operations are called on a closed Watcher.
var ErrClosed = errors.New("watcher: watcher is closed")

// DefaultPollInterval is used when falling back to polling.
const DefaultPollInterval = time.Second

// DefaultDebounceDuration is the default coalescing window.
const DefaultDebounceDuration = 100 * time.Millisecond

// Op is a bit set of file system operations.
type Op uint32

const (
	Create Op = 1 << iota
	Write
	Remove
	All = Create | Write | Remove
)

// Event is a change to one file.
type Event struct {
	Path string
	Op   Op
}

func opFromFsnotify(op fsnotify.Op) Op {
	var o Op
	if op.Has(fsnotify.Create) {
		o |= Create
	}
	if op.Has(fsnotify.Write) {
		o |= Write
	}
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		o |= Remove
	}
	return o
}

// Handler receives coalesced events.
type Handler func(events []Event)

// ErrorHandler is called when a watch error occurs.
type ErrorHandler func(err error)

type fileMeta struct {
	modTime time.Time
	size    int64
}

// Watcher watches directories (non-recursively) and individual files.
type Watcher struct {
	fs           *fsnotify.Watcher
	handler      Handler
	errorHandler ErrorHandler
	filter       Op
	debounce     time.Duration

	pollMode     bool
	forcePoll    bool
	pollInterval time.Duration
	snapshots    map[string]fileMeta
	closeCh      chan struct{}

	mu      sync.Mutex
	watched map[string]bool
	pending []Event
	timer   *time.Timer
	closed  bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounceDuration sets the window for coalescing events.
func WithDebounceDuration(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithEventFilter sets which operations are delivered.
func WithEventFilter(filter Op) Option {
	return func(w *Watcher) { w.filter = filter }
}

// WithErrorHandler sets the error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(w *Watcher) { w.errorHandler = h }
}

// WithPollInterval sets the polling interval (used when polling mode is active).
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithPolling forces polling mode (useful for tests or environments without fsnotify support).
func WithPolling(force bool) Option {
	return func(w *Watcher) { w.forcePoll = force }
}

// New creates a Watcher that calls handler with coalesced events.
func New(handler Handler, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		handler:      handler,
		filter:       All,
		debounce:     DefaultDebounceDuration,
		pollInterval: DefaultPollInterval,
		watched:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}

	if !w.forcePoll {
		fs, err := fsnotify.NewWatcher()
		if err == nil {
			w.fs = fs
		} else {
			w.reportError(fmt.Errorf("fsnotify unavailable, using polling fallback: %w", err))
			w.pollMode = true
		}
	} else {
		w.pollMode = true
	}

	if w.pollMode {
		w.snapshots = make(map[string]fileMeta)
		w.closeCh = make(chan struct{})
		go w.runPoll()
	} else {
		go w.run()
	}
	return w, nil
}

// Polling reports whether the watcher fell back to polling.
func (w *Watcher) Polling() bool { return w.pollMode }

func (w *Watcher) reportError(err error) {
	if w.errorHandler != nil {
		w.errorHandler(err)
	}
}

// Add watches path. A directory reports changes to its immediate children.
func (w *Watcher) Add(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if w.watched[abs] {
		return nil
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}

	if w.pollMode {
		entries, err := scan(abs)
		if err != nil {
			return err
		}
		for p, m := range entries {
			w.snapshots[p] = m
		}
	} else if err := w.fs.Add(abs); err != nil {
		return err
	}
	w.watched[abs] = true
	return nil
}

// Remove stops watching path.
func (w *Watcher) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if !w.watched[abs] {
		return nil
	}
	delete(w.watched, abs)
	if w.pollMode {
		for p := range w.snapshots {
			if p == abs || filepath.Dir(p) == abs {
				delete(w.snapshots, p)
			}
		}
		return nil
	}
	return w.fs.Remove(abs)
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.pollMode {
		close(w.closeCh)
		return nil
	}
	return w.fs.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			op := opFromFsnotify(ev.Op)
			if op&w.filter == 0 {
				continue
			}
			w.enqueue([]Event{{Path: ev.Name, Op: op}})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

// enqueue buffers events and schedules delivery after the debounce window.
func (w *Watcher) enqueue(events []Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending = append(w.pending, events...)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	events := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(events) > 0 && w.handler != nil {
		w.handler(events)
	}
}

func (w *Watcher) runPoll() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.pollOnce()
		case <-w.closeCh:
			return
		}
	}
}

// pollOnce diffs the watched paths against the previous scan.
func (w *Watcher) pollOnce() {
	w.mu.Lock()
	roots := make([]string, 0, len(w.watched))
	for p := range w.watched {
		roots = append(roots, p)
	}
	w.mu.Unlock()

	current := make(map[string]fileMeta)
	for _, root := range roots {
		entries, err := scan(root)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				w.reportError(err)
			}
			continue
		}
		for p, m := range entries {
			current[p] = m
		}
	}

	w.mu.Lock()
	var events []Event
	for p, m := range current {
		prev, ok := w.snapshots[p]
		switch {
		case !ok:
			events = append(events, Event{Path: p, Op: Create})
		case m != prev:
			events = append(events, Event{Path: p, Op: Write})
		default:
			continue
		}
		w.snapshots[p] = m
	}
	for p := range w.snapshots {
		if _, ok := current[p]; !ok && underAny(p, roots) {
			events = append(events, Event{Path: p, Op: Remove})
			delete(w.snapshots, p)
		}
	}
	w.mu.Unlock()

	var filtered []Event
	for _, ev := range events {
		if ev.Op&w.filter != 0 {
			filtered = append(filtered, ev)
		}
	}
	if len(filtered) > 0 {
		w.enqueue(filtered)
	}
}

func underAny(path string, roots []string) bool {
	for _, r := range roots {
		if path == r || filepath.Dir(path) == r {
			return true
		}
	}
	return false
}

// scan returns metadata for root and, if it is a directory, its regular files.
func scan(root string) (map[string]fileMeta, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]fileMeta)
	if !info.IsDir() {
		out[root] = fileMeta{modTime: info.ModTime(), size: info.Size()}
		return out, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, d := range entries {
		if d.IsDir() {
			continue
		}
		fi, err := d.Info()
		if err != nil {
			continue
		}
		out[filepath.Join(root, d.Name())] = fileMeta{modTime: fi.ModTime(), size: fi.Size()}
	}
	return out, nil
}
