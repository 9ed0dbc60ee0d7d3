package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/theirongolddev/herd/internal/watcher"
)

// WatchFiles calls onChange whenever one of paths is written, created or
// removed. Each file is watched through its parent directory so editors that
// replace files by rename are seen. It returns a function that stops watching.
func WatchFiles(paths []string, onChange func(path string), log *slog.Logger) (func(), error) {
	if log == nil {
		log = slog.Default()
	}
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		want[abs] = true
	}

	w, err := watcher.New(func(events []watcher.Event) {
		seen := map[string]bool{}
		for _, e := range events {
			p := filepath.Clean(e.Path)
			if want[p] && !seen[p] {
				seen[p] = true
				onChange(p)
			}
		}
	},
		watcher.WithDebounceDuration(500*time.Millisecond),
		watcher.WithErrorHandler(func(err error) { log.Warn("config watch error", "error", err) }),
	)
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	for p := range want {
		if err := w.Add(filepath.Dir(p)); err != nil {
			log.Warn("not watching config file", "path", p, "error", err)
		}
	}
	return func() { w.Close() }, nil
}
