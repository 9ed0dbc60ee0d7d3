// Package mux defines the narrow terminal-multiplexer capability the rest of
// herd is built on. The tmux package provides the real implementation; Fake
// provides an in-memory one for tests.
package mux

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Errors returned by Capability implementations.
var (
	ErrNoSuchPane    = errors.New("mux: no such pane")
	ErrNoSuchSession = errors.New("mux: no such session")
	ErrNoSuchWindow  = errors.New("mux: no such window")
)

// RawPrefix marks a native pane address (e.g. "%17").
const RawPrefix = "%"

// Pane describes one pane as reported by the multiplexer.
type Pane struct {
	ID          string `json:"id"`
	Session     string `json:"session"`
	WindowIndex int    `json:"window_index"`
	WindowName  string `json:"window_name"`
	Index       int    `json:"index"`
	Title       string `json:"title,omitempty"`
	Command     string `json:"command,omitempty"`
	Active      bool   `json:"active"`
	// Dead is set for panes kept around by remain-on-exit after their
	// process exited. A dead pane is never considered live.
	Dead bool `json:"dead,omitempty"`
}

// Live reports whether the pane can receive input.
func (p Pane) Live() bool { return p.ID != "" && !p.Dead }

// ExecResult is the outcome of running a command inside a pane.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Capability is everything herd needs from the multiplexer.
type Capability interface {
	SessionExists(ctx context.Context, session string) (bool, error)
	// CreateSession creates a detached session whose first window is named
	// window and returns the id of its pane.
	CreateSession(ctx context.Context, session, window, dir string) (string, error)
	// NewWindow opens a detached window in session and returns its pane id.
	NewWindow(ctx context.Context, session, window, dir string) (string, error)
	// SplitPane splits pane and returns the new pane id.
	SplitPane(ctx context.Context, pane, dir string) (string, error)
	// Pane returns information about one pane or ErrNoSuchPane.
	Pane(ctx context.Context, pane string) (Pane, error)
	ListPanes(ctx context.Context, session string) ([]Pane, error)
	// WindowPane returns the active pane of session:window.
	WindowPane(ctx context.Context, session, window string) (Pane, error)
	// SessionPane returns the active pane of the session's current window.
	SessionPane(ctx context.Context, session string) (Pane, error)
	KillPane(ctx context.Context, pane string) error
	// SendText types text literally, optionally followed by Enter.
	SendText(ctx context.Context, pane, text string, enter bool) error
	// SendKeys sends named keys ("Enter", "Escape", "y", "C-c").
	SendKeys(ctx context.Context, pane string, keys ...string) error
	Capture(ctx context.Context, pane string, lines int) (string, error)
	// Exec runs command in the pane's shell and waits for it to exit.
	Exec(ctx context.Context, pane, command string) (ExecResult, error)
}

// IsRawAddress reports whether s uses the multiplexer's native address syntax.
func IsRawAddress(s string) bool {
	if !strings.HasPrefix(s, RawPrefix) || len(s) == len(RawPrefix) {
		return false
	}
	for _, r := range s[len(RawPrefix):] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Alive reports whether pane exists and is live. A missing pane is not an error.
func Alive(ctx context.Context, c Capability, pane string) (Pane, bool, error) {
	p, err := c.Pane(ctx, pane)
	if err != nil {
		if errors.Is(err, ErrNoSuchPane) {
			return Pane{}, false, nil
		}
		return Pane{}, false, err
	}
	return p, p.Live(), nil
}
