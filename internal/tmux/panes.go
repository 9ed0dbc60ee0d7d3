package tmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/theirongolddev/herd/internal/mux"
)

const fieldSep = "|===|"

// paneFormat lists the fields parsePaneLine expects, in order.
var paneFormat = strings.Join([]string{
	"#{pane_id}",
	"#{session_name}",
	"#{window_index}",
	"#{window_name}",
	"#{pane_index}",
	"#{pane_title}",
	"#{pane_current_command}",
	"#{pane_active}",
	"#{pane_dead}",
}, fieldSep)

func parsePaneLine(line string) (mux.Pane, error) {
	parts := strings.Split(line, fieldSep)
	if len(parts) < 9 {
		return mux.Pane{}, fmt.Errorf("unexpected list-panes output: %q", line)
	}
	win, err := strconv.Atoi(parts[2])
	if err != nil {
		return mux.Pane{}, fmt.Errorf("bad window index %q: %w", parts[2], err)
	}
	idx, err := strconv.Atoi(parts[4])
	if err != nil {
		return mux.Pane{}, fmt.Errorf("bad pane index %q: %w", parts[4], err)
	}
	return mux.Pane{
		ID:          parts[0],
		Session:     parts[1],
		WindowIndex: win,
		WindowName:  parts[3],
		Index:       idx,
		Title:       parts[5],
		Command:     parts[6],
		Active:      parts[7] == "1",
		Dead:        parts[8] == "1",
	}, nil
}

func parsePaneList(out string) ([]mux.Pane, error) {
	var panes []mux.Pane
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, err := parsePaneLine(line)
		if err != nil {
			return nil, err
		}
		panes = append(panes, p)
	}
	return panes, nil
}

// SessionExists checks if a session exists
func (c *Client) SessionExists(ctx context.Context, session string) (bool, error) {
	err := c.do(ctx, "has-session", "-t", "="+session)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, mux.ErrNoSuchSession) {
		return false, nil
	}
	return false, err
}

// CreateSession creates a detached session and returns the id of its first pane.
func (c *Client) CreateSession(ctx context.Context, session, window, dir string) (string, error) {
	if err := ValidateSessionName(session); err != nil {
		return "", err
	}
	args := []string{"new-session", "-d", "-P", "-F", "#{pane_id}", "-s", session}
	if window != "" {
		args = append(args, "-n", window)
	}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// NewWindow opens a detached window at the end of session.
func (c *Client) NewWindow(ctx context.Context, session, window, dir string) (string, error) {
	args := []string{"new-window", "-d", "-P", "-F", "#{pane_id}", "-t", "=" + session + ":"}
	if window != "" {
		args = append(args, "-n", window)
	}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SplitPane splits pane and returns the new pane id.
func (c *Client) SplitPane(ctx context.Context, pane, dir string) (string, error) {
	args := []string{"split-window", "-d", "-P", "-F", "#{pane_id}", "-t", pane}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Pane looks a pane up by id across all sessions.
func (c *Client) Pane(ctx context.Context, pane string) (mux.Pane, error) {
	if !mux.IsRawAddress(pane) {
		return mux.Pane{}, fmt.Errorf("%w: %q is not a pane id", mux.ErrNoSuchPane, pane)
	}
	out, err := c.run(ctx, "list-panes", "-a", "-f", "#{==:#{pane_id},"+pane+"}", "-F", paneFormat)
	if err != nil {
		// With no server running there are no panes at all.
		if errors.Is(err, mux.ErrNoSuchSession) {
			return mux.Pane{}, fmt.Errorf("%w: %s", mux.ErrNoSuchPane, pane)
		}
		return mux.Pane{}, err
	}
	panes, err := parsePaneList(out)
	if err != nil {
		return mux.Pane{}, err
	}
	for _, p := range panes {
		if p.ID == pane {
			return p, nil
		}
	}
	return mux.Pane{}, fmt.Errorf("%w: %s", mux.ErrNoSuchPane, pane)
}

// ListPanes returns every pane of session.
func (c *Client) ListPanes(ctx context.Context, session string) ([]mux.Pane, error) {
	out, err := c.run(ctx, "list-panes", "-s", "-t", "="+session, "-F", paneFormat)
	if err != nil {
		return nil, err
	}
	return parsePaneList(out)
}

// WindowPane returns the active pane of session:window.
func (c *Client) WindowPane(ctx context.Context, session, window string) (mux.Pane, error) {
	out, err := c.run(ctx, "list-panes", "-t", "="+session+":"+window, "-F", paneFormat)
	if err != nil {
		return mux.Pane{}, err
	}
	return activeOf(out, mux.ErrNoSuchWindow)
}

// SessionPane returns the active pane of the session's current window.
func (c *Client) SessionPane(ctx context.Context, session string) (mux.Pane, error) {
	out, err := c.run(ctx, "list-panes", "-t", "="+session, "-F", paneFormat)
	if err != nil {
		return mux.Pane{}, err
	}
	return activeOf(out, mux.ErrNoSuchSession)
}

func activeOf(out string, notFound error) (mux.Pane, error) {
	panes, err := parsePaneList(out)
	if err != nil {
		return mux.Pane{}, err
	}
	for _, p := range panes {
		if p.Active {
			return p, nil
		}
	}
	if len(panes) > 0 {
		return panes[0], nil
	}
	return mux.Pane{}, notFound
}

// KillPane kills a pane by id.
func (c *Client) KillPane(ctx context.Context, pane string) error {
	return c.do(ctx, "kill-pane", "-t", pane)
}

// SendText types text literally into a pane
func (c *Client) SendText(ctx context.Context, pane, text string, enter bool) error {
	// Send large payloads in chunks to avoid ARG_MAX limits or tmux buffer issues
	const chunkSize = 4096

	for i := 0; i < len(text); i += chunkSize {
		end := i + chunkSize
		if end > len(text) {
			end = len(text)
		}
		if err := c.do(ctx, "send-keys", "-t", pane, "-l", "--", text[i:end]); err != nil {
			return err
		}
	}

	if enter {
		return c.do(ctx, "send-keys", "-t", pane, "C-m")
	}
	return nil
}

// SendKeys sends named keys such as "Enter", "Escape" or "C-c".
func (c *Client) SendKeys(ctx context.Context, pane string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := append([]string{"send-keys", "-t", pane}, keys...)
	return c.do(ctx, args...)
}

// Capture returns the last lines of a pane's scrollback.
func (c *Client) Capture(ctx context.Context, pane string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	return c.run(ctx, "capture-pane", "-t", pane, "-p", "-J", "-S", fmt.Sprintf("-%d", lines))
}
