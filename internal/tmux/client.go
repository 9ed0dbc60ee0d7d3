// Package tmux implements the mux.Capability on top of the tmux binary,
// either locally or on a remote host over ssh.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/theirongolddev/herd/internal/mux"
)

// Client drives one tmux server.
type Client struct {
	// Remote is "user@host" to run tmux over ssh; empty runs it locally.
	Remote string
	// Socket selects a tmux server socket name (-L); empty uses the default server.
	Socket string
	// PollInterval is how often Exec re-captures the pane while waiting.
	PollInterval time.Duration
}

var _ mux.Capability = (*Client)(nil)

func NewClient(remote string) *Client {
	return &Client{Remote: remote, PollInterval: 200 * time.Millisecond}
}

// command returns the program and argv that run tmux with args.
func (c *Client) command(args []string) (string, []string) {
	if c.Socket != "" {
		args = append([]string{"-L", c.Socket}, args...)
	}
	if c.Remote == "" {
		return "tmux", args
	}
	// ssh sends one string to the remote shell, so every argument is quoted.
	// "--" keeps Remote from being read as an ssh option.
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, "tmux")
	for _, a := range args {
		quoted = append(quoted, ShellQuote(a))
	}
	return "ssh", []string{"--", c.Remote, strings.Join(quoted, " ")}
}

// run executes tmux and returns stdout without its trailing newlines.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	name, argv := c.command(args)
	cmd := exec.CommandContext(ctx, name, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classify(fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String())))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// do runs tmux for its side effect.
func (c *Client) do(ctx context.Context, args ...string) error {
	_, err := c.run(ctx, args...)
	return err
}

var tmuxErrors = []struct {
	text     string
	sentinel error
}{
	{"can't find pane", mux.ErrNoSuchPane},
	{"can't find window", mux.ErrNoSuchWindow},
	{"can't find session", mux.ErrNoSuchSession},
	{"no server running", mux.ErrNoSuchSession},
	{"no sessions", mux.ErrNoSuchSession},
	{"error connecting to", mux.ErrNoSuchSession},
}

// classify maps tmux's error text onto the mux sentinel errors. Anything
// unrecognized is returned unchanged.
func classify(err error) error {
	msg := err.Error()
	for _, e := range tmuxErrors {
		if strings.Contains(msg, e.text) {
			return fmt.Errorf("%w: %v", e.sentinel, err)
		}
	}
	return err
}

// EnsureInstalled fails when tmux cannot be run on the target host.
func (c *Client) EnsureInstalled() error {
	var err error
	if c.Remote == "" {
		_, err = exec.LookPath("tmux")
	} else {
		err = c.do(context.Background(), "-V")
	}
	if err != nil {
		return errors.New("tmux is not installed. Install it with: brew install tmux (macOS) or apt install tmux (Linux)")
	}
	return nil
}

// ShellQuote returns s single-quoted for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var sessionName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSessionName accepts letters, digits, '-' and '_'.
func ValidateSessionName(name string) error {
	if name == "" {
		return errors.New("session name cannot be empty")
	}
	if !sessionName.MatchString(name) {
		return fmt.Errorf("session name %q may only contain letters, digits, '-' and '_'", name)
	}
	return nil
}

// SanitizePaneCommand rejects control characters other than tab. A newline
// or escape typed into a pane would run or alter more than the command.
func SanitizePaneCommand(cmd string) (string, error) {
	if i := strings.IndexFunc(cmd, func(r rune) bool { return r < 0x20 && r != '\t' || r == 0x7f }); i >= 0 {
		return "", fmt.Errorf("command contains disallowed control character 0x%02x", cmd[i])
	}
	return cmd, nil
}

// BuildPaneCommand returns the line to type into a pane to run command in dir.
func BuildPaneCommand(dir, command string) (string, error) {
	safe, err := SanitizePaneCommand(command)
	if err != nil {
		return "", err
	}
	if dir == "" {
		return safe, nil
	}
	return "cd " + ShellQuote(dir) + " && " + safe, nil
}
