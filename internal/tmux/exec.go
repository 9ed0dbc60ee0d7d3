package tmux

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/theirongolddev/herd/internal/mux"
)

const markerPrefix = "__herd_exit"

// markerCommand appends an exit marker echo to command.
func markerCommand(command, token string) string {
	return fmt.Sprintf(`%s; echo "%s:%s:$?"`, command, markerPrefix, token)
}

var markerRe = regexp.MustCompile(markerPrefix + `:([0-9a-f]+):(\d+)`)

// parseExecOutput finds the exit marker for token in captured output. It
// returns the command's output, its exit code and whether the marker was seen.
// The echoed command line itself also contains the marker text but with a
// literal "$?" so it never matches.
func parseExecOutput(captured, token string) (string, int, bool) {
	lines := strings.Split(captured, "\n")
	start := -1
	for i, line := range lines {
		if strings.Contains(line, markerPrefix+":"+token+":$?") {
			start = i
			continue
		}
		m := markerRe.FindStringSubmatch(line)
		if m == nil || m[1] != token {
			continue
		}
		code, _ := strconv.Atoi(m[2])
		body := lines[start+1 : i]
		return strings.TrimRight(strings.Join(body, "\n"), "\n"), code, true
	}
	return "", 0, false
}

// Exec runs command in the pane's shell and polls the scrollback until the
// exit marker appears or ctx is done.
func (c *Client) Exec(ctx context.Context, pane, command string) (mux.ExecResult, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	started := time.Now()
	if err := c.SendText(ctx, pane, markerCommand(command, token), true); err != nil {
		return mux.ExecResult{}, err
	}

	interval := c.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return mux.ExecResult{}, ctx.Err()
		case <-ticker.C:
		}
		out, err := c.Capture(ctx, pane, 2000)
		if err != nil {
			return mux.ExecResult{}, err
		}
		if body, code, ok := parseExecOutput(out, token); ok {
			return mux.ExecResult{ExitCode: code, Output: body, Duration: time.Since(started)}, nil
		}
	}
}
