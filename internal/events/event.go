// Package events aggregates per-worker state from pane-scoped event streams.
//
// Each worker appends JSON lines to <dir>/<worker>.jsonl. The Aggregator
// tails those files, falls back to polling the pane when a stream is absent,
// writes status changes through the registry and publishes them on a Bus.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind is the type of a worker event.
type Kind string

const (
	KindToolInvocation  Kind = "tool-invocation"
	KindApprovalRequest Kind = "approval-request"
	KindCompletion      Kind = "completion"
	KindError           Kind = "error"
	KindHeartbeat       Kind = "heartbeat"
)

// Kinds lists every event kind.
var Kinds = []Kind{KindToolInvocation, KindApprovalRequest, KindCompletion, KindError, KindHeartbeat}

// Event is one line of a worker's event stream.
type Event struct {
	WorkerID  string         `json:"worker_id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ParseEvent decodes and validates one stream line.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Kind {
	case KindToolInvocation, KindApprovalRequest, KindCompletion, KindError, KindHeartbeat:
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return ev, nil
}

// Tool returns the tool name and subject carried by a tool-invocation or
// approval-request payload. The subject is the command for shell tools and
// the path for file tools.
func (e Event) Tool() (tool, subject string) {
	tool, _ = e.Payload["tool"].(string)
	switch in := e.Payload["input"].(type) {
	case string:
		subject = in
	case map[string]any:
		for _, key := range []string{"command", "file_path", "path", "url", "pattern"} {
			if s, ok := in[key].(string); ok && s != "" {
				subject = s
				break
			}
		}
	}
	return tool, subject
}

// StreamPath returns the event stream file of a worker.
func StreamPath(dir, workerID string) string {
	return filepath.Join(dir, streamName(workerID))
}

func streamName(workerID string) string {
	return strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(workerID) + ".jsonl"
}

// Append writes ev to the worker's stream, creating it if needed. Agent
// hooks use this (through 'herd emit') to report what the worker is doing.
func Append(dir string, ev Event) error {
	if ev.WorkerID == "" {
		return fmt.Errorf("event has no worker id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating event directory: %w", err)
	}
	f, err := os.OpenFile(StreamPath(dir, ev.WorkerID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}
