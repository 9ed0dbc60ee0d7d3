// Package registry owns the durable mapping from worker id to panes.
// Every read goes to the backing Store; nothing is cached between calls.
package registry

import (
	"fmt"
	"slices"
	"time"

	"github.com/theirongolddev/herd/internal/mux"
)

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusSpawning        Status = "spawning"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting-approval"
	StatusCompleted       Status = "completed"
	StatusBlocked         Status = "blocked"
	StatusDead            Status = "dead"
)

// Statuses lists every status in display order.
var Statuses = []Status{
	StatusSpawning, StatusRunning, StatusWaitingApproval,
	StatusCompleted, StatusBlocked, StatusDead,
}

// Terminal reports whether a worker in this status will make no further progress.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusBlocked || s == StatusDead
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if slices.Contains(Statuses, st) {
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Worker is one registered worker.
type Worker struct {
	ID          string `json:"id"`
	PrimaryPane string `json:"primary_pane"`
	// SubPanes[0] is logical sub-pane 1; the primary is logical 0.
	SubPanes    []string  `json:"sub_panes,omitempty"`
	SessionName string    `json:"session_name"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Status      Status    `json:"status"`
	TaskRef     string    `json:"task_ref,omitempty"`
}

// Pane returns the address of logical pane index.
func (w Worker) Pane(index int) (string, bool) {
	if index == 0 {
		return w.PrimaryPane, true
	}
	if index < 0 || index > len(w.SubPanes) {
		return "", false
	}
	return w.SubPanes[index-1], true
}

// Addresses returns the primary followed by every sub-pane.
func (w Worker) Addresses() []string {
	return append([]string{w.PrimaryPane}, w.SubPanes...)
}

// SubPaneIndex returns the logical index of address among the sub-panes, or 0.
func (w Worker) SubPaneIndex(address string) int {
	for i, a := range w.SubPanes {
		if a == address {
			return i + 1
		}
	}
	return 0
}

func (w Worker) validate() error {
	if w.ID == "" {
		return fmt.Errorf("worker id is empty")
	}
	if mux.IsRawAddress(w.ID) {
		return fmt.Errorf("worker id %q looks like a pane address", w.ID)
	}
	if w.PrimaryPane == "" {
		return fmt.Errorf("worker %s has no primary pane", w.ID)
	}
	seen := map[string]bool{w.PrimaryPane: true}
	for _, a := range w.SubPanes {
		if seen[a] {
			return fmt.Errorf("worker %s lists pane %s twice", w.ID, a)
		}
		seen[a] = true
	}
	return nil
}
