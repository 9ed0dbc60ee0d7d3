// Package batch groups worker spawns under a concurrency ceiling. Tasks
// beyond the ceiling are queued and started as earlier members reach a
// terminal status.
package batch

import (
	"time"

	"github.com/theirongolddev/herd/internal/registry"
)

// Status is the roll-up status of a batch.
type Status string

const (
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusPartiallyBlocked Status = "partially-blocked"
)

// Member is one spawned task.
type Member struct {
	TaskRef  string          `json:"task_ref"`
	WorkerID string          `json:"worker_id"`
	Status   registry.Status `json:"status"`
	// Error is set when the spawn itself failed.
	Error     string    `json:"error,omitempty"`
	SpawnedAt time.Time `json:"spawned_at"`
}

// Batch is a persisted group of tasks.
type Batch struct {
	ID               string          `json:"id"`
	WorkerIDs        []string        `json:"worker_ids"`
	ConcurrencyLimit int             `json:"concurrency_limit"`
	Queue            []string        `json:"queue"`
	Status           Status          `json:"status"`
	Members          []Member        `json:"members"`
	Cancelled        []string        `json:"cancelled,omitempty"`
	Tasks            map[string]Task `json:"tasks"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Active returns the number of spawned members that are not terminal.
func (b *Batch) Active() int {
	n := 0
	for _, m := range b.Members {
		if !m.Status.Terminal() {
			n++
		}
	}
	return n
}

// Done reports whether nothing is queued and every member is terminal.
func (b *Batch) Done() bool {
	return len(b.Queue) == 0 && b.Active() == 0
}

// Member returns the member running as workerID.
func (b *Batch) Member(workerID string) (*Member, bool) {
	for i := range b.Members {
		if b.Members[i].WorkerID == workerID {
			return &b.Members[i], true
		}
	}
	return nil, false
}

// rollUp recomputes Status and WorkerIDs from the members.
func (b *Batch) rollUp() {
	b.WorkerIDs = b.WorkerIDs[:0]
	blocked := false
	for _, m := range b.Members {
		if m.WorkerID != "" {
			b.WorkerIDs = append(b.WorkerIDs, m.WorkerID)
		}
		if m.Status == registry.StatusBlocked || m.Status == registry.StatusDead {
			blocked = true
		}
	}
	switch {
	case !b.Done():
		b.Status = StatusRunning
	case blocked:
		b.Status = StatusPartiallyBlocked
	default:
		b.Status = StatusCompleted
	}
}

// Report is a point-in-time summary of a batch.
type Report struct {
	Batch  Batch                   `json:"batch"`
	Counts map[registry.Status]int `json:"counts"`
	Active int                     `json:"active"`
	Queued int                     `json:"queued"`
	Done   bool                    `json:"done"`
}

func newReport(b *Batch) *Report {
	r := &Report{
		Batch:  *b,
		Counts: make(map[registry.Status]int),
		Active: b.Active(),
		Queued: len(b.Queue),
		Done:   b.Done(),
	}
	for _, m := range b.Members {
		r.Counts[m.Status]++
	}
	return r
}
