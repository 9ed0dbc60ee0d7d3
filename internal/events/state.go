package events

import (
	"maps"
	"time"

	"github.com/theirongolddev/herd/internal/registry"
)

// ToolCall is the most recent tool invocation reported by a worker.
type ToolCall struct {
	Tool    string    `json:"tool"`
	Subject string    `json:"subject,omitempty"`
	At      time.Time `json:"at"`
}

// WorkerState is the aggregated view of one subscribed worker.
type WorkerState struct {
	WorkerID      string          `json:"worker_id"`
	Status        registry.Status `json:"status"`
	LastEvent     *Event          `json:"last_event,omitempty"`
	LastEventKind Kind            `json:"last_event_kind,omitempty"`
	LastSeenAt    time.Time       `json:"last_seen_at,omitempty"`
	// SinceLastEvent is computed when the state is read.
	SinceLastEvent time.Duration `json:"since_last_event"`
	// Degraded is set while the worker has no event stream and is polled.
	Degraded bool      `json:"degraded"`
	Pending  *Prompt   `json:"pending,omitempty"`
	LastTool *ToolCall `json:"last_tool,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (s WorkerState) clone() WorkerState {
	if s.Pending != nil {
		p := *s.Pending
		s.Pending = &p
	}
	if s.LastTool != nil {
		t := *s.LastTool
		s.LastTool = &t
	}
	if s.LastEvent != nil {
		ev := *s.LastEvent
		ev.Payload = maps.Clone(ev.Payload)
		s.LastEvent = &ev
	}
	return s
}

// apply folds one stream event into the state and returns the new status.
func (s *WorkerState) apply(ev Event) {
	s.LastEvent = &ev
	s.LastEventKind = ev.Kind
	s.LastSeenAt = ev.Timestamp
	switch ev.Kind {
	case KindToolInvocation:
		tool, subject := ev.Tool()
		s.LastTool = &ToolCall{Tool: tool, Subject: subject, At: ev.Timestamp}
		s.Pending = nil
		s.Status = registry.StatusRunning
	case KindApprovalRequest:
		tool, subject := ev.Tool()
		if tool == "" && s.LastTool != nil {
			tool, subject = s.LastTool.Tool, s.LastTool.Subject
		}
		text, _ := ev.Payload["text"].(string)
		s.Pending = &Prompt{Tool: tool, Subject: subject, Text: text, Source: "stream", DetectedAt: ev.Timestamp}
		s.Status = registry.StatusWaitingApproval
	case KindCompletion:
		s.Pending = nil
		s.Status = registry.StatusCompleted
	case KindError:
		s.Error, _ = ev.Payload["message"].(string)
		s.Pending = nil
		s.Status = registry.StatusBlocked
	case KindHeartbeat:
		if s.Status == registry.StatusSpawning {
			s.Status = registry.StatusRunning
		}
	}
}
