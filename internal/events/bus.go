package events

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/theirongolddev/herd/internal/registry"
)

// BusEvent is anything published on a Bus.
type BusEvent interface {
	EventType() string
	EventTimestamp() time.Time
	EventWorker() string
}

// EventHandler receives published events.
type EventHandler func(BusEvent)

// UnsubscribeFunc removes the subscription that returned it.
type UnsubscribeFunc func()

// AllTypes subscribes to every event type.
const AllTypes = "*"

type subscription struct {
	id      uint64
	types   string
	handler EventHandler
}

// Bus is an in-process pub/sub hub that remembers its most recent events.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	lastID uint64

	// history is a ring: next is the slot the following event overwrites.
	history []BusEvent
	next    int
	full    bool
}

// NewBus creates a bus that remembers the last size events (100 if size < 1).
func NewBus(size int) *Bus {
	if size < 1 {
		size = 100
	}
	return &Bus{history: make([]BusEvent, size)}
}

// Subscribe registers handler for one event type, or AllTypes.
func (b *Bus) Subscribe(eventType string, handler EventHandler) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	id := b.lastID
	b.subs = append(b.subs, subscription{id: id, types: eventType, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler EventHandler) UnsubscribeFunc {
	return b.Subscribe(AllTypes, handler)
}

// record stores event in the history and returns the handlers interested in it.
func (b *Bus) record(event BusEvent) []EventHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[b.next] = event
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}

	var out []EventHandler
	for _, s := range b.subs {
		if s.types == AllTypes || s.types == event.EventType() {
			out = append(out, s.handler)
		}
	}
	return out
}

// Publish delivers event to each subscriber on its own goroutine.
func (b *Bus) Publish(event BusEvent) {
	for _, h := range b.record(event) {
		go h(event)
	}
}

// PublishSync delivers event and waits for every handler to return.
func (b *Bus) PublishSync(event BusEvent) {
	var wg sync.WaitGroup
	for _, h := range b.record(event) {
		wg.Go(func() { h(event) })
	}
	wg.Wait()
}

// History returns up to limit recent events, newest first. A limit <= 0
// returns everything remembered.
func (b *Bus) History(limit int) []BusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.next
	if b.full {
		n = len(b.history)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]BusEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, b.history[(b.next-i+len(b.history))%len(b.history)])
	}
	return out
}

// Stream writes every event to w as JSON lines until unsubscribed.
func (b *Bus) Stream(w io.Writer) UnsubscribeFunc {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return b.SubscribeAll(func(e BusEvent) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(e)
	})
}

// SubscriberCount returns the number of subscriptions to exactly eventType.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.types == eventType {
			n++
		}
	}
	return n
}

// BaseEvent carries the fields every event shares.
type BaseEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Worker    string    `json:"worker_id,omitempty"`
}

func (e BaseEvent) EventType() string         { return e.Type }
func (e BaseEvent) EventTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) EventWorker() string       { return e.Worker }

// Bus event types.
const (
	TypeStateChanged = "worker.state_changed"
	TypeDegraded     = "worker.degraded"
	TypeApproval     = "worker.approval"
)

// StateChanged is published when a worker's aggregated status changes.
type StateChanged struct {
	BaseEvent
	From   registry.Status `json:"from"`
	To     registry.Status `json:"to"`
	Prompt *Prompt         `json:"prompt,omitempty"`
}

// Degraded is published when a worker's stream disappears or reappears.
type Degraded struct {
	BaseEvent
	Degraded bool `json:"degraded"`
}

// ApprovalDecided is published by the approve engine after each evaluation.
type ApprovalDecided struct {
	BaseEvent
	Action string `json:"action"`
	RuleID string `json:"rule_id,omitempty"`
	Class  string `json:"class"`
}

// NewStateChanged builds a StateChanged event.
func NewStateChanged(worker string, from, to registry.Status, prompt *Prompt, at time.Time) StateChanged {
	return StateChanged{
		BaseEvent: BaseEvent{Type: TypeStateChanged, Timestamp: at, Worker: worker},
		From:      from,
		To:        to,
		Prompt:    prompt,
	}
}
