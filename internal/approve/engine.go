package approve

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/theirongolddev/herd/internal/events"
	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/target"
)

// StateSource provides aggregated worker state. *events.Aggregator
// implements it.
type StateSource interface {
	State(workerID string) (events.WorkerState, bool)
	// TakePrompt claims the pending prompt detected at detectedAt. It
	// succeeds once per prompt.
	TakePrompt(ctx context.Context, workerID string, detectedAt time.Time) (events.Prompt, bool)
}

// Membership reports which batches a worker belongs to.
type Membership interface {
	BatchesOf(ctx context.Context, workerID string) ([]string, error)
}

// AuditRecord is one line of the approval audit log.
type AuditRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id"`
	Pane      string    `json:"pane"`
	Action    Action    `json:"action"`
	RuleID    string    `json:"rule_id,omitempty"`
	Layer     Layer     `json:"layer,omitempty"`
	Class     string    `json:"class"`
	Prompt    string    `json:"prompt,omitempty"`
}

// Engine evaluates pending prompts and answers them.
type Engine struct {
	policy      atomic.Pointer[Policy]
	states      StateSource
	res         *target.Resolver
	mux         mux.Capability
	audit       *events.Logger
	bus         *events.Bus
	membership  Membership
	approveKeys []string
	denyKeys    []string
	now         func() time.Time
	log         *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithAudit records allow and deny decisions in l.
func WithAudit(l *events.Logger) Option { return func(e *Engine) { e.audit = l } }

// WithBus publishes every decision on b.
func WithBus(b *events.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithMembership enables batch-layer rules.
func WithMembership(m Membership) Option { return func(e *Engine) { e.membership = m } }

// WithKeys sets the keys sent to approve and to deny a prompt.
func WithKeys(approve, deny []string) Option {
	return func(e *Engine) {
		if len(approve) > 0 {
			e.approveKeys = approve
		}
		if len(deny) > 0 {
			e.denyKeys = deny
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// NewEngine creates an Engine.
func NewEngine(policy *Policy, states StateSource, res *target.Resolver, m mux.Capability, opts ...Option) *Engine {
	e := &Engine{
		states:      states,
		res:         res,
		mux:         m,
		approveKeys: []string{"Enter"},
		denyKeys:    []string{"Escape"},
		now:         time.Now,
		log:         slog.Default(),
		locks:       make(map[string]*sync.Mutex),
	}
	e.policy.Store(policy)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's rule set.
func (e *Engine) Policy() *Policy { return e.policy.Load() }

// SetPolicy replaces the rule set used by later evaluations.
func (e *Engine) SetPolicy(p *Policy) { e.policy.Store(p) }

// Evaluate decides on the worker's pending prompt and acts on it: allow
// sends the approve keys to the primary pane, deny sends the deny keys, ask
// does nothing. Evaluations of one worker run one at a time, and a prompt
// is answered at most once.
func (e *Engine) Evaluate(ctx context.Context, workerID string) (Decision, error) {
	lock := e.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	st, ok := e.states.State(workerID)
	if !ok || st.Pending == nil {
		return Decision{}, fault.New(fault.KindNoPendingPrompt, workerID, "worker has no pending approval prompt", "run 'herd state "+workerID+"' to see what it is doing")
	}
	prompt := *st.Pending

	var batches []string
	if e.membership != nil {
		ids, err := e.membership.BatchesOf(ctx, workerID)
		if err != nil {
			e.log.Warn("batch membership lookup failed", "worker", workerID, "error", err)
		}
		batches = ids
	}

	d := e.Policy().Decide(workerID, batches, prompt)
	e.log.Info("approval decision", "worker", workerID, "class", d.Class, "action", d.Action, "reason", d.Reason)

	if d.Action == ActionAsk {
		e.publish(workerID, d)
		return d, nil
	}

	keys := e.approveKeys
	if d.Action == ActionDeny {
		keys = e.denyKeys
	}
	res, err := e.res.Primary(ctx, workerID)
	if err != nil {
		return d, err
	}
	if _, ok := e.states.TakePrompt(ctx, workerID, prompt.DetectedAt); !ok {
		return d, fault.New(fault.KindNoPendingPrompt, workerID, "prompt was already answered or has changed", "run 'herd state "+workerID+"' to see what it is doing")
	}
	if err := e.mux.SendKeys(ctx, res.PaneAddress, keys...); err != nil {
		return d, fault.Wrap(fault.KindMux, res.PaneAddress, "sending approval keys failed", "", err)
	}
	e.record(workerID, res.PaneAddress, prompt, d)
	e.publish(workerID, d)
	return d, nil
}

func (e *Engine) workerLock(workerID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[workerID]
	if !ok {
		l = new(sync.Mutex)
		e.locks[workerID] = l
	}
	return l
}

func (e *Engine) record(workerID, pane string, prompt events.Prompt, d Decision) {
	if e.audit == nil {
		return
	}
	rec := AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		WorkerID:  workerID,
		Pane:      pane,
		Action:    d.Action,
		Class:     d.Class,
		Prompt:    prompt.Text,
	}
	if d.Rule != nil {
		rec.RuleID = d.Rule.ID
		rec.Layer = d.Rule.Layer
	}
	if err := e.audit.Log(rec); err != nil {
		e.log.Warn("writing approval audit record failed", "worker", workerID, "error", err)
	}
}

func (e *Engine) publish(workerID string, d Decision) {
	if e.bus == nil {
		return
	}
	ev := events.ApprovalDecided{
		BaseEvent: events.BaseEvent{Type: events.TypeApproval, Timestamp: e.now(), Worker: workerID},
		Action:    string(d.Action),
		Class:     d.Class,
	}
	if d.Rule != nil {
		ev.RuleID = d.Rule.ID
	}
	e.bus.Publish(ev)
}
