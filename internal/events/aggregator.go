package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/registry"
	"github.com/theirongolddev/herd/internal/target"
	"github.com/theirongolddev/herd/internal/watcher"
)

// Options configures an Aggregator.
type Options struct {
	// Dir holds the per-worker stream files.
	Dir string
	// PollInterval is how often each subscription checks its stream.
	PollInterval time.Duration
	// PromptScanInterval is how often the pane is captured for prompts and
	// liveness. In degraded mode this happens on every poll.
	PromptScanInterval time.Duration
	CaptureLines       int
	// ForcePolling disables fsnotify.
	ForcePolling bool
	Now          func() time.Time
	Logger       *slog.Logger
}

// Aggregator maintains one state record per subscribed worker.
type Aggregator struct {
	reg  *registry.Registry
	res  *target.Resolver
	mux  mux.Capability
	bus  *Bus
	opts Options
	log  *slog.Logger

	watcher *watcher.Watcher

	mu   sync.RWMutex
	subs map[string]*workerSub
	wg   sync.WaitGroup
}

type workerSub struct {
	state    WorkerState
	tail     *watcher.Tail
	kick     chan struct{}
	cancel   context.CancelFunc
	lastScan time.Time
	// since drops stream events written before the worker was registered,
	// which belong to an earlier worker with the same id.
	since time.Time
	// cleared suppresses re-detecting an answered prompt still on screen.
	// clearNext records the next prompt seen on screen as cleared; it is set
	// when a stream prompt was answered and its screen text is unknown.
	cleared   string
	clearNext bool
	// answeredAt is when the last prompt was taken. Approval requests
	// written before it have been answered.
	answeredAt time.Time
}

// NewAggregator creates an Aggregator. bus may be nil.
func NewAggregator(reg *registry.Registry, res *target.Resolver, m mux.Capability, bus *Bus, opts Options) (*Aggregator, error) {
	if opts.Dir == "" {
		return nil, errors.New("events: stream directory is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PromptScanInterval <= 0 {
		opts.PromptScanInterval = 3 * time.Second
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = 60
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if bus == nil {
		bus = NewBus(100)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating event directory: %w", err)
	}

	a := &Aggregator{
		reg:  reg,
		res:  res,
		mux:  m,
		bus:  bus,
		opts: opts,
		log:  opts.Logger,
		subs: make(map[string]*workerSub),
	}

	w, err := watcher.New(a.onFiles,
		watcher.WithPolling(opts.ForcePolling),
		watcher.WithPollInterval(opts.PollInterval),
		watcher.WithEventFilter(watcher.Create|watcher.Write),
		watcher.WithErrorHandler(func(err error) { a.log.Warn("event watcher error", "error", err) }),
	)
	if err != nil {
		return nil, err
	}
	if err := w.Add(opts.Dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", opts.Dir, err)
	}
	a.watcher = w
	return a, nil
}

// Bus returns the bus state changes are published on.
func (a *Aggregator) Bus() *Bus { return a.bus }

// onFiles wakes the subscriptions whose stream changed.
func (a *Aggregator) onFiles(evs []watcher.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ev := range evs {
		for _, sub := range a.subs {
			if filepath.Clean(ev.Path) == filepath.Clean(sub.tail.Path()) {
				select {
				case sub.kick <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Subscribe starts tracking a registered worker and returns its initial
// state. Subscribing twice returns the existing state.
func (a *Aggregator) Subscribe(ctx context.Context, workerID string) (WorkerState, error) {
	if st, ok := a.State(workerID); ok {
		return st, nil
	}
	w, err := a.reg.Get(ctx, workerID)
	if err != nil {
		return WorkerState{}, err
	}

	path, err := filepath.Abs(StreamPath(a.opts.Dir, workerID))
	if err != nil {
		return WorkerState{}, err
	}
	status := w.Status
	if status == "" {
		status = registry.StatusSpawning
	}
	sub := &workerSub{
		state: WorkerState{WorkerID: workerID, Status: status},
		tail:  watcher.NewTail(path),
		kick:  make(chan struct{}, 1),
		since: w.CreatedAt,
	}

	a.mu.Lock()
	if existing, ok := a.subs[workerID]; ok {
		a.mu.Unlock()
		return a.snapshot(existing), nil
	}
	a.subs[workerID] = sub
	a.mu.Unlock()

	// Initial bounded snapshot: replay what is already in the stream and
	// take one look at the pane.
	a.readStream(ctx, workerID, sub)
	a.scan(ctx, workerID, sub)

	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	sub.cancel = cancel
	a.mu.Unlock()
	a.wg.Add(1)
	go a.loop(loopCtx, workerID, sub)

	st, _ := a.State(workerID)
	return st, nil
}

// Unsubscribe stops tracking a worker.
func (a *Aggregator) Unsubscribe(workerID string) {
	a.mu.Lock()
	sub, ok := a.subs[workerID]
	delete(a.subs, workerID)
	a.mu.Unlock()
	if ok && sub.cancel != nil {
		sub.cancel()
	}
}

// State returns the current state of a subscribed worker without blocking
// on any I/O.
func (a *Aggregator) State(workerID string) (WorkerState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sub, ok := a.subs[workerID]
	if !ok {
		return WorkerState{}, false
	}
	return a.snapshot(sub), true
}

// States returns every subscribed worker's state ordered by id.
func (a *Aggregator) States() []WorkerState {
	a.mu.RLock()
	out := make([]WorkerState, 0, len(a.subs))
	for _, sub := range a.subs {
		out = append(out, a.snapshot(sub))
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// snapshot must be called with a.mu held.
func (a *Aggregator) snapshot(sub *workerSub) WorkerState {
	st := sub.state.clone()
	if !st.LastSeenAt.IsZero() {
		st.SinceLastEvent = a.opts.Now().Sub(st.LastSeenAt)
	}
	return st
}

// TakePrompt claims the worker's pending prompt for answering. It succeeds
// only while the prompt detected at detectedAt is still the pending one, so
// each prompt is taken at most once. The worker goes back to running.
func (a *Aggregator) TakePrompt(ctx context.Context, workerID string, detectedAt time.Time) (Prompt, bool) {
	a.mu.Lock()
	sub, ok := a.subs[workerID]
	if !ok || sub.state.Pending == nil || !sub.state.Pending.DetectedAt.Equal(detectedAt) {
		a.mu.Unlock()
		return Prompt{}, false
	}
	p := *sub.state.Pending
	if p.Source == "screen" {
		sub.cleared = p.Text
	} else {
		sub.clearNext = true
	}
	sub.answeredAt = a.opts.Now()
	sub.state.Pending = nil
	a.mu.Unlock()
	a.setStatus(ctx, workerID, sub, registry.StatusRunning, nil)
	return p, true
}

// Close stops every subscription and the file watcher.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	for id, sub := range a.subs {
		if sub.cancel != nil {
			sub.cancel()
		}
		delete(a.subs, id)
	}
	a.mu.Unlock()
	a.wg.Wait()
	return a.watcher.Close()
}

func (a *Aggregator) loop(ctx context.Context, id string, sub *workerSub) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.kick:
			a.readStream(ctx, id, sub)
		case <-ticker.C:
			a.readStream(ctx, id, sub)
			a.mu.RLock()
			due := sub.state.Degraded || a.opts.Now().Sub(sub.lastScan) >= a.opts.PromptScanInterval
			a.mu.RUnlock()
			if due {
				a.scan(ctx, id, sub)
			}
		}
		a.mu.RLock()
		dead := sub.state.Status == registry.StatusDead
		a.mu.RUnlock()
		if dead {
			return
		}
	}
}

// readStream applies new stream lines. A missing stream switches the
// subscription to degraded mode.
func (a *Aggregator) readStream(ctx context.Context, id string, sub *workerSub) {
	lines, err := sub.tail.ReadLines()
	degraded := false
	if err != nil {
		degraded = true
		if !errors.Is(err, os.ErrNotExist) {
			a.log.Warn("event stream unreadable", "worker", id, "error", err)
		}
	}
	a.setDegraded(id, sub, degraded)

	for _, line := range lines {
		ev, err := ParseEvent([]byte(line))
		if err != nil {
			a.log.Debug("skipping malformed event", "worker", id, "error", err)
			continue
		}
		if ev.WorkerID != "" && ev.WorkerID != id {
			a.log.Debug("skipping event for another worker", "worker", id, "event_worker", ev.WorkerID)
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = a.opts.Now()
		}
		if ev.Timestamp.Before(sub.since) {
			a.log.Debug("skipping event from before registration", "worker", id, "kind", ev.Kind, "at", ev.Timestamp)
			continue
		}
		a.mu.Lock()
		if ev.Kind == KindApprovalRequest && !ev.Timestamp.After(sub.answeredAt) {
			a.mu.Unlock()
			a.log.Debug("skipping answered approval request", "worker", id, "at", ev.Timestamp)
			continue
		}
		next := sub.state
		next.apply(ev)
		to, pending := next.Status, next.Pending
		from := sub.state.Status
		if from == registry.StatusDead {
			a.mu.Unlock()
			return
		}
		next.Status = from
		if pending != nil {
			// setStatus installs the prompt so it can tell a new one.
			next.Pending = sub.state.Pending
		}
		sub.state = next
		a.mu.Unlock()
		if to != from || pending != nil {
			a.setStatus(ctx, id, sub, to, pending)
		}
	}
}

func (a *Aggregator) setDegraded(id string, sub *workerSub, degraded bool) {
	a.mu.Lock()
	changed := sub.state.Degraded != degraded
	sub.state.Degraded = degraded
	a.mu.Unlock()
	if !changed {
		return
	}
	if degraded {
		a.log.Info("event stream unavailable, polling pane", "worker", id)
	} else {
		a.log.Info("event stream available", "worker", id)
	}
	a.bus.Publish(Degraded{
		BaseEvent: BaseEvent{Type: TypeDegraded, Timestamp: a.opts.Now(), Worker: id},
		Degraded:  degraded,
	})
}

// scan checks liveness through the resolver and looks for an approval
// prompt in the captured pane output.
func (a *Aggregator) scan(ctx context.Context, id string, sub *workerSub) {
	a.mu.Lock()
	sub.lastScan = a.opts.Now()
	a.mu.Unlock()

	res, err := a.res.Primary(ctx, id)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.KindDeadWorker, fault.KindUnknownTarget, fault.KindNotFound:
			a.setStatus(ctx, id, sub, registry.StatusDead, nil)
		default:
			a.log.Warn("liveness check failed", "worker", id, "error", err)
		}
		return
	}

	out, err := a.mux.Capture(ctx, res.PaneAddress, a.opts.CaptureLines)
	if err != nil {
		a.log.Warn("capture failed", "worker", id, "pane", res.PaneAddress, "error", err)
		return
	}
	prompt, found := DetectPrompt(out)

	a.mu.Lock()
	st := sub.state
	if sub.clearNext {
		sub.clearNext = false
		if found {
			sub.cleared = prompt.Text
		}
	}
	// The marker lasts until the screen shows no prompt or a different one.
	suppressed := found && sub.cleared != "" && prompt.Text == sub.cleared
	if !suppressed {
		sub.cleared = ""
	}
	found = found && !suppressed
	a.mu.Unlock()

	switch {
	case found && st.Pending == nil:
		prompt.DetectedAt = a.opts.Now()
		prompt = attribute(prompt, st.LastTool)
		a.setStatus(ctx, id, sub, registry.StatusWaitingApproval, &prompt)
	case !found && st.Pending != nil && st.Pending.Source == "screen":
		a.mu.Lock()
		sub.state.Pending = nil
		a.mu.Unlock()
		a.setStatus(ctx, id, sub, registry.StatusRunning, nil)
	case st.Degraded && !found && st.Status == registry.StatusSpawning:
		// A live pane with no stream is treated as running.
		a.setStatus(ctx, id, sub, registry.StatusRunning, nil)
	}
}

// setStatus records a status (and pending prompt, when non-nil) in memory,
// writes it through the registry and publishes the change.
func (a *Aggregator) setStatus(ctx context.Context, id string, sub *workerSub, to registry.Status, prompt *Prompt) {
	a.mu.Lock()
	from := sub.state.Status
	if from == registry.StatusDead {
		a.mu.Unlock()
		return
	}
	changed := from != to
	if prompt != nil {
		if sub.state.Pending == nil || !sub.state.Pending.same(*prompt) {
			changed = true
		}
		p := *prompt
		sub.state.Pending = &p
	}
	sub.state.Status = to
	a.mu.Unlock()
	if !changed {
		return
	}

	if _, err := a.reg.SetStatus(ctx, id, to); err != nil && !errors.Is(err, fault.ErrNotFound) {
		a.log.Warn("recording worker status failed", "worker", id, "status", to, "error", err)
	}
	a.log.Debug("worker status changed", "worker", id, "from", from, "to", to)
	a.bus.Publish(NewStateChanged(id, from, to, prompt, a.opts.Now()))
}

// attribute completes a shell prompt read off the screen from the stream's
// last tool call when that call is the same tool and contains every command
// line shown; the full command then replaces what the screen showed. A
// multi-line command the stream does not confirm stays unattributed, so it
// is never auto-answered.
func attribute(p Prompt, last *ToolCall) Prompt {
	if p.shell == "" || last == nil || last.Tool != p.shell || len(p.lines) == 0 {
		return p
	}
	for _, line := range p.lines {
		if !strings.Contains(last.Subject, strings.TrimSpace(line)) {
			return p
		}
	}
	p.Tool, p.Subject = p.shell, last.Subject
	return p
}
