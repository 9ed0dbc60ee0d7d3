package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
)

// Registry reads and writes worker records. There is no cross-process
// write lock: concurrent writers to the same record are last-write-wins.
type Registry struct {
	store Store
	mux   mux.Capability
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New creates a Registry over store. When m is non-nil, newly introduced
// pane addresses are checked for liveness before being written.
func New(store Store, m mux.Capability, opts ...Option) *Registry {
	r := &Registry{store: store, mux: m, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the backing store.
func (r *Registry) Store() Store { return r.store }

func unavailable(target string, err error) error {
	return fault.Wrap(fault.KindRegistryUnavailable, target, "registry unavailable", fault.HintCheckStore, err)
}

func notFound(id string) error {
	return fault.New(fault.KindNotFound, id, "worker not registered", fault.HintListWorkers)
}

// Get returns the worker with id, reading the store fresh.
func (r *Registry) Get(ctx context.Context, id string) (Worker, error) {
	data, err := r.store.Get(ctx, TableWorkers, id)
	if errors.Is(err, ErrNoRecord) {
		return Worker{}, notFound(id)
	}
	if err != nil {
		return Worker{}, unavailable(id, err)
	}
	var w Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return Worker{}, unavailable(id, fmt.Errorf("decode worker: %w", err))
	}
	return w, nil
}

// Lookup is Get that reports absence as ok=false instead of an error.
func (r *Registry) Lookup(ctx context.Context, id string) (Worker, bool, error) {
	w, err := r.Get(ctx, id)
	if errors.Is(err, fault.ErrNotFound) {
		return Worker{}, false, nil
	}
	if err != nil {
		return Worker{}, false, err
	}
	return w, true, nil
}

// List returns every registered worker ordered by id.
func (r *Registry) List(ctx context.Context) ([]Worker, error) {
	recs, err := r.store.List(ctx, TableWorkers)
	if err != nil {
		return nil, unavailable("", err)
	}
	out := make([]Worker, 0, len(recs))
	for _, rec := range recs {
		var w Worker
		if err := json.Unmarshal(rec.Value, &w); err != nil {
			r.log.Warn("skipping unreadable worker record", "id", rec.Key, "error", err)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// IDs returns a snapshot of registered worker ids.
func (r *Registry) IDs(ctx context.Context) (map[string]bool, error) {
	recs, err := r.store.List(ctx, TableWorkers)
	if err != nil {
		return nil, unavailable("", err)
	}
	ids := make(map[string]bool, len(recs))
	for _, rec := range recs {
		ids[rec.Key] = true
	}
	return ids, nil
}

// Put writes w as a whole-record upsert. Addresses not present in the
// currently stored record must be live.
func (r *Registry) Put(ctx context.Context, w Worker) error {
	if err := w.validate(); err != nil {
		return fault.Wrap(fault.KindInvalidArgument, w.ID, "invalid worker record", "", err)
	}
	prev, exists, err := r.Lookup(ctx, w.ID)
	if err != nil {
		return err
	}
	var known []string
	if exists {
		known = prev.Addresses()
	}
	for _, addr := range w.Addresses() {
		if slices.Contains(known, addr) {
			continue
		}
		if err := r.checkLive(ctx, w.ID, addr); err != nil {
			return err
		}
	}
	return r.write(ctx, w)
}

func (r *Registry) write(ctx context.Context, w Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode worker %s: %w", w.ID, err)
	}
	if err := r.store.Put(ctx, TableWorkers, w.ID, data); err != nil {
		return unavailable(w.ID, err)
	}
	return nil
}

func (r *Registry) checkLive(ctx context.Context, id, addr string) error {
	if r.mux == nil {
		return nil
	}
	_, live, err := mux.Alive(ctx, r.mux, addr)
	if err != nil {
		return fault.Wrap(fault.KindMux, addr, "liveness check failed", "", err)
	}
	if !live {
		return fault.New(fault.KindDeadPane, addr, fmt.Sprintf("pane for worker %s is not live", id), "run 'herd list --check' to prune dead panes")
	}
	return nil
}

// Register creates or refreshes a worker. Re-registering an existing id
// keeps its creation time and sub-panes and refreshes last-seen.
func (r *Registry) Register(ctx context.Context, id, primary, session, taskRef string) (Worker, error) {
	now := r.now().UTC()
	w, exists, err := r.Lookup(ctx, id)
	if err != nil {
		return Worker{}, err
	}
	if !exists {
		w = Worker{ID: id, CreatedAt: now, Status: StatusSpawning}
	}
	if w.PrimaryPane != primary {
		// The new primary may have been a sub-pane.
		w.SubPanes = slices.DeleteFunc(w.SubPanes, func(a string) bool { return a == primary })
		w.PrimaryPane = primary
	}
	w.SessionName = session
	if taskRef != "" {
		w.TaskRef = taskRef
	}
	w.LastSeenAt = now
	if err := r.Put(ctx, w); err != nil {
		return Worker{}, err
	}
	r.log.Debug("worker registered", "id", id, "pane", primary, "session", session, "refreshed", exists)
	return w, nil
}

// AddSubPane appends address to the worker's sub-panes and returns its
// logical index. Adding an address already present returns its existing index.
func (r *Registry) AddSubPane(ctx context.Context, id, address string) (int, error) {
	w, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if address == w.PrimaryPane {
		return 0, fault.New(fault.KindInvalidArgument, address, fmt.Sprintf("pane is already the primary of %s", id), "")
	}
	if idx := w.SubPaneIndex(address); idx > 0 {
		return idx, nil
	}
	w.SubPanes = append(w.SubPanes, address)
	w.LastSeenAt = r.now().UTC()
	if err := r.Put(ctx, w); err != nil {
		return 0, err
	}
	return len(w.SubPanes), nil
}

// RemoveSubPane drops logical sub-pane index. Later indexes shift down.
func (r *Registry) RemoveSubPane(ctx context.Context, id string, index int) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if index < 1 || index > len(w.SubPanes) {
		return fault.New(fault.KindInvalidArgument, fmt.Sprintf("%s:%d", id, index), "no such sub-pane", fault.HintListWorkers)
	}
	w.SubPanes = slices.Delete(w.SubPanes, index-1, index)
	return r.write(ctx, w)
}

// SetStatus records a status change and refreshes last-seen.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) (Worker, error) {
	w, err := r.Get(ctx, id)
	if err != nil {
		return Worker{}, err
	}
	w.Status = status
	w.LastSeenAt = r.now().UTC()
	if err := r.write(ctx, w); err != nil {
		return Worker{}, err
	}
	return w, nil
}

// Remove deletes the worker record.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, TableWorkers, id); err != nil {
		return unavailable(id, err)
	}
	return nil
}

// PruneAddress removes every reference to a dead pane. A worker whose
// primary is addr is removed entirely. It returns the affected worker ids.
func (r *Registry) PruneAddress(ctx context.Context, addr string) ([]string, error) {
	workers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var affected []string
	for _, w := range workers {
		switch {
		case w.PrimaryPane == addr:
			if err := r.store.Delete(ctx, TableWorkers, w.ID); err != nil {
				return affected, unavailable(w.ID, err)
			}
			r.log.Info("pruned dead worker", "id", w.ID, "pane", addr)
		case w.SubPaneIndex(addr) > 0:
			w.SubPanes = slices.DeleteFunc(w.SubPanes, func(a string) bool { return a == addr })
			if err := r.write(ctx, w); err != nil {
				return affected, err
			}
			r.log.Info("pruned dead sub-pane", "id", w.ID, "pane", addr)
		default:
			continue
		}
		affected = append(affected, w.ID)
	}
	return affected, nil
}
