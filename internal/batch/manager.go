package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/herd/internal/events"
	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/herd"
	"github.com/theirongolddev/herd/internal/registry"
)

// Spawner starts one worker. *herd.Spawner implements it.
type Spawner interface {
	Spawn(ctx context.Context, opts herd.SpawnOptions) (*herd.SpawnResult, error)
}

// Killer tears one worker down. *herd.Killer implements it.
type Killer interface {
	Kill(ctx context.Context, opts herd.KillOptions) error
}

// Options configures a Manager.
type Options struct {
	Session      string
	WorkDir      string
	EventsDir    string
	DefaultLimit int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Manager submits and tracks batches. Batches persist in the registry
// store's batches table.
type Manager struct {
	store   registry.Store
	reg     *registry.Registry
	spawner Spawner
	killer  Killer
	opts    Options
	log     *slog.Logger

	// mu serializes read-modify-write cycles on batch records.
	mu sync.Mutex
}

// NewManager creates a Manager.
func NewManager(reg *registry.Registry, spawner Spawner, killer Killer, opts Options) *Manager {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{store: reg.Store(), reg: reg, spawner: spawner, killer: killer, opts: opts, log: opts.Logger}
}

func notFound(id string) error {
	return fault.New(fault.KindNotFound, id, "no such batch", "run 'herd batch list' to see batches")
}

func (m *Manager) load(ctx context.Context, id string) (*Batch, error) {
	data, err := m.store.Get(ctx, registry.TableBatches, id)
	if errors.Is(err, registry.ErrNoRecord) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindRegistryUnavailable, id, "registry unavailable", fault.HintCheckStore, err)
	}
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fault.Wrap(fault.KindRegistryUnavailable, id, "decode batch", fault.HintCheckStore, err)
	}
	return &b, nil
}

func (m *Manager) save(ctx context.Context, b *Batch) error {
	b.UpdatedAt = m.opts.Now().UTC()
	b.rollUp()
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	if err := m.store.Put(ctx, registry.TableBatches, b.ID, data); err != nil {
		return fault.Wrap(fault.KindRegistryUnavailable, b.ID, "registry unavailable", fault.HintCheckStore, err)
	}
	return nil
}

// Submit creates a batch of two or more tasks, spawns up to limit of them
// in parallel and queues the rest. A limit of zero uses the default.
func (m *Manager) Submit(ctx context.Context, tasks []Task, limit int) (*Batch, error) {
	if len(tasks) < 2 {
		return nil, fault.New(fault.KindInvalidArgument, "", "a batch needs at least two tasks", "use 'herd spawn' for a single worker")
	}
	if limit < 0 {
		return nil, fault.New(fault.KindInvalidArgument, fmt.Sprint(limit), "concurrency limit must be positive", "")
	}
	if limit == 0 {
		limit = m.opts.DefaultLimit
	}

	b := &Batch{
		ID:               uuid.NewString(),
		ConcurrencyLimit: limit,
		Tasks:            make(map[string]Task, len(tasks)),
		CreatedAt:        m.opts.Now().UTC(),
	}
	workers := make(map[string]string)
	for _, t := range tasks {
		if t.Ref == "" {
			return nil, fault.New(fault.KindInvalidArgument, "", "task ref is required", "")
		}
		if _, dup := b.Tasks[t.Ref]; dup {
			return nil, fault.New(fault.KindInvalidArgument, t.Ref, "duplicate task ref", "")
		}
		if other, dup := workers[t.Worker()]; dup {
			return nil, fault.New(fault.KindInvalidArgument, t.Ref, fmt.Sprintf("task maps to the same worker id as %s", other), "set an explicit worker id")
		}
		workers[t.Worker()] = t.Ref
		b.Tasks[t.Ref] = t
		b.Queue = append(b.Queue, t.Ref)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Initial wave in parallel, bounded by the ceiling.
	n := min(limit, len(b.Queue))
	wave := b.Queue[:n]
	b.Queue = slices.Clone(b.Queue[n:])
	members := make([]Member, len(wave))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, ref := range wave {
		g.Go(func() error {
			members[i] = m.spawn(gctx, b.ID, b.Tasks[ref])
			return nil
		})
	}
	_ = g.Wait()
	b.Members = members

	// Failed spawns are terminal and free their slot.
	if err := m.fill(ctx, b); err != nil {
		return nil, err
	}
	if err := m.save(ctx, b); err != nil {
		return nil, err
	}
	m.log.Info("submitted batch", "batch", b.ID, "tasks", len(tasks), "limit", limit, "spawned", len(b.Members), "queued", len(b.Queue))
	return b, nil
}

// spawn starts one task. A failed spawn becomes a blocked member.
func (m *Manager) spawn(ctx context.Context, batchID string, t Task) Member {
	mem := Member{TaskRef: t.Ref, WorkerID: t.Worker(), SpawnedAt: m.opts.Now().UTC(), Status: registry.StatusSpawning}
	workDir := t.WorkDir
	if workDir == "" {
		workDir = m.opts.WorkDir
	}
	res, err := m.spawner.Spawn(ctx, herd.SpawnOptions{
		WorkerID:  mem.WorkerID,
		TaskRef:   t.Ref,
		Session:   m.opts.Session,
		WorkDir:   workDir,
		Command:   t.Command,
		EventsDir: m.opts.EventsDir,
	})
	if err != nil {
		m.log.Warn("batch spawn failed", "batch", batchID, "task", t.Ref, "error", err)
		mem.Status = registry.StatusBlocked
		mem.Error = err.Error()
		return mem
	}
	mem.WorkerID = res.Worker.ID
	return mem
}

// fill dequeues exactly enough tasks to bring the active count back to the
// ceiling.
func (m *Manager) fill(ctx context.Context, b *Batch) error {
	for len(b.Queue) > 0 {
		active := b.Active()
		if active > b.ConcurrencyLimit {
			return fault.New(fault.KindConcurrencyLimitExceeded, b.ID,
				fmt.Sprintf("%d active members exceed the limit of %d", active, b.ConcurrencyLimit), "")
		}
		if active == b.ConcurrencyLimit {
			return nil
		}
		ref := b.Queue[0]
		b.Queue = b.Queue[1:]
		b.Members = append(b.Members, m.spawn(ctx, b.ID, b.Tasks[ref]))
	}
	return nil
}

// refresh updates member statuses from the registry. A member whose worker
// is no longer registered is dead.
func (m *Manager) refresh(ctx context.Context, b *Batch) error {
	for i := range b.Members {
		mem := &b.Members[i]
		if mem.Status.Terminal() {
			continue
		}
		w, ok, err := m.reg.Lookup(ctx, mem.WorkerID)
		if err != nil {
			return err
		}
		if !ok {
			mem.Status = registry.StatusDead
			continue
		}
		mem.Status = w.Status
	}
	return nil
}

// Status returns a roll-up of the batch with member statuses read fresh
// from the registry. It does not spawn anything.
func (m *Manager) Status(ctx context.Context, id string) (*Report, error) {
	b, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.refresh(ctx, b); err != nil {
		return nil, err
	}
	b.rollUp()
	return newReport(b), nil
}

// Reconcile refreshes member statuses and refills free slots from the queue.
func (m *Manager) Reconcile(ctx context.Context, id string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.refresh(ctx, b); err != nil {
		return nil, err
	}
	before := len(b.Members)
	if err := m.fill(ctx, b); err != nil {
		return nil, err
	}
	if err := m.save(ctx, b); err != nil {
		return nil, err
	}
	if started := len(b.Members) - before; started > 0 {
		m.log.Info("refilled batch", "batch", b.ID, "started", started, "queued", len(b.Queue))
	}
	return newReport(b), nil
}

// Cancel stops further spawning. With hard set, members still running are
// killed too.
func (m *Manager) Cancel(ctx context.Context, id string, hard bool) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Cancelled = append(b.Cancelled, b.Queue...)
	b.Queue = nil
	if err := m.refresh(ctx, b); err != nil {
		return nil, err
	}

	var errs []error
	if hard {
		for i := range b.Members {
			mem := &b.Members[i]
			if mem.Status.Terminal() {
				continue
			}
			err := m.killer.Kill(ctx, herd.KillOptions{WorkerID: mem.WorkerID})
			if err != nil && !errors.Is(err, fault.ErrNotFound) {
				errs = append(errs, fmt.Errorf("kill %s: %w", mem.WorkerID, err))
				continue
			}
			mem.Status = registry.StatusDead
		}
	}
	if err := m.save(ctx, b); err != nil {
		return nil, err
	}
	m.log.Info("cancelled batch", "batch", b.ID, "hard", hard, "dropped", len(b.Cancelled))
	return newReport(b), errors.Join(errs...)
}

// List returns every batch ordered by creation time.
func (m *Manager) List(ctx context.Context) ([]Batch, error) {
	recs, err := m.store.List(ctx, registry.TableBatches)
	if err != nil {
		return nil, fault.Wrap(fault.KindRegistryUnavailable, "", "registry unavailable", fault.HintCheckStore, err)
	}
	out := make([]Batch, 0, len(recs))
	for _, rec := range recs {
		var b Batch
		if err := json.Unmarshal(rec.Value, &b); err != nil {
			m.log.Warn("skipping unreadable batch record", "id", rec.Key, "error", err)
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Prune deletes retired batches, those with nothing queued and every member
// terminal, and returns their ids.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batches, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for i := range batches {
		b := &batches[i]
		if err := m.refresh(ctx, b); err != nil {
			return pruned, err
		}
		if !b.Done() {
			continue
		}
		if err := m.store.Delete(ctx, registry.TableBatches, b.ID); err != nil {
			return pruned, fault.Wrap(fault.KindRegistryUnavailable, b.ID, "registry unavailable", fault.HintCheckStore, err)
		}
		pruned = append(pruned, b.ID)
	}
	return pruned, nil
}

// BatchesOf returns the ids of the batches workerID is a member of.
func (m *Manager) BatchesOf(ctx context.Context, workerID string) ([]string, error) {
	batches, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for i := range batches {
		if _, ok := batches[i].Member(workerID); ok {
			ids = append(ids, batches[i].ID)
		}
	}
	return ids, nil
}

// reconcileTimeout bounds the reconcile a state change triggers.
const reconcileTimeout = time.Minute

// HandleStateChange is a bus handler that refills a worker's batches when
// the worker reaches a terminal status.
func (m *Manager) HandleStateChange(ev events.BusEvent) {
	sc, ok := ev.(events.StateChanged)
	if !ok || !sc.To.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	ids, err := m.BatchesOf(ctx, sc.Worker)
	if err != nil {
		m.log.Warn("batch lookup failed", "worker", sc.Worker, "error", err)
		return
	}
	for _, id := range ids {
		if _, err := m.Reconcile(ctx, id); err != nil {
			m.log.Warn("batch reconcile failed", "batch", id, "worker", sc.Worker, "error", err)
		}
	}
}
