package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/herd/internal/events"
	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/herd"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/registry"
)

type fixture struct {
	fake *mux.Fake
	reg  *registry.Registry
	mgr  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := registry.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	fake := mux.NewFake()
	reg := registry.New(store, fake)
	spawner := herd.NewSpawner(reg, fake, nil, nil)
	killer := herd.NewKiller(reg, fake, nil)
	mgr := NewManager(reg, spawner, killer, Options{Session: "herd"})
	return &fixture{fake: fake, reg: reg, mgr: mgr}
}

func (f *fixture) finish(t *testing.T, workerID string, status registry.Status) {
	t.Helper()
	_, err := f.reg.SetStatus(context.Background(), workerID, status)
	require.NoError(t, err)
}

func taskRefs(n int) []Task {
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("task-%02d", i+1)
	}
	return Refs(refs...)
}

func TestSubmitRequiresTwoTasks(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Submit(context.Background(), Refs("only"), 3)
	require.ErrorIs(t, err, fault.ErrInvalidArgument)
	assert.Contains(t, fault.HintOf(err), "herd spawn")

	_, err = f.mgr.Submit(context.Background(), Refs("a", "a"), 3)
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)

	_, err = f.mgr.Submit(context.Background(), Refs("a/b", "a-b"), 3)
	assert.ErrorIs(t, err, fault.ErrInvalidArgument, "tasks mapping to the same worker id")
}

func TestConcurrencyCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.mgr.Submit(ctx, taskRefs(10), 3)
	require.NoError(t, err)
	assert.Len(t, b.Members, 3)
	assert.Len(t, b.Queue, 7)
	assert.Equal(t, StatusRunning, b.Status)
	assert.Equal(t, 3, f.fake.PaneCount())

	for round := 0; ; round++ {
		require.Less(t, round, 20, "batch never drained")
		rep, err := f.mgr.Status(ctx, b.ID)
		require.NoError(t, err)
		require.LessOrEqual(t, rep.Active, 3)
		if rep.Done {
			break
		}
		// Finish one active member per round; exactly one replacement starts.
		var running string
		for _, m := range rep.Batch.Members {
			if !m.Status.Terminal() {
				running = m.WorkerID
				break
			}
		}
		require.NotEmpty(t, running)
		f.finish(t, running, registry.StatusCompleted)

		rep, err = f.mgr.Reconcile(ctx, b.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, rep.Active, 3)
		assert.Equal(t, min(3, rep.Queued+rep.Active), rep.Active)
	}

	rep, err := f.mgr.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, rep.Batch.Members, 10)
	assert.Equal(t, 10, rep.Counts[registry.StatusCompleted])
	assert.Equal(t, StatusCompleted, rep.Batch.Status)
}

// slowSpawner counts concurrent Spawn calls.
type slowSpawner struct {
	inFlight, peak atomic.Int32
	fail           map[string]bool
	mu             sync.Mutex
	spawned        []string
}

func (s *slowSpawner) Spawn(ctx context.Context, opts herd.SpawnOptions) (*herd.SpawnResult, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	if s.fail[opts.TaskRef] {
		return nil, errors.New("no capacity")
	}
	s.mu.Lock()
	s.spawned = append(s.spawned, opts.TaskRef)
	s.mu.Unlock()
	return &herd.SpawnResult{Worker: registry.Worker{ID: opts.WorkerID}}, nil
}

func TestInitialSpawnIsParallelAndBounded(t *testing.T) {
	store, err := registry.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	reg := registry.New(store, mux.NewFake())
	sp := &slowSpawner{}
	mgr := NewManager(reg, sp, nil, Options{Session: "herd"})

	b, err := mgr.Submit(context.Background(), taskRefs(10), 3)
	require.NoError(t, err)
	assert.Len(t, b.Members, 3)
	assert.Equal(t, int32(3), sp.peak.Load())
}

func TestFailedSpawnFreesSlot(t *testing.T) {
	store, err := registry.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	reg := registry.New(store, mux.NewFake())
	sp := &slowSpawner{fail: map[string]bool{"task-01": true}}
	mgr := NewManager(reg, sp, nil, Options{Session: "herd"})

	b, err := mgr.Submit(context.Background(), taskRefs(4), 2)
	require.NoError(t, err)
	require.Len(t, b.Members, 3)
	assert.Equal(t, registry.StatusBlocked, b.Members[0].Status)
	assert.Contains(t, b.Members[0].Error, "no capacity")
	assert.Equal(t, 2, b.Active())
	assert.Equal(t, []string{"task-04"}, b.Queue)
}

func TestStatusRollUpPartiallyBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.mgr.Submit(ctx, taskRefs(2), 2)
	require.NoError(t, err)

	f.finish(t, b.Members[0].WorkerID, registry.StatusCompleted)
	rep, err := f.mgr.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, rep.Done)

	f.finish(t, b.Members[1].WorkerID, registry.StatusBlocked)
	rep, err = f.mgr.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, rep.Done)
	assert.Equal(t, StatusPartiallyBlocked, rep.Batch.Status)
	assert.Equal(t, 1, rep.Counts[registry.StatusBlocked])
}

func TestDeregisteredMemberCountsAsDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.mgr.Submit(ctx, taskRefs(3), 2)
	require.NoError(t, err)

	w, err := f.reg.Get(ctx, b.Members[0].WorkerID)
	require.NoError(t, err)
	f.fake.Kill(w.PrimaryPane)
	require.NoError(t, f.reg.Remove(ctx, w.ID))

	rep, err := f.mgr.Reconcile(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusDead, rep.Batch.Members[0].Status)
	assert.Len(t, rep.Batch.Members, 3)
	assert.Equal(t, 0, rep.Queued)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.mgr.Submit(ctx, taskRefs(5), 2)
	require.NoError(t, err)
	rep, err := f.mgr.Cancel(ctx, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Queued)
	assert.Len(t, rep.Batch.Cancelled, 3)
	assert.Equal(t, 2, rep.Active)
	assert.Equal(t, 2, f.fake.PaneCount(), "soft cancel leaves workers running")

	f.finish(t, b.Members[0].WorkerID, registry.StatusCompleted)
	rep, err = f.mgr.Reconcile(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, rep.Batch.Members, 2, "cancelled batch never spawns")

	rep, err = f.mgr.Cancel(ctx, b.ID, true)
	require.NoError(t, err)
	assert.True(t, rep.Done)
	assert.Equal(t, 1, f.fake.PaneCount(), "completed members are not killed")
	_, ok, err := f.reg.Lookup(ctx, b.Members[1].WorkerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleStateChangeRefills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.mgr.Submit(ctx, taskRefs(3), 2)
	require.NoError(t, err)

	first := b.Members[0].WorkerID
	f.finish(t, first, registry.StatusCompleted)
	f.mgr.HandleStateChange(events.NewStateChanged(first, registry.StatusRunning, registry.StatusCompleted, nil, time.Now()))

	rep, err := f.mgr.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, rep.Batch.Members, 3)

	// Non-terminal transitions are ignored.
	f.mgr.HandleStateChange(events.NewStateChanged(first, registry.StatusSpawning, registry.StatusRunning, nil, time.Now()))
}

func TestListPruneAndMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b1, err := f.mgr.Submit(ctx, Refs("a1", "a2"), 2)
	require.NoError(t, err)
	b2, err := f.mgr.Submit(ctx, Refs("b1", "b2"), 2)
	require.NoError(t, err)

	list, err := f.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	ids, err := f.mgr.BatchesOf(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{b2.ID}, ids)

	f.finish(t, "a1", registry.StatusCompleted)
	f.finish(t, "a2", registry.StatusCompleted)
	pruned, err := f.mgr.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b1.ID}, pruned)

	_, err = f.mgr.Status(ctx, b1.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestFileTaskSourceAndSelect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tasks:
  - ref: auth/login
    command: claude -p "login"
  - ref: auth/logout
  - ref: billing/invoice
  - ref: auth/reset
    status: done
`), 0o644))

	ready, err := FileTaskSource{Path: path}.Ready()
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, "auth-login", ready[0].Worker())

	auth, err := Select(ready, "auth/*")
	require.NoError(t, err)
	assert.Len(t, auth, 2)

	re, err := Select(ready, "re:^(billing|auth/logout)")
	require.NoError(t, err)
	assert.Len(t, re, 2)

	_, err = Select(ready, "re:(")
	assert.Error(t, err)
	_, err = Select(ready, "[")
	assert.Error(t, err)
}

func TestTaskWorkerID(t *testing.T) {
	assert.Equal(t, "feat-x", Task{Ref: "feat x"}.Worker())
	assert.Equal(t, "custom", Task{Ref: "feat", WorkerID: "custom"}.Worker())
	assert.Equal(t, "task-", Task{Ref: "%%%"}.Worker())
}
