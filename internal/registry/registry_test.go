package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newTestRegistry(t *testing.T) (*Registry, *mux.Fake, *fixedClock) {
	t.Helper()
	store, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)
	fake := mux.NewFake()
	clock := &fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return New(store, fake, WithClock(clock.now)), fake, clock
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	reg, fake, clock := newTestRegistry(t)
	pane := fake.AddSession("genie", "bd-42")

	first, err := reg.Register(ctx, "bd-42", pane, "genie", "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSpawning, first.Status)

	clock.t = clock.t.Add(time.Minute)
	second, err := reg.Register(ctx, "bd-42", pane, "genie", "")
	require.NoError(t, err)

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, first.CreatedAt, workers[0].CreatedAt)
	assert.Equal(t, second.LastSeenAt, workers[0].LastSeenAt)
	assert.True(t, workers[0].LastSeenAt.After(workers[0].CreatedAt))
	assert.Equal(t, "task-1", workers[0].TaskRef)
}

func TestRegisterRejectsDeadPane(t *testing.T) {
	ctx := context.Background()
	reg, fake, _ := newTestRegistry(t)
	pane := fake.AddSession("genie", "w")
	fake.Kill(pane)

	_, err := reg.Register(ctx, "bd-1", pane, "genie", "")
	require.ErrorIs(t, err, fault.ErrDeadPane)

	_, ok, err := reg.Lookup(ctx, "bd-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddSubPaneIndexing(t *testing.T) {
	ctx := context.Background()
	reg, fake, _ := newTestRegistry(t)
	primary := fake.AddSession("genie", "bd-42")
	_, err := reg.Register(ctx, "bd-42", primary, "genie", "")
	require.NoError(t, err)

	a, err := fake.SplitPane(ctx, primary, "")
	require.NoError(t, err)
	b, err := fake.SplitPane(ctx, primary, "")
	require.NoError(t, err)

	idx, err := reg.AddSubPane(ctx, "bd-42", a)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	idx, err = reg.AddSubPane(ctx, "bd-42", b)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	idx, err = reg.AddSubPane(ctx, "bd-42", a)
	require.NoError(t, err)
	assert.Equal(t, 1, idx, "re-adding returns the existing index")

	_, err = reg.AddSubPane(ctx, "bd-42", primary)
	require.ErrorIs(t, err, fault.ErrInvalidArgument)

	w, err := reg.Get(ctx, "bd-42")
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, w.SubPanes)
	got, ok := w.Pane(2)
	assert.True(t, ok)
	assert.Equal(t, b, got)
	_, ok = w.Pane(3)
	assert.False(t, ok)
}

func TestAddSubPaneUnknownWorker(t *testing.T) {
	reg, fake, _ := newTestRegistry(t)
	pane := fake.AddSession("s", "w")
	_, err := reg.AddSubPane(context.Background(), "nope", pane)
	require.ErrorIs(t, err, fault.ErrNotFound)
	assert.NotEmpty(t, fault.HintOf(err))
}

func TestRemoveSubPaneShiftsIndexes(t *testing.T) {
	ctx := context.Background()
	reg, fake, _ := newTestRegistry(t)
	primary := fake.AddSession("genie", "w")
	_, err := reg.Register(ctx, "w1", primary, "genie", "")
	require.NoError(t, err)
	a, _ := fake.SplitPane(ctx, primary, "")
	b, _ := fake.SplitPane(ctx, primary, "")
	_, err = reg.AddSubPane(ctx, "w1", a)
	require.NoError(t, err)
	_, err = reg.AddSubPane(ctx, "w1", b)
	require.NoError(t, err)

	require.NoError(t, reg.RemoveSubPane(ctx, "w1", 1))
	w, err := reg.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.SubPaneIndex(b))

	require.ErrorIs(t, reg.RemoveSubPane(ctx, "w1", 5), fault.ErrInvalidArgument)
}

func TestFreshReadAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fake := mux.NewFake()
	pane := fake.AddSession("genie", "w")

	s1, err := NewJSONStore(dir)
	require.NoError(t, err)
	s2, err := NewJSONStore(dir)
	require.NoError(t, err)
	r1 := New(s1, fake)
	r2 := New(s2, fake)

	_, err = r1.Register(ctx, "bd-7", pane, "genie", "")
	require.NoError(t, err)

	w, err := r2.Get(ctx, "bd-7")
	require.NoError(t, err)
	assert.Equal(t, pane, w.PrimaryPane)

	require.NoError(t, r2.Remove(ctx, "bd-7"))
	_, ok, err := r1.Lookup(ctx, "bd-7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPruneAddress(t *testing.T) {
	ctx := context.Background()
	reg, fake, _ := newTestRegistry(t)
	p1 := fake.AddSession("genie", "a")
	p2 := fake.AddWindow("genie", "b")
	sub, _ := fake.SplitPane(ctx, p2, "")

	_, err := reg.Register(ctx, "a", p1, "genie", "")
	require.NoError(t, err)
	_, err = reg.Register(ctx, "b", p2, "genie", "")
	require.NoError(t, err)
	_, err = reg.AddSubPane(ctx, "b", sub)
	require.NoError(t, err)

	affected, err := reg.PruneAddress(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, affected)
	w, err := reg.Get(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, w.SubPanes)

	affected, err = reg.PruneAddress(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, affected)
	_, ok, err := reg.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	reg, fake, _ := newTestRegistry(t)
	pane := fake.AddSession("s", "w")
	_, err := reg.Register(ctx, "w", pane, "s", "")
	require.NoError(t, err)

	w, err := reg.SetStatus(ctx, "w", StatusWaitingApproval)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingApproval, w.Status)

	// Status writes do not re-check liveness.
	fake.Kill(pane)
	_, err = reg.SetStatus(ctx, "w", StatusDead)
	require.NoError(t, err)
}

func TestStoreFailureIsRegistryUnavailable(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	require.NoError(t, err)
	require.NoError(t, writeFile(filepath.Join(dir, TableWorkers+".json"), "{not json"))

	reg := New(store, nil)
	_, err = reg.List(context.Background())
	require.ErrorIs(t, err, fault.ErrRegistryUnavailable)
	assert.Equal(t, fault.HintCheckStore, fault.HintOf(err))
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusCompleted || s == StatusBlocked || s == StatusDead
		assert.Equal(t, want, s.Terminal(), s)
	}
	_, err := ParseStatus("sleeping")
	assert.Error(t, err)
}
