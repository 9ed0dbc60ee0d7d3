package target

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/registry"
)

type fixture struct {
	fake *mux.Fake
	reg  *registry.Registry
	res  *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := registry.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	fake := mux.NewFake()
	reg := registry.New(store, fake)
	return &fixture{fake: fake, reg: reg, res: NewResolver(reg, fake, nil)}
}

func TestResolveEachTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sessionPane := f.fake.AddSession("genie", "main")
	omni := f.fake.AddWindow("genie", "OMNI")
	primary := f.fake.AddWindow("genie", "bd-42")
	sub, err := f.fake.SplitPane(ctx, primary, "")
	require.NoError(t, err)

	_, err = f.reg.Register(ctx, "bd-42", primary, "genie", "")
	require.NoError(t, err)
	_, err = f.reg.AddSubPane(ctx, "bd-42", sub)
	require.NoError(t, err)

	tests := []struct {
		target string
		pane   string
		via    Via
		worker string
	}{
		{sessionPane, sessionPane, ViaRaw, ""},
		{primary, primary, ViaRaw, "bd-42"},
		{"bd-42", primary, ViaWorkerPrimary, "bd-42"},
		{"bd-42:1", sub, ViaWorkerSubPane, "bd-42"},
		{"bd-42:0", primary, ViaWorkerSubPane, "bd-42"},
		{"genie:OMNI", omni, ViaSessionWindow, ""},
		{"genie", sessionPane, ViaSession, ""},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := f.res.Resolve(ctx, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.pane, got.PaneAddress)
			assert.Equal(t, tt.via, got.ResolvedVia)
			assert.Equal(t, tt.worker, got.WorkerID)
			assert.Equal(t, "genie", got.SessionName)
			assert.True(t, got.ConfirmedLive)
		})
	}

	got, err := f.res.Resolve(ctx, "bd-42:1")
	require.NoError(t, err)
	require.NotNil(t, got.SubPaneIndex)
	assert.Equal(t, 1, *got.SubPaneIndex)
}

func TestResolveSubPaneIndexing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	primary := f.fake.AddSession("s", "w")
	p1, _ := f.fake.SplitPane(ctx, primary, "")
	p2, _ := f.fake.SplitPane(ctx, primary, "")
	_, err := f.reg.Register(ctx, "w", primary, "s", "")
	require.NoError(t, err)
	_, err = f.reg.AddSubPane(ctx, "w", p1)
	require.NoError(t, err)
	_, err = f.reg.AddSubPane(ctx, "w", p2)
	require.NoError(t, err)

	got, err := f.res.Resolve(ctx, "w:1")
	require.NoError(t, err)
	assert.Equal(t, p1, got.PaneAddress)
	got, err = f.res.Resolve(ctx, "w:2")
	require.NoError(t, err)
	assert.Equal(t, p2, got.PaneAddress)

	_, err = f.res.Resolve(ctx, "w:3")
	assert.ErrorIs(t, err, fault.ErrUnknownTarget)
}

func TestResolveDeadPrimaryRemovesWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fake.AddSession("genie", "main")
	primary := f.fake.AddWindow("genie", "bd-42")
	_, err := f.reg.Register(ctx, "bd-42", primary, "genie", "")
	require.NoError(t, err)

	f.fake.Kill(primary)

	_, err = f.res.Resolve(ctx, "bd-42")
	require.ErrorIs(t, err, fault.ErrDeadWorker)
	assert.Equal(t, "bd-42", fault.TargetOf(err))
	assert.NotEmpty(t, fault.HintOf(err))

	_, ok, err := f.reg.Lookup(ctx, "bd-42")
	require.NoError(t, err)
	assert.False(t, ok, "dead worker must be pruned")

	// With the record gone the same string no longer names a worker.
	_, err = f.res.Resolve(ctx, "bd-42")
	assert.ErrorIs(t, err, fault.ErrUnknownTarget)
}

// undeletable fails every Delete.
type undeletable struct{ registry.Store }

func (undeletable) Delete(ctx context.Context, table, key string) error {
	return errors.New("disk full")
}

func TestResolveDeadPrimaryRemoveFails(t *testing.T) {
	ctx := context.Background()
	store, err := registry.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	fake := mux.NewFake()
	reg := registry.New(undeletable{store}, fake)
	res := NewResolver(reg, fake, nil)
	primary := fake.AddSession("genie", "bd-42")
	_, err = reg.Register(ctx, "bd-42", primary, "genie", "")
	require.NoError(t, err)

	fake.Kill(primary)

	_, err = res.Resolve(ctx, "bd-42")
	require.ErrorIs(t, err, fault.ErrDeadWorker)
	assert.Contains(t, err.Error(), "deregistering the worker failed")
	assert.NotContains(t, err.Error(), "has been deregistered")
	assert.ErrorIs(t, err, fault.ErrRegistryUnavailable)

	_, ok, err := reg.Lookup(ctx, "bd-42")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolveDeadSubPanePrunesEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	primary := f.fake.AddSession("s", "w")
	p1, _ := f.fake.SplitPane(ctx, primary, "")
	p2, _ := f.fake.SplitPane(ctx, primary, "")
	_, err := f.reg.Register(ctx, "w", primary, "s", "")
	require.NoError(t, err)
	_, err = f.reg.AddSubPane(ctx, "w", p1)
	require.NoError(t, err)
	_, err = f.reg.AddSubPane(ctx, "w", p2)
	require.NoError(t, err)

	f.fake.MarkDead(p1)
	_, err = f.res.Resolve(ctx, "w:1")
	require.ErrorIs(t, err, fault.ErrDeadPane)
	assert.Equal(t, "w:1", fault.TargetOf(err))

	w, err := f.reg.Get(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, []string{p2}, w.SubPanes)
}

func TestResolveDeadRawPrunesReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	primary := f.fake.AddSession("s", "w")
	sub, _ := f.fake.SplitPane(ctx, primary, "")
	_, err := f.reg.Register(ctx, "w", primary, "s", "")
	require.NoError(t, err)
	_, err = f.reg.AddSubPane(ctx, "w", sub)
	require.NoError(t, err)

	f.fake.Kill(sub)
	_, err = f.res.Resolve(ctx, sub)
	require.ErrorIs(t, err, fault.ErrDeadPane)

	w, err := f.reg.Get(ctx, "w")
	require.NoError(t, err)
	assert.Empty(t, w.SubPanes)
}

func TestResolveUnknown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fake.AddSession("genie", "main")

	for _, target := range []string{"nosuch", "genie:nowindow", "other:main", "%999"} {
		t.Run(target, func(t *testing.T) {
			_, err := f.res.Resolve(ctx, target)
			require.Error(t, err)
			kind := fault.KindOf(err)
			assert.Contains(t, []fault.Kind{fault.KindUnknownTarget, fault.KindDeadPane}, kind)
			assert.NotEmpty(t, fault.HintOf(err))
		})
	}
}

func TestResolveMuxFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pane := f.fake.AddSession("s", "w")
	_, err := f.reg.Register(ctx, "w", pane, "s", "")
	require.NoError(t, err)

	f.fake.Errors["Pane"] = assert.AnError
	_, err = f.res.Resolve(ctx, "w")
	require.ErrorIs(t, err, fault.ErrMux)

	// A multiplexer failure is not evidence of death.
	_, ok, err := f.reg.Lookup(ctx, "w")
	require.NoError(t, err)
	assert.True(t, ok)
}
