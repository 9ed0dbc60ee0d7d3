package herd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/registry"
)

// KillOptions configures the kill operation
type KillOptions struct {
	WorkerID string
	// SubPane, when non-zero, kills only that sub-pane.
	SubPane int
}

// Validate checks if kill options are valid
func (o KillOptions) Validate() error {
	if o.WorkerID == "" {
		return fault.New(fault.KindInvalidArgument, "", "worker id is required", fault.HintListWorkers)
	}
	if o.SubPane < 0 {
		return fault.New(fault.KindInvalidArgument, o.WorkerID, "sub-pane index must be positive", "")
	}
	return nil
}

// Killer tears workers down
type Killer struct {
	reg *registry.Registry
	mux mux.Capability
	log *slog.Logger
}

// NewKiller creates a new Killer
func NewKiller(reg *registry.Registry, m mux.Capability, log *slog.Logger) *Killer {
	if log == nil {
		log = slog.Default()
	}
	return &Killer{reg: reg, mux: m, log: log}
}

// Kill kills the worker's panes and then deregisters it. A pane that is
// already gone counts as killed; any other kill failure leaves the record
// in place so the kill can be retried.
func (k *Killer) Kill(ctx context.Context, opts KillOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	w, err := k.reg.Get(ctx, opts.WorkerID)
	if err != nil {
		return err
	}

	if opts.SubPane > 0 {
		addr, ok := w.Pane(opts.SubPane)
		if !ok {
			return fault.New(fault.KindUnknownTarget, fmt.Sprintf("%s:%d", w.ID, opts.SubPane), "no such sub-pane", fault.HintListWorkers)
		}
		if err := k.killPane(ctx, addr); err != nil {
			return err
		}
		return k.reg.RemoveSubPane(ctx, w.ID, opts.SubPane)
	}

	// Sub-panes first so a failure on the primary leaves a resolvable worker.
	for i := len(w.SubPanes) - 1; i >= 0; i-- {
		if err := k.killPane(ctx, w.SubPanes[i]); err != nil {
			return err
		}
	}
	if err := k.killPane(ctx, w.PrimaryPane); err != nil {
		return err
	}
	if err := k.reg.Remove(ctx, w.ID); err != nil {
		return err
	}
	k.log.Info("killed worker", "worker", w.ID, "pane", w.PrimaryPane, "sub_panes", len(w.SubPanes))
	return nil
}

func (k *Killer) killPane(ctx context.Context, addr string) error {
	err := k.mux.KillPane(ctx, addr)
	if err == nil || errors.Is(err, mux.ErrNoSuchPane) {
		return nil
	}
	return fault.Wrap(fault.KindMux, addr, "failed to kill pane", "the worker is still registered; retry 'herd kill'", err)
}
