package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/registry"
)

// Resolved is a validated, live pane.
type Resolved struct {
	PaneAddress   string `json:"pane_address"`
	SessionName   string `json:"session_name"`
	WorkerID      string `json:"worker_id,omitempty"`
	SubPaneIndex  *int   `json:"sub_pane_index,omitempty"`
	ResolvedVia   Via    `json:"resolved_via"`
	ConfirmedLive bool   `json:"confirmed_live"`
}

// Resolver resolves targets against the registry and the multiplexer.
type Resolver struct {
	reg *registry.Registry
	mux mux.Capability
	log *slog.Logger
}

// NewResolver creates a Resolver. A nil logger uses slog.Default().
func NewResolver(reg *registry.Registry, m mux.Capability, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{reg: reg, mux: m, log: log}
}

// Resolve parses target against a fresh snapshot of worker ids and resolves
// it to a live pane. Dead panes are pruned from the registry before the
// error is returned.
func (r *Resolver) Resolve(ctx context.Context, target string) (Resolved, error) {
	ids, err := r.reg.IDs(ctx)
	if err != nil {
		return Resolved{}, err
	}
	ref, err := Parse(target, ids)
	if err != nil {
		r.log.Debug("target parse failed", "target", target, "error", err)
		return Resolved{}, err
	}
	r.log.Debug("target parsed", "target", target, "tier", ref.Via())
	res, err := r.ResolveRef(ctx, ref)
	if err != nil {
		r.log.Debug("target resolution failed", "target", target, "tier", ref.Via(), "kind", fault.KindOf(err))
		return Resolved{}, err
	}
	r.log.Debug("target resolved", "target", target, "tier", ref.Via(), "pane", res.PaneAddress)
	return res, nil
}

// ResolveRef resolves an already parsed reference.
func (r *Resolver) ResolveRef(ctx context.Context, ref Ref) (Resolved, error) {
	switch ref := ref.(type) {
	case RawAddress:
		return r.resolveRaw(ctx, ref)
	case WorkerRef:
		return r.resolveWorker(ctx, ref.ID, 0, false)
	case WorkerSubRef:
		return r.resolveWorker(ctx, ref.ID, ref.Index, true)
	case SessionWindowRef:
		return r.resolveSession(ctx, ref)
	case SessionRef:
		return r.resolveSession(ctx, ref)
	default:
		return Resolved{}, fmt.Errorf("unsupported reference %T", ref)
	}
}

// Primary resolves a worker's primary pane by id without parsing.
func (r *Resolver) Primary(ctx context.Context, id string) (Resolved, error) {
	return r.resolveWorker(ctx, id, 0, false)
}

func (r *Resolver) alive(ctx context.Context, addr string) (mux.Pane, bool, error) {
	p, live, err := mux.Alive(ctx, r.mux, addr)
	if err != nil {
		return mux.Pane{}, false, fault.Wrap(fault.KindMux, addr, "liveness check failed", "is tmux running? try 'tmux ls'", err)
	}
	return p, live, nil
}

func (r *Resolver) prune(ctx context.Context, addr string) {
	affected, err := r.reg.PruneAddress(ctx, addr)
	if err != nil {
		r.log.Warn("prune dead pane failed", "pane", addr, "error", err)
		return
	}
	if len(affected) > 0 {
		r.log.Debug("pruned references to dead pane", "pane", addr, "workers", affected)
	}
}

func (r *Resolver) resolveRaw(ctx context.Context, ref RawAddress) (Resolved, error) {
	p, live, err := r.alive(ctx, ref.Address)
	if err != nil {
		return Resolved{}, err
	}
	if !live {
		r.prune(ctx, ref.Address)
		return Resolved{}, fault.New(fault.KindDeadPane, ref.Address, "pane is not live", fault.HintListSessions)
	}
	res := Resolved{PaneAddress: p.ID, SessionName: p.Session, ResolvedVia: ViaRaw, ConfirmedLive: true}
	r.attachOwner(ctx, &res)
	return res, nil
}

// attachOwner fills in the worker that owns the resolved pane, if any.
func (r *Resolver) attachOwner(ctx context.Context, res *Resolved) {
	workers, err := r.reg.List(ctx)
	if err != nil {
		return
	}
	for _, w := range workers {
		if w.PrimaryPane == res.PaneAddress {
			res.WorkerID = w.ID
			return
		}
		if idx := w.SubPaneIndex(res.PaneAddress); idx > 0 {
			res.WorkerID = w.ID
			res.SubPaneIndex = &idx
			return
		}
	}
}

func (r *Resolver) resolveWorker(ctx context.Context, id string, index int, sub bool) (Resolved, error) {
	w, err := r.reg.Get(ctx, id)
	if errors.Is(err, fault.ErrNotFound) {
		return Resolved{}, fault.New(fault.KindUnknownTarget, id, "no such worker", fault.HintListWorkers)
	}
	if err != nil {
		return Resolved{}, err
	}
	addr, ok := w.Pane(index)
	if !ok {
		return Resolved{}, fault.New(fault.KindUnknownTarget, fmt.Sprintf("%s%s%d", id, Sep, index),
			fmt.Sprintf("worker %s has %d sub-panes", id, len(w.SubPanes)), fault.HintListWorkers)
	}

	p, live, err := r.alive(ctx, addr)
	if err != nil {
		return Resolved{}, err
	}
	if !live {
		if index == 0 {
			hint := fmt.Sprintf("run 'herd spawn %s' to start it again", id)
			if err := r.reg.Remove(ctx, id); err != nil && !errors.Is(err, fault.ErrNotFound) {
				r.log.Warn("deregister dead worker failed", "id", id, "error", err)
				return Resolved{}, fault.Wrap(fault.KindDeadWorker, id,
					fmt.Sprintf("worker's pane %s is gone; deregistering the worker failed", addr), hint, err)
			}
			r.log.Info("worker pane gone, deregistered", "id", id, "pane", addr)
			return Resolved{}, fault.New(fault.KindDeadWorker, id,
				fmt.Sprintf("worker's pane %s is gone; the worker has been deregistered", addr), hint)
		}
		r.prune(ctx, addr)
		return Resolved{}, fault.New(fault.KindDeadPane, fmt.Sprintf("%s%s%d", id, Sep, index),
			fmt.Sprintf("sub-pane %d of worker %s (%s) is gone; it has been removed", index, id, addr),
			fmt.Sprintf("run 'herd split %s' to open a new sub-pane", id))
	}

	res := Resolved{
		PaneAddress:   p.ID,
		SessionName:   p.Session,
		WorkerID:      id,
		ResolvedVia:   ViaWorkerPrimary,
		ConfirmedLive: true,
	}
	if sub {
		res.ResolvedVia = ViaWorkerSubPane
		res.SubPaneIndex = &index
	}
	return res, nil
}

func (r *Resolver) resolveSession(ctx context.Context, ref Ref) (Resolved, error) {
	var (
		p   mux.Pane
		err error
	)
	switch ref := ref.(type) {
	case SessionWindowRef:
		p, err = r.mux.WindowPane(ctx, ref.Session, ref.Window)
	case SessionRef:
		p, err = r.mux.SessionPane(ctx, ref.Session)
	}
	switch {
	case errors.Is(err, mux.ErrNoSuchSession), errors.Is(err, mux.ErrNoSuchWindow), errors.Is(err, mux.ErrNoSuchPane):
		return Resolved{}, fault.New(fault.KindUnknownTarget, ref.String(), "no worker, session or window by that name", fault.HintListSessions)
	case err != nil:
		return Resolved{}, fault.Wrap(fault.KindMux, ref.String(), "multiplexer lookup failed", "is tmux running? try 'tmux ls'", err)
	}
	if !p.Live() {
		r.prune(ctx, p.ID)
		return Resolved{}, fault.New(fault.KindDeadPane, ref.String(), fmt.Sprintf("pane %s is not live", p.ID), fault.HintListSessions)
	}
	res := Resolved{PaneAddress: p.ID, SessionName: p.Session, ResolvedVia: ref.Via(), ConfirmedLive: true}
	r.attachOwner(ctx, &res)
	return res, nil
}
