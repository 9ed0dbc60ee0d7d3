package herd

import (
	"context"
	"log/slog"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/registry"
	"github.com/theirongolddev/herd/internal/target"
	"github.com/theirongolddev/herd/internal/tmux"
)

// SplitOptions configures a sub-pane split
type SplitOptions struct {
	WorkerID string
	WorkDir  string
	Command  string // Optional command to start in the new pane
}

// SplitResult describes a new sub-pane
type SplitResult struct {
	WorkerID string `json:"worker_id"`
	Index    int    `json:"index"`
	Pane     string `json:"pane"`
}

// Splitter adds sub-panes to workers
type Splitter struct {
	reg *registry.Registry
	res *target.Resolver
	mux mux.Capability
	log *slog.Logger
}

// NewSplitter creates a new Splitter
func NewSplitter(reg *registry.Registry, res *target.Resolver, m mux.Capability, log *slog.Logger) *Splitter {
	if log == nil {
		log = slog.Default()
	}
	return &Splitter{reg: reg, res: res, mux: m, log: log}
}

// Split splits the worker's primary pane and registers the new pane as its
// next sub-pane. The pane is killed if it cannot be registered.
func (s *Splitter) Split(ctx context.Context, opts SplitOptions) (*SplitResult, error) {
	if opts.WorkerID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "", "worker id is required", fault.HintListWorkers)
	}
	var command string
	if opts.Command != "" {
		var err error
		command, err = tmux.BuildPaneCommand(opts.WorkDir, opts.Command)
		if err != nil {
			return nil, fault.Wrap(fault.KindInvalidArgument, opts.WorkerID, "unsafe command", "", err)
		}
	}

	primary, err := s.res.Primary(ctx, opts.WorkerID)
	if err != nil {
		return nil, err
	}
	pane, err := s.mux.SplitPane(ctx, primary.PaneAddress, opts.WorkDir)
	if err != nil {
		return nil, wrapMux(primary, err)
	}
	idx, err := s.reg.AddSubPane(ctx, opts.WorkerID, pane)
	if err != nil {
		if kerr := s.mux.KillPane(ctx, pane); kerr != nil {
			s.log.Warn("killing unregistered sub-pane failed", "pane", pane, "error", kerr)
		}
		return nil, err
	}
	s.log.Info("added sub-pane", "worker", opts.WorkerID, "index", idx, "pane", pane)

	if command != "" {
		if err := s.mux.SendText(ctx, pane, command, true); err != nil {
			return nil, fault.Wrap(fault.KindMux, pane, "failed to start command in sub-pane", "", err)
		}
	}
	return &SplitResult{WorkerID: opts.WorkerID, Index: idx, Pane: pane}, nil
}
