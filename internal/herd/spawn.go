package herd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/theirongolddev/herd/internal/config"
	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/registry"
	"github.com/theirongolddev/herd/internal/tmux"
)

// Environment variables exported into every spawned worker pane.
const (
	EnvWorkerID  = "HERD_WORKER_ID"
	EnvEventsDir = "HERD_EVENTS_DIR"
)

// CommandRenderer renders the agent command for a worker.
// (*config.Config).GenerateAgentCommand satisfies it.
type CommandRenderer func(vars config.AgentTemplateVars) (string, error)

// SpawnOptions configures a worker spawn
type SpawnOptions struct {
	WorkerID string // Stable worker identifier
	TaskRef  string // Opaque task reference
	Session  string // Session to create the worker's window in
	WorkDir  string // Working directory of the pane
	Command  string // Overrides the rendered agent command
	// EventsDir is exported to the pane so agent hooks can report events.
	EventsDir string
}

// Validate checks if spawn options are valid
func (o SpawnOptions) Validate() error {
	if o.WorkerID == "" {
		return fault.New(fault.KindInvalidArgument, "", "worker id is required", "")
	}
	if mux.IsRawAddress(o.WorkerID) {
		return fault.New(fault.KindInvalidArgument, o.WorkerID, "worker id must not look like a pane address", "")
	}
	if err := tmux.ValidateSessionName(o.Session); err != nil {
		return fault.Wrap(fault.KindInvalidArgument, o.Session, "invalid session name", "", err)
	}
	return nil
}

// SpawnResult describes a spawned worker
type SpawnResult struct {
	Worker         registry.Worker `json:"worker"`
	Pane           string          `json:"pane"`
	Command        string          `json:"command"`
	CreatedSession bool            `json:"created_session"`
}

// Spawner creates worker panes and registers them
type Spawner struct {
	reg    *registry.Registry
	mux    mux.Capability
	render CommandRenderer
	log    *slog.Logger
}

// NewSpawner creates a new Spawner. render may be nil when every spawn
// passes an explicit command.
func NewSpawner(reg *registry.Registry, m mux.Capability, render CommandRenderer, log *slog.Logger) *Spawner {
	if log == nil {
		log = slog.Default()
	}
	return &Spawner{reg: reg, mux: m, render: render, log: log}
}

// Spawn opens a window named after the worker, registers its pane and starts
// the agent in it. If registration fails the pane is killed.
func (s *Spawner) Spawn(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	existing, ok, err := s.reg.Lookup(ctx, opts.WorkerID)
	if err != nil {
		return nil, err
	}
	if ok {
		_, live, err := mux.Alive(ctx, s.mux, existing.PrimaryPane)
		if err != nil {
			return nil, fault.Wrap(fault.KindMux, existing.PrimaryPane, "liveness check failed", "", err)
		}
		if live {
			return nil, fault.New(fault.KindInvalidArgument, opts.WorkerID, "worker is already running",
				fmt.Sprintf("run 'herd kill %s' first or pick another id", opts.WorkerID))
		}
		// The previous incarnation is gone; start from a fresh record.
		if err := s.reg.Remove(ctx, opts.WorkerID); err != nil && !errors.Is(err, fault.ErrNotFound) {
			return nil, err
		}
	}

	command, err := s.command(opts)
	if err != nil {
		return nil, err
	}

	exists, err := s.mux.SessionExists(ctx, opts.Session)
	if err != nil {
		return nil, fault.Wrap(fault.KindMux, opts.Session, "failed to check session", "", err)
	}
	var pane string
	if exists {
		pane, err = s.mux.NewWindow(ctx, opts.Session, opts.WorkerID, opts.WorkDir)
	} else {
		pane, err = s.mux.CreateSession(ctx, opts.Session, opts.WorkerID, opts.WorkDir)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindMux, opts.Session, "failed to create worker pane", "", err)
	}

	w, err := s.reg.Register(ctx, opts.WorkerID, pane, opts.Session, opts.TaskRef)
	if err != nil {
		s.discard(ctx, pane)
		return nil, err
	}
	s.log.Info("spawned worker", "worker", w.ID, "pane", pane, "session", opts.Session, "task", opts.TaskRef)

	if command != "" {
		if err := s.mux.SendText(ctx, pane, command, true); err != nil {
			s.discard(ctx, pane)
			if rmErr := s.reg.Remove(ctx, w.ID); rmErr != nil {
				s.log.Warn("deregistering failed spawn", "worker", w.ID, "error", rmErr)
			}
			return nil, fault.Wrap(fault.KindMux, pane, "failed to start agent", "", err)
		}
	}

	return &SpawnResult{Worker: w, Pane: pane, Command: command, CreatedSession: !exists}, nil
}

func (s *Spawner) command(opts SpawnOptions) (string, error) {
	agent := opts.Command
	if agent == "" && s.render != nil {
		var err error
		agent, err = s.render(config.AgentTemplateVars{
			WorkerID: opts.WorkerID,
			TaskRef:  opts.TaskRef,
			WorkDir:  opts.WorkDir,
			Session:  opts.Session,
		})
		if err != nil {
			return "", fault.Wrap(fault.KindInvalidArgument, opts.WorkerID, "rendering agent command", "check agent.command in your config", err)
		}
	}
	if agent == "" {
		return "", nil
	}
	env := fmt.Sprintf("export %s=%s", EnvWorkerID, tmux.ShellQuote(opts.WorkerID))
	if opts.EventsDir != "" {
		env += fmt.Sprintf(" %s=%s", EnvEventsDir, tmux.ShellQuote(opts.EventsDir))
	}
	cmd, err := tmux.BuildPaneCommand(opts.WorkDir, env+" && "+agent)
	if err != nil {
		return "", fault.Wrap(fault.KindInvalidArgument, opts.WorkerID, "unsafe agent command", "", err)
	}
	return cmd, nil
}

func (s *Spawner) discard(ctx context.Context, pane string) {
	if err := s.mux.KillPane(ctx, pane); err != nil {
		s.log.Warn("killing orphaned pane failed", "pane", pane, "error", err)
	}
}
