package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/herd/internal/approve"
	"github.com/theirongolddev/herd/internal/batch"
	"github.com/theirongolddev/herd/internal/config"
	"github.com/theirongolddev/herd/internal/events"
	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/notify"
	"github.com/theirongolddev/herd/internal/registry"
)

// sweepInterval is how often supervise reconciles every unfinished batch,
// catching terminal transitions it did not observe.
const sweepInterval = time.Minute

var superviseNoApprove bool

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Track every worker, refill batches and auto-answer prompts",
	Long: `Run the controller loop until interrupted:

  - every registered worker (including ones registered later) is tracked
  - a worker reaching a terminal status refills its batches
  - a worker waiting for approval is evaluated against the trust policy
  - policy files are reloaded when they change
  - with [notify] enabled, prompts left for a human and blocked or dead
    workers are reported`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, 0, func(ctx context.Context, e *env) error {
			agg, err := e.aggregator()
			if err != nil {
				return err
			}
			defer agg.Close()

			mgr := e.batches()
			bus := agg.Bus()
			defer bus.Subscribe(events.TypeStateChanged, mgr.HandleStateChange)()

			if !superviseNoApprove {
				engine, closeEngine, err := e.engine(agg)
				if err != nil {
					return err
				}
				defer closeEngine()
				defer bus.Subscribe(events.TypeStateChanged, autoApprove(ctx, engine))()

				stop, err := watchPolicy(engine)
				if err != nil {
					return err
				}
				defer stop()
			}

			if cfg.Notify.Enabled {
				n, err := notify.New(cfg.Notify, logger)
				if err != nil {
					return err
				}
				defer bus.SubscribeAll(n.Handle)()
			}

			if err := track(ctx, e, agg, nil); err != nil {
				return err
			}
			logger.Info("supervising", "session", cfg.Tmux.Session, "events", cfg.Events.Dir, "auto_approve", !superviseNoApprove)

			t := time.NewTicker(sweepInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info("supervisor stopping")
					return nil
				case <-t.C:
					sweep(ctx, mgr)
				}
			}
		})
	},
}

func autoApprove(ctx context.Context, engine *approve.Engine) events.EventHandler {
	return func(ev events.BusEvent) {
		sc, ok := ev.(events.StateChanged)
		if !ok || sc.To != registry.StatusWaitingApproval {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, paneTimeout)
		defer cancel()
		if _, err := engine.Evaluate(ctx, sc.Worker); err != nil && !errors.Is(err, fault.ErrNoPendingPrompt) {
			logger.Warn("auto-approve failed", "worker", sc.Worker, "error", err)
		}
	}
}

func watchPolicy(engine *approve.Engine) (func(), error) {
	var paths []string
	for _, p := range cfg.Approve.PolicyFiles {
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return func() {}, nil
	}
	return config.WatchFiles(paths, func(path string) {
		policy, err := approve.LoadPolicy(cfg.Approve.PolicyFiles)
		if err != nil {
			logger.Warn("policy reload failed; keeping previous rules", "path", path, "error", err)
			return
		}
		engine.SetPolicy(policy)
		logger.Info("policy reloaded", "path", path, "rules", len(policy.Rules()))
	}, logger)
}

func sweep(ctx context.Context, mgr *batch.Manager) {
	list, err := mgr.List(ctx)
	if err != nil {
		logger.Warn("listing batches failed", "error", err)
		return
	}
	for _, b := range list {
		if b.Done() {
			continue
		}
		if _, err := mgr.Reconcile(ctx, b.ID); err != nil {
			logger.Warn("batch reconcile failed", "batch", b.ID, "error", err)
		}
	}
}

func init() {
	superviseCmd.Flags().BoolVar(&superviseNoApprove, "no-approve", false, "track and refill only; leave every prompt for a human")
	rootCmd.AddCommand(superviseCmd)
}
