package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/herd/internal/approve"
	"github.com/theirongolddev/herd/internal/dashboard"
	"github.com/theirongolddev/herd/internal/events"
	"github.com/theirongolddev/herd/internal/herd"
	"github.com/theirongolddev/herd/internal/output"
	"github.com/theirongolddev/herd/internal/util"
)

func (e *env) aggregator() (*events.Aggregator, error) {
	return events.NewAggregator(e.reg, e.res, e.mux, nil, events.Options{
		Dir:                cfg.Events.Dir,
		PollInterval:       cfg.Events.PollInterval.Std(),
		PromptScanInterval: cfg.Events.PromptScanInterval.Std(),
		Logger:             logger,
	})
}

// track subscribes ids, or every registered worker when ids is empty, and
// keeps subscribing newly registered workers until ctx ends.
func track(ctx context.Context, e *env, agg *events.Aggregator, ids []string) error {
	subscribe := func(id string) {
		if _, ok := agg.State(id); ok {
			return
		}
		if _, err := agg.Subscribe(ctx, id); err != nil {
			logger.Warn("subscribe failed", "worker", id, "error", err)
		}
	}
	if len(ids) > 0 {
		for _, id := range ids {
			if _, err := agg.Subscribe(ctx, id); err != nil {
				return err
			}
		}
		return nil
	}

	scan := func() {
		workers, err := e.reg.List(ctx)
		if err != nil {
			logger.Warn("listing workers failed", "error", err)
			return
		}
		for _, w := range workers {
			subscribe(w.ID)
		}
	}
	scan()
	go func() {
		t := time.NewTicker(cfg.Events.PollInterval.Std())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				scan()
			}
		}
	}()
	return nil
}

var stateFollow bool

var stateCmd = &cobra.Command{
	Use:   "state [WORKER...]",
	Short: "Show the aggregated state of workers",
	Long: `Subscribe to workers (all registered workers by default) and print their
aggregated state. With --follow, state changes are streamed as JSON lines
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, 0, func(ctx context.Context, e *env) error {
			agg, err := e.aggregator()
			if err != nil {
				return err
			}
			defer agg.Close()

			if err := track(ctx, e, agg, args); err != nil {
				return err
			}
			if stateFollow {
				stop := agg.Bus().Stream(os.Stdout)
				defer stop()
				<-ctx.Done()
				return nil
			}
			states := agg.States()
			return formatter().Render(states, func(w io.Writer) error {
				return printStates(w, states)
			})
		})
	},
}

func printStates(w io.Writer, states []events.WorkerState) error {
	if len(states) == 0 {
		_, err := fmt.Fprintln(w, "No workers registered.")
		return err
	}
	t := output.NewTable(w, "WORKER", "STATUS", "SOURCE", "IDLE", "PENDING", "LAST TOOL")
	t.SetMaxWidth(output.TerminalWidth(os.Stdout, 120))
	for _, s := range states {
		source := "stream"
		if s.Degraded {
			source = "screen"
		}
		pending, last := "", ""
		if s.Pending != nil {
			pending = s.Pending.Class()
		}
		if s.LastTool != nil {
			last = s.LastTool.Tool
		}
		t.AddRow(s.WorkerID, string(s.Status), source, util.FormatAge(s.SinceLastEvent), pending, last)
	}
	t.Render()
	return nil
}

var watchApprove bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a live dashboard of worker states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, 0, func(ctx context.Context, e *env) error {
			agg, err := e.aggregator()
			if err != nil {
				return err
			}
			defer agg.Close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			if err := track(ctx, e, agg, nil); err != nil {
				return err
			}

			opts := []dashboard.Option{
				dashboard.WithHistory(agg.Bus()),
				dashboard.WithRefreshInterval(time.Second),
			}
			if watchApprove {
				engine, closeEngine, err := e.engine(agg)
				if err != nil {
					return err
				}
				defer closeEngine()
				opts = append(opts, dashboard.WithApprove(func(ctx context.Context, id string) (string, error) {
					d, err := engine.Evaluate(ctx, id)
					return string(d.Action), err
				}))
			}

			_, err = tea.NewProgram(dashboard.New(agg, opts...), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
				return nil
			}
			return err
		})
	},
}

// engine builds the approval engine over agg. The returned func closes
// the audit log.
func (e *env) engine(agg *events.Aggregator) (*approve.Engine, func(), error) {
	policy, err := approve.LoadPolicy(cfg.Approve.PolicyFiles)
	if err != nil {
		return nil, nil, err
	}
	audit, err := events.NewLogger(events.LoggerOptions{
		Path:          cfg.Approve.AuditLog,
		RetentionDays: cfg.Approve.RetentionDays,
	})
	if err != nil {
		return nil, nil, err
	}
	engine := approve.NewEngine(policy, agg, e.res, e.mux,
		approve.WithAudit(audit),
		approve.WithBus(agg.Bus()),
		approve.WithMembership(e.batches()),
		approve.WithKeys(cfg.Approve.ApproveKeys, cfg.Approve.DenyKeys),
		approve.WithLogger(logger),
	)
	return engine, func() { audit.Close() }, nil
}

var (
	emitWorker  string
	emitDir     string
	emitTool    string
	emitInput   string
	emitMessage string
	emitHook    bool
)

var emitCmd = &cobra.Command{
	Use:   "emit KIND",
	Short: "Append an event to a worker's event stream",
	Long: `Append one event to the worker's stream. KIND is one of tool-invocation,
approval-request, completion, error or heartbeat.

Inside a spawned pane the worker and directory come from HERD_WORKER_ID and
HERD_EVENTS_DIR. With --hook the payload is read from an agent hook's JSON
on stdin (tool_name and tool_input).

Examples:
  herd emit tool-invocation --tool Edit --input src/main.go
  herd emit approval-request --hook < hook.json
  herd emit error --message "rate limited"`,
	Args:        exactArgs(1, "herd emit <kind> [flags]"),
	Annotations: map[string]string{annotationNoConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		worker := firstNonEmpty(emitWorker, os.Getenv(herd.EnvWorkerID))
		if worker == "" {
			return fmt.Errorf("no worker: pass --worker or set %s", herd.EnvWorkerID)
		}
		dir := firstNonEmpty(emitDir, os.Getenv(herd.EnvEventsDir), cfg.Events.Dir)

		payload := map[string]any{}
		if emitHook {
			var hook struct {
				ToolName  string         `json:"tool_name"`
				ToolInput map[string]any `json:"tool_input"`
				Message   string         `json:"message"`
			}
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&hook); err != nil {
				return fmt.Errorf("decoding hook input: %w", err)
			}
			if hook.ToolName != "" {
				payload["tool"] = hook.ToolName
			}
			if len(hook.ToolInput) > 0 {
				payload["input"] = hook.ToolInput
			}
			if hook.Message != "" {
				payload["message"] = hook.Message
			}
		}
		if emitTool != "" {
			payload["tool"] = emitTool
		}
		if emitInput != "" {
			payload["input"] = emitInput
		}
		if emitMessage != "" {
			payload["message"] = emitMessage
		}

		line, err := json.Marshal(events.Event{WorkerID: worker, Timestamp: time.Now().UTC(), Kind: events.Kind(args[0]), Payload: payload})
		if err != nil {
			return err
		}
		ev, err := events.ParseEvent(line)
		if err != nil {
			return err
		}
		return events.Append(dir, ev)
	},
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	stateCmd.Flags().BoolVarP(&stateFollow, "follow", "f", false, "stream state changes until interrupted")
	watchCmd.Flags().BoolVar(&watchApprove, "approve", false, "enable evaluating the selected worker's prompt")

	emitCmd.Flags().StringVar(&emitWorker, "worker", "", "worker id (default $"+herd.EnvWorkerID+")")
	emitCmd.Flags().StringVar(&emitDir, "dir", "", "events directory (default $"+herd.EnvEventsDir+" or events.dir)")
	emitCmd.Flags().StringVar(&emitTool, "tool", "", "tool name")
	emitCmd.Flags().StringVar(&emitInput, "input", "", "tool input: the command or path")
	emitCmd.Flags().StringVar(&emitMessage, "message", "", "message (error events)")
	emitCmd.Flags().BoolVar(&emitHook, "hook", false, "read an agent hook JSON payload from stdin")

	rootCmd.AddCommand(stateCmd, watchCmd, emitCmd)
}
