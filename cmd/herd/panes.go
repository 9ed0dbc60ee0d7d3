package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/herd/internal/herd"
	"github.com/theirongolddev/herd/internal/output"
)

const paneTimeout = 30 * time.Second

var (
	spawnTask    string
	spawnSession string
	spawnWorkDir string
	spawnCommand string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn WORKER",
	Short: "Open a window for a new worker, register it and start the agent",
	Long: `Open a new window named after WORKER in the configured session (creating
the session if needed), register its pane and start the agent command.

The agent command comes from agent.command in the config, rendered with
{{.WorkerID}}, {{.TaskRef}}, {{.WorkDir}} and {{.Session}}. The pane also
gets HERD_WORKER_ID and HERD_EVENTS_DIR so agent hooks can call 'herd emit'.

Examples:
  herd spawn bd-42 --task bd-42
  herd spawn scratch --cmd 'bash'`,
	Args: exactArgs(1, "herd spawn <worker> [flags]"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, paneTimeout, func(ctx context.Context, e *env) error {
			session := spawnSession
			if session == "" {
				session = cfg.Tmux.Session
			}
			res, err := e.spawner().Spawn(ctx, herd.SpawnOptions{
				WorkerID:  args[0],
				TaskRef:   spawnTask,
				Session:   session,
				WorkDir:   workDirOr(spawnWorkDir),
				Command:   spawnCommand,
				EventsDir: cfg.Events.Dir,
			})
			if err != nil {
				return err
			}
			return formatter().Render(res, func(w io.Writer) error {
				verb := "in"
				if res.CreatedSession {
					verb = "in new session"
				}
				_, err := fmt.Fprintf(w, "Spawned %s at %s %s %s\n", res.Worker.ID, res.Pane, verb, res.Worker.SessionName)
				return err
			})
		})
	},
}

var (
	splitWorkDir string
	splitCommand string
)

var splitCmd = &cobra.Command{
	Use:   "split WORKER",
	Short: "Split a worker's primary pane and register the new sub-pane",
	Args:  exactArgs(1, "herd split <worker> [--cmd COMMAND]"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, paneTimeout, func(ctx context.Context, e *env) error {
			res, err := herd.NewSplitter(e.reg, e.res, e.mux, logger).Split(ctx, herd.SplitOptions{
				WorkerID: args[0],
				WorkDir:  workDirOr(splitWorkDir),
				Command:  splitCommand,
			})
			if err != nil {
				return err
			}
			return formatter().Render(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s:%d -> %s\n", res.WorkerID, res.Index, res.Pane)
				return err
			})
		})
	},
}

var (
	sendNoEnter   bool
	sendKeys      []string
	sendInterrupt bool
)

var sendCmd = &cobra.Command{
	Use:   "send TARGET [TEXT...]",
	Short: "Type text or named keys into a pane",
	Long: `Type TEXT into the pane TARGET resolves to and press Enter.

Examples:
  herd send bd-42 "run the tests again"
  herd send bd-42:1 --keys C-l
  herd send bd-42 --interrupt`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, paneTimeout, func(ctx context.Context, e *env) error {
			r, err := herd.NewSender(e.res, e.mux).Send(ctx, herd.SendOptions{
				Target:    args[0],
				Text:      strings.Join(args[1:], " "),
				Keys:      sendKeys,
				Enter:     !sendNoEnter,
				Interrupt: sendInterrupt,
			})
			if err != nil {
				return err
			}
			return formatter().Render(r, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Sent to %s\n", resolvedText(r))
				return err
			})
		})
	},
}

var readLines int

var readCmd = &cobra.Command{
	Use:   "read TARGET",
	Short: "Print the recent contents of a pane",
	Args:  exactArgs(1, "herd read <target> [--lines N]"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, paneTimeout, func(ctx context.Context, e *env) error {
			lines := readLines
			if lines <= 0 {
				lines = cfg.Commands.CaptureLines
			}
			out, r, err := herd.NewReader(e.res, e.mux).Read(ctx, herd.ReadOptions{Target: args[0], Lines: lines})
			if err != nil {
				return err
			}
			data := map[string]any{"target": r, "output": out}
			return formatter().Render(data, func(w io.Writer) error {
				_, err := io.WriteString(w, out)
				return err
			})
		})
	},
}

var diffLines int

var diffCmd = &cobra.Command{
	Use:   "diff TARGET TARGET",
	Short: "Compare the recent contents of two panes",
	Args:  exactArgs(2, "herd diff <target> <target> [--lines N]"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, paneTimeout, func(ctx context.Context, e *env) error {
			lines := diffLines
			if lines <= 0 {
				lines = cfg.Commands.CaptureLines
			}
			rd := herd.NewReader(e.res, e.mux)
			var out [2]string
			for i, t := range args {
				text, _, err := rd.Read(ctx, herd.ReadOptions{Target: t, Lines: lines})
				if err != nil {
					return err
				}
				out[i] = text
			}
			d := output.ComputeDiff(args[0], out[0], args[1], out[1])
			return formatter().Render(d, func(w io.Writer) error {
				if d.Identical() {
					_, err := fmt.Fprintf(w, "%s and %s are identical\n", d.Left, d.Right)
					return err
				}
				if _, err := fmt.Fprintf(w, "%s (%d lines) vs %s (%d lines): %.0f%% similar\n",
					d.Left, d.LeftLines, d.Right, d.RightLines, d.Similarity*100); err != nil {
					return err
				}
				_, err := io.WriteString(w, d.Patch)
				return err
			})
		})
	},
}

var execTimeout time.Duration

var execCmd = &cobra.Command{
	Use:   "exec TARGET COMMAND...",
	Short: "Run a shell command in a pane and wait for it to exit",
	Long: `Run COMMAND in the shell of the pane TARGET resolves to, wait for it to
finish and print its output. herd exits with the command's exit code.

A command that outlives --timeout fails with TIMEOUT and is not retried;
it may still be running in the pane.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout := execTimeout
		if timeout <= 0 {
			timeout = cfg.Commands.DefaultTimeout.Std()
		}
		var code int
		err := withEnv(cmd, 0, func(ctx context.Context, e *env) error {
			res, err := herd.NewExecutor(e.res, e.mux, timeout).Exec(ctx, herd.ExecOptions{
				Target:  args[0],
				Command: strings.Join(args[1:], " "),
				Timeout: timeout,
			})
			if err != nil {
				return err
			}
			code = res.ExitCode
			return formatter().Render(res, func(w io.Writer) error {
				_, err := io.WriteString(w, res.Output)
				return err
			})
		})
		if err != nil {
			return err
		}
		if code != 0 {
			return exitCode(code)
		}
		return nil
	},
}

var killSubPane int

var killCmd = &cobra.Command{
	Use:   "kill WORKER",
	Short: "Kill a worker's panes and remove it from the registry",
	Long: `Kill every pane of WORKER (sub-panes first) and then remove its record.
With --subpane N only that sub-pane is killed and unregistered.`,
	Args: exactArgs(1, "herd kill <worker> [--subpane N]"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, paneTimeout, func(ctx context.Context, e *env) error {
			if err := e.killer().Kill(ctx, herd.KillOptions{WorkerID: args[0], SubPane: killSubPane}); err != nil {
				return err
			}
			what := args[0]
			if killSubPane > 0 {
				what = fmt.Sprintf("%s:%d", args[0], killSubPane)
			}
			return formatter().Render(map[string]string{"killed": what}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Killed %s\n", what)
				return err
			})
		})
	},
}

func init() {
	spawnCmd.Flags().StringVar(&spawnTask, "task", "", "task reference (defaults to none)")
	spawnCmd.Flags().StringVarP(&spawnSession, "session", "s", "", "session to spawn into (default tmux.session)")
	spawnCmd.Flags().StringVar(&spawnWorkDir, "workdir", "", "working directory (default agent.work_dir or the current directory)")
	spawnCmd.Flags().StringVar(&spawnCommand, "cmd", "", "command to start instead of agent.command")

	splitCmd.Flags().StringVar(&splitWorkDir, "workdir", "", "working directory of the new pane")
	splitCmd.Flags().StringVar(&splitCommand, "cmd", "", "command to start in the new pane")

	sendCmd.Flags().BoolVar(&sendNoEnter, "no-enter", false, "do not press Enter after the text")
	sendCmd.Flags().StringSliceVar(&sendKeys, "keys", nil, "named keys to send after the text (e.g. C-c,Enter)")
	sendCmd.Flags().BoolVar(&sendInterrupt, "interrupt", false, "send Ctrl+C")

	readCmd.Flags().IntVarP(&readLines, "lines", "n", 0, "number of lines to capture (default commands.capture_lines)")

	diffCmd.Flags().IntVarP(&diffLines, "lines", "n", 0, "number of lines to capture from each pane (default commands.capture_lines)")

	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "how long to wait (default commands.default_timeout)")
	// Everything after the target belongs to the command.
	execCmd.Flags().SetInterspersed(false)

	killCmd.Flags().IntVar(&killSubPane, "subpane", 0, "kill only this sub-pane")

	rootCmd.AddCommand(spawnCmd, splitCmd, sendCmd, readCmd, diffCmd, execCmd, killCmd)
}
