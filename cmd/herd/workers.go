package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/herd/internal/herd"
	"github.com/theirongolddev/herd/internal/output"
	"github.com/theirongolddev/herd/internal/target"
	"github.com/theirongolddev/herd/internal/util"
)

const registryTimeout = 15 * time.Second

var resolveCmd = &cobra.Command{
	Use:   "resolve TARGET",
	Short: "Resolve a target to a live pane address",
	Args:  exactArgs(1, "herd resolve <target>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, registryTimeout, func(ctx context.Context, e *env) error {
			r, err := e.res.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			return formatter().Render(r, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\t%s\t%s\n", r.PaneAddress, r.ResolvedVia, r.SessionName)
				return err
			})
		})
	},
}

var registerTask string

var registerCmd = &cobra.Command{
	Use:   "register WORKER TARGET",
	Short: "Register (or re-point) a worker at an existing pane",
	Long: `Register a worker whose primary pane is the pane TARGET resolves to.
Registering an existing worker replaces its primary pane and keeps its
sub-panes.`,
	Args: exactArgs(2, "herd register <worker> <target>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, registryTimeout, func(ctx context.Context, e *env) error {
			r, err := e.res.Resolve(ctx, args[1])
			if err != nil {
				return err
			}
			w, err := e.reg.Register(ctx, args[0], r.PaneAddress, r.SessionName, registerTask)
			if err != nil {
				return err
			}
			return formatter().Render(w, func(out io.Writer) error {
				_, err := fmt.Fprintf(out, "Registered %s at %s (%s)\n", w.ID, w.PrimaryPane, w.SessionName)
				return err
			})
		})
	},
}

var subpaneCmd = &cobra.Command{
	Use:   "subpane WORKER TARGET",
	Short: "Attach an existing pane to a worker as its next sub-pane",
	Args:  exactArgs(2, "herd subpane <worker> <target>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, registryTimeout, func(ctx context.Context, e *env) error {
			r, err := e.res.Resolve(ctx, args[1])
			if err != nil {
				return err
			}
			idx, err := e.reg.AddSubPane(ctx, args[0], r.PaneAddress)
			if err != nil {
				return err
			}
			res := herd.SplitResult{WorkerID: args[0], Index: idx, Pane: r.PaneAddress}
			return formatter().Render(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s:%d -> %s\n", res.WorkerID, res.Index, res.Pane)
				return err
			})
		})
	},
}

var listCheck bool

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered workers",
	Long: `List registered workers. With --check each primary pane is checked and
workers whose pane is gone are removed from the registry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, time.Minute, func(ctx context.Context, e *env) error {
			infos, err := herd.NewLister(e.reg, e.res).List(ctx, herd.ListOptions{Check: listCheck})
			if err != nil {
				return err
			}
			return formatter().Render(infos, func(w io.Writer) error {
				if len(infos) == 0 {
					_, err := fmt.Fprintln(w, "No workers registered.")
					return err
				}
				headers := []string{"WORKER", "PANE", "SESSION", "STATUS", "SUBPANES", "TASK", "AGE"}
				if listCheck {
					headers = append(headers, "LIVE")
				}
				t := output.NewTable(w, headers...).SetMaxWidth(output.TerminalWidth(os.Stdout, 120))
				now := time.Now()
				for _, info := range infos {
					row := []string{
						info.ID, info.PrimaryPane, info.SessionName, string(info.Status),
						strconv.Itoa(len(info.SubPanes)), info.TaskRef, util.FormatAge(now.Sub(info.CreatedAt)),
					}
					if listCheck {
						row = append(row, liveLabel(info))
					}
					t.AddRow(row...)
				}
				t.Render()
				return nil
			})
		})
	},
}

func liveLabel(info herd.WorkerInfo) string {
	switch {
	case info.Error != "":
		return "error: " + info.Error
	case info.Live == nil:
		return "?"
	case *info.Live:
		return "yes"
	}
	return "no (pruned)"
}

var deregisterCmd = &cobra.Command{
	Use:   "deregister WORKER",
	Short: "Remove a worker from the registry without touching its panes",
	Args:  exactArgs(1, "herd deregister <worker>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, registryTimeout, func(ctx context.Context, e *env) error {
			if err := e.reg.Remove(ctx, args[0]); err != nil {
				return err
			}
			return formatter().Render(map[string]string{"removed": args[0]}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Deregistered %s\n", args[0])
				return err
			})
		})
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerTask, "task", "", "task reference recorded with the worker")
	listCmd.Flags().BoolVar(&listCheck, "check", false, "check each worker's pane and prune dead workers")

	rootCmd.AddCommand(resolveCmd, registerCmd, subpaneCmd, listCmd, deregisterCmd)
}

// resolvedText renders where a command landed.
func resolvedText(r target.Resolved) string {
	if r.WorkerID != "" {
		return fmt.Sprintf("%s (%s)", r.PaneAddress, r.WorkerID)
	}
	return r.PaneAddress
}
