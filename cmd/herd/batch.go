package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/herd/internal/batch"
	"github.com/theirongolddev/herd/internal/output"
	"github.com/theirongolddev/herd/internal/util"
)

const batchTimeout = 5 * time.Minute

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run groups of tasks under a concurrency limit",
}

var (
	batchFile   string
	batchSelect string
	batchLimit  int
	batchHard   bool
)

var batchSubmitCmd = &cobra.Command{
	Use:   "submit [TASK_REF...]",
	Short: "Spawn a worker per task, at most --limit at a time",
	Long: `Submit two or more tasks as a batch. Tasks are given as refs on the
command line or read from the ready tasks of a YAML task file (--file, or
batch.task_file in the config), optionally narrowed by --select.

--select takes a glob (auth-*) or a regular expression prefixed with re:.

Examples:
  herd batch submit bd-41 bd-42 bd-43 --limit 2
  herd batch submit --file tasks.yaml --select 'auth-*'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := submittedTasks(args)
		if err != nil {
			return err
		}
		return withEnv(cmd, batchTimeout, func(ctx context.Context, e *env) error {
			b, err := e.batches().Submit(ctx, tasks, batchLimit)
			if err != nil {
				return err
			}
			return formatter().Render(b, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Batch %s: %s spawned, %d queued (limit %d)\n",
					b.ID, output.CountStr(len(b.Members), "worker", "workers"), len(b.Queue), b.ConcurrencyLimit)
				return err
			})
		})
	},
}

func submittedTasks(args []string) ([]batch.Task, error) {
	if len(args) > 0 {
		tasks := batch.Refs(args...)
		if batchSelect != "" {
			return batch.Select(tasks, batchSelect)
		}
		return tasks, nil
	}
	path := batchFile
	if path == "" {
		path = cfg.Batch.TaskFile
	}
	if path == "" {
		return nil, fmt.Errorf("no tasks: pass task refs, --file or set batch.task_file")
	}
	tasks, err := batch.FileTaskSource{Path: path}.Ready()
	if err != nil {
		return nil, err
	}
	if batchSelect != "" {
		return batch.Select(tasks, batchSelect)
	}
	return tasks, nil
}

var batchStatusCmd = &cobra.Command{
	Use:   "status BATCH",
	Short: "Show a batch roll-up with fresh member statuses",
	Args:  exactArgs(1, "herd batch status <batch>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, registryTimeout, func(ctx context.Context, e *env) error {
			r, err := e.batches().Status(ctx, args[0])
			if err != nil {
				return err
			}
			return outputReport(r)
		})
	},
}

var batchReconcileCmd = &cobra.Command{
	Use:   "reconcile BATCH",
	Short: "Refresh a batch and spawn queued tasks into free slots",
	Args:  exactArgs(1, "herd batch reconcile <batch>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, batchTimeout, func(ctx context.Context, e *env) error {
			r, err := e.batches().Reconcile(ctx, args[0])
			if err != nil {
				return err
			}
			return outputReport(r)
		})
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel BATCH",
	Short: "Drop a batch's queued tasks (and with --hard, kill its running workers)",
	Args:  exactArgs(1, "herd batch cancel <batch> [--hard]"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, batchTimeout, func(ctx context.Context, e *env) error {
			r, err := e.batches().Cancel(ctx, args[0], batchHard)
			if err != nil {
				return err
			}
			return outputReport(r)
		})
	},
}

var batchListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List batches",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, registryTimeout, func(ctx context.Context, e *env) error {
			list, err := e.batches().List(ctx)
			if err != nil {
				return err
			}
			return formatter().Render(list, func(w io.Writer) error {
				if len(list) == 0 {
					_, err := fmt.Fprintln(w, "No batches.")
					return err
				}
				t := output.NewTable(w, "BATCH", "STATUS", "MEMBERS", "QUEUED", "LIMIT", "AGE")
				now := time.Now()
				for _, b := range list {
					t.AddRow(b.ID, string(b.Status), fmt.Sprint(len(b.Members)), fmt.Sprint(len(b.Queue)),
						fmt.Sprint(b.ConcurrencyLimit), util.FormatAge(now.Sub(b.CreatedAt)))
				}
				t.Render()
				return nil
			})
		})
	},
}

var batchPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, registryTimeout, func(ctx context.Context, e *env) error {
			ids, err := e.batches().Prune(ctx)
			if err != nil {
				return err
			}
			return formatter().Render(map[string]any{"pruned": ids}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Pruned %s\n", output.CountStr(len(ids), "batch", "batches"))
				return err
			})
		})
	},
}

func outputReport(r *batch.Report) error {
	return formatter().Render(r, func(w io.Writer) error {
		b := r.Batch
		fmt.Fprintf(w, "Batch %s  %s  active %d/%d  queued %d\n", b.ID, b.Status, r.Active, b.ConcurrencyLimit, r.Queued)
		if len(b.Cancelled) > 0 {
			fmt.Fprintf(w, "Cancelled: %v\n", b.Cancelled)
		}
		if len(b.Members) == 0 {
			return nil
		}
		fmt.Fprintln(w)
		t := output.NewTable(w, "TASK", "WORKER", "STATUS", "ERROR")
		t.SetMaxWidth(output.TerminalWidth(os.Stdout, 120))
		for _, m := range b.Members {
			t.AddRow(m.TaskRef, m.WorkerID, string(m.Status), m.Error)
		}
		t.Render()
		return nil
	})
}

func init() {
	batchSubmitCmd.Flags().StringVarP(&batchFile, "file", "f", "", "YAML task file (default batch.task_file)")
	batchSubmitCmd.Flags().StringVar(&batchSelect, "select", "", "glob or re:<regexp> over task refs")
	batchSubmitCmd.Flags().IntVarP(&batchLimit, "limit", "l", 0, "concurrency limit (default batch.default_concurrency)")
	batchCancelCmd.Flags().BoolVar(&batchHard, "hard", false, "also kill running members")

	batchCmd.AddCommand(batchSubmitCmd, batchStatusCmd, batchReconcileCmd, batchCancelCmd, batchListCmd, batchPruneCmd)
	rootCmd.AddCommand(batchCmd)
}
