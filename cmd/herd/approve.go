package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/herd/internal/approve"
	"github.com/theirongolddev/herd/internal/events"
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Answer approval prompts from the trust policy",
	Long: `Trust rules live in one YAML file per layer, configured under
[approve.policy_files] (worker, batch, project, user, global). The most
specific layer is checked first and the first matching rule wins. A prompt
no rule allows is left for a human.

  rules:
    - id: read-anything
      scope: Read
      action: allow
    - id: no-force-push
      scope: Bash(git push --force*)
      action: deny`,
}

var approveEvaluateCmd = &cobra.Command{
	Use:   "evaluate WORKER",
	Short: "Decide on a worker's pending prompt and answer it",
	Args:  exactArgs(1, "herd approve evaluate <worker>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, paneTimeout, func(ctx context.Context, e *env) error {
			agg, err := e.aggregator()
			if err != nil {
				return err
			}
			defer agg.Close()
			if _, err := agg.Subscribe(ctx, args[0]); err != nil {
				return err
			}
			engine, closeEngine, err := e.engine(agg)
			if err != nil {
				return err
			}
			defer closeEngine()

			d, err := engine.Evaluate(ctx, args[0])
			if err != nil {
				return err
			}
			return outputDecision(args[0], d)
		})
	},
}

var approveRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the loaded rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := approve.LoadPolicy(cfg.Approve.PolicyFiles)
		if err != nil {
			return err
		}
		rules := policy.Rules()
		return formatter().Render(rules, func(w io.Writer) error {
			if len(rules) == 0 {
				_, err := fmt.Fprintln(w, "No trust rules loaded; every prompt is left for a human.")
				return err
			}
			for _, r := range rules {
				fmt.Fprintf(w, "%-8s %-6s %-20s %s", r.Layer, r.Action, r.ID, r.Scope)
				if len(r.Workers) > 0 {
					fmt.Fprintf(w, "  workers=%s", strings.Join(r.Workers, ","))
				}
				if len(r.Batches) > 0 {
					fmt.Fprintf(w, "  batches=%s", strings.Join(r.Batches, ","))
				}
				fmt.Fprintln(w)
			}
			return nil
		})
	},
}

var (
	checkWorker  string
	checkBatches []string
)

var approveCheckCmd = &cobra.Command{
	Use:   "check TOOL [SUBJECT]",
	Short: "Show what the policy would decide for a prompt, without acting",
	Long: `Show the decision for a prompt class.

Examples:
  herd approve check Bash "npm install"
  herd approve check Edit src/main.go --worker bd-42`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := approve.LoadPolicy(cfg.Approve.PolicyFiles)
		if err != nil {
			return err
		}
		prompt := events.Prompt{Tool: args[0]}
		if len(args) == 2 {
			prompt.Subject = args[1]
		}
		return outputDecision(checkWorker, policy.Decide(checkWorker, checkBatches, prompt))
	},
}

func outputDecision(worker string, d approve.Decision) error {
	return formatter().Render(d, func(w io.Writer) error {
		prefix := ""
		if worker != "" {
			prefix = worker + ": "
		}
		_, err := fmt.Fprintf(w, "%s%s %s (%s)\n", prefix, d.Action, d.Class, d.Reason)
		return err
	})
}

func init() {
	approveCheckCmd.Flags().StringVar(&checkWorker, "worker", "", "worker the prompt comes from")
	approveCheckCmd.Flags().StringSliceVar(&checkBatches, "batch", nil, "batches the worker belongs to")

	approveCmd.AddCommand(approveEvaluateCmd, approveRulesCmd, approveCheckCmd)
	rootCmd.AddCommand(approveCmd)
}
