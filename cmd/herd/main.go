package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/herd/internal/batch"
	"github.com/theirongolddev/herd/internal/config"
	"github.com/theirongolddev/herd/internal/herd"
	"github.com/theirongolddev/herd/internal/output"
	"github.com/theirongolddev/herd/internal/registry"
	"github.com/theirongolddev/herd/internal/target"
	"github.com/theirongolddev/herd/internal/tmux"
)

// annotationNoConfig marks commands that still run when the config fails to load.
const annotationNoConfig = "herd/no-config"

var (
	cfgFile   string
	jsonFlag  bool
	debugFlag bool

	cfg    *config.Config
	logger *slog.Logger

	// Build information, set via -ldflags.
	Version = "dev"
	Commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "herd",
	Short: "Coordinate AI coding agents running in tmux panes",
	Long: `herd tracks AI coding agents ("workers") running in tmux panes.

It resolves human-friendly targets to panes, runs batches of tasks under a
concurrency limit, aggregates what each worker is doing and answers routine
approval prompts according to a layered trust policy.

Targets:
  %12            raw pane address
  bd-42          primary pane of worker bd-42
  bd-42:1        first sub-pane of worker bd-42
  genie:OMNI     window OMNI of session genie
  genie          active pane of session genie`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			if cmd.Annotations[annotationNoConfig] == "" {
				return err
			}
			cfg = config.Default()
		}
		if debugFlag {
			cfg.Log.Level = "debug"
		}
		logger = newLogger(cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationNoConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		info := map[string]string{"version": Version, "commit": Commit}
		return formatter().Render(info, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "herd %s (%s)\n", Version, Commit)
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HERD_CONFIG or ~/.config/herd/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "emit JSON output")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		output.PrintError(os.Stderr, err, output.DetectFormat(jsonFlag, os.Stdout) == output.FormatJSON)
		os.Exit(1)
	}
}

// exitCode makes herd exit with a status without printing an error.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func formatter() *output.Formatter {
	return output.New(output.WithFormat(output.DetectFormat(jsonFlag, os.Stdout)))
}

// env holds the components shared by the commands. It is built per
// invocation because every command reads the registry fresh.
type env struct {
	mux   *tmux.Client
	store registry.Store
	reg   *registry.Registry
	res   *target.Resolver
}

func openEnv() (*env, error) {
	client := tmux.NewClient(cfg.Tmux.Remote)
	client.Socket = cfg.Tmux.Socket
	if err := client.EnsureInstalled(); err != nil {
		return nil, err
	}
	store, err := registry.OpenStore(cfg.Registry.Backend, cfg.Registry.Path)
	if err != nil {
		return nil, err
	}
	reg := registry.New(store, client, registry.WithLogger(logger))
	return &env{
		mux:   client,
		store: store,
		reg:   reg,
		res:   target.NewResolver(reg, client, logger),
	}, nil
}

func (e *env) Close() error { return e.store.Close() }

func (e *env) spawner() *herd.Spawner {
	return herd.NewSpawner(e.reg, e.mux, cfg.GenerateAgentCommand, logger)
}

func (e *env) killer() *herd.Killer {
	return herd.NewKiller(e.reg, e.mux, logger)
}

func (e *env) batches() *batch.Manager {
	return batch.NewManager(e.reg, e.spawner(), e.killer(), batch.Options{
		Session:      cfg.Tmux.Session,
		WorkDir:      workDirOr(""),
		EventsDir:    cfg.Events.Dir,
		DefaultLimit: cfg.Batch.DefaultConcurrency,
		Logger:       logger,
	})
}

// withEnv runs fn with an opened env and a timeout derived from the
// command context.
func withEnv(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, e *env) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, e)
}

func workDirOr(flag string) string {
	if flag != "" {
		return config.ExpandHome(flag)
	}
	if cfg.Agent.WorkDir != "" {
		return cfg.Agent.WorkDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("expected %d argument(s), got %d\n\nUsage: %s", n, len(args), usage)
		}
		return nil
	}
}
