package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/herd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage herd configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return formatter().Render(cfg, func(w io.Writer) error {
			return config.Print(cfg, w)
		})
	},
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write the default configuration file",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationNoConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.CreateDefault(config.Resolve(cfgFile))
		if err != nil {
			return err
		}
		return formatter().Render(map[string]string{"path": path}, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "Created %s\n", path)
			return err
		})
	},
}

var configPathCmd = &cobra.Command{
	Use:         "path",
	Short:       "Print the configuration file path",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationNoConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Resolve(cfgFile)
		_, statErr := os.Stat(config.ExpandHome(path))
		return formatter().Render(map[string]any{"path": path, "exists": statErr == nil}, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, path)
			return err
		})
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
