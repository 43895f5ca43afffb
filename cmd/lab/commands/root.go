// Package commands implements the lab CLI.
package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sjwo/lab/pkg/config"
	"github.com/sjwo/lab/pkg/experiment"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lab",
		Short: "Build and dispatch computational experiments",
		Long: `lab builds experiments from declarative YAML definitions and dispatches
them locally or on a Slurm cluster.

An experiment is a set of runs; each run gets its own directory with its
resources, a generated run script and a properties file. Steps (build,
start, fetch by default) drive the experiment's lifecycle.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStepsCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadExperiment loads the definition at cfgPath and assembles the
// experiment, resolving relative paths against the definition's directory.
func loadExperiment(cfgPath string) (*experiment.Experiment, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}
	return cfg.BuildExperiment(filepath.Dir(absPath))
}
