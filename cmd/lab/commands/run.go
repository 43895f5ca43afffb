package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sjwo/lab/pkg/steps"
	"github.com/sjwo/lab/pkg/stores"
)

func newRunCommand() *cobra.Command {
	var (
		all       bool
		overwrite bool
		watch     bool
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "run <config> [STEP...]",
		Short: "Run experiment steps",
		Long: `Run steps of the experiment defined by the given config file.

Steps are selected by name or 1-based position and execute in the order
given on the command line. Without a selection the step list is printed.`,
		Example: `  # Show the experiment's steps
  lab run exp.yaml

  # Run selected steps, by position or name
  lab run exp.yaml 1
  lab run exp.yaml build start

  # Run all steps in order
  lab run exp.yaml --all

  # Rebuild whenever the config changes
  lab run exp.yaml build --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := args[0]
			sel := steps.Selection{Steps: args[1:], All: all}

			runOnce := func(ctx context.Context) error {
				return runSteps(ctx, cfgPath, sel, overwrite, noHistory)
			}

			if err := runOnce(cmd.Context()); err != nil {
				return err
			}
			if watch {
				return watchConfig(cmd.Context(), cfgPath, runOnce)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "run all steps in declaration order")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "wipe existing run directories when building")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-run the selected steps when the config changes")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "skip recording step executions")

	return cmd
}

func runSteps(ctx context.Context, cfgPath string, sel steps.Selection, overwrite, noHistory bool) error {
	exp, err := loadExperiment(cfgPath)
	if err != nil {
		return err
	}
	exp.SetBuildOverwrite(overwrite)

	if !noHistory {
		store, err := stores.NewHistoryStore(exp.Path() + "-history.db")
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		defer store.Close()
		exp.Steps().SetRecorder(store.Recorder(exp.Name()))
	}

	err = exp.RunSteps(ctx, sel)
	if errors.Is(err, steps.ErrNoSelection) {
		fmt.Printf("Steps of experiment %s:\n", exp.Name())
		fmt.Print(exp.Steps().Describe())
		fmt.Println("\nSelect steps by name or position, or pass --all.")
		return nil
	}
	return err
}

// watchConfig re-runs the selected steps whenever cfgPath is written.
// Watches the directory rather than the file: editors replace files on
// save, which drops file-level watches.
func watchConfig(ctx context.Context, cfgPath string, runOnce func(context.Context) error) error {
	absPath, err := filepath.Abs(cfgPath)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	log.Info().Str("config", absPath).Msg("Watching for config changes")

	var debounce *time.Timer
	trigger := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != absPath || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		case <-trigger:
			log.Info().Msg("Config changed, re-running steps")
			if err := runOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Step execution failed")
			}
		}
	}
}
