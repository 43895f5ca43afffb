// Package fetcher collects the per-run properties of a built experiment into
// a single combined properties file under the evaluation directory. It
// relies on the contract that every run directory carries a self-describing
// properties file with the id/id_string keys.
package fetcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/sjwo/lab/pkg/props"
)

// Fetcher scans run directories and merges their properties.
type Fetcher struct{}

// New returns a fetcher.
func New() *Fetcher {
	return &Fetcher{}
}

// Fetch merges every run properties file under srcDir into
// <evalDir>/properties, keyed by the run's id_string. An existing combined
// file is loaded first, so repeated fetches (and fetches from several
// experiments into one evaluation directory) merge instead of overwrite.
func (f *Fetcher) Fetch(srcDir, evalDir string) error {
	if _, err := os.Stat(srcDir); err != nil {
		return fmt.Errorf("experiment directory %s: %w", srcDir, err)
	}

	runDirs, err := filepath.Glob(filepath.Join(srcDir, "runs-*", "*"))
	if err != nil {
		return err
	}

	combined, err := props.Load(filepath.Join(evalDir, "properties"))
	if err != nil {
		return err
	}

	fetched := 0
	for _, runDir := range runDirs {
		info, err := os.Stat(runDir)
		if err != nil || !info.IsDir() {
			continue
		}
		propsFile := filepath.Join(runDir, "properties")
		if _, err := os.Stat(propsFile); err != nil {
			log.Warn().Str("run_dir", runDir).Msg("run has no properties file, skipping")
			continue
		}
		runProps, err := props.Load(propsFile)
		if err != nil {
			return fmt.Errorf("run %s: %w", runDir, err)
		}
		idString, ok := runProps.Get("id_string")
		if !ok {
			return fmt.Errorf("run %s has no id_string property", runDir)
		}
		key, ok := idString.(string)
		if !ok || key == "" {
			return fmt.Errorf("run %s has a malformed id_string property: %v", runDir, idString)
		}
		combined.Set(key, runProps)
		fetched++
	}

	if err := combined.Write(); err != nil {
		return err
	}
	log.Info().Int("runs", fetched).Str("eval_dir", evalDir).Msg("fetched run properties")
	return nil
}
