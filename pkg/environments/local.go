// Package environments provides execution environments for experiments.
// Local runs everything on this machine; Slurm dispatches runs as an array
// job on a cluster, optionally submitting over SSH.
package environments

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sjwo/lab/pkg/experiment"
)

// mainScriptName is the dispatch entry point Local writes into the
// experiment directory.
const mainScriptName = "run"

// Local executes runs on the current machine.
type Local struct {
	// Processes is the number of run scripts to execute concurrently.
	// Values below 2 mean sequential execution.
	Processes int
}

// IsLocal reports that runs execute on this machine.
func (l *Local) IsLocal() bool {
	return true
}

// WriteMainScript writes the top-level run script. It visits every run
// directory under the shard layout and executes each run script, either
// sequentially or through xargs when Processes asks for parallelism.
func (l *Local) WriteMainScript(exp *experiment.Experiment) error {
	var b strings.Builder
	b.WriteString("#! /bin/bash\n\n")
	b.WriteString("cd \"$(dirname \"$0\")\"\n\n")
	b.WriteString("shopt -s nullglob\n")
	b.WriteString("RUN_DIRS=(runs-*/*/)\n\n")
	if l.Processes > 1 {
		fmt.Fprintf(&b, "printf '%%s\\n' \"${RUN_DIRS[@]}\" | xargs -P %d -I {} bash -c 'cd \"{}\" && ./run'\n", l.Processes)
	} else {
		b.WriteString("for dir in \"${RUN_DIRS[@]}\"; do\n")
		b.WriteString("    ( cd \"$dir\" && ./run )\n")
		b.WriteString("done\n")
	}

	path := filepath.Join(exp.Path(), mainScriptName)
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return fmt.Errorf("writing main script: %w", err)
	}
	return nil
}

// BuildLinkedResources is a no-op for local execution. Run scripts reference
// experiment resources through relative paths that stay valid on this
// machine.
func (l *Local) BuildLinkedResources(run *experiment.Run) error {
	return nil
}

// StartExp executes the main script and waits for it to finish.
func (l *Local) StartExp(ctx context.Context, exp *experiment.Experiment) error {
	log.Info().
		Str("experiment", exp.Name()).
		Int("processes", max(l.Processes, 1)).
		Msg("Starting experiment locally")

	cmd := exec.CommandContext(ctx, "./"+mainScriptName)
	cmd.Dir = exp.Path()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("main script failed: %w", err)
	}
	return nil
}
