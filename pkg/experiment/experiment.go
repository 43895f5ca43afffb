package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sjwo/lab/pkg/fetcher"
	"github.com/sjwo/lab/pkg/steps"
)

// DefaultShardSize is how many runs are grouped into one top-level shard
// directory. Sharding bounds the number of entries at the experiment root so
// large experiments do not hit filesystem directory-size pathologies.
const DefaultShardSize = 100

// evalDirSuffix is appended to the experiment path to form the default
// location for fetched results.
const evalDirSuffix = "-eval"

// Environment decides how a built experiment is actually executed: locally
// in sequence, or submitted to a batch scheduler. The engine only ever calls
// through this interface.
type Environment interface {
	// IsLocal reports whether runs execute on this machine. Selects
	// local-vs-remote defaults such as the command polling interval.
	IsLocal() bool

	// WriteMainScript produces the experiment-level dispatch entry point at
	// build time.
	WriteMainScript(exp *Experiment) error

	// BuildLinkedResources stages a run's linked resources per the
	// environment's execution model, before the run script is generated.
	BuildLinkedResources(run *Run) error

	// StartExp begins execution of the built experiment.
	StartExp(ctx context.Context, exp *Experiment) error
}

// Report consumes an evaluation directory and publishes a result artifact.
// Concrete reports live outside the engine.
type Report interface {
	// OutputFormat is the artifact's file extension, e.g. "html" or "tex".
	OutputFormat() string

	// Publish writes the report for evalDir to outfile.
	Publish(evalDir, outfile string) error
}

// Experiment is a buildable collection of runs plus the step sequence that
// builds, dispatches and evaluates them. Experiments own their runs: runs
// are created through NewRun and never outlive the experiment.
type Experiment struct {
	buildable

	environment Environment
	shardSize   int
	runs        []*Run
	steps       *steps.Sequence
	fetcher     *fetcher.Fetcher

	// buildOverwrite is consulted by the default build step. Set explicitly
	// by the caller, never read from global flag state.
	buildOverwrite bool
}

// New creates an experiment that will be built at path using the given
// environment. The default steps build, start and fetch are registered
// immediately; callers append further steps as needed.
//
// The path must not contain colons or commas: both would corrupt the
// delimited id encoding of the combined properties file.
func New(path string, env Environment) (*Experiment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, NewConfigError("resolving experiment path", err)
	}
	if strings.ContainsAny(abs, ":,") {
		return nil, NewConfigError(
			fmt.Sprintf("experiment path must not contain colons or commas: %s", abs), nil)
	}
	if env == nil {
		return nil, NewConfigError("experiment requires an environment", nil)
	}

	e := &Experiment{
		buildable:   newBuildable(),
		environment: env,
		shardSize:   DefaultShardSize,
		steps:       steps.NewSequence(),
		fetcher:     fetcher.New(),
	}
	e.path = abs
	e.SetProperty("experiment_file", filepath.Base(os.Args[0]))

	for _, step := range []steps.Step{
		steps.New("build", func(context.Context) error { return e.Build(e.buildOverwrite) }),
		steps.New("start", func(ctx context.Context) error { return e.Start(ctx) }),
		steps.New("fetch", func(context.Context) error { return e.Fetch() }),
	} {
		if err := e.steps.Append(step); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Name returns the directory name of the experiment's path.
func (e *Experiment) Name() string {
	return filepath.Base(e.path)
}

// EvalDir returns the default directory for fetched and parsed results.
func (e *Experiment) EvalDir() string {
	return e.path + evalDirSuffix
}

// Environment returns the experiment's environment.
func (e *Experiment) Environment() Environment {
	return e.environment
}

// Steps returns the experiment's step sequence.
func (e *Experiment) Steps() *steps.Sequence {
	return e.steps
}

// Runs returns the experiment's runs in add order.
func (e *Experiment) Runs() []*Run {
	out := make([]*Run, len(e.runs))
	copy(out, e.runs)
	return out
}

// SetShardSize overrides the number of runs per shard directory. Must be
// called before Build.
func (e *Experiment) SetShardSize(size int) error {
	if size < 1 {
		return NewConfigError(fmt.Sprintf("shard size must be positive, got %d", size), nil)
	}
	e.shardSize = size
	return nil
}

// SetBuildOverwrite controls whether the default build step wipes an
// experiment directory that already contains runs.
func (e *Experiment) SetBuildOverwrite(overwrite bool) {
	e.buildOverwrite = overwrite
}

// NewRun creates a run, schedules it as part of the experiment and returns
// it for configuration. Run order determines on-disk placement: reordering
// runs changes every subsequent run directory.
func (e *Experiment) NewRun() *Run {
	run := newRun(e)
	e.runs = append(e.runs, run)
	return run
}

// AddStep appends a step to the experiment's sequence.
func (e *Experiment) AddStep(step steps.Step) error {
	return e.steps.Append(step)
}

// AddReport appends a report step. Empty name, evalDir or outfile fall back
// to sane defaults: the outfile's base name (or "report"), the experiment's
// eval dir, and "<name>.<format>" under the eval dir.
func (e *Experiment) AddReport(report Report, name, evalDir, outfile string) error {
	if name == "" {
		if outfile != "" {
			name = filepath.Base(outfile)
		} else {
			name = "report"
		}
	}
	if evalDir == "" {
		evalDir = e.EvalDir()
	}
	if outfile == "" {
		outfile = fmt.Sprintf("%s.%s", name, report.OutputFormat())
	}
	if !filepath.IsAbs(outfile) {
		outfile = filepath.Join(evalDir, outfile)
	}
	return e.steps.Append(steps.New(name, func(context.Context) error {
		return report.Publish(evalDir, outfile)
	}))
}

// RunSteps executes the given step selection in order.
func (e *Experiment) RunSteps(ctx context.Context, sel steps.Selection) error {
	return e.steps.RunSelected(ctx, sel)
}

// Start begins execution of the built experiment. Depending on the
// environment this runs everything locally or submits to a scheduler.
func (e *Experiment) Start(ctx context.Context) error {
	return e.environment.StartExp(ctx, e)
}

// Fetch merges all run properties into the evaluation directory.
func (e *Experiment) Fetch() error {
	return e.fetcher.Fetch(e.path, e.EvalDir())
}

// Build applies all declared actions to the filesystem: run directory
// assignment, the environment's dispatch script, experiment resources, every
// run, and finally the experiment properties file.
//
// If the experiment directory exists and already contains run directories it
// is preserved unless overwrite is set, so an interrupted build can resume
// without destroying completed output. Build failures are not rolled back.
func (e *Experiment) Build(overwrite bool) error {
	log.Info().Str("dir", e.path).Msg("building experiment")

	// Paths first: everything downstream reads them.
	e.setRunDirs()

	if pathExists(e.path) {
		runsExist, err := e.runDirsExist()
		if err != nil {
			return err
		}
		log.Info().Bool("runs_exist", runsExist).Str("dir", e.path).
			Msg("experiment directory already exists")
		if overwrite || !runsExist {
			if err := overwriteDir(e.path); err != nil {
				return err
			}
		}
	} else if err := os.MkdirAll(e.path, 0o755); err != nil {
		return fmt.Errorf("creating experiment directory: %w", err)
	}

	if err := e.environment.WriteMainScript(e); err != nil {
		return NewResourceError("writing main script", err).WithEntity(e.Name())
	}
	if err := e.buildResources(); err != nil {
		return err
	}
	if err := e.buildRuns(); err != nil {
		return err
	}
	return e.buildPropertiesFile()
}

func (e *Experiment) runDirsExist() (bool, error) {
	entries, err := os.ReadDir(e.path)
	if err != nil {
		return false, fmt.Errorf("reading experiment directory: %w", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "runs") {
			return true, nil
		}
	}
	return false, nil
}

// setRunDirs assigns every run its shard-relative directory. Run k (1-based)
// with shard size S lands in runs-<(⌈k/S⌉-1)*S+1>-<⌈k/S⌉*S>/<k>, all numbers
// zero-padded to five digits.
func (e *Experiment) setRunDirs() {
	for i, run := range e.runs {
		number := i + 1
		shard := (number-1)/e.shardSize + 1
		first := (shard-1)*e.shardSize + 1
		last := shard * e.shardSize
		rel := filepath.Join(
			fmt.Sprintf("runs-%05d-%05d", first, last),
			fmt.Sprintf("%05d", number),
		)
		run.path = e.absPath(rel)
		run.SetProperty("run_dir", rel)
	}
}

func (e *Experiment) buildRuns() error {
	if len(e.runs) == 0 {
		return NewConfigError("no runs have been added to the experiment", nil).
			WithEntity(e.Name())
	}
	total := len(e.runs)
	e.SetProperty("runs", total)
	log.Info().Int("runs", total).Msg("building runs")
	for i, run := range e.runs {
		if err := run.Build(); err != nil {
			return fmt.Errorf("building run %d/%d: %w", i+1, total, err)
		}
		if (i+1)%100 == 0 {
			log.Info().Int("built", i+1).Int("total", total).Msg("building runs")
		}
	}
	return nil
}
