package experiment

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const defaultAbortOnFailure = false

// Command polling interval defaults: keep short local test runs fast,
// reduce overhead on shared infrastructure otherwise.
const (
	localCheckInterval  = 500 * time.Millisecond
	remoteCheckInterval = 5 * time.Second
)

// Command is one command of a run: an argv plus execution options.
type Command struct {
	// Argv is the command line; the first item is the executable. Tokens
	// matching a resource binding name are substituted with the binding's
	// path in the generated script.
	Argv []string

	// AbortOnFailure terminates the run script when this command exits
	// nonzero. Off by default: partial diagnostic output from later
	// commands is often still valuable.
	AbortOnFailure bool

	// TimeLimit caps the command's wall-clock time. Zero means no limit.
	TimeLimit time.Duration

	// MemoryLimitKiB caps the command's virtual memory. Zero means no limit.
	MemoryLimitKiB int

	// CheckInterval is the resource polling granularity advertised to the
	// command. Zero selects an environment-dependent default.
	CheckInterval time.Duration
}

// Run is one unit of work of an experiment: a directory of resources plus an
// ordered list of commands compiled into a single executable script. Runs
// are created through Experiment.NewRun and finalized exactly once when the
// experiment builds.
type Run struct {
	buildable

	// experiment is a non-owning back-reference; the experiment owns the
	// run's lifetime.
	experiment *Experiment

	linkedResources []string
	commandNames    []string
	commands        map[string]Command
}

func newRun(exp *Experiment) *Run {
	return &Run{
		buildable:  newBuildable(),
		experiment: exp,
		commands:   make(map[string]Command),
	}
}

// Experiment returns the owning experiment.
func (r *Run) Experiment() *Experiment {
	return r.experiment
}

// RequireResource declares that the named experiment resource must be
// available to this run. How the resource is staged depends on the
// environment: some merely expose a variable, others copy or link the
// resource into the run directory.
func (r *Run) RequireResource(name string) {
	for _, existing := range r.linkedResources {
		if existing == name {
			return
		}
	}
	r.linkedResources = append(r.linkedResources, name)
}

// LinkedResources returns the resource names declared via RequireResource.
func (r *Run) LinkedResources() []string {
	out := make([]string, len(r.linkedResources))
	copy(out, r.linkedResources)
	return out
}

// AddCommand adds a named command to the run. Commands execute in insertion
// order. Spaces in the name are replaced with underscores since the name
// doubles as a property key for the captured exit code.
func (r *Run) AddCommand(name string, cmd Command) error {
	if name == "" {
		return NewConfigError("command name must not be empty", nil)
	}
	if len(cmd.Argv) == 0 {
		return NewConfigError(fmt.Sprintf("command %q cannot be empty", name), nil).WithEntity(name)
	}
	name = strings.ReplaceAll(name, " ", "_")
	if _, ok := r.commands[name]; !ok {
		r.commandNames = append(r.commandNames, name)
	}
	r.commands[name] = cmd
	return nil
}

// Build writes the run to disk: directory, linked resources, generated run
// script, declared resources and the merged properties file. Only valid
// after the experiment build has assigned the run's directory.
func (r *Run) Build() error {
	if r.path == "" {
		return NewConfigError(
			"run has no directory assigned; build the experiment, not the run", nil).
			WithEntity(r.identity())
	}
	if err := overwriteDir(r.path); err != nil {
		return err
	}

	// Linked resources must be staged before the run script so that their
	// bindings exist, and the run script before the generic materialization
	// because the script is itself a synthesized resource.
	if err := r.experiment.environment.BuildLinkedResources(r); err != nil {
		return NewResourceError("staging linked resources", err).WithEntity(r.identity())
	}
	if err := r.buildRunScript(); err != nil {
		return err
	}
	if err := r.buildResources(); err != nil {
		return err
	}
	return r.buildPropertiesFile()
}

func (r *Run) buildRunScript() error {
	if len(r.commandNames) == 0 {
		return NewConfigError("cannot build a run without commands", nil).WithEntity(r.identity())
	}

	// Experiment-wide bindings, overlaid by the run's own. The script itself
	// is registered up front so rebuilds produce identical bindings.
	vars := r.experiment.envVars()
	for name, path := range r.envVars() {
		vars[name] = path
	}
	vars["RUN_SCRIPT"] = r.absPath("run")
	bindings := make(map[string]string, len(vars))
	for name, abs := range vars {
		rel, err := filepath.Rel(r.path, abs)
		if err != nil {
			rel = abs
		}
		bindings[name] = rel
	}

	local := r.experiment.environment.IsLocal()
	invocations := make([]Invocation, 0, len(r.commandNames))
	for _, name := range r.commandNames {
		cmd := r.commands[name]
		interval := cmd.CheckInterval
		if interval == 0 {
			if local {
				interval = localCheckInterval
			} else {
				interval = remoteCheckInterval
			}
		}
		args := make([]Arg, len(cmd.Argv))
		for i, token := range cmd.Argv {
			_, bound := bindings[token]
			args[i] = Arg{Value: token, Binding: bound}
		}
		invocations = append(invocations, Invocation{
			Name:           name,
			Args:           args,
			AbortOnFailure: cmd.AbortOnFailure,
			TimeLimit:      cmd.TimeLimit,
			MemoryLimitKiB: cmd.MemoryLimitKiB,
			CheckInterval:  interval,
		})
	}

	script := renderRunScript(bindings, invocations)
	r.addNewFile("RUN_SCRIPT", "run", script, 0o755)
	return nil
}

// buildPropertiesFile validates and normalizes the run id, then merges the
// properties file. The id check runs as the very last build action so that
// earlier failures surface first.
func (r *Run) buildPropertiesFile() error {
	id, err := r.normalizedID()
	if err != nil {
		return err
	}
	r.SetProperty("id", id)
	// The colon-joined form makes the combined properties file greppable.
	r.SetProperty("id_string", strings.Join(id, ":"))
	return r.buildable.buildPropertiesFile()
}

func (r *Run) normalizedID() ([]string, error) {
	raw, ok := r.props.Get("id")
	if !ok {
		return nil, NewConfigError("every run must have an id property", nil).
			WithEntity(r.identity())
	}
	id, ok := coerceID(raw)
	if !ok {
		return nil, NewConfigError(
			fmt.Sprintf("run id must be a list of strings, got %T", raw), nil).
			WithEntity(r.identity())
	}
	if len(id) == 0 {
		return nil, NewConfigError("run id must not be empty", nil).WithEntity(r.identity())
	}
	return id, nil
}

func coerceID(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...), true
	case []any:
		id := make([]string, len(v))
		for i, item := range v {
			id[i] = fmt.Sprint(item)
		}
		return id, true
	}
	return nil, false
}

// identity names the run in error messages: its id when set, otherwise its
// directory.
func (r *Run) identity() string {
	if raw, ok := r.props.Get("id"); ok {
		if id, ok := coerceID(raw); ok && len(id) > 0 {
			return strings.Join(id, ":")
		}
	}
	if dir, ok := r.props.Get("run_dir"); ok {
		return fmt.Sprint(dir)
	}
	return "unnamed run"
}
