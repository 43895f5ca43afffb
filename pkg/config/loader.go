package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sjwo/lab/pkg/environments"
	"github.com/sjwo/lab/pkg/experiment"
)

// Load reads, strictly decodes and validates an experiment definition.
// Unknown YAML fields are errors.
func Load(path string) (*ExperimentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg ExperimentConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return &cfg, nil
}

// BuildExperiment assembles an experiment from a loaded definition.
// Relative paths in the definition resolve against baseDir, typically the
// config file's directory.
func (cfg *ExperimentConfig) BuildExperiment(baseDir string) (*experiment.Experiment, error) {
	env, err := cfg.Environment.build()
	if err != nil {
		return nil, err
	}

	exp, err := experiment.New(resolve(baseDir, cfg.Path), env)
	if err != nil {
		return nil, err
	}
	if cfg.ShardSize > 0 {
		if err := exp.SetShardSize(cfg.ShardSize); err != nil {
			return nil, err
		}
	}

	setProperties(exp, cfg.Properties)
	for _, r := range cfg.Resources {
		exp.AddResource(r.Name, resolve(baseDir, r.Source), r.Dest, r.required(), r.Symlink)
	}

	for i, rc := range cfg.Runs {
		run := exp.NewRun()
		run.SetProperty("id", rc.ID)
		setProperties(run, rc.Properties)
		for _, r := range rc.Resources {
			run.AddResource(r.Name, resolve(baseDir, r.Source), r.Dest, r.required(), r.Symlink)
		}
		for _, name := range rc.LinkedResources {
			run.RequireResource(name)
		}
		for _, nf := range rc.NewFiles {
			run.AddNewFile(nf.Name, nf.Dest, nf.Content)
		}
		for _, c := range rc.Commands {
			cmd := experiment.Command{
				Argv:           c.Argv,
				AbortOnFailure: c.AbortOnFailure,
				TimeLimit:      c.TimeLimit.Duration,
				MemoryLimitKiB: c.MemoryLimitKiB,
				CheckInterval:  c.CheckInterval.Duration,
			}
			if err := run.AddCommand(c.Name, cmd); err != nil {
				return nil, fmt.Errorf("run %d: %w", i+1, err)
			}
		}
	}
	return exp, nil
}

func (ec *EnvironmentConfig) build() (experiment.Environment, error) {
	switch ec.Type {
	case "", "local":
		return &environments.Local{Processes: ec.Processes}, nil
	case "slurm":
		slurm := &environments.Slurm{
			Partition:    ec.Partition,
			TimeLimit:    ec.TimeLimit,
			Memory:       ec.Memory,
			Email:        ec.Email,
			ExtraOptions: ec.ExtraOptions,
		}
		if ec.Remote != nil {
			slurm.Remote = &environments.Remote{
				Host:           ec.Remote.Host,
				Port:           ec.Remote.Port,
				User:           ec.Remote.User,
				PrivateKeyPath: ec.Remote.PrivateKeyPath,
				KnownHostsPath: ec.Remote.KnownHostsPath,
				Dir:            ec.Remote.Dir,
			}
		}
		return slurm, nil
	default:
		return nil, fmt.Errorf("unknown environment type %q", ec.Type)
	}
}

func (rc *ResourceConfig) required() bool {
	if rc.Required == nil {
		return true
	}
	return *rc.Required
}

// setProperties applies a property map in sorted key order so builds from
// the same definition are deterministic.
func setProperties(target interface{ SetProperty(string, any) }, props map[string]any) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		target.SetProperty(k, props[k])
	}
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
