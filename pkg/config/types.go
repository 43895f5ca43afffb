// Package config loads YAML experiment definitions and turns them into
// configured experiments. It is the declarative entry point used by the
// CLI; programs can also assemble experiments directly through
// pkg/experiment.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with Go duration-string YAML decoding,
// e.g. "30m" or "1h30m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// ExperimentConfig is the root of an experiment definition file.
type ExperimentConfig struct {
	// Path is the experiment directory, relative paths resolved against
	// the config file's directory.
	Path string `yaml:"path" validate:"required"`

	// ShardSize overrides how many run directories share a shard.
	ShardSize int `yaml:"shard_size" validate:"omitempty,gt=0"`

	Environment EnvironmentConfig `yaml:"environment"`

	Properties map[string]any   `yaml:"properties"`
	Resources  []ResourceConfig `yaml:"resources" validate:"dive"`
	Runs       []RunConfig      `yaml:"runs" validate:"required,min=1,dive"`
}

// EnvironmentConfig selects and parameterizes the execution environment.
type EnvironmentConfig struct {
	// Type is "local" or "slurm". Empty means local.
	Type string `yaml:"type" validate:"omitempty,oneof=local slurm"`

	// Processes applies to local environments.
	Processes int `yaml:"processes" validate:"omitempty,gt=0"`

	// Slurm directives.
	Partition    string   `yaml:"partition"`
	TimeLimit    string   `yaml:"time_limit"`
	Memory       string   `yaml:"memory"`
	Email        string   `yaml:"email"`
	ExtraOptions []string `yaml:"extra_options"`

	Remote *RemoteConfig `yaml:"remote"`
}

// RemoteConfig configures SSH submission to a cluster head node.
type RemoteConfig struct {
	Host           string `yaml:"host" validate:"required"`
	Port           int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User           string `yaml:"user" validate:"required"`
	PrivateKeyPath string `yaml:"private_key_path" validate:"required"`
	KnownHostsPath string `yaml:"known_hosts_path"`
	Dir            string `yaml:"dir" validate:"required"`
}

// ResourceConfig declares a file or directory to materialize.
type ResourceConfig struct {
	Name   string `yaml:"name" validate:"required"`
	Source string `yaml:"source" validate:"required"`
	Dest   string `yaml:"dest" validate:"required"`

	// Required defaults to true when omitted.
	Required *bool `yaml:"required"`
	Symlink  bool  `yaml:"symlink"`
}

// RunConfig declares one run of the experiment.
type RunConfig struct {
	// ID is the run's identity, joined with ":" for id_string.
	ID []string `yaml:"id" validate:"required,min=1"`

	Properties map[string]any   `yaml:"properties"`
	Resources  []ResourceConfig `yaml:"resources" validate:"dive"`

	// LinkedResources names experiment resources to stage into the run.
	LinkedResources []string `yaml:"linked_resources"`

	NewFiles []NewFileConfig `yaml:"new_files" validate:"dive"`
	Commands []CommandConfig `yaml:"commands" validate:"required,min=1,dive"`
}

// NewFileConfig declares a file written into the run at build time.
type NewFileConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Dest    string `yaml:"dest" validate:"required"`
	Content string `yaml:"content"`
}

// CommandConfig declares one command of a run.
type CommandConfig struct {
	Name string   `yaml:"name" validate:"required"`
	Argv []string `yaml:"argv" validate:"required,min=1"`

	AbortOnFailure bool     `yaml:"abort_on_failure"`
	TimeLimit      Duration `yaml:"time_limit"`
	MemoryLimitKiB int      `yaml:"memory_limit_kib" validate:"omitempty,gt=0"`
	CheckInterval  Duration `yaml:"check_interval"`
}
