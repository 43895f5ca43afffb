package environments

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sjwo/lab/pkg/experiment"
	"github.com/sjwo/lab/pkg/transports/ssh"
)

// sbatchScriptName is the array-job file Slurm writes into the experiment
// directory.
const sbatchScriptName = "slurm-array-job.sbatch"

// slurmLogDir collects the per-task stdout and stderr files. It must exist
// before submission or Slurm drops the output silently.
const slurmLogDir = "slurm-logs"

// Remote describes where to submit when the cluster head node is not this
// machine. The experiment directory is uploaded under Dir before submission.
type Remote struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	KnownHostsPath string
	Dir            string
}

// Slurm dispatches runs as a Slurm array job, one task per run.
type Slurm struct {
	// Partition selects the queue. Required by most clusters.
	Partition string
	// TimeLimit is passed to --time verbatim, e.g. "24:00:00".
	TimeLimit string
	// Memory is passed to --mem-per-cpu verbatim, e.g. "3872M".
	Memory string
	// Email enables end-of-job mail when set.
	Email string
	// ExtraOptions are appended as additional #SBATCH lines, one per entry,
	// without the leading "#SBATCH ".
	ExtraOptions []string
	// Remote, when set, submits on another host over SSH.
	Remote *Remote
}

// IsLocal reports that runs execute on the cluster, not this machine.
func (s *Slurm) IsLocal() bool {
	return false
}

// WriteMainScript writes the sbatch array-job script. Task i executes the
// run script of the i-th run directory in shell glob order, which matches
// the zero-padded shard layout.
func (s *Slurm) WriteMainScript(exp *experiment.Experiment) error {
	numRuns := len(exp.Runs())
	if numRuns == 0 {
		return experiment.NewConfigError("cannot write an array job for an experiment without runs", nil)
	}

	var b strings.Builder
	b.WriteString("#! /bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", exp.Name())
	if s.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", s.Partition)
	}
	if s.TimeLimit != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", s.TimeLimit)
	}
	if s.Memory != "" {
		fmt.Fprintf(&b, "#SBATCH --mem-per-cpu=%s\n", s.Memory)
	}
	if s.Email != "" {
		b.WriteString("#SBATCH --mail-type=END,FAIL\n")
		fmt.Fprintf(&b, "#SBATCH --mail-user=%s\n", s.Email)
	}
	fmt.Fprintf(&b, "#SBATCH --array=1-%d\n", numRuns)
	fmt.Fprintf(&b, "#SBATCH --output=%s/slurm-%%A_%%a.out\n", slurmLogDir)
	fmt.Fprintf(&b, "#SBATCH --error=%s/slurm-%%A_%%a.err\n", slurmLogDir)
	for _, opt := range s.ExtraOptions {
		fmt.Fprintf(&b, "#SBATCH %s\n", opt)
	}
	b.WriteString("\n")
	b.WriteString("cd \"$(dirname \"$0\")\"\n\n")
	b.WriteString("shopt -s nullglob\n")
	b.WriteString("RUN_DIRS=(runs-*/*/)\n")
	b.WriteString("DIR=\"${RUN_DIRS[$((SLURM_ARRAY_TASK_ID - 1))]}\"\n")
	b.WriteString("cd \"$DIR\" && exec ./run\n")

	if err := os.MkdirAll(filepath.Join(exp.Path(), slurmLogDir), 0o755); err != nil {
		return fmt.Errorf("creating slurm log dir: %w", err)
	}
	scriptPath := filepath.Join(exp.Path(), sbatchScriptName)
	if err := os.WriteFile(scriptPath, []byte(b.String()), 0o755); err != nil {
		return fmt.Errorf("writing sbatch script: %w", err)
	}
	return nil
}

// BuildLinkedResources stages each resource the run requires as a relative
// symlink into the run directory, pointing at the experiment-level copy.
// Cluster nodes see the shared filesystem, so links are enough.
func (s *Slurm) BuildLinkedResources(run *experiment.Run) error {
	exp := run.Experiment()
	for _, name := range run.LinkedResources() {
		res, ok := findResource(exp.Resources(), name)
		if !ok {
			return experiment.NewResourceError(
				fmt.Sprintf("run requires resource %q but the experiment does not declare it", name), nil)
		}
		source := filepath.Join(exp.Path(), res.Dest)
		run.AddResource(res.Name, source, filepath.Base(res.Dest), res.Required, true)
	}
	return nil
}

func findResource(resources []experiment.Resource, name string) (experiment.Resource, bool) {
	for _, r := range resources {
		if r.Name == name {
			return r, true
		}
	}
	return experiment.Resource{}, false
}

// StartExp submits the array job, locally with sbatch or on the configured
// remote head node after uploading the experiment directory.
func (s *Slurm) StartExp(ctx context.Context, exp *experiment.Experiment) error {
	if s.Remote == nil {
		return s.submitLocal(ctx, exp)
	}
	return s.submitRemote(ctx, exp)
}

func (s *Slurm) submitLocal(ctx context.Context, exp *experiment.Experiment) error {
	log.Info().Str("experiment", exp.Name()).Msg("Submitting array job")

	cmd := exec.CommandContext(ctx, "sbatch", sbatchScriptName)
	cmd.Dir = exp.Path()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sbatch failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	log.Info().Str("output", strings.TrimSpace(string(out))).Msg("Array job submitted")
	return nil
}

func (s *Slurm) submitRemote(ctx context.Context, exp *experiment.Experiment) error {
	client, err := ssh.NewClient(&ssh.Config{
		Host:           s.Remote.Host,
		Port:           s.Remote.Port,
		User:           s.Remote.User,
		PrivateKeyPath: s.Remote.PrivateKeyPath,
		KnownHostsPath: s.Remote.KnownHostsPath,
	})
	if err != nil {
		return fmt.Errorf("configuring ssh transport: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	remoteDir := path.Join(s.Remote.Dir, exp.Name())
	log.Info().
		Str("experiment", exp.Name()).
		Str("host", s.Remote.Host).
		Str("remote_dir", remoteDir).
		Msg("Uploading experiment")
	if err := client.UploadDirectory(ctx, exp.Path(), remoteDir); err != nil {
		return err
	}

	submit := fmt.Sprintf("cd %s && sbatch %s", shellQuote(remoteDir), sbatchScriptName)
	stdout, stderr, err := client.Run(ctx, submit)
	if err != nil {
		return fmt.Errorf("remote sbatch failed: %w: %s", err, stderr)
	}
	log.Info().Str("output", stdout).Msg("Array job submitted")
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
