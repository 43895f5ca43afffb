package environments

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sjwo/lab/pkg/experiment"
)

func newExperiment(t *testing.T, env experiment.Environment, numRuns int) *experiment.Experiment {
	t.Helper()
	exp, err := experiment.New(filepath.Join(t.TempDir(), "exp"), env)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < numRuns; i++ {
		run := exp.NewRun()
		run.SetProperty("id", []string{"run", string(rune('a' + i))})
		if err := run.AddCommand("solve", experiment.Command{Argv: []string{"true"}}); err != nil {
			t.Fatalf("AddCommand: %v", err)
		}
	}
	return exp
}

func TestLocal_WriteMainScriptSequential(t *testing.T) {
	env := &Local{}
	exp := newExperiment(t, env, 2)
	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(exp.Path(), "run"))
	if err != nil {
		t.Fatalf("Reading main script: %v", err)
	}
	script := string(raw)
	if !strings.HasPrefix(script, "#! /bin/bash\n") {
		t.Error("Expected bash shebang")
	}
	if !strings.Contains(script, "RUN_DIRS=(runs-*/*/)") {
		t.Error("Expected run dir glob")
	}
	if !strings.Contains(script, "for dir in \"${RUN_DIRS[@]}\"; do") {
		t.Error("Expected sequential loop")
	}
	if strings.Contains(script, "xargs") {
		t.Error("Sequential script must not use xargs")
	}

	info, err := os.Stat(filepath.Join(exp.Path(), "run"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode()&0o100 == 0 {
		t.Error("Main script must be executable")
	}
}

func TestLocal_WriteMainScriptParallel(t *testing.T) {
	env := &Local{Processes: 4}
	exp := newExperiment(t, env, 2)
	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(exp.Path(), "run"))
	if err != nil {
		t.Fatalf("Reading main script: %v", err)
	}
	if !strings.Contains(string(raw), "xargs -P 4") {
		t.Error("Expected xargs parallelism")
	}
}

func TestSlurm_WriteMainScript(t *testing.T) {
	env := &Slurm{
		Partition:    "compute",
		TimeLimit:    "24:00:00",
		Memory:       "3872M",
		Email:        "sjw@cs.unh.edu",
		ExtraOptions: []string{"--exclude=node[01-02]"},
	}
	exp := newExperiment(t, env, 3)
	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(exp.Path(), "slurm-array-job.sbatch"))
	if err != nil {
		t.Fatalf("Reading sbatch script: %v", err)
	}
	script := string(raw)
	for _, want := range []string{
		"#SBATCH --job-name=exp\n",
		"#SBATCH --partition=compute\n",
		"#SBATCH --time=24:00:00\n",
		"#SBATCH --mem-per-cpu=3872M\n",
		"#SBATCH --mail-type=END,FAIL\n",
		"#SBATCH --mail-user=sjw@cs.unh.edu\n",
		"#SBATCH --array=1-3\n",
		"#SBATCH --output=slurm-logs/slurm-%A_%a.out\n",
		"#SBATCH --exclude=node[01-02]\n",
		"DIR=\"${RUN_DIRS[$((SLURM_ARRAY_TASK_ID - 1))]}\"\n",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("Missing %q in sbatch script", want)
		}
	}

	if _, err := os.Stat(filepath.Join(exp.Path(), "slurm-logs")); err != nil {
		t.Errorf("Expected slurm-logs dir: %v", err)
	}
}

func TestSlurm_WriteMainScriptOmitsUnsetDirectives(t *testing.T) {
	env := &Slurm{Partition: "compute"}
	exp := newExperiment(t, env, 1)
	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(exp.Path(), "slurm-array-job.sbatch"))
	if err != nil {
		t.Fatalf("Reading sbatch script: %v", err)
	}
	script := string(raw)
	for _, banned := range []string{"--time=", "--mem-per-cpu=", "--mail-user="} {
		if strings.Contains(script, banned) {
			t.Errorf("Unset directive %q must be omitted", banned)
		}
	}
}

func TestSlurm_BuildLinkedResources(t *testing.T) {
	env := &Slurm{Partition: "compute"}
	exp := newExperiment(t, env, 1)

	solver := filepath.Join(t.TempDir(), "solver")
	if err := os.WriteFile(solver, []byte("#! /bin/bash\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	exp.AddResource("SOLVER", solver, "code/solver", true, false)
	exp.Runs()[0].RequireResource("SOLVER")

	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	link := filepath.Join(exp.Path(), "runs-00001-00100", "00001", "solver")
	info, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Error("Expected staged resource to be a symlink")
	}
	resolved, err := os.ReadFile(link)
	if err != nil {
		t.Fatalf("Reading through link: %v", err)
	}
	if string(resolved) != "#! /bin/bash\n" {
		t.Errorf("Unexpected link content %q", resolved)
	}
}

func TestSlurm_BuildLinkedResourcesUnknownName(t *testing.T) {
	env := &Slurm{Partition: "compute"}
	exp := newExperiment(t, env, 1)
	exp.Runs()[0].RequireResource("MISSING")

	err := exp.Build(false)
	if err == nil {
		t.Fatal("Expected error for undeclared linked resource")
	}
	if !strings.Contains(err.Error(), "MISSING") {
		t.Errorf("Error should name the resource: %v", err)
	}
}
