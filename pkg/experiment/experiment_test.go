package experiment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// stubEnv is a minimal environment for build tests: the main script is a
// plain marker file and linked resources are ignored.
type stubEnv struct {
	local bool
}

func (s *stubEnv) IsLocal() bool { return s.local }

func (s *stubEnv) WriteMainScript(exp *Experiment) error {
	return os.WriteFile(filepath.Join(exp.Path(), "main-script"), []byte("#! /bin/bash\n"), 0o755)
}

func (s *stubEnv) BuildLinkedResources(run *Run) error { return nil }

func (s *stubEnv) StartExp(ctx context.Context, exp *Experiment) error { return nil }

func newTestExperiment(t *testing.T) *Experiment {
	t.Helper()
	exp, err := New(filepath.Join(t.TempDir(), "exp"), &stubEnv{local: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return exp
}

func addRun(t *testing.T, exp *Experiment, id ...string) *Run {
	t.Helper()
	run := exp.NewRun()
	run.SetProperty("id", id)
	if err := run.AddCommand("noop", Command{Argv: []string{"true"}}); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	return run
}

func TestNew_RejectsPathsWithDelimiters(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"exp:1", "exp,1"} {
		if _, err := New(filepath.Join(base, name), &stubEnv{}); err == nil {
			t.Errorf("Expected error for path containing %q", name)
		} else if !IsConfigError(err) {
			t.Errorf("Expected config error, got %v", err)
		}
	}
}

func TestNew_RequiresEnvironment(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "exp"), nil); err == nil {
		t.Error("Expected error for nil environment")
	}
}

func TestNew_RegistersDefaultSteps(t *testing.T) {
	exp := newTestExperiment(t)
	for i, name := range []string{"build", "start", "fetch"} {
		step, err := exp.Steps().Get(name)
		if err != nil {
			t.Fatalf("Get(%q): %v", name, err)
		}
		if step.Name != name {
			t.Errorf("Step %d: expected %q, got %q", i, name, step.Name)
		}
	}
}

func TestSetRunDirs_ShardLayout(t *testing.T) {
	exp := newTestExperiment(t)
	for i := 0; i < 250; i++ {
		addRun(t, exp, "algo", "task")
	}
	exp.setRunDirs()

	cases := []struct {
		number int
		rel    string
	}{
		{1, "runs-00001-00100/00001"},
		{100, "runs-00001-00100/00100"},
		{101, "runs-00101-00200/00101"},
		{250, "runs-00201-00300/00250"},
	}
	runs := exp.Runs()
	for _, c := range cases {
		want := filepath.Join(exp.Path(), filepath.FromSlash(c.rel))
		if got := runs[c.number-1].Path(); got != want {
			t.Errorf("Run %d: expected path %s, got %s", c.number, want, got)
		}
		dir, _ := runs[c.number-1].Property("run_dir")
		if dir != filepath.FromSlash(c.rel) {
			t.Errorf("Run %d: expected run_dir %s, got %v", c.number, c.rel, dir)
		}
	}
}

func TestSetRunDirs_CustomShardSize(t *testing.T) {
	exp := newTestExperiment(t)
	if err := exp.SetShardSize(2); err != nil {
		t.Fatalf("SetShardSize: %v", err)
	}
	for i := 0; i < 3; i++ {
		addRun(t, exp, "a")
	}
	exp.setRunDirs()
	want := filepath.Join(exp.Path(), "runs-00003-00004", "00003")
	if got := exp.Runs()[2].Path(); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	if err := exp.SetShardSize(0); err == nil {
		t.Error("Expected error for non-positive shard size")
	}
}

func TestBuild_WritesRunsAndProperties(t *testing.T) {
	exp := newTestExperiment(t)
	addRun(t, exp, "gbfs-ff", "gripper", "prob01")
	addRun(t, exp, "gbfs-ff", "gripper", "prob02")

	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := os.Stat(filepath.Join(exp.Path(), "main-script")); err != nil {
		t.Error("Main script not written")
	}

	runDir := filepath.Join(exp.Path(), "runs-00001-00100", "00001")
	script, err := os.ReadFile(filepath.Join(runDir, "run"))
	if err != nil {
		t.Fatalf("Run script not written: %v", err)
	}
	if !strings.HasPrefix(string(script), "#! /bin/bash") {
		t.Errorf("Unexpected script header: %q", string(script)[:20])
	}
	info, err := os.Stat(filepath.Join(runDir, "run"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("Run script is not executable")
	}

	runProps, err := os.ReadFile(filepath.Join(runDir, "properties"))
	if err != nil {
		t.Fatalf("Run properties not written: %v", err)
	}
	for _, want := range []string{
		"id = [\"gbfs-ff\",\"gripper\",\"prob01\"]",
		"id_string = \"gbfs-ff:gripper:prob01\"",
		"run_dir = \"runs-00001-00100/00001\"",
	} {
		if !strings.Contains(string(runProps), want) {
			t.Errorf("Run properties missing %q, got:\n%s", want, runProps)
		}
	}

	expProps, err := os.ReadFile(filepath.Join(exp.Path(), "properties"))
	if err != nil {
		t.Fatalf("Experiment properties not written: %v", err)
	}
	if !strings.Contains(string(expProps), "runs = 2") {
		t.Errorf("Experiment properties missing run count, got:\n%s", expProps)
	}
}

func TestBuild_ZeroRunsIsFatal(t *testing.T) {
	exp := newTestExperiment(t)
	err := exp.Build(false)
	if err == nil {
		t.Fatal("Expected error for experiment without runs")
	}
	if !IsConfigError(err) {
		t.Errorf("Expected config error, got %v", err)
	}
}

func TestBuild_RunWithoutCommandsIsFatal(t *testing.T) {
	exp := newTestExperiment(t)
	run := exp.NewRun()
	run.SetProperty("id", []string{"empty-run"})

	err := exp.Build(false)
	if err == nil {
		t.Fatal("Expected error for run without commands")
	}
	if !strings.Contains(err.Error(), "empty-run") {
		t.Errorf("Error should identify the run, got: %v", err)
	}
}

func TestBuild_MissingIDIsFatal(t *testing.T) {
	exp := newTestExperiment(t)
	run := exp.NewRun()
	if err := run.AddCommand("noop", Command{Argv: []string{"true"}}); err != nil {
		t.Fatal(err)
	}
	if err := exp.Build(false); err == nil {
		t.Fatal("Expected error for run without id")
	}
}

func TestBuild_MalformedIDIsFatal(t *testing.T) {
	exp := newTestExperiment(t)
	run := exp.NewRun()
	run.SetProperty("id", "not-a-list")
	if err := run.AddCommand("noop", Command{Argv: []string{"true"}}); err != nil {
		t.Fatal(err)
	}
	if err := exp.Build(false); err == nil {
		t.Fatal("Expected error for non-list id")
	}

	run.SetProperty("id", []string{})
	if err := exp.Build(true); err == nil {
		t.Fatal("Expected error for empty id")
	}
}

func TestBuild_IDNormalization(t *testing.T) {
	exp := newTestExperiment(t)
	run := exp.NewRun()
	// Mixed element types are coerced to strings.
	run.SetProperty("id", []any{"config", 42})
	if err := run.AddCommand("noop", Command{Argv: []string{"true"}}); err != nil {
		t.Fatal(err)
	}
	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(run.Path(), "properties"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "id = [\"config\",\"42\"]") {
		t.Errorf("Expected coerced id, got:\n%s", data)
	}
	if !strings.Contains(string(data), "id_string = \"config:42\"") {
		t.Errorf("Expected id_string config:42, got:\n%s", data)
	}
}

func TestBuild_RequiredResourceMissingAbortsBeforeProperties(t *testing.T) {
	exp := newTestExperiment(t)
	run := addRun(t, exp, "r1")
	run.AddResource("INPUT", filepath.Join(t.TempDir(), "does-not-exist"), "input", true, false)

	err := exp.Build(false)
	if err == nil {
		t.Fatal("Expected build failure for missing required resource")
	}
	if !IsResourceError(err) {
		t.Errorf("Expected resource error, got %v", err)
	}
	if !strings.Contains(err.Error(), "INPUT") {
		t.Errorf("Error should name the resource, got: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(run.Path(), "properties")); statErr == nil {
		t.Error("Properties file must not be written for a failed run")
	}
}

func TestBuild_MissingSymlinkSourceIsSkipped(t *testing.T) {
	exp := newTestExperiment(t)
	run := addRun(t, exp, "r1")
	// Even with required set, a missing symlink source degrades gracefully.
	run.AddResource("INPUT", filepath.Join(t.TempDir(), "does-not-exist"), "input", true, true)

	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(run.Path(), "input")); err == nil {
		t.Error("Binding should be absent when the symlink source is missing")
	}
}

func TestBuild_SymlinkResource(t *testing.T) {
	source := filepath.Join(t.TempDir(), "benchmark.pddl")
	if err := os.WriteFile(source, []byte("(define)"), 0o644); err != nil {
		t.Fatal(err)
	}

	exp := newTestExperiment(t)
	run := addRun(t, exp, "r1")
	run.AddResource("DOMAIN", source, "domain.pddl", false, true)

	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	link := filepath.Join(run.Path(), "domain.pddl")
	if _, err := os.Lstat(link); err != nil {
		t.Fatalf("Symlink not created: %v", err)
	}
	data, err := os.ReadFile(link)
	if err != nil {
		t.Fatalf("Symlink unreadable: %v", err)
	}
	if string(data) != "(define)" {
		t.Errorf("Symlink resolves to wrong content: %q", data)
	}
}

func TestBuild_CopiesDirectoryResources(t *testing.T) {
	srcDir := filepath.Join(t.TempDir(), "suite")
	if err := os.MkdirAll(filepath.Join(srcDir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "nested", "task.pddl"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	exp := newTestExperiment(t)
	exp.AddResource("SUITE", srcDir, "suite", true, false)
	addRun(t, exp, "r1")

	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exp.Path(), "suite", "nested", "task.pddl")); err != nil {
		t.Errorf("Directory resource not copied recursively: %v", err)
	}
}

func TestBuild_IsIdempotentWithOverwrite(t *testing.T) {
	exp := newTestExperiment(t)
	run := addRun(t, exp, "algo", "task")
	run.SetProperty("domain", "gripper")

	if err := exp.Build(false); err != nil {
		t.Fatalf("First build: %v", err)
	}
	scriptPath := filepath.Join(run.Path(), "run")
	propsPath := filepath.Join(run.Path(), "properties")
	firstScript, _ := os.ReadFile(scriptPath)
	firstProps, _ := os.ReadFile(propsPath)

	if err := exp.Build(true); err != nil {
		t.Fatalf("Second build: %v", err)
	}
	secondScript, _ := os.ReadFile(scriptPath)
	secondProps, _ := os.ReadFile(propsPath)

	if string(firstScript) != string(secondScript) {
		t.Error("Run script differs between identical builds")
	}
	if string(firstProps) != string(secondProps) {
		t.Error("Run properties differ between identical builds")
	}
}

func TestBuild_PreservesDirectoryWithRunsUnlessOverwrite(t *testing.T) {
	exp := newTestExperiment(t)
	addRun(t, exp, "r1")

	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	marker := filepath.Join(exp.Path(), "completed-output.log")
	if err := os.WriteFile(marker, []byte("results"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Runs exist: the directory is preserved.
	if err := exp.Build(false); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("Experiment directory was wiped despite existing runs")
	}

	// Overwrite wipes.
	if err := exp.Build(true); err != nil {
		t.Fatalf("Overwrite build: %v", err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("Overwrite build should wipe the experiment directory")
	}
}

func TestAddResource_ExactDuplicateIsNoOp(t *testing.T) {
	exp := newTestExperiment(t)
	exp.AddResource("PLANNER", "/opt/planner", "planner", true, false)
	exp.AddResource("PLANNER", "/opt/planner", "planner", true, false)
	if got := len(exp.Resources()); got != 1 {
		t.Errorf("Expected 1 resource, got %d", got)
	}

	// A differing declaration under the same name coexists (flagged at
	// build time).
	exp.AddResource("PLANNER", "/opt/other", "planner2", true, false)
	if got := len(exp.Resources()); got != 2 {
		t.Errorf("Expected 2 resources, got %d", got)
	}
}

func TestAddNewFile_DuplicateReplacesContent(t *testing.T) {
	exp := newTestExperiment(t)
	exp.AddNewFile("LEARN", "learn.txt", "first")
	exp.AddNewFile("LEARN", "learn.txt", "second")
	addRun(t, exp, "r1")

	if err := exp.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(exp.Path(), "learn.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("Expected later content to win, got %q", data)
	}
}

func TestAddCommand_Validation(t *testing.T) {
	exp := newTestExperiment(t)
	run := exp.NewRun()

	if err := run.AddCommand("", Command{Argv: []string{"true"}}); err == nil {
		t.Error("Expected error for empty command name")
	}
	if err := run.AddCommand("empty", Command{}); err == nil {
		t.Error("Expected error for empty argv")
	}
	if err := run.AddCommand("print domain", Command{Argv: []string{"cat"}}); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if _, ok := run.commands["print_domain"]; !ok {
		t.Error("Spaces in command names should become underscores")
	}
}

func TestRunBuild_RequiresAssignedPath(t *testing.T) {
	exp := newTestExperiment(t)
	run := addRun(t, exp, "r1")
	if err := run.Build(); err == nil {
		t.Error("Expected error building a run before the experiment assigned its path")
	}
}

func TestEvalDirAndName(t *testing.T) {
	exp := newTestExperiment(t)
	if exp.Name() != "exp" {
		t.Errorf("Expected name exp, got %s", exp.Name())
	}
	if exp.EvalDir() != exp.Path()+"-eval" {
		t.Errorf("Unexpected eval dir %s", exp.EvalDir())
	}
}

type fakeReport struct {
	published string
}

func (f *fakeReport) OutputFormat() string { return "html" }

func (f *fakeReport) Publish(evalDir, outfile string) error {
	f.published = outfile
	return nil
}

func TestAddReport_ComposesDefaults(t *testing.T) {
	exp := newTestExperiment(t)
	report := &fakeReport{}
	if err := exp.AddReport(report, "absolute", "", ""); err != nil {
		t.Fatalf("AddReport: %v", err)
	}
	step, err := exp.Steps().Get("absolute")
	if err != nil {
		t.Fatalf("Report step not registered: %v", err)
	}
	if err := step.Action(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(exp.EvalDir(), "absolute.html")
	if report.published != want {
		t.Errorf("Expected outfile %s, got %s", want, report.published)
	}
}
