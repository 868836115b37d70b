package engine

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/dangazineu/popper/internal/config"
	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/git"
	"github.com/dangazineu/popper/internal/log"
	"github.com/dangazineu/popper/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is shared by the fake runners of one test.
type recorder struct {
	mu      sync.Mutex
	ran     []string
	built   map[string]int
	stopped map[string]int
	closed  map[string]int
}

func newRecorder() *recorder {
	return &recorder{built: map[string]int{}, stopped: map[string]int{}, closed: map[string]int{}}
}

type fakeRunner struct {
	engine string
	rec    *recorder
	codes  map[string]int
}

func (f *fakeRunner) Run(_ context.Context, step *workflow.Step) (int, error) {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.ran = append(f.rec.ran, f.engine+":"+step.ID)
	return f.codes[step.ID], nil
}

func (f *fakeRunner) StopRunningTasks() {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.stopped[f.engine]++
}

func (f *fakeRunner) Close() error {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.closed[f.engine]++
	return nil
}

func fakeRegistry(rec *recorder, codes map[string]int) Registry {
	factory := func(engine string) Factory {
		return func(RunnerOptions) (StepRunner, error) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.built[engine]++
			return &fakeRunner{engine: engine, rec: rec, codes: codes}, nil
		}
	}
	return Registry{"host": {HostEngine: factory(HostEngine), "docker": factory("docker")}}
}

type fakeCloner struct {
	clones []string
	err    error
}

func (f *fakeCloner) Clone(_ context.Context, ref git.Reference, dest string) error {
	f.clones = append(f.clones, ref.User+"/"+ref.Repo)
	if f.err != nil {
		return f.err
	}
	return os.MkdirAll(dest, 0755)
}

type fakePrompter struct {
	values map[string]string
	asked  []string
}

func (f *fakePrompter) Prompt(name string) (string, error) {
	f.asked = append(f.asked, name)
	v, ok := f.values[name]
	if !ok {
		return "", stderrors.New("no value")
	}
	return v, nil
}

// clearCI hides the CI markers of the environment running the tests.
func clearCI(t *testing.T) {
	t.Helper()
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI", "JENKINS_HOME"} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func unsetEnv(t *testing.T, name string) {
	t.Helper()
	t.Setenv(name, "")
	require.NoError(t, os.Unsetenv(name))
}

type orchestratorFixture struct {
	cfg      *config.Config
	rec      *recorder
	cloner   *fakeCloner
	prompter *fakePrompter
	codes    map[string]int
	exitCode int
}

func newFixture(t *testing.T) *orchestratorFixture {
	clearCI(t)
	return &orchestratorFixture{
		cfg:      testConfig(t),
		rec:      newRecorder(),
		cloner:   &fakeCloner{},
		prompter: &fakePrompter{values: map[string]string{}},
		codes:    map[string]int{},
		exitCode: -1,
	}
}

func (f *orchestratorFixture) runner(t *testing.T) *WorkflowRunner {
	t.Helper()
	w, err := NewWorkflowRunner(WorkflowRunnerOptions{
		Config:   f.cfg,
		Logger:   log.Nop(),
		Registry: fakeRegistry(f.rec, f.codes),
		Prompter: f.prompter,
		Cloner:   f.cloner,
		Exit:     func(code int) { f.exitCode = code },
	})
	require.NoError(t, err)
	return w
}

func steps(uses ...string) *workflow.Workflow {
	wf := &workflow.Workflow{}
	for i, u := range uses {
		step := workflow.Step{ID: string(rune('a' + i)), Uses: u}
		if u == "sh" {
			step.Runs = workflow.StringList{"true"}
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf
}

func TestWorkflowRunnerRunsStepsInOrder(t *testing.T) {
	f := newFixture(t)
	w := f.runner(t)

	err := w.Run(context.Background(), steps("docker://alpine", "sh", "docker://debian"))

	require.NoError(t, err)
	assert.Equal(t, []string{"docker:a", "host:b", "docker:c"}, f.rec.ran)
	assert.Equal(t, map[string]int{"docker": 1, HostEngine: 1}, f.rec.built, "one runner per engine")

	require.NoError(t, w.Close())
	assert.Equal(t, map[string]int{"docker": 1, HostEngine: 1}, f.rec.closed)
}

func TestWorkflowRunnerSkipRemainder(t *testing.T) {
	f := newFixture(t)
	f.codes["b"] = SkipRemainderExitCode
	w := f.runner(t)

	err := w.Run(context.Background(), steps("docker://alpine", "docker://alpine", "docker://alpine"))

	require.NoError(t, err)
	assert.Equal(t, []string{"docker:a", "docker:b"}, f.rec.ran)
}

func TestWorkflowRunnerStepFailure(t *testing.T) {
	f := newFixture(t)
	f.codes["b"] = 2
	w := f.runner(t)

	err := w.Run(context.Background(), steps("docker://alpine", "sh", "docker://alpine"))

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindStep))
	var failed *errors.StepFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "b", failed.StepID)
	assert.Equal(t, 2, failed.ExitCode)
	assert.Equal(t, []string{"docker:a", "host:b"}, f.rec.ran)
}

func TestWorkflowRunnerCondition(t *testing.T) {
	f := newFixture(t)
	w := f.runner(t)
	wf := steps("docker://alpine", "docker://alpine", "sh")
	wf.Steps[0].If = `engine == "docker"`
	wf.Steps[1].Env = map[string]string{"DEPLOY": "no"}
	wf.Steps[1].If = `env.DEPLOY == "yes"`
	wf.Steps[2].If = `step == "c" && engine == "host"`

	require.NoError(t, w.Run(context.Background(), wf))

	assert.Equal(t, []string{"docker:a", "host:c"}, f.rec.ran)
}

func TestWorkflowRunnerUndefinedSecretInCI(t *testing.T) {
	f := newFixture(t)
	t.Setenv("CI", "true")
	unsetEnv(t, "POPPER_TEST_SECRET")
	w := f.runner(t)
	wf := steps("docker://alpine")
	wf.Steps[0].Secrets = []string{"POPPER_TEST_SECRET"}

	err := w.Run(context.Background(), wf)

	assert.True(t, errors.IsKind(err, errors.KindSecret))
	assert.Empty(t, f.rec.built, "no runner is created")
	assert.Empty(t, f.rec.ran)
	assert.Empty(t, f.prompter.asked)
}

func TestWorkflowRunnerUndefinedSecretAllowedInCI(t *testing.T) {
	f := newFixture(t)
	t.Setenv("GITHUB_ACTIONS", "true")
	unsetEnv(t, "POPPER_TEST_SECRET")
	f.cfg.AllowUndefinedSecretsInCI = true
	w := f.runner(t)
	wf := steps("docker://alpine")
	wf.Steps[0].Secrets = []string{"POPPER_TEST_SECRET"}

	require.NoError(t, w.Run(context.Background(), wf))
	assert.Equal(t, []string{"docker:a"}, f.rec.ran)
}

func TestWorkflowRunnerPromptsForSecrets(t *testing.T) {
	f := newFixture(t)
	unsetEnv(t, "POPPER_TEST_SECRET")
	t.Setenv("POPPER_DEFINED_SECRET", "set")
	f.prompter.values["POPPER_TEST_SECRET"] = "typed"
	w := f.runner(t)
	wf := steps("docker://alpine")
	wf.Steps[0].Secrets = []string{"POPPER_DEFINED_SECRET", "POPPER_TEST_SECRET"}

	require.NoError(t, w.Run(context.Background(), wf))

	assert.Equal(t, []string{"POPPER_TEST_SECRET"}, f.prompter.asked)
	assert.Equal(t, "typed", os.Getenv("POPPER_TEST_SECRET"))
}

func TestWorkflowRunnerPromptFailure(t *testing.T) {
	f := newFixture(t)
	unsetEnv(t, "POPPER_TEST_SECRET")
	w := f.runner(t)
	wf := steps("docker://alpine")
	wf.Steps[0].Secrets = []string{"POPPER_TEST_SECRET"}

	err := w.Run(context.Background(), wf)

	assert.True(t, errors.IsKind(err, errors.KindSecret))
	assert.Empty(t, f.rec.ran)
}

func TestWorkflowRunnerSecretsSkippedInDryRun(t *testing.T) {
	f := newFixture(t)
	t.Setenv("CI", "1")
	unsetEnv(t, "POPPER_TEST_SECRET")
	f.cfg.DryRun = true
	w := f.runner(t)
	wf := steps("docker://alpine")
	wf.Steps[0].Secrets = []string{"POPPER_TEST_SECRET"}

	require.NoError(t, w.Run(context.Background(), wf))
}

func TestWorkflowRunnerClonesEachRepositoryOnce(t *testing.T) {
	f := newFixture(t)
	w := f.runner(t)

	err := w.Run(context.Background(), steps(
		"popperized/bin/sh@master",
		"github.com/popperized/bin/curl",
		"popperized/other",
		"./local",
		"docker://alpine",
	))

	require.NoError(t, err)
	assert.Equal(t, []string{"popperized/bin", "popperized/other"}, f.cloner.clones)
	assert.DirExists(t, filepath.Join(f.cfg.CacheDir, testWid, "github.com", "popperized", "bin"))
}

func TestWorkflowRunnerCloneFailure(t *testing.T) {
	f := newFixture(t)
	f.cloner.err = stderrors.New("network down")
	w := f.runner(t)

	err := w.Run(context.Background(), steps("popperized/bin/sh"))

	assert.True(t, errors.IsKind(err, errors.KindProvision))
	assert.Empty(t, f.rec.ran)
}

func TestWorkflowRunnerSkipClone(t *testing.T) {
	f := newFixture(t)
	f.cfg.SkipClone = true
	w := f.runner(t)

	err := w.Run(context.Background(), steps("popperized/bin/sh"))
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.CacheDir, testWid, "github.com", "popperized", "bin"), 0755))
	require.NoError(t, w.Run(context.Background(), steps("popperized/bin/sh")))
	assert.Empty(t, f.cloner.clones)
}

func TestWorkflowRunnerDryRunDoesNotClone(t *testing.T) {
	f := newFixture(t)
	f.cfg.DryRun = true
	w := f.runner(t)

	require.NoError(t, w.Run(context.Background(), steps("popperized/bin/sh")))
	assert.Empty(t, f.cloner.clones)
}

func TestWorkflowRunnerUnsupportedEngine(t *testing.T) {
	f := newFixture(t)
	f.cfg.EngineName = "lxc"

	_, err := NewWorkflowRunner(WorkflowRunnerOptions{Config: f.cfg, Registry: fakeRegistry(f.rec, nil)})

	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestWorkflowRunnerInterrupt(t *testing.T) {
	f := newFixture(t)
	w := f.runner(t)

	// Nothing instantiated yet.
	w.StopRunningTasks()

	require.NoError(t, w.Run(context.Background(), steps("docker://alpine", "sh")))
	w.interrupt(syscall.SIGINT)

	assert.Equal(t, InterruptedExitCode, f.exitCode)
	assert.Equal(t, map[string]int{"docker": 1, HostEngine: 1}, f.rec.stopped)
	assert.Equal(t, map[string]int{"docker": 1, HostEngine: 1}, f.rec.closed)
	assert.Empty(t, w.activeRunners())
}

func TestWorkflowRunnerHandleSignals(t *testing.T) {
	f := newFixture(t)
	w := f.runner(t)

	stop := w.HandleSignals()
	stop()

	assert.Equal(t, -1, f.exitCode)
}

func TestWorkflowRunnerHostEndToEnd(t *testing.T) {
	clearCI(t)
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkspaceDir, "README.md"), []byte("popper end to end\n"), 0644))
	wf, err := workflow.Parse([]byte(`
steps:
- uses: sh
  runs: [cat, README.md]
- uses: sh
  runs: [sh, -c, "exit 78"]
- uses: sh
  runs: [sh, -c, "echo must not run"]
`), workflow.ParseOptions{})
	require.NoError(t, err)

	opts, out := testOptions(cfg, nil)
	w, err := NewWorkflowRunner(WorkflowRunnerOptions{Config: cfg, Logger: opts.Logger})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Run(context.Background(), wf))
	assert.Contains(t, out.String(), "popper end to end")
	assert.NotContains(t, out.String(), "must not run")
}
