package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dangazineu/popper/internal/config"
	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/git"
	"github.com/dangazineu/popper/internal/log"
	"github.com/dangazineu/popper/internal/workflow"
	"k8s.io/client-go/kubernetes"
)

// InterruptedExitCode is the exit status after a signal cancels a run.
const InterruptedExitCode = 130

// SecretPrompter asks for the value of a secret missing from the environment.
type SecretPrompter interface {
	Prompt(name string) (string, error)
}

// RepoCloner fetches the repositories remote steps are built from.
type RepoCloner interface {
	Clone(ctx context.Context, ref git.Reference, dest string) error
}

type WorkflowRunnerOptions struct {
	Config *config.Config
	Logger *log.Logger
	// Registry defaults to DefaultRegistry.
	Registry Registry
	// Prompter defaults to a terminal prompt.
	Prompter SecretPrompter
	// Cloner defaults to git.NewCloner.
	Cloner RepoCloner

	Executor   Executor
	Kubernetes kubernetes.Interface
	PodExec    PodExecutor

	// Exit terminates the process after an interrupt. Defaults to os.Exit.
	Exit func(code int)
}

// WorkflowRunner executes the steps of a workflow in order. It owns one
// runner per engine, created on first use and released by Close.
type WorkflowRunner struct {
	cfg        *config.Config
	log        *log.Logger
	registry   Registry
	prompter   SecretPrompter
	cloner     RepoCloner
	runnerOpts RunnerOptions
	exit       func(int)

	mu      sync.Mutex
	runners map[string]StepRunner
}

func NewWorkflowRunner(opts WorkflowRunnerOptions) (*WorkflowRunner, error) {
	if opts.Config == nil {
		return nil, errors.New(errors.KindConfig, "configuration cannot be nil")
	}
	w := &WorkflowRunner{
		cfg:      opts.Config,
		log:      opts.Logger,
		registry: opts.Registry,
		prompter: opts.Prompter,
		cloner:   opts.Cloner,
		exit:     opts.Exit,
		runners:  make(map[string]StepRunner),
	}
	if w.log == nil {
		w.log = log.Nop()
	}
	if w.registry == nil {
		w.registry = DefaultRegistry()
	}
	if w.prompter == nil {
		w.prompter = NewSurveyPrompter()
	}
	if w.cloner == nil {
		w.cloner = git.NewCloner()
	}
	if w.exit == nil {
		w.exit = os.Exit
	}
	if err := w.registry.Validate(w.cfg.ResmanName, w.cfg.EngineName); err != nil {
		return nil, err
	}
	w.runnerOpts = RunnerOptions{
		Config:     w.cfg,
		Logger:     w.log,
		Executor:   opts.Executor,
		Kubernetes: opts.Kubernetes,
		PodExec:    opts.PodExec,
	}
	return w, nil
}

// Run executes wf. A step exiting with SkipRemainderExitCode ends the run
// successfully; any other non-zero exit code fails it.
func (w *WorkflowRunner) Run(ctx context.Context, wf *workflow.Workflow) error {
	if err := w.processSecrets(wf); err != nil {
		return err
	}
	if err := w.cloneRepositories(ctx, wf); err != nil {
		return err
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		engineName := w.cfg.EngineName
		if step.Kind() == workflow.KindHost {
			engineName = HostEngine
		}

		if step.If != "" {
			run, err := w.evaluateCondition(step, engineName)
			if err != nil {
				return err
			}
			if !run {
				w.log.Info().Str("step", step.ID).Msgf("[%s] skipped, condition %q is false", step.ID, step.If)
				continue
			}
		}

		runner, err := w.runner(engineName)
		if err != nil {
			return err
		}
		w.log.Debug().Str("step", step.ID).Str("engine", engineName).Str("resman", w.cfg.ResmanName).Msg("running step")
		code, err := runner.Run(ctx, step)
		if err != nil {
			return err
		}

		switch code {
		case 0:
		case SkipRemainderExitCode:
			w.log.Info().Str("step", step.ID).Msgf("[%s] exited with %d, skipping remaining steps", step.ID, code)
			return nil
		default:
			return errors.Wrap(&errors.StepFailedError{StepID: step.ID, ExitCode: code}, errors.KindStep, "workflow failed")
		}
	}

	if w.cfg.DryRun {
		w.log.Info().Msg("workflow finished (dry-run)")
	} else {
		w.log.Info().Msg("workflow finished successfully")
	}
	return nil
}

func (w *WorkflowRunner) evaluateCondition(step *workflow.Step, engineName string) (bool, error) {
	cond, err := workflow.CompileCondition(step.If)
	if err != nil {
		return false, errors.Wrap(err, errors.KindValidation, fmt.Sprintf("invalid condition of step '%s'", step.ID))
	}
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range step.Env {
		env[k] = v
	}
	ok, err := cond.Evaluate(workflow.ConditionInput{Env: env, Step: step.ID, Engine: engineName})
	if err != nil {
		return false, errors.Wrap(err, errors.KindStep, fmt.Sprintf("condition of step '%s' failed", step.ID))
	}
	return ok, nil
}

// runner returns the runner of an engine, building it on first use.
func (w *WorkflowRunner) runner(engineName string) (StepRunner, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.runners[engineName]; ok {
		return r, nil
	}
	factory, err := w.registry.Lookup(w.cfg.ResmanName, engineName)
	if err != nil {
		return nil, err
	}
	r, err := factory(w.runnerOpts)
	if err != nil {
		return nil, err
	}
	w.runners[engineName] = r
	return r, nil
}

func (w *WorkflowRunner) activeRunners() []StepRunner {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.runners))
	for name := range w.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	runners := make([]StepRunner, 0, len(names))
	for _, name := range names {
		runners = append(runners, w.runners[name])
	}
	return runners
}

// StopRunningTasks asks every runner built so far to terminate what it
// has spawned.
func (w *WorkflowRunner) StopRunningTasks() {
	for _, r := range w.activeRunners() {
		r.StopRunningTasks()
	}
}

// Close releases every runner. The WorkflowRunner can be reused afterwards.
func (w *WorkflowRunner) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for name, r := range w.runners {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(w.runners, name)
	}
	return stderrors.Join(errs...)
}

// processSecrets makes sure every secret is defined before any step runs.
func (w *WorkflowRunner) processSecrets(wf *workflow.Workflow) error {
	if w.cfg.DryRun || w.cfg.SkipClone {
		return nil
	}
	ci := inCI()
	for _, step := range wf.Steps {
		for _, name := range step.Secrets {
			if _, ok := os.LookupEnv(name); ok {
				continue
			}
			if ci {
				if w.cfg.AllowUndefinedSecretsInCI {
					w.log.Warn().Str("step", step.ID).Msgf("secret %s is not defined", name)
					continue
				}
				return errors.Newf(errors.KindSecret, "secret '%s' of step '%s' is not defined", name, step.ID)
			}
			value, err := w.prompter.Prompt(name)
			if err != nil {
				return errors.Wrap(err, errors.KindSecret, fmt.Sprintf("failed to read secret '%s'", name))
			}
			if err := os.Setenv(name, value); err != nil {
				return errors.Wrap(err, errors.KindSecret, fmt.Sprintf("failed to set secret '%s'", name))
			}
		}
	}
	return nil
}

// inCI reports whether popper runs in a known CI service.
func inCI() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI"} {
		switch strings.ToLower(os.Getenv(name)) {
		case "true", "1":
			return true
		}
	}
	_, jenkins := os.LookupEnv("JENKINS_HOME")
	return jenkins
}

// cloneRepositories fetches each remote repository once, no matter how
// many steps use it.
func (w *WorkflowRunner) cloneRepositories(ctx context.Context, wf *workflow.Workflow) error {
	seen := make(map[string]bool)
	for _, step := range wf.Steps {
		if step.Kind() != workflow.KindRemote {
			continue
		}
		ref, err := git.ParseReference(step.Uses)
		if err != nil {
			return errors.Wrap(err, errors.KindValidation, fmt.Sprintf("invalid uses of step '%s'", step.ID))
		}
		key := strings.Join([]string{ref.Service, ref.User, ref.Repo}, "/")
		if seen[key] {
			continue
		}
		seen[key] = true

		dest := w.cfg.RepoCacheDir(ref)
		if w.cfg.SkipClone {
			if _, err := os.Stat(dest); err != nil {
				return errors.Newf(errors.KindConfig, "expected %s to be cloned in %s, run without skip-clone first", key, dest)
			}
			continue
		}
		w.log.Info().Str("step", step.ID).Msgf("[%s] git clone %s %s", step.ID, ref.CloneURL(), dest)
		if w.cfg.DryRun {
			continue
		}
		if err := w.cloner.Clone(ctx, ref, dest); err != nil {
			return errors.Wrap(err, errors.KindProvision, fmt.Sprintf("failed to clone %s", key))
		}
	}
	return nil
}
