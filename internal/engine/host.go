package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/workflow"
)

// HostRunner executes steps as processes on the local host.
type HostRunner struct {
	Base
}

func NewHostRunner(opts RunnerOptions) (StepRunner, error) {
	return newHostRunner(opts), nil
}

func newHostRunner(opts RunnerOptions) *HostRunner {
	r := &HostRunner{Base: newBase(opts)}
	if r.cfg.Reuse {
		r.log.Warn().Msg("reuse is not supported by the host runner, ignoring")
	}
	return r
}

func (r *HostRunner) Run(_ context.Context, step *workflow.Step) (int, error) {
	argv, env, err := r.command(step)
	if err != nil {
		return 0, err
	}
	r.log.Info().Str("step", step.ID).Msgf("[%s] %s", step.ID, shellJoin(argv))
	if r.cfg.DryRun {
		return 0, nil
	}

	code, err := r.stream(Command{
		Name: argv[0],
		Args: argv[1:],
		Env:  append(os.Environ(), envList(env)...),
		Dir:  r.dir(step),
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.KindStep, "failed to execute step '"+step.ID+"'")
	}
	return code, nil
}

func (r *HostRunner) command(step *workflow.Step) ([]string, map[string]string, error) {
	if len(step.Runs) == 0 {
		return nil, nil, errors.Newf(errors.KindValidation, "step '%s' uses 'sh' but does not specify 'runs'", step.ID)
	}
	argv := append(append([]string{}, step.Runs...), step.Args...)
	return argv, r.prepareEnvironment(step, nil), nil
}

func (r *HostRunner) dir(step *workflow.Step) string {
	if step.Dir == "" {
		return r.cfg.WorkspaceDir
	}
	if filepath.IsAbs(step.Dir) {
		return step.Dir
	}
	return filepath.Join(r.cfg.WorkspaceDir, step.Dir)
}

func (r *HostRunner) StopRunningTasks() {
	r.killProcesses()
}

func (r *HostRunner) Close() error {
	return nil
}

// jobScript runs the step command inside a batch job.
func (r *HostRunner) jobScript(step *workflow.Step) (jobScript, error) {
	argv, env, err := r.command(step)
	if err != nil {
		return jobScript{}, err
	}
	return jobScript{
		Main: shellJoin(argv),
		Dir:  r.dir(step),
		Env:  env,
	}, nil
}
