package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/workflow"
)

const dockerSocket = "/var/run/docker.sock"

// DockerRunner executes steps in containers through the docker or podman
// command line clients, which accept the same subcommands.
type DockerRunner struct {
	Base
	binary     string
	containers nameSet
}

func NewDockerRunner(opts RunnerOptions) (StepRunner, error) {
	return newDockerRunner(opts, "docker")
}

func NewPodmanRunner(opts RunnerOptions) (StepRunner, error) {
	return newDockerRunner(opts, "podman")
}

func newDockerRunner(opts RunnerOptions, binary string) (*DockerRunner, error) {
	r := &DockerRunner{Base: newBase(opts), binary: binary}
	if r.cfg.DryRun {
		return r, nil
	}
	if err := r.checkEngine(); err != nil {
		return nil, err
	}
	return r, nil
}

// checkEngine verifies the client can reach its engine.
func (r *DockerRunner) checkEngine() error {
	args := []string{"version", "--format", "{{.Server.Version}}"}
	if r.binary == "podman" {
		// Rootless podman has no server.
		args = []string{"info", "--format", "{{.Version.Version}}"}
	}
	out, code, err := r.exec.Output(Command{Name: r.binary, Args: args})
	if err != nil || code != 0 {
		return errors.Wrap(fmt.Errorf("%s: %s", strings.Join(args, " "), out), errors.KindConfig, r.binary+" is not available")
	}
	return nil
}

func (r *DockerRunner) Run(_ context.Context, step *workflow.Step) (int, error) {
	cid := sanitizedName(step.ID, r.cfg.Wid)
	info, err := r.BuildInfo(step)
	if err != nil {
		return 0, err
	}
	args := r.stepContainerArgs(step, info, cid)
	r.log.Info().Str("step", step.ID).Msgf("[%s] %s create name=%s image=%s command=%v", step.ID, r.binary, cid, args.Image, args.Command)
	if r.cfg.DryRun {
		return 0, nil
	}

	exists, err := r.containerExists(cid)
	if err != nil {
		return 0, err
	}
	if r.cfg.Reuse {
		if !exists {
			return 0, errors.Newf(errors.KindStep, "cannot reuse container %s: it does not exist", cid)
		}
	} else {
		if exists {
			r.output(step, "rm", "-f", cid)
		}
		if err := r.prepareImage(step, info); err != nil {
			return 0, err
		}
		if out, code, err := r.exec.Output(Command{Name: r.binary, Args: args.CreateArgs()}); err != nil || code != 0 {
			return 0, errors.Wrap(fmt.Errorf("%s", out), errors.KindStep, "failed to create container "+cid)
		}
	}
	r.containers.add(cid)
	defer r.containers.remove(cid)

	if r.cfg.Pty {
		code, err := r.exec.Interactive(Command{Name: r.binary, Args: []string{"start", "--attach", "--interactive", cid}})
		if err != nil {
			return 0, errors.Wrap(err, errors.KindStep, "failed to attach to container "+cid)
		}
		return code, nil
	}

	if out, code, err := r.exec.Output(Command{Name: r.binary, Args: []string{"start", cid}}); err != nil || code != 0 {
		return 0, errors.Wrap(fmt.Errorf("%s", out), errors.KindStep, "failed to start container "+cid)
	}
	if _, err := r.stream(Command{Name: r.binary, Args: []string{"logs", "--follow", cid}}); err != nil {
		return 0, errors.Wrap(err, errors.KindStep, "failed to stream logs of container "+cid)
	}
	out, code, err := r.exec.Output(Command{Name: r.binary, Args: []string{"wait", cid}})
	if err != nil || code != 0 {
		return 0, errors.Wrap(fmt.Errorf("%s", out), errors.KindStep, "failed to wait for container "+cid)
	}
	status, err := strconv.Atoi(lastLine(out))
	if err != nil {
		return 0, errors.Wrap(err, errors.KindStep, "unexpected exit status of container "+cid)
	}
	return status, nil
}

func (r *DockerRunner) stepContainerArgs(step *workflow.Step, info BuildInfo, cid string) ContainerArgs {
	volumes := []string{r.cfg.WorkspaceDir + ":" + workspaceMount}
	if r.binary == "podman" {
		volumes[0] += ":Z"
	} else {
		volumes = append(volumes, dockerSocket+":"+dockerSocket)
	}
	return r.containerArgs(step, info.Ref(), cid, volumes)
}

// prepareImage builds or pulls the image of a step.
func (r *DockerRunner) prepareImage(step *workflow.Step, info BuildInfo) error {
	if r.cfg.SkipPull || step.SkipPull {
		r.log.Debug().Str("step", step.ID).Msgf("skipping pull and build of %s", info.Ref())
		return nil
	}
	var args []string
	if info.Build {
		args = []string{"build", "--rm", "-t", info.Ref(), info.Context}
	} else {
		args = []string{"pull", info.Ref()}
	}
	r.log.Info().Str("step", step.ID).Msgf("[%s] %s %s", step.ID, r.binary, strings.Join(args, " "))
	code, err := r.stream(Command{Name: r.binary, Args: args})
	if err != nil {
		return errors.Wrap(err, errors.KindBuild, fmt.Sprintf("%s %s failed", r.binary, args[0]))
	}
	if code != 0 {
		return errors.Newf(errors.KindBuild, "%s %s of %s failed with exit code %d", r.binary, args[0], info.Ref(), code)
	}
	return nil
}

func (r *DockerRunner) containerExists(cid string) (bool, error) {
	out, code, err := r.exec.Output(Command{Name: r.binary, Args: []string{"ps", "-a", "--filter", "name=^" + cid + "$", "--format", "{{.Names}}"}})
	if err != nil || code != 0 {
		return false, errors.Wrap(fmt.Errorf("%s", out), errors.KindStep, "failed to list containers")
	}
	for _, name := range strings.Split(out, "\n") {
		if strings.TrimSpace(name) == cid {
			return true, nil
		}
	}
	return false, nil
}

func (r *DockerRunner) output(step *workflow.Step, args ...string) {
	if out, code, err := r.exec.Output(Command{Name: r.binary, Args: args}); err != nil || code != 0 {
		r.log.Debug().Str("step", step.ID).Msgf("%s %s: %s", r.binary, strings.Join(args, " "), out)
	}
}

func (r *DockerRunner) StopRunningTasks() {
	for _, cid := range r.containers.snapshot() {
		r.log.Info().Msgf("stopping container %s", cid)
		if out, _, err := r.exec.Output(Command{Name: r.binary, Args: []string{"stop", cid}}); err != nil {
			r.log.Debug().Err(err).Msg(out)
		}
	}
	r.killProcesses()
}

func (r *DockerRunner) Close() error {
	return nil
}

// jobScript produces the commands that recreate and start the step
// container inside a batch job.
func (r *DockerRunner) jobScript(step *workflow.Step) (jobScript, error) {
	cid := sanitizedName(step.ID, r.cfg.Wid)
	info, err := r.BuildInfo(step)
	if err != nil {
		return jobScript{}, err
	}
	args := r.stepContainerArgs(step, info, cid)

	prep := []string{shellJoin([]string{r.binary, "rm", "-f", cid}) + " || true"}
	if !r.cfg.SkipPull && !step.SkipPull {
		if info.Build {
			prep = append(prep, shellJoin([]string{r.binary, "build", "--rm", "-t", info.Ref(), info.Context}))
		} else {
			prep = append(prep, shellJoin([]string{r.binary, "pull", info.Ref()}))
		}
	}
	prep = append(prep, shellJoin(append([]string{r.binary}, args.CreateArgs()...)))
	return jobScript{
		Prep: prep,
		Main: shellJoin([]string{r.binary, "start", "--attach", cid}),
		Dir:  r.cfg.WorkspaceDir,
	}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
