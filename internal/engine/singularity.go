package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/workflow"
)

// singularityBuildMu serializes image builds; the build tool is not reentrant.
var singularityBuildMu sync.Mutex

// SingularityRunner executes steps with singularity or apptainer. Images
// are cached as SIF files under the workspace's singularity cache.
type SingularityRunner struct {
	Base
	binary      string
	inContainer func() bool
}

func NewSingularityRunner(opts RunnerOptions) (StepRunner, error) {
	return newSingularityRunner(opts)
}

func newSingularityRunner(opts RunnerOptions) (*SingularityRunner, error) {
	r := &SingularityRunner{Base: newBase(opts), binary: singularityBinary(), inContainer: runningInContainer}
	if r.cfg.DryRun {
		return r, nil
	}
	if out, code, err := r.exec.Output(Command{Name: r.binary, Args: []string{"--version"}}); err != nil || code != 0 {
		return nil, errors.Newf(errors.KindConfig, "%s is not available: %s", r.binary, out)
	}
	if err := os.MkdirAll(r.cfg.SingularityCacheDir(), 0755); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to create singularity cache")
	}
	return r, nil
}

func singularityBinary() string {
	if _, err := exec.LookPath("singularity"); err == nil {
		return "singularity"
	}
	if _, err := exec.LookPath("apptainer"); err == nil {
		return "apptainer"
	}
	return "singularity"
}

// runningInContainer detects docker, podman, kubernetes and lxc containers.
func runningInContainer() bool {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	s := string(data)
	return strings.Contains(s, "docker") || strings.Contains(s, "kubepods") || strings.Contains(s, "lxc")
}

func (r *SingularityRunner) imageName(step *workflow.Step) string {
	return sanitizedName(step.ID, r.cfg.Wid)
}

func (r *SingularityRunner) Run(_ context.Context, step *workflow.Step) (int, error) {
	if r.cfg.Reuse {
		return 0, errors.New(errors.KindConfig, "reuse is not supported by the singularity runner")
	}
	name := r.imageName(step)
	image := filepath.Join(r.cfg.SingularityCacheDir(), name+".sif")
	info, err := r.BuildInfo(step)
	if err != nil {
		return 0, err
	}
	argv := r.execArgs(step, image)
	r.log.Info().Str("step", step.ID).Msgf("[%s] %s", step.ID, shellJoin(argv))
	if r.cfg.DryRun {
		return 0, nil
	}

	skip := r.cfg.SkipPull || step.SkipPull
	if !skip {
		if err := os.RemoveAll(image); err != nil {
			return 0, errors.Wrap(err, errors.KindBuild, "failed to remove cached image "+image)
		}
		if err := r.prepareImage(step, info, name, image); err != nil {
			return 0, err
		}
	}

	code, err := r.stream(Command{
		Name: argv[0],
		Args: argv[1:],
		Env:  append(os.Environ(), envList(r.environment(step))...),
		Dir:  r.cfg.WorkspaceDir,
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.KindStep, "failed to execute step '"+step.ID+"'")
	}
	return code, nil
}

func (r *SingularityRunner) prepareImage(step *workflow.Step, info BuildInfo, name, image string) error {
	singularityBuildMu.Lock()
	defer singularityBuildMu.Unlock()

	args, dir, err := r.imageArgs(info, name, image)
	if err != nil {
		return err
	}
	r.log.Info().Str("step", step.ID).Msgf("[%s] %s %s", step.ID, r.binary, strings.Join(args, " "))
	code, err := r.stream(Command{Name: r.binary, Args: args, Dir: dir})
	if err != nil {
		return errors.Wrap(err, errors.KindBuild, r.binary+" "+args[0]+" failed")
	}
	if code != 0 {
		return errors.Newf(errors.KindBuild, "%s %s of %s failed with exit code %d", r.binary, args[0], info.Ref(), code)
	}
	return nil
}

// imageArgs returns the build or pull arguments for a step image and the
// directory to run them in.
func (r *SingularityRunner) imageArgs(info BuildInfo, name, image string) ([]string, string, error) {
	if info.Build {
		if r.inContainer() {
			return nil, "", errors.New(errors.KindBuild, "building singularity images from inside a container is not supported")
		}
		recipe, err := writeRecipe(info.Context, name)
		if err != nil {
			return nil, "", err
		}
		return []string{"build", "--fakeroot", "--force", image, recipe}, info.Context, nil
	}
	ref := info.Image
	if !strings.Contains(ref, "://") {
		ref = "docker://" + info.Ref()
	}
	return []string{"pull", "--force", image, ref}, "", nil
}

// execArgs runs the image's entrypoint unless the step overrides it.
func (r *SingularityRunner) execArgs(step *workflow.Step, image string) []string {
	options := map[string]any{
		"userns": true,
		"pwd":    workingDir(step),
		"bind":   []any{r.cfg.WorkspaceDir + ":" + workspaceMount},
	}
	mergeOptionMap(options, r.cfg.EngineOptions)

	argv := []string{r.binary}
	if len(step.Runs) > 0 {
		argv = append(argv, "exec")
	} else {
		argv = append(argv, "run")
	}
	argv = append(argv, extraFlags(options)...)
	argv = append(argv, image)
	argv = append(argv, step.Runs...)
	return append(argv, step.Args...)
}

// environment passes the step environment through singularity's
// environment prefixes so it survives --cleanenv.
func (r *SingularityRunner) environment(step *workflow.Step) map[string]string {
	env := r.prepareEnvironment(step, nil)
	out := make(map[string]string, len(env)*3)
	for k, v := range env {
		out[k] = v
		out["SINGULARITYENV_"+k] = v
		out["APPTAINERENV_"+k] = v
	}
	return out
}

func (r *SingularityRunner) StopRunningTasks() {
	r.killProcesses()
}

func (r *SingularityRunner) Close() error {
	return nil
}

func (r *SingularityRunner) jobScript(step *workflow.Step) (jobScript, error) {
	if r.cfg.Reuse {
		return jobScript{}, errors.New(errors.KindConfig, "reuse is not supported by the singularity runner")
	}
	name := r.imageName(step)
	image := filepath.Join(r.cfg.SingularityCacheDir(), name+".sif")
	info, err := r.BuildInfo(step)
	if err != nil {
		return jobScript{}, err
	}

	var prep []string
	if !r.cfg.SkipPull && !step.SkipPull {
		var args []string
		var dir string
		if r.cfg.DryRun && info.Build {
			args, dir = []string{"build", "--fakeroot", "--force", image, filepath.Join(info.Context, "Singularity."+name)}, info.Context
		} else {
			singularityBuildMu.Lock()
			args, dir, err = r.imageArgs(info, name, image)
			singularityBuildMu.Unlock()
			if err != nil {
				return jobScript{}, err
			}
		}
		prep = append(prep, shellJoin([]string{"rm", "-rf", image}))
		if dir != "" {
			prep = append(prep, "cd "+shellQuote(dir))
		}
		prep = append(prep, shellJoin(append([]string{r.binary}, args...)))
		if dir != "" {
			prep = append(prep, "cd "+shellQuote(r.cfg.WorkspaceDir))
		}
	}
	return jobScript{
		Prep: prep,
		Main: shellJoin(r.execArgs(step, image)),
		Dir:  r.cfg.WorkspaceDir,
		Env:  r.environment(step),
	}, nil
}
