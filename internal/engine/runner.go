package engine

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dangazineu/popper/internal/config"
	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/git"
	"github.com/dangazineu/popper/internal/log"
	"github.com/dangazineu/popper/internal/workflow"
	"k8s.io/client-go/kubernetes"
)

// SkipRemainderExitCode is returned by a step to stop the workflow early
// without failing it.
const SkipRemainderExitCode = 78

const workspaceMount = "/workspace"

// StepRunner executes steps on one engine. Run returns the step's exit
// code; an error means the step could not be executed at all.
type StepRunner interface {
	Run(ctx context.Context, step *workflow.Step) (int, error)
	// StopRunningTasks terminates everything the runner has spawned. It is
	// safe to call at any time, including concurrently with Run.
	StopRunningTasks()
	// Close releases the engine handles held by the runner.
	Close() error
}

// RunnerOptions carries the collaborators shared by every runner.
type RunnerOptions struct {
	Config   *config.Config
	Logger   *log.Logger
	Executor Executor
	// Kubernetes and PodExec override the clients built from the local
	// kubeconfig.
	Kubernetes kubernetes.Interface
	PodExec    PodExecutor
}

// Base implements the engine-independent parts of a runner.
type Base struct {
	cfg   *config.Config
	log   *log.Logger
	exec  Executor
	procs processSet
}

func newBase(opts RunnerOptions) Base {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	executor := opts.Executor
	if executor == nil {
		executor = NewExecutor()
	}
	return Base{cfg: opts.Config, log: logger, exec: executor}
}

// stream runs cmd, forwarding its output to the step log.
func (b *Base) stream(cmd Command) (int, error) {
	var pid int
	code, err := b.exec.Stream(cmd, func(p int) {
		pid = p
		b.procs.add(p)
	}, b.log.StepInfo)
	if pid != 0 {
		b.procs.remove(pid)
	}
	return code, err
}

func (b *Base) killProcesses() {
	for _, pid := range b.procs.snapshot() {
		if err := b.exec.Kill(pid); err != nil {
			b.log.Debug().Err(err).Int("pid", pid).Msg("failed to kill process group")
		}
		b.procs.remove(pid)
	}
}

// prepareEnvironment assembles the environment of a step. Workflow env is
// already part of step.Env; secrets, git metadata and overrides are
// layered on top in that order.
func (b *Base) prepareEnvironment(step *workflow.Step, overrides map[string]string) map[string]string {
	env := make(map[string]string, len(step.Env)+len(step.Secrets)+5+len(overrides))
	for k, v := range step.Env {
		env[k] = v
	}
	for _, s := range step.Secrets {
		env[s] = os.Getenv(s)
	}
	if b.cfg.InRepository() {
		env["GIT_COMMIT"] = b.cfg.GitCommit
		env["GIT_BRANCH"] = b.cfg.GitBranch
		env["GIT_SHA_SHORT"] = b.cfg.GitShaShort
		env["GIT_REMOTE_ORIGIN_URL"] = b.cfg.GitRemoteOriginURL
		env["GIT_TAG"] = b.cfg.GitTag
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

// BuildInfo is the outcome of resolving a step's uses attribute.
type BuildInfo struct {
	// Build is true when the image has to be built from Context.
	Build   bool
	Image   string
	Tag     string
	Context string
}

// Ref is the image reference passed to the engine.
func (i BuildInfo) Ref() string {
	if i.Tag == "" {
		return i.Image
	}
	return i.Image + ":" + i.Tag
}

// BuildInfo decides between building and pulling the image of a step. It
// has no side effects; remote repositories must already be cloned.
func (b *Base) BuildInfo(step *workflow.Step) (BuildInfo, error) {
	switch step.Kind() {
	case workflow.KindHost:
		return BuildInfo{}, nil
	case workflow.KindImage:
		if !strings.HasPrefix(step.Uses, "docker://") {
			return BuildInfo{Image: step.Uses}, nil
		}
		image, tag := splitImageTag(strings.TrimPrefix(step.Uses, "docker://"))
		return BuildInfo{Image: image, Tag: tag}, nil
	case workflow.KindLocal:
		tag := b.cfg.GitShaShort
		if tag == "" {
			tag = "na"
		}
		return BuildInfo{
			Build:   true,
			Image:   strings.ToLower(sanitizedName(step.ID, "step")),
			Tag:     tag,
			Context: filepath.Join(b.cfg.WorkspaceDir, step.Uses),
		}, nil
	default:
		ref, err := git.ParseReference(step.Uses)
		if err != nil {
			return BuildInfo{}, errors.Wrap(err, errors.KindValidation, "invalid step reference")
		}
		tag := ref.Version
		if tag == "" {
			tag = "latest"
		}
		return BuildInfo{
			Build:   true,
			Image:   strings.ToLower(ref.User + "/" + ref.Repo),
			Tag:     tag,
			Context: filepath.Join(b.cfg.RepoCacheDir(ref), ref.Path),
		}, nil
	}
}

// splitImageTag splits image[:tag], ignoring a registry port, and defaults
// the tag to latest. Digest references are returned unchanged.
func splitImageTag(ref string) (string, string) {
	if strings.Contains(ref, "@") {
		return ref, ""
	}
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizedName names a resource owned by a step, e.g. popper_build_1a2b3c4d.
func sanitizedName(name, suffix string) string {
	return "popper_" + unsafeNameChars.ReplaceAllString(name, "_") + "_" + suffix
}

// workingDir resolves the directory a step runs in inside a container.
func workingDir(step *workflow.Step) string {
	if step.Dir != "" {
		return step.Dir
	}
	return workspaceMount
}
