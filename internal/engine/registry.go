package engine

import (
	"sort"

	"github.com/dangazineu/popper/internal/errors"
)

// HostEngine is the engine of steps whose uses is sh.
const HostEngine = "host"

// Factory builds the runner of one resource manager and engine pair.
type Factory func(opts RunnerOptions) (StepRunner, error)

// Registry maps resource manager names to the engines they support.
type Registry map[string]map[string]Factory

// DefaultRegistry returns the runners shipped with popper.
func DefaultRegistry() Registry {
	return Registry{
		"host": {
			HostEngine:    NewHostRunner,
			"docker":      NewDockerRunner,
			"podman":      NewPodmanRunner,
			"singularity": NewSingularityRunner,
		},
		"slurm": {
			HostEngine: slurmFactory(func(opts RunnerOptions) (jobScripter, error) {
				return newHostRunner(opts), nil
			}),
			// Engines run on the compute nodes, so the local client is
			// not checked.
			"docker": slurmFactory(func(opts RunnerOptions) (jobScripter, error) {
				return &DockerRunner{Base: newBase(opts), binary: "docker"}, nil
			}),
			"podman": slurmFactory(func(opts RunnerOptions) (jobScripter, error) {
				return &DockerRunner{Base: newBase(opts), binary: "podman"}, nil
			}),
			"singularity": slurmFactory(func(opts RunnerOptions) (jobScripter, error) {
				return &SingularityRunner{Base: newBase(opts), binary: singularityBinary(), inContainer: runningInContainer}, nil
			}),
		},
		"kubernetes": {
			"docker": NewKubernetesRunner,
		},
	}
}

// Lookup returns the factory of an engine under a resource manager.
func (r Registry) Lookup(resman, engine string) (Factory, error) {
	engines, ok := r[resman]
	if !ok {
		return nil, errors.Newf(errors.KindConfig, "unsupported resource manager '%s' (supported: %v)", resman, r.ResourceManagers())
	}
	f, ok := engines[engine]
	if !ok {
		return nil, errors.Newf(errors.KindConfig, "engine '%s' is not supported by resource manager '%s' (supported: %v)", engine, resman, r.Engines(resman))
	}
	return f, nil
}

// Validate checks that the configured pair can be built.
func (r Registry) Validate(resman, engine string) error {
	_, err := r.Lookup(resman, engine)
	return err
}

func (r Registry) ResourceManagers() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r Registry) Engines(resman string) []string {
	names := make([]string, 0, len(r[resman]))
	for name := range r[resman] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
