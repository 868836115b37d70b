package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/workflow"
)

// jobScript is what a local runner contributes to a batch job: setup
// commands run once, then the step's main command.
type jobScript struct {
	Prep []string
	Main string
	Dir  string
	Env  map[string]string
}

// jobScripter is implemented by the runners slurm can wrap.
type jobScripter interface {
	StepRunner
	jobScript(step *workflow.Step) (jobScript, error)
}

// SlurmRunner submits each step as a batch job that runs the command the
// wrapped local runner would have run. Submission blocks until the job
// ends while its output file is tailed to the step log.
type SlurmRunner struct {
	Base
	local        jobScripter
	jobs         nameSet
	tailInterval time.Duration
	hostname     func() (string, error)
}

func newSlurmRunner(opts RunnerOptions, local jobScripter) *SlurmRunner {
	return &SlurmRunner{
		Base:         newBase(opts),
		local:        local,
		tailInterval: 500 * time.Millisecond,
		hostname:     os.Hostname,
	}
}

// slurmFactory wraps the local runner built by f.
func slurmFactory(f func(RunnerOptions) (jobScripter, error)) Factory {
	return func(opts RunnerOptions) (StepRunner, error) {
		local, err := f(opts)
		if err != nil {
			return nil, err
		}
		return newSlurmRunner(opts, local), nil
	}
}

type jobSpec struct {
	name     string
	output   string
	nodes    int
	nodelist string
	mpi      bool
}

func (r *SlurmRunner) spec(step *workflow.Step) (jobSpec, error) {
	opts := r.cfg.ResmanStepOptions(step.ID)
	name := sanitizedName(step.ID, r.cfg.Wid)
	spec := jobSpec{
		name:   name,
		output: filepath.Join(r.jobDir(), name+".out"),
		nodes:  toInt(opts["N"], 1),
		mpi:    toBool(opts["mpi"]),
	}
	if nl, ok := opts["nodelist"]; ok && nl != nil {
		spec.nodelist = strings.Join(toStringSlice(nl), ",")
	} else {
		host, err := r.hostname()
		if err != nil {
			return jobSpec{}, errors.Wrap(err, errors.KindConfig, "failed to determine hostname for the default nodelist")
		}
		spec.nodelist = host
	}
	if spec.nodes < 1 {
		return jobSpec{}, errors.Newf(errors.KindConfig, "step '%s' requests %d nodes", step.ID, spec.nodes)
	}
	return spec, nil
}

func (r *SlurmRunner) jobDir() string {
	return r.cfg.ResmanString("job_dir", r.cfg.WorkspaceDir)
}

// render builds the batch script. Without mpi every allocated node runs
// the whole script through srun; with mpi the setup runs once and the main
// command is started with mpirun.
func (s jobSpec) render(js jobScript) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", s.name)
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", s.output)
	fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", s.nodes)
	fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", s.nodes)
	b.WriteString("#SBATCH --ntasks-per-node=1\n")
	fmt.Fprintf(&b, "#SBATCH --nodelist=%s\n", s.nodelist)
	if js.Dir != "" {
		fmt.Fprintf(&b, "cd %s\n", shellQuote(js.Dir))
	}

	if s.mpi {
		b.WriteString("set -e\n")
		for _, line := range js.Prep {
			b.WriteString(line + "\n")
		}
		b.WriteString("mpirun " + js.Main + "\n")
		return b.String()
	}

	body := strings.Join(append(append([]string{"set -e"}, js.Prep...), js.Main), "\n")
	fmt.Fprintf(&b, "srun --nodes=%d --ntasks=%d --ntasks-per-node=1 --nodelist=%s bash -c %s\n",
		s.nodes, s.nodes, s.nodelist, shellQuote(body))
	return b.String()
}

func (r *SlurmRunner) Run(_ context.Context, step *workflow.Step) (int, error) {
	js, err := r.local.jobScript(step)
	if err != nil {
		return 0, err
	}
	spec, err := r.spec(step)
	if err != nil {
		return 0, err
	}
	script := spec.render(js)
	scriptPath := filepath.Join(r.jobDir(), spec.name+".sh")
	r.log.Info().Str("step", step.ID).Msgf("[%s] sbatch --wait %s", step.ID, scriptPath)
	r.log.Debug().Str("step", step.ID).Msg(script)
	if r.cfg.DryRun {
		return 0, nil
	}

	if err := os.MkdirAll(r.jobDir(), 0755); err != nil {
		return 0, errors.Wrap(err, errors.KindStep, "failed to create job directory")
	}
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return 0, errors.Wrap(err, errors.KindStep, "failed to write job script")
	}
	// The output file must exist before tailing starts.
	if err := os.WriteFile(spec.output, nil, 0644); err != nil {
		return 0, errors.Wrap(err, errors.KindStep, "failed to create job output file")
	}

	r.jobs.add(spec.name)
	defer r.jobs.remove(spec.name)

	stopTail := tailFile(spec.output, r.tailInterval, r.log.StepInfo)
	code, err := r.stream(Command{
		Name: "sbatch",
		Args: []string{"--wait", "--job-name", spec.name, "--output", spec.output, scriptPath},
		Env:  append(os.Environ(), envList(js.Env)...),
		Dir:  r.cfg.WorkspaceDir,
	})
	stopTail()
	if err != nil {
		return 0, errors.Wrap(err, errors.KindStep, "failed to submit job for step '"+step.ID+"'")
	}
	return code, nil
}

func (r *SlurmRunner) StopRunningTasks() {
	for _, job := range r.jobs.snapshot() {
		r.log.Info().Msgf("cancelling job %s", job)
		if out, _, err := r.exec.Output(Command{Name: "scancel", Args: []string{"--name", job}}); err != nil {
			r.log.Debug().Err(err).Msg(out)
		}
	}
	r.killProcesses()
	r.local.StopRunningTasks()
}

func (r *SlurmRunner) Close() error {
	return r.local.Close()
}

// tailFile forwards lines appended to path until the returned function is
// called; remaining content is flushed before it returns.
func tailFile(path string, interval time.Duration, onLine func(string)) func() {
	stop := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		f, err := os.Open(path)
		if err != nil {
			<-stop
			return
		}
		defer f.Close()

		reader := bufio.NewReader(f)
		var partial strings.Builder
		stopping := false
		for {
			chunk, err := reader.ReadString('\n')
			partial.WriteString(chunk)
			if err == nil {
				onLine(strings.TrimRight(partial.String(), "\r\n"))
				partial.Reset()
				continue
			}
			if err != io.EOF {
				return
			}
			if stopping {
				if partial.Len() > 0 {
					onLine(strings.TrimRight(partial.String(), "\r\n"))
				}
				return
			}
			select {
			case <-stop:
				stopping = true
			case <-time.After(interval):
			}
		}
	}()

	return func() {
		close(stop)
		<-finished
	}
}
