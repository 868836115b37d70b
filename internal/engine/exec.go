package engine

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
)

// Command describes a process spawned on the local host.
type Command struct {
	Name string
	Args []string
	// Env is the complete environment. Nil inherits the current one.
	Env   []string
	Dir   string
	Stdin io.Reader
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Executor spawns the processes of every runner. Tests swap in a fake.
type Executor interface {
	// Stream runs cmd with stdout and stderr combined. onStart receives the
	// pid once the process runs and onLine every line of output. An error
	// means the process could not be run; otherwise its exit code is returned.
	Stream(cmd Command, onStart func(pid int), onLine func(line string)) (int, error)
	// Output runs cmd to completion and returns its trimmed combined output.
	Output(cmd Command) (string, int, error)
	// Interactive runs cmd attached to the current terminal.
	Interactive(cmd Command) (int, error)
	// Kill terminates the process group led by pid.
	Kill(pid int) error
}

type osExecutor struct{}

func NewExecutor() Executor {
	return osExecutor{}
}

func (c Command) command() *exec.Cmd {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	return cmd
}

func (osExecutor) Stream(c Command, onStart func(int), onLine func(string)) (int, error) {
	cmd := c.command()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return 0, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}
	if onStart != nil {
		onStart(cmd.Process.Pid)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanLines(pr, onLine)
	}()

	err := cmd.Wait()
	pw.Close()
	<-done
	return exitCode(err)
}

func (osExecutor) Output(c Command) (string, int, error) {
	out, err := c.command().CombinedOutput()
	code, err := exitCode(err)
	return strings.TrimSpace(string(out)), code, err
}

func (osExecutor) Interactive(c Command) (int, error) {
	cmd := c.command()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}
	return exitCode(cmd.Wait())
}

func (osExecutor) Kill(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if stderrors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// scanLines calls onLine for each line in r and drains r to EOF.
func scanLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(strings.TrimRight(scanner.Text(), "\r"))
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

// exitCode maps the result of Wait to a shell-style exit code.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if stderrors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return ee.ExitCode(), nil
	}
	return -1, err
}

// processSet tracks the processes a runner has spawned so they can be
// killed on cancellation.
type processSet struct {
	mu   sync.Mutex
	pids map[int]struct{}
}

func (s *processSet) add(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pids == nil {
		s.pids = map[int]struct{}{}
	}
	s.pids[pid] = struct{}{}
}

func (s *processSet) remove(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pids, pid)
}

func (s *processSet) snapshot() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.pids))
	for pid := range s.pids {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// nameSet tracks named resources (containers, jobs, pods).
type nameSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func (s *nameSet) add(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names == nil {
		s.names = map[string]struct{}{}
	}
	s.names[name] = struct{}{}
}

func (s *nameSet) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, name)
}

func (s *nameSet) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// envList renders env as KEY=VALUE pairs sorted by key.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
