package engine

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/dangazineu/popper/internal/config"
	"github.com/dangazineu/popper/internal/log"
)

const testWid = "1a2b3c4d"

type fakeResult struct {
	out  string
	code int
	err  error
}

// fakeExecutor records commands and answers them with the result of the
// longest matching command prefix.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []Command
	results  map[string]fakeResult
	hook     func(cmd Command)
	killed   []int
	pid      int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: map[string]fakeResult{}}
}

func (f *fakeExecutor) on(prefix string, res fakeResult) *fakeExecutor {
	f.results[prefix] = res
	return f
}

func (f *fakeExecutor) result(cmd Command) fakeResult {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	s := cmd.String()
	best := ""
	var res fakeResult
	for prefix, r := range f.results {
		if strings.HasPrefix(s, prefix) && len(prefix) >= len(best) {
			best, res = prefix, r
		}
	}
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	return res
}

func (f *fakeExecutor) Stream(cmd Command, onStart func(int), onLine func(string)) (int, error) {
	res := f.result(cmd)
	if res.err != nil {
		return 0, res.err
	}
	f.mu.Lock()
	f.pid++
	pid := 1000 + f.pid
	f.mu.Unlock()
	if onStart != nil {
		onStart(pid)
	}
	if res.out != "" && onLine != nil {
		for _, line := range strings.Split(res.out, "\n") {
			onLine(line)
		}
	}
	return res.code, nil
}

func (f *fakeExecutor) Output(cmd Command) (string, int, error) {
	res := f.result(cmd)
	return res.out, res.code, res.err
}

func (f *fakeExecutor) Interactive(cmd Command) (int, error) {
	res := f.result(cmd)
	return res.code, res.err
}

func (f *fakeExecutor) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

// lines returns every recorded command as a string.
func (f *fakeExecutor) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	for i, c := range f.commands {
		out[i] = c.String()
	}
	return out
}

// verbs returns the first argument of every recorded command.
func (f *fakeExecutor) verbs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.commands {
		if len(c.Args) > 0 {
			out = append(out, c.Args[0])
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WorkspaceDir:  t.TempDir(),
		EngineName:    "docker",
		ResmanName:    "host",
		Wid:           testWid,
		CacheDir:      t.TempDir(),
		EngineOptions: map[string]any{},
		ResmanOptions: map[string]any{},
	}
}

// testOptions returns runner options whose step output is captured.
func testOptions(cfg *config.Config, exec Executor) (RunnerOptions, *bytes.Buffer) {
	var out bytes.Buffer
	return RunnerOptions{
		Config:   cfg,
		Logger:   log.NewTest(io.Discard, &out),
		Executor: exec,
	}, &out
}
