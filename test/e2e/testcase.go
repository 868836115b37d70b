package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
)

// TestCase is a workspace with a workflow file, the popper invocation to
// run in it and what the workspace must look like afterwards.
type TestCase struct {
	Name  string
	Files map[string]string
	Args  []string
	// Requires lists the container engines the case needs on the PATH.
	Requires []string
	// Expected maps files of the workspace to their content after the run.
	Expected map[string]string
	// Absent lists files the run must not create.
	Absent []string
	// ExpectedOutput must appear in the combined output of the run.
	ExpectedOutput string
	ExpectErr      bool
}

var TestCases = map[string]TestCase{
	"host-sequence": {
		Name: "host-sequence",
		Files: map[string]string{
			".popper.yml": `
steps:
- id: one
  uses: sh
  runs: [sh, -c, "echo one > one.txt"]
- id: two
  uses: sh
  runs: [sh, -c, "cat one.txt > two.txt && echo two >> two.txt"]
`,
		},
		Args:     []string{"run", "-e", "host"},
		Expected: map[string]string{"one.txt": "one\n", "two.txt": "one\ntwo\n"},
	},
	"skip-remainder": {
		Name: "skip-remainder",
		Files: map[string]string{
			".popper.yml": `
steps:
- id: check
  uses: sh
  runs: [sh, -c, "exit 78"]
- id: never
  uses: sh
  runs: [touch, never.txt]
`,
		},
		Args:   []string{"run", "-e", "host"},
		Absent: []string{"never.txt"},
	},
	"failed-step": {
		Name: "failed-step",
		Files: map[string]string{
			".popper.yml": `
steps:
- id: broken
  uses: sh
  runs: [sh, -c, "exit 3"]
- id: after
  uses: sh
  runs: [touch, after.txt]
`,
		},
		Args:           []string{"run", "-e", "host"},
		Absent:         []string{"after.txt"},
		ExpectedOutput: "step 'broken' failed with exit code 3",
		ExpectErr:      true,
	},
	"substitutions": {
		Name: "substitutions",
		Files: map[string]string{
			".popper.yml": `
options:
  env:
    TARGET: $_TARGET
steps:
- uses: sh
  runs: [sh, -c, "echo $TARGET > target.txt"]
`,
		},
		Args:     []string{"run", "-e", "host", "-s", "_TARGET=release"},
		Expected: map[string]string{"target.txt": "release\n"},
	},
	"conditional-step": {
		Name: "conditional-step",
		Files: map[string]string{
			".popper.yml": `
steps:
- id: skipped
  uses: sh
  if: '"MODE" in env && env["MODE"] == "release"'
  runs: [touch, skipped.txt]
- id: ran
  uses: sh
  env:
    MODE: debug
  if: env["MODE"] == "debug"
  runs: [touch, ran.txt]
`,
		},
		Args:     []string{"run", "-e", "host"},
		Expected: map[string]string{"ran.txt": ""},
		Absent:   []string{"skipped.txt"},
	},
	"docker-image": {
		Name: "docker-image",
		Files: map[string]string{
			".popper.yml": `
steps:
- uses: docker://alpine:3.9
  runs: [sh, -c, "echo $GREETING > greeting.txt"]
  env:
    GREETING: hello
`,
		},
		Args:     []string{"run", "-e", "docker"},
		Requires: []string{"docker"},
		Expected: map[string]string{"greeting.txt": "hello\n"},
	},
	"docker-local-build": {
		Name: "docker-local-build",
		Files: map[string]string{
			"img/Dockerfile": "FROM alpine:3.9\nRUN echo built > /built.txt\n",
			".popper.yml": `
steps:
- uses: ./img
  runs: [sh, -c, "cp /built.txt /workspace/built.txt"]
`,
		},
		Args:     []string{"run", "-e", "docker"},
		Requires: []string{"docker"},
		Expected: map[string]string{"built.txt": "built\n"},
	},
}

// Available reports whether every engine the case requires is installed.
func (tc *TestCase) Available() bool {
	for _, bin := range tc.Requires {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// SetupLocal writes the files of the case into dir.
func (tc *TestCase) SetupLocal(dir string) error {
	for path, content := range tc.Files {
		filePath := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}
