//go:build e2e
// +build e2e

package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dangazineu/popper/test/e2e"
)

func findProjectRoot(start string) string {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func buildPopper(t *testing.T) string {
	t.Helper()
	popperPath := filepath.Join(t.TempDir(), "popper")
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	projectRoot := findProjectRoot(wd)
	if projectRoot == "" {
		t.Fatal("failed to find project root")
	}
	buildCmd := exec.Command("go", "build", "-o", popperPath, "./cmd/popper")
	buildCmd.Dir = projectRoot
	var buildOut bytes.Buffer
	buildCmd.Stdout = &buildOut
	buildCmd.Stderr = &buildOut
	if err := buildCmd.Run(); err != nil {
		t.Fatalf("failed to build popper binary: %v\nOutput:\n%s", err, buildOut.String())
	}
	return popperPath
}

func TestE2E(t *testing.T) {
	popperPath := buildPopper(t)
	for name, tc := range e2e.TestCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			if !tc.Available() {
				t.Skipf("skipping test case, %v not available", tc.Requires)
			}
			runTest(t, popperPath, &tc)
		})
	}
}

func runTest(t *testing.T, popperPath string, tc *e2e.TestCase) {
	workspace := t.TempDir()
	if err := tc.SetupLocal(workspace); err != nil {
		t.Fatalf("failed to setup test case: %v", err)
	}

	var out bytes.Buffer
	cmd := exec.Command(popperPath, tc.Args...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), "POPPER_CACHE_DIR="+t.TempDir())
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if testing.Verbose() {
		t.Logf("Output:\n%s", out.String())
	}
	if tc.ExpectErr && err == nil {
		t.Fatalf("expected popper to fail\nOutput:\n%s", out.String())
	}
	if !tc.ExpectErr && err != nil {
		t.Fatalf("failed to run popper: %v\nOutput:\n%s", err, out.String())
	}

	if tc.ExpectedOutput != "" && !strings.Contains(out.String(), tc.ExpectedOutput) {
		t.Errorf("expected output to contain %q, got %q", tc.ExpectedOutput, out.String())
	}
	for path, expected := range tc.Expected {
		data, err := os.ReadFile(filepath.Join(workspace, path))
		if err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
			continue
		}
		if string(data) != expected {
			t.Errorf("expected %s to contain %q, got %q", path, expected, string(data))
		}
	}
	for _, path := range tc.Absent {
		if _, err := os.Stat(filepath.Join(workspace, path)); !os.IsNotExist(err) {
			t.Errorf("expected %s not to exist", path)
		}
	}
}
