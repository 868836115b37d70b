package internal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// writeWorkflow writes content as the workflow file of a fresh workspace
// and returns the workspace directory and the file path.
func writeWorkflow(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, defaultWorkflowFile)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write workflow file: %v", err)
	}
	return dir, path
}

// execute runs the root command with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("POPPER_CACHE_DIR", t.TempDir())
	out := bytes.NewBufferString("")
	cmd := NewRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(bytes.NewBufferString(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
