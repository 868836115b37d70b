package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dangazineu/popper/internal/errors"
)

func TestValidateCmd(t *testing.T) {
	_, path := writeWorkflow(t, `
steps:
- uses: docker://alpine:3.9
  runs: [ls]
- id: two
  uses: sh
  runs: [echo, hi]
`)
	out, err := execute(t, "validate", "-f", path)
	if err != nil {
		t.Fatalf("failed to execute validate command: %v", err)
	}
	expected := "Validation successful! 2 step(s) found."
	if !strings.Contains(out, expected) {
		t.Errorf("expected output to contain %q, got %q", expected, out)
	}
}

func TestValidateCmdInvalidWorkflow(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{name: "missing uses", content: "steps:\n- runs: [ls]\n"},
		{name: "sh without runs", content: "steps:\n- uses: sh\n"},
		{name: "unknown attribute", content: "steps:\n- uses: sh\n  runs: [ls]\n  foo: bar\n"},
		{name: "no steps", content: "steps: []\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, path := writeWorkflow(t, tc.content)
			_, err := execute(t, "validate", "-f", path)
			if !errors.IsKind(err, errors.KindValidation) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}
}

func TestValidateCmdWithConf(t *testing.T) {
	dir, path := writeWorkflow(t, "steps:\n- uses: sh\n  runs: [ls]\n")
	conf := filepath.Join(dir, "settings.yml")

	if err := os.WriteFile(conf, []byte("engine:\n  name: podman\nresource_manager:\n  name: slurm\n"), 0644); err != nil {
		t.Fatalf("failed to write configuration file: %v", err)
	}
	if _, err := execute(t, "validate", "-f", path, "-c", conf); err != nil {
		t.Errorf("expected a valid configuration, got %v", err)
	}

	if err := os.WriteFile(conf, []byte("engine:\n  name: singularity\nresource_manager:\n  name: kubernetes\n"), 0644); err != nil {
		t.Fatalf("failed to write configuration file: %v", err)
	}
	_, err := execute(t, "validate", "-f", path, "-c", conf)
	if !errors.IsKind(err, errors.KindConfig) {
		t.Errorf("expected a config error, got %v", err)
	}
}
