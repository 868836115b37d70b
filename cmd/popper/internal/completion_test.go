package internal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestCompletionCmd(t *testing.T) {
	rootCmd := NewRootCmd()

	testCases := []struct {
		name      string
		args      []string
		expectErr bool
	}{
		{
			name:      "bash completion",
			args:      []string{"completion", "bash"},
			expectErr: false,
		},
		{
			name:      "zsh completion",
			args:      []string{"completion", "zsh"},
			expectErr: false,
		},
		{
			name:      "fish completion",
			args:      []string{"completion", "fish"},
			expectErr: false,
		},
		{
			name:      "powershell completion",
			args:      []string{"completion", "powershell"},
			expectErr: false,
		},
		{
			name:      "invalid shell",
			args:      []string{"completion", "invalid"},
			expectErr: true,
		},
		{
			name:      "no shell",
			args:      []string{"completion"},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			rootCmd.SetOut(&out)
			rootCmd.SetErr(&out)
			rootCmd.SetArgs(tc.args)

			err := rootCmd.Execute()

			if tc.expectErr {
				if err == nil {
					t.Errorf("Expected error, but got none")
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				if !strings.Contains(out.String(), "comp") {
					t.Errorf("Expected output to contain a completion script, but it did not")
				}
			}
		})
	}
}

func TestCompleteStepIDs(t *testing.T) {
	_, path := writeWorkflow(t, "steps:\n- id: build\n  uses: docker://golang\n- id: bench\n  uses: sh\n  runs: [make]\n- id: test\n  uses: sh\n  runs: [make, test]\n")
	cmd := NewRunCmd()
	if err := cmd.Flags().Set("file", path); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}

	ids, directive := completeStepIDs(cmd, nil, "b")
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("unexpected directive %v", directive)
	}
	expected := []string{"build\tdocker://golang", "bench\tsh"}
	if strings.Join(ids, ",") != strings.Join(expected, ",") {
		t.Errorf("expected %v, got %v", expected, ids)
	}

	ids, _ = completeStepIDs(cmd, []string{"build"}, "")
	if len(ids) != 0 {
		t.Errorf("expected no completion for a second argument, got %v", ids)
	}
}
