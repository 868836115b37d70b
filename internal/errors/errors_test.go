package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestPopperError(t *testing.T) {
	tests := []struct {
		name     string
		err      *PopperError
		expected string
	}{
		{
			name:     "without cause",
			err:      New(KindConfig, "no engine name given"),
			expected: "config: no engine name given",
		},
		{
			name:     "with cause",
			err:      Wrap(fmt.Errorf("boom"), KindBuild, "docker build failed"),
			expected: "build: docker build failed - boom",
		},
		{
			name:     "formatted",
			err:      Newf(KindValidation, "step %q not found", "two"),
			expected: `validation: step "two" not found`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestIsKind(t *testing.T) {
	cause := New(KindProvision, "pvc not bound")
	wrapped := fmt.Errorf("running step: %w", Wrap(cause, KindStep, "step 'one' failed"))

	if !IsKind(wrapped, KindStep) {
		t.Errorf("expected wrapped error to be of kind %s", KindStep)
	}
	if !IsKind(wrapped, KindProvision) {
		t.Errorf("expected nested cause to be of kind %s", KindProvision)
	}
	if IsKind(wrapped, KindSecret) {
		t.Errorf("did not expect kind %s", KindSecret)
	}
	if IsKind(stderrors.New("plain"), KindConfig) {
		t.Errorf("plain errors have no kind")
	}
	if IsKind(nil, KindConfig) {
		t.Errorf("nil has no kind")
	}
}

func TestStepFailedError(t *testing.T) {
	var err error = &StepFailedError{StepID: "build", ExitCode: 2}
	expected := "step 'build' failed with exit code 2"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	var sf *StepFailedError
	if !stderrors.As(fmt.Errorf("wrap: %w", err), &sf) || sf.ExitCode != 2 {
		t.Errorf("expected StepFailedError to be recoverable with errors.As")
	}
}
