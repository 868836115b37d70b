package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure so the CLI and the orchestrator can tell
// configuration problems apart from step failures.
type Kind string

const (
	KindConfig     Kind = "config"
	KindValidation Kind = "validation"
	KindSecret     Kind = "secret"
	KindBuild      Kind = "build"
	KindStep       Kind = "step"
	KindProvision  Kind = "provision"
)

type PopperError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *PopperError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PopperError) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *PopperError {
	return &PopperError{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *PopperError {
	return &PopperError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, message string) *PopperError {
	return &PopperError{Kind: kind, Message: message, Err: err}
}

// IsKind reports whether any error in err's chain is a PopperError of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *PopperError
	for err != nil {
		if !stderrors.As(err, &pe) {
			return false
		}
		if pe.Kind == kind {
			return true
		}
		err = pe.Err
	}
	return false
}

// StepFailedError is returned when a step exits with a code other than
// 0 or the skip-remainder sentinel.
type StepFailedError struct {
	StepID   string
	ExitCode int
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step '%s' failed with exit code %d", e.StepID, e.ExitCode)
}
