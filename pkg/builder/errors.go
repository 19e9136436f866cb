package builder

import (
	"errors"
	"fmt"

	"github.com/runnable/image-builder/pkg/builder/engine"
)

// Exit codes of the image-builder commands
const (
	ExitCodeSuccess = 0
	ExitCodeFailure = 1
	// ExitCodeUsage is returned by commands invoked without the arguments they need
	ExitCodeUsage = 2
	// ExitCodeBuildTimeout follows the convention of timeout(1)
	ExitCodeBuildTimeout = 124
	// ExitCodeMissingEnv is returned by the push command if its environment is incomplete
	ExitCodeMissingEnv = 128
)

var (
	// ErrBuildTimeout is returned when the build produced no output within the line timeout
	ErrBuildTimeout = engine.ErrBuildTimeout
)

// BuildError is a build failure reported by the engine
type BuildError = engine.BuildError

// StepError wraps the error of the pipeline step that failed
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// Detail renders the error including the step it happened in
func (e *StepError) Detail() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

// ExitCode maps the outcome of a build to the process exit code
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.Is(err, ErrBuildTimeout):
		return ExitCodeBuildTimeout
	default:
		return ExitCodeFailure
	}
}
