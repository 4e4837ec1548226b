package process

import (
	"errors"
	"fmt"
	"os/exec"
)

// ExecutionError is returned when an external tool exits non-zero or
// cannot be started
type ExecutionError struct {
	Executable string
	ExitCode   int
	Stdout     string
	Stderr     string
	Err        error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Executable)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s exited with code %d", e.Executable, e.ExitCode)
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s failed: %v", e.Executable, e.Err)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NotFound reports whether the executable could not be located on the host
func (e *ExecutionError) NotFound() bool {
	return errors.Is(e.Err, exec.ErrNotFound)
}

// IsExitFailure reports whether err is an ExecutionError for a tool that ran
// and exited non-zero, as opposed to one that could not be started.
func IsExitFailure(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.ExitCode > 0
}
