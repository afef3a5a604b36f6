package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrDatabaseMissing is returned when a task requires the local
	// database and the file does not exist.
	ErrDatabaseMissing = errors.New("local database file does not exist")

	// ErrUnknownTask is returned for a name that is not in the catalog.
	ErrUnknownTask = errors.New("unknown task")

	// ErrMissingParam is returned when a required parameter has no value
	// and cannot be prompted for.
	ErrMissingParam = errors.New("missing task parameter")
)

// StepError reports a delegated command that did not exit cleanly.
type StepError struct {
	Task     string
	Step     string
	ExitCode int

	// Reason is set when the command could not run or was killed.
	Reason string
}

func (e *StepError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("task %s: %q failed: %s", e.Task, e.Step, e.Reason)
	}
	return fmt.Sprintf("task %s: %q exited with code %d", e.Task, e.Step, e.ExitCode)
}

// ExitStatus returns the process exit status the failure maps to.
func (e *StepError) ExitStatus() int {
	if e.ExitCode > 0 {
		return e.ExitCode
	}
	return 1
}

// exitStatuser is implemented by errors that carry a child exit status.
type exitStatuser interface {
	ExitStatus() int
}

// ExitCode maps a task error to the process exit status: 0 on success,
// the child's status for a failed step and 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrDatabaseMissing) {
		return 1
	}
	var es exitStatuser
	if errors.As(err, &es) {
		return es.ExitStatus()
	}
	return 1
}
