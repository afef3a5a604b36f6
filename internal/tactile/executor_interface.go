package tactile

import (
	"context"
)

// Executor runs the commands a task delegates to.
type Executor interface {
	// Execute runs cmd until it exits or ctx is done. Exit status, timeouts
	// and cancellation are reported in the result.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)

	Capabilities() ExecutorCapabilities

	// Validate reports why cmd cannot run, or nil.
	Validate(cmd Command) error
}

// AuditSource is an executor that reports its own audit events.
type AuditSource interface {
	Executor
	SetAuditCallback(callback func(AuditEvent))
}
