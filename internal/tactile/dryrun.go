package tactile

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// DryRunExecutor prints commands instead of running them. Every command
// reports exit code 0, so a task walks all of its steps.
type DryRunExecutor struct {
	out           io.Writer
	auditCallback func(AuditEvent)
}

// NewDryRunExecutor returns an executor that writes "+ <command>" lines to out.
func NewDryRunExecutor(out io.Writer) *DryRunExecutor {
	return &DryRunExecutor{out: out}
}

// SetAuditCallback sets the callback for audit events.
func (e *DryRunExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.auditCallback = callback
}

// Capabilities returns what this executor supports.
func (e *DryRunExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{
		Name:     "dry-run",
		Platform: runtime.GOOS,
		DryRun:   true,
	}
}

// Validate checks if a command can be executed.
func (e *DryRunExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	return nil
}

// Execute prints the command and returns a successful result.
func (e *DryRunExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := e.Validate(cmd); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	if cmd.WorkingDirectory != "" {
		fmt.Fprintf(e.out, "+ (cd %s) %s\n", cmd.WorkingDirectory, cmd.CommandString())
	} else {
		fmt.Fprintf(e.out, "+ %s\n", cmd.CommandString())
	}

	now := time.Now()
	result := &ExecutionResult{
		Success:    true,
		ExitCode:   0,
		StartedAt:  now,
		FinishedAt: now,
		Command:    &cmd,
	}
	if e.auditCallback != nil {
		e.auditCallback(AuditEvent{
			Type:         AuditEventSkipped,
			Timestamp:    now,
			Command:      cmd,
			Result:       result,
			SessionID:    cmd.SessionID,
			ExecutorName: "dry-run",
		})
	}
	return result, nil
}
