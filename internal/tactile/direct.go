package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"moosedev/internal/logging"

	"github.com/google/uuid"
)

const executorDirect = "direct"

// interruptGrace is how long a canceled child gets to exit after SIGINT
// before it is killed.
const interruptGrace = 5 * time.Second

// DirectExecutor runs delegated commands (poetry, manage.py, docker, mkcert)
// as child processes. Output streams live to the caller's writers and is
// captured up to a per-stream budget for analysis.
type DirectExecutor struct {
	config ExecutorConfig

	mu    sync.RWMutex
	audit func(AuditEvent)
}

// NewDirectExecutor creates a direct executor with the default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a direct executor.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.TactileDebug("Direct executor: dir=%s timeout=%s capture=%d bytes",
		config.DefaultWorkingDir, config.DefaultTimeout, config.MaxOutputBytes)
	return &DirectExecutor{config: config, audit: config.AuditCallback}
}

// SetAuditCallback replaces the audit callback.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	e.audit = callback
	e.mu.Unlock()
}

func (e *DirectExecutor) emit(kind AuditEventType, cmd Command, result *ExecutionResult) {
	e.mu.RLock()
	callback := e.audit
	e.mu.RUnlock()
	if callback == nil {
		return
	}
	callback(AuditEvent{
		Type:         kind,
		Timestamp:    time.Now(),
		Command:      cmd,
		Result:       result,
		SessionID:    cmd.SessionID,
		ExecutorName: executorDirect,
	})
}

// Capabilities reports stdin and streaming support.
func (e *DirectExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{
		Name:           executorDirect,
		Platform:       runtime.GOOS,
		SupportsStdin:  true,
		SupportsStream: true,
		DefaultTimeout: e.config.DefaultTimeout,
	}
}

// Validate rejects commands without a binary and commands that set both a
// fixed stdin and a stdin stream.
func (e *DirectExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Stdin != "" && cmd.Streams != nil && cmd.Streams.Stdin != nil {
		return fmt.Errorf("command sets both fixed stdin and a stdin stream")
	}
	return nil
}

// Execute runs cmd and waits for it. A non-zero exit, a timeout or a
// cancellation is reported in the result; the error is reserved for
// commands that are rejected before they start.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := e.Validate(cmd); err != nil {
		logging.TactileWarn("Rejected command %q: %v", cmd.CommandString(), err)
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	timer := logging.StartTimer(logging.CategoryTactile, "exec "+cmd.Binary)
	defer timer.Stop()

	logging.Tactile("[%s] %s (dir=%s, env=%d vars)", cmd.RequestID, cmd.CommandString(), cmd.WorkingDirectory, len(cmd.Environment))
	e.emit(AuditEventStart, cmd, nil)

	runCtx, cancel, timeout := commandContext(ctx, cmd.Limits)
	defer cancel()

	child, out := newChild(runCtx, cmd)
	result := &ExecutionResult{ExitCode: -1, Command: &cmd, StartedAt: time.Now()}
	runErr := child.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	out.fill(result)

	if result.Truncated {
		logging.TactileWarn("[%s] captured output truncated, %d bytes dropped", cmd.RequestID, result.TruncatedBytes)
	}

	kind := settle(result, runErr, runCtx.Err(), timeout)
	switch kind {
	case AuditEventKilled:
		logging.TactileWarn("[%s] %s killed: %s", cmd.RequestID, cmd.Binary, result.KillReason)
	case AuditEventError:
		logging.TactileError("[%s] %s could not run: %s", cmd.RequestID, cmd.Binary, result.Error)
	default:
		logging.Tactile("[%s] %s exited %d after %s", cmd.RequestID, cmd.Binary, result.ExitCode, result.Duration)
	}
	e.emit(kind, cmd, result)

	return result, nil
}

// commandContext applies the command's timeout, if any.
func commandContext(ctx context.Context, limits *ResourceLimits) (context.Context, context.CancelFunc, time.Duration) {
	if limits == nil || limits.TimeoutMs <= 0 {
		runCtx, cancel := context.WithCancel(ctx)
		return runCtx, cancel, 0
	}
	timeout := time.Duration(limits.TimeoutMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	return runCtx, cancel, timeout
}

// newChild prepares the process for cmd. Cancellation interrupts the child
// (and its process group) before it is killed.
func newChild(ctx context.Context, cmd Command) (*exec.Cmd, *capture) {
	child := exec.CommandContext(ctx, cmd.Binary, cmd.Arguments...)
	child.Dir = cmd.WorkingDirectory
	child.Env = cmd.Environment

	var live Streams
	if cmd.Streams != nil {
		live = *cmd.Streams
	}
	setupProcessGroup(child, live.Stdin != nil)
	child.Cancel = func() error { return interruptProcess(child) }
	child.WaitDelay = interruptGrace

	switch {
	case live.Stdin != nil:
		child.Stdin = live.Stdin
	case cmd.Stdin != "":
		child.Stdin = strings.NewReader(cmd.Stdin)
	}

	var limit int64
	if cmd.Limits != nil {
		limit = cmd.Limits.MaxOutputBytes
	}
	out := &capture{
		stdout: cappedBuffer{limit: limit},
		stderr: cappedBuffer{limit: limit},
	}
	child.Stdout = tee(live.Stdout, &out.stdout)
	child.Stderr = tee(live.Stderr, &out.stderr)
	return child, out
}

// settle fills the outcome fields of result and returns the audit event
// that describes it.
func settle(result *ExecutionResult, runErr, ctxErr error, timeout time.Duration) AuditEventType {
	var exitErr *exec.ExitError
	hasExit := errors.As(runErr, &exitErr)

	switch {
	case runErr == nil:
		result.Success = true
		result.ExitCode = 0
		return AuditEventComplete

	case errors.Is(ctxErr, context.DeadlineExceeded):
		result.Success = true
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		if hasExit {
			result.ExitCode = exitErr.ExitCode()
		}
		return AuditEventKilled

	case errors.Is(ctxErr, context.Canceled):
		result.Success = true
		result.Killed = true
		result.KillReason = "context canceled"
		if hasExit {
			result.ExitCode = exitErr.ExitCode()
		}
		return AuditEventKilled

	case hasExit:
		result.Success = true
		result.ExitCode = exitErr.ExitCode()
		return AuditEventComplete

	default:
		result.Success = false
		result.Error = runErr.Error()
		return AuditEventError
	}
}

func tee(live io.Writer, buf *cappedBuffer) io.Writer {
	if live == nil {
		return buf
	}
	return io.MultiWriter(live, buf)
}

// capture holds a child's captured stdout and stderr.
type capture struct {
	stdout cappedBuffer
	stderr cappedBuffer
}

func (c *capture) fill(result *ExecutionResult) {
	result.Stdout = c.stdout.buf.String()
	result.Stderr = c.stderr.buf.String()

	parts := make([]string, 0, 2)
	for _, s := range []string{result.Stdout, result.Stderr} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	result.Combined = strings.Join(parts, "\n")

	if dropped := c.stdout.dropped + c.stderr.dropped; dropped > 0 {
		result.Truncated = true
		result.TruncatedBytes = dropped
	}
}

// cappedBuffer keeps the first limit bytes written and counts the rest.
// It never reports a short write, so the child's live output is not cut.
// A limit of zero keeps everything.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int64
	dropped int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - int64(b.buf.Len())
	switch {
	case room <= 0:
		b.dropped += int64(len(p))
	case int64(len(p)) > room:
		b.buf.Write(p[:room])
		b.dropped += int64(len(p)) - room
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}
