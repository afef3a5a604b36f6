package tactile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX shell utilities")
	}
}

func TestDirectExecutor_Execute(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), NewCommand("echo", "hello"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output(), "hello")
	assert.NotEmpty(t, result.Command.RequestID)
}

func TestDirectExecutor_NonZeroExit(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), NewCommand("sh", "-c", "exit 3"))
	require.NoError(t, err)

	assert.True(t, result.Success, "infrastructure worked")
	assert.True(t, result.IsNonZeroExit())
	assert.False(t, result.Succeeded())
	assert.Equal(t, 3, result.ExitCode)
}

func TestDirectExecutor_Timeout(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	cmd := NewCommand("sleep", "10")
	cmd.Limits = &ResourceLimits{TimeoutMs: 300}

	start := time.Now()
	result, err := executor.Execute(context.Background(), cmd)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.True(t, result.Killed)
	assert.Contains(t, result.KillReason, "timeout")
	assert.False(t, result.Succeeded())
	assert.Less(t, elapsed, 6*time.Second)
}

func TestDirectExecutor_ContextCancellation(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	result, err := executor.Execute(ctx, NewCommand("sleep", "10"))
	require.NoError(t, err)

	assert.True(t, result.Killed)
	assert.Equal(t, "context canceled", result.KillReason)
}

func TestDirectExecutor_InvalidCommand(t *testing.T) {
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), NewCommand("moose-no-such-binary-xyz"))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.IsError())
	assert.NotEmpty(t, result.Error)
}

func TestDirectExecutor_WorkingDirectory(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()
	dir := t.TempDir()

	cmd := NewCommand("pwd")
	cmd.WorkingDirectory = dir

	result, err := executor.Execute(context.Background(), cmd)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(result.Stdout))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDirectExecutor_ExplicitEnvironment(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("MOOSE_TACTILE_LEAK", "from-parent")
	executor := NewDirectExecutor()

	cmd := NewCommand("sh", "-c", `printf '%s|%s' "$MOOSE_DJANGO_DEBUG" "$MOOSE_TACTILE_LEAK"`)
	cmd.Environment = []string{"MOOSE_DJANGO_DEBUG=TRUE", "PATH=" + os.Getenv("PATH")}

	result, err := executor.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "TRUE|", result.Stdout)
}

func TestDirectExecutor_Streams(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	var stdout, stderr bytes.Buffer
	cmd := NewCommand("sh", "-c", "read line; echo got $line; echo oops >&2")
	cmd.Streams = &Streams{
		Stdin:  strings.NewReader("moose\n"),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	result, err := executor.Execute(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, "got moose\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
	assert.Equal(t, "got moose\n", result.Stdout, "streamed output is still captured")
	assert.Equal(t, "got moose\n\noops\n", result.Combined)
}

func TestDirectExecutor_FixedStdin(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	cmd := NewCommand("cat")
	cmd.Stdin = "payload"

	result, err := executor.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "payload", result.Stdout)
}

func TestDirectExecutor_OutputTruncation(t *testing.T) {
	skipOnWindows(t)
	config := DefaultExecutorConfig()
	config.MaxOutputBytes = 8
	executor := NewDirectExecutorWithConfig(config)

	result, err := executor.Execute(context.Background(), NewCommand("echo", "0123456789abcdef"))
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.Equal(t, "01234567", result.Stdout)
	assert.Equal(t, int64(9), result.TruncatedBytes)
}

func TestDirectExecutor_Validate(t *testing.T) {
	executor := NewDirectExecutor()

	assert.Error(t, executor.Validate(Command{}))

	both := NewCommand("cat")
	both.Stdin = "x"
	both.Streams = &Streams{Stdin: strings.NewReader("y")}
	assert.Error(t, executor.Validate(both))

	assert.NoError(t, executor.Validate(NewCommand("cat")))
}

func TestDirectExecutor_AuditEvents(t *testing.T) {
	skipOnWindows(t)
	var (
		mu     sync.Mutex
		events []AuditEventType
	)
	config := DefaultExecutorConfig()
	config.AuditCallback = func(e AuditEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Type)
	}
	executor := NewDirectExecutorWithConfig(config)

	_, err := executor.Execute(context.Background(), NewCommand("true"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []AuditEventType{AuditEventStart, AuditEventComplete}, events)
}

func TestDryRunExecutor(t *testing.T) {
	var out bytes.Buffer
	executor := NewDryRunExecutor(&out)

	var seen []AuditEventType
	executor.SetAuditCallback(func(e AuditEvent) { seen = append(seen, e.Type) })

	cmd := NewCommand("poetry", "run", "python", "manage.py", "migrate")
	cmd.WorkingDirectory = "moosedj"
	result, err := executor.Execute(context.Background(), cmd)
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.Equal(t, "+ (cd moosedj) poetry run python manage.py migrate\n", out.String())
	assert.Equal(t, []AuditEventType{AuditEventSkipped}, seen)
	assert.True(t, executor.Capabilities().DryRun)

	_, err = executor.Execute(context.Background(), Command{})
	assert.Error(t, err)
}

func TestCommand_Helpers(t *testing.T) {
	cmd := NewCommand("docker", "compose", "up")
	assert.Equal(t, "docker", cmd.Binary)
	assert.Equal(t, "docker compose up", cmd.CommandString())
	assert.Equal(t, []string{"docker", "compose", "up"}, cmd.Argv())

	assert.Equal(t, Command{}, NewCommand())
	assert.Equal(t, "mkcert", NewCommand("mkcert").CommandString())
}

func TestExecutorConfig_Merge(t *testing.T) {
	config := ExecutorConfig{
		DefaultWorkingDir: "/project",
		DefaultTimeout:    2 * time.Second,
		MaxOutputBytes:    1024,
	}

	merged := config.Merge(NewCommand("ls"))
	assert.Equal(t, "/project", merged.WorkingDirectory)
	require.NotNil(t, merged.Limits)
	assert.Equal(t, int64(2000), merged.Limits.TimeoutMs)
	assert.Equal(t, int64(1024), merged.Limits.MaxOutputBytes)

	cmd := NewCommand("ls")
	cmd.WorkingDirectory = "/other"
	cmd.Limits = &ResourceLimits{TimeoutMs: 10}
	merged = config.Merge(cmd)
	assert.Equal(t, "/other", merged.WorkingDirectory)
	assert.Equal(t, int64(10), merged.Limits.TimeoutMs)
	assert.Equal(t, int64(10), cmd.Limits.TimeoutMs, "caller limits untouched")

	noTimeout := DefaultExecutorConfig().Merge(NewCommand("ls"))
	assert.Zero(t, noTimeout.Limits.TimeoutMs)
}

func TestAuditLogger(t *testing.T) {
	logger := NewAuditLogger()
	path := filepath.Join(t.TempDir(), "audit", "commands.jsonl")
	require.NoError(t, logger.EnableFileLogging(path))

	var callbacks int
	logger.AddCallback(func(AuditEvent) { callbacks++ })

	cmd := NewCommand("poetry", "build")
	cmd.RequestID = "req-1"
	cmd.Tags = map[string]string{"task": "build"}
	cmd.Environment = []string{"MOOSE_DJANGO_SECRET_KEY=changeme"}
	now := time.Now()

	logger.Log(AuditEvent{Type: AuditEventStart, Timestamp: now, Command: cmd, ExecutorName: "direct"})
	logger.Log(AuditEvent{
		Type:         AuditEventComplete,
		Timestamp:    now,
		Command:      cmd,
		Result:       &ExecutionResult{Success: true, ExitCode: 0, Duration: 40 * time.Millisecond},
		ExecutorName: "direct",
	})
	logger.Log(AuditEvent{Type: AuditEventSkipped, Timestamp: now, Command: cmd, ExecutorName: "dry-run"})
	require.NoError(t, logger.Close())

	assert.Equal(t, 3, callbacks)

	stats := logger.Stats()
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, 40*time.Millisecond, stats.Duration)
	assert.Equal(t, int64(1), stats.ByBinary["poetry"])
	assert.Equal(t, int64(1), stats.ByTask["build"])
	assert.InDelta(t, 1.0, stats.SuccessRate(), 0.0001)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []auditRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		assert.NotContains(t, scanner.Text(), "changeme", "environment values never reach the audit file")
		var rec auditRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 3)
	assert.Equal(t, "poetry build", records[1].Command)
	assert.Equal(t, "build", records[1].Task)
	assert.Equal(t, 1, records[1].EnvVars)
	require.NotNil(t, records[1].ExitCode)
	assert.Equal(t, 0, *records[1].ExitCode)
	assert.Nil(t, records[0].ExitCode)
}

func TestAuditedExecutorWrapper(t *testing.T) {
	logger := NewAuditLogger()
	var out bytes.Buffer
	wrapped := WithAudit(NewDryRunExecutor(&out), logger)

	_, err := wrapped.Execute(context.Background(), NewCommand("poetry", "build"))
	require.NoError(t, err)

	assert.Same(t, logger, wrapped.Audit())
	assert.Equal(t, int64(1), logger.Stats().Skipped)
	assert.Equal(t, "dry-run", wrapped.Capabilities().Name)
}

// silentExecutor reports no audit events of its own.
type silentExecutor struct{ exitCode int }

func (e silentExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	return &ExecutionResult{Success: true, ExitCode: e.exitCode, Command: &cmd}, nil
}

func (e silentExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{Name: "silent"}
}

func (e silentExecutor) Validate(Command) error { return nil }

func TestAuditedExecutorEmitsForSilentExecutors(t *testing.T) {
	logger := NewAuditLogger()
	var seen []AuditEventType
	logger.AddCallback(func(e AuditEvent) { seen = append(seen, e.Type) })

	_, err := WithAudit(silentExecutor{exitCode: 2}, logger).Execute(context.Background(), NewCommand("mypy", "."))
	require.NoError(t, err)

	assert.Equal(t, []AuditEventType{AuditEventStart, AuditEventComplete}, seen)
	stats := logger.Stats()
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.SuccessRate())
}

func TestCappedBuffer(t *testing.T) {
	b := cappedBuffer{limit: 4}
	n, err := b.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.Write([]byte("cdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "never a short write")
	_, _ = b.Write([]byte("gh"))

	assert.Equal(t, "abcd", b.buf.String())
	assert.Equal(t, int64(4), b.dropped)

	unlimited := cappedBuffer{}
	_, _ = unlimited.Write([]byte("everything"))
	assert.Equal(t, "everything", unlimited.buf.String())
	assert.Zero(t, unlimited.dropped)
}

func TestZapAuditCallback(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	callback := ZapAuditCallback(zap.New(core))

	cmd := NewCommand("docker", "compose", "up")
	cmd.Environment = []string{"A=1", "B=2"}
	callback(AuditEvent{Type: AuditEventStart, Command: cmd, ExecutorName: "direct"})
	callback(AuditEvent{
		Type:         AuditEventKilled,
		Command:      cmd,
		Result:       &ExecutionResult{Killed: true, KillReason: "context canceled"},
		ExecutorName: "direct",
	})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)

	fields := entries[1].ContextMap()
	assert.Equal(t, "docker compose up", fields["command"])
	assert.Equal(t, int64(2), fields["env_vars"])
	assert.Equal(t, "context canceled", fields["kill_reason"])
}
