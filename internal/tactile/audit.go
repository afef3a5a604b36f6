package tactile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditLogger fans executor events out to callbacks, an optional JSON Lines
// file and the command statistics.
type AuditLogger struct {
	mu        sync.RWMutex
	callbacks []func(AuditEvent)
	file      *auditFile
	stats     *statsRecorder
}

// NewAuditLogger creates an audit logger with no sinks.
func NewAuditLogger() *AuditLogger {
	return &AuditLogger{stats: newStatsRecorder()}
}

// AddCallback registers a sink for every event.
func (l *AuditLogger) AddCallback(callback func(AuditEvent)) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, callback)
	l.mu.Unlock()
}

// EnableFileLogging appends events to path as JSON Lines. Environment
// values never reach the file.
func (l *AuditLogger) EnableFileLogging(path string) error {
	f, err := openAuditFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	prev := l.file
	l.file = f
	l.mu.Unlock()

	if prev != nil {
		return prev.Close()
	}
	return nil
}

// Close closes the audit file, if any.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	f := l.file
	l.file = nil
	l.mu.Unlock()

	if f == nil {
		return nil
	}
	return f.Close()
}

// Log records one event.
func (l *AuditLogger) Log(event AuditEvent) {
	l.mu.RLock()
	callbacks := l.callbacks
	f := l.file
	l.mu.RUnlock()

	l.stats.record(event)
	for _, cb := range callbacks {
		cb(event)
	}
	if f != nil {
		_ = f.Write(event)
	}
}

// Stats returns a copy of the command statistics.
func (l *AuditLogger) Stats() CommandStats {
	return l.stats.snapshot()
}

// ZapAuditCallback logs events through logger: failures to start at error,
// kills at warn and everything else at debug. Only the number of
// environment variables is logged.
func ZapAuditCallback(logger *zap.Logger) func(AuditEvent) {
	return func(event AuditEvent) {
		cmd := event.Command
		fields := []zap.Field{
			zap.String("event", string(event.Type)),
			zap.String("executor", event.ExecutorName),
			zap.String("request_id", cmd.RequestID),
			zap.String("command", cmd.CommandString()),
			zap.String("dir", cmd.WorkingDirectory),
			zap.Int("env_vars", len(cmd.Environment)),
		}
		if task := cmd.Tags["task"]; task != "" {
			fields = append(fields, zap.String("task", task))
		}
		if event.SessionID != "" {
			fields = append(fields, zap.String("run_id", event.SessionID))
		}
		if r := event.Result; r != nil {
			fields = append(fields, zap.Int("exit_code", r.ExitCode), zap.Duration("duration", r.Duration))
			if r.KillReason != "" {
				fields = append(fields, zap.String("kill_reason", r.KillReason))
			}
			if r.Error != "" {
				fields = append(fields, zap.String("error", r.Error))
			}
		}

		switch event.Type {
		case AuditEventError:
			logger.Error("command audit", fields...)
		case AuditEventKilled:
			logger.Warn("command audit", fields...)
		default:
			logger.Debug("command audit", fields...)
		}
	}
}

// auditRecord is one line of the audit file.
type auditRecord struct {
	Type       AuditEventType `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"request_id"`
	RunID      string         `json:"run_id,omitempty"`
	Task       string         `json:"task,omitempty"`
	Executor   string         `json:"executor"`
	Command    string         `json:"command"`
	WorkingDir string         `json:"working_dir,omitempty"`
	EnvVars    int            `json:"env_vars"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	KillReason string         `json:"kill_reason,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func newAuditRecord(event AuditEvent) auditRecord {
	rec := auditRecord{
		Type:       event.Type,
		Timestamp:  event.Timestamp,
		RequestID:  event.Command.RequestID,
		RunID:      event.SessionID,
		Task:       event.Command.Tags["task"],
		Executor:   event.ExecutorName,
		Command:    event.Command.CommandString(),
		WorkingDir: event.Command.WorkingDirectory,
		EnvVars:    len(event.Command.Environment),
	}
	if r := event.Result; r != nil {
		code := r.ExitCode
		rec.ExitCode = &code
		rec.DurationMs = r.Duration.Milliseconds()
		rec.KillReason = r.KillReason
		rec.Error = r.Error
	}
	return rec
}

type auditFile struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func openAuditFile(path string) (*auditFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &auditFile{f: f, enc: json.NewEncoder(f)}, nil
}

func (a *auditFile) Write(event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return os.ErrClosed
	}
	return a.enc.Encode(newAuditRecord(event))
}

func (a *auditFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// CommandStats summarizes the commands seen in one moose invocation.
type CommandStats struct {
	Started   int64
	Succeeded int64
	Failed    int64
	Killed    int64
	Skipped   int64

	// Duration is the total run time of finished commands.
	Duration time.Duration

	ByBinary map[string]int64
	ByTask   map[string]int64

	LastEvent time.Time
}

// SuccessRate is the share of finished commands that exited 0.
func (s CommandStats) SuccessRate() float64 {
	finished := s.Succeeded + s.Failed + s.Killed
	if finished == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(finished)
}

type statsRecorder struct {
	mu    sync.Mutex
	stats CommandStats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{stats: CommandStats{
		ByBinary: make(map[string]int64),
		ByTask:   make(map[string]int64),
	}}
}

func (r *statsRecorder) record(event AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.stats
	s.LastEvent = event.Timestamp
	if event.Result != nil {
		s.Duration += event.Result.Duration
	}

	switch event.Type {
	case AuditEventStart:
		s.Started++
		s.ByBinary[event.Command.Binary]++
		if task := event.Command.Tags["task"]; task != "" {
			s.ByTask[task]++
		}
	case AuditEventComplete:
		if event.Result != nil && event.Result.Succeeded() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	case AuditEventKilled:
		s.Killed++
	case AuditEventError:
		s.Failed++
	case AuditEventSkipped:
		s.Skipped++
	}
}

func (r *statsRecorder) snapshot() CommandStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.stats
	out.ByBinary = make(map[string]int64, len(r.stats.ByBinary))
	for k, v := range r.stats.ByBinary {
		out.ByBinary[k] = v
	}
	out.ByTask = make(map[string]int64, len(r.stats.ByTask))
	for k, v := range r.stats.ByTask {
		out.ByTask[k] = v
	}
	return out
}

// AuditedExecutor routes an executor's events to an AuditLogger.
type AuditedExecutor struct {
	Executor
	audit *AuditLogger
}

// WithAudit connects exec to logger. Executors that do not report their own
// events get start and finish events from the wrapper.
func WithAudit(exec Executor, logger *AuditLogger) *AuditedExecutor {
	a := &AuditedExecutor{Executor: exec, audit: logger}
	if src, ok := exec.(AuditSource); ok {
		src.SetAuditCallback(logger.Log)
	}
	return a
}

// Execute runs cmd on the wrapped executor.
func (a *AuditedExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if _, ok := a.Executor.(AuditSource); ok {
		return a.Executor.Execute(ctx, cmd)
	}

	name := a.Capabilities().Name
	a.audit.Log(AuditEvent{Type: AuditEventStart, Timestamp: time.Now(), Command: cmd, SessionID: cmd.SessionID, ExecutorName: name})
	result, err := a.Executor.Execute(ctx, cmd)

	kind := AuditEventComplete
	switch {
	case err != nil || (result != nil && result.IsError()):
		kind = AuditEventError
	case result != nil && result.Killed:
		kind = AuditEventKilled
	}
	a.audit.Log(AuditEvent{Type: kind, Timestamp: time.Now(), Command: cmd, Result: result, SessionID: cmd.SessionID, ExecutorName: name})
	return result, err
}

// Audit returns the logger events are sent to.
func (a *AuditedExecutor) Audit() *AuditLogger {
	return a.audit
}
