package tasks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"moosedev/internal/certs"
	"moosedev/internal/config"
	"moosedev/internal/environ"
	"moosedev/internal/localdb"
	"moosedev/internal/logging"
	"moosedev/internal/tactile"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

const (
	msgDatabaseExists     = "WARNING: A local database file DOES exist."
	msgDatabaseMissing    = "ERROR: A local database file DOES NOT exist."
	msgDatabaseBootstrap  = "WARNING: A local database file DOES NOT exist."
	defaultPromptLeadText = "\n\n"
)

// Prompter asks the user for a parameter value.
type Prompter func(ctx context.Context, question string) (string, error)

// Runner executes catalog tasks against a project.
type Runner struct {
	Config  *config.Config
	Catalog *Catalog
	Exec    tactile.Executor
	Logger  *zap.Logger

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Prompt asks for missing parameters that declare a prompt. Nil reads
	// a line from Stdin.
	Prompt Prompter

	// DryRun makes local actions report instead of touching files.
	DryRun bool

	analyzer *tactile.OutputAnalyzer
}

// Run is the state of one task invocation.
type Run struct {
	ID     string
	Task   *Task
	Params map[string]string
	Env    environ.Env
	Dir    string
	Logger *zap.Logger
}

// NewRunner returns a Runner over the default catalog writing to the
// process streams.
func NewRunner(cfg *config.Config, exec tactile.Executor, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Config:   cfg,
		Catalog:  DefaultCatalog(),
		Exec:     exec,
		Logger:   logger,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		analyzer: tactile.NewOutputAnalyzer(),
	}
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout == nil {
		return io.Discard
	}
	return r.Stdout
}

func (r *Runner) stderr() io.Writer {
	if r.Stderr == nil {
		return io.Discard
	}
	return r.Stderr
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run looks up a task and executes it: environment, working directory,
// certificates, database policy, then its action or steps in order.
func (r *Runner) Run(ctx context.Context, name string, params map[string]string) error {
	task, err := r.Catalog.Lookup(name)
	if err != nil {
		return err
	}

	run := &Run{
		ID:     uuid.NewString(),
		Task:   task,
		Params: make(map[string]string, len(params)),
		Env:    r.Environment(task.Env),
		Dir:    r.dir(task.Dir),
	}
	for k, v := range params {
		run.Params[k] = v
	}
	run.Logger = r.logger().With(zap.String("task", task.Name), zap.String("run_id", run.ID))

	timer := logging.StartTimer(logging.CategoryTasks, "task "+task.Name)
	defer timer.Stop()

	logging.Tasks("Running task %s [%s] dir=%s env=%s db=%s", task.Name, run.ID, run.Dir, task.Env, task.Database)
	run.Logger.Debug("task starting",
		zap.String("dir", run.Dir),
		zap.Stringer("env_mode", task.Env),
		zap.Stringer("database", task.Database),
	)

	if err := r.checkParams(task, run.Params); err != nil {
		return err
	}

	if task.Certs {
		if _, err := r.Provisioner().Ensure(ctx, r.Exec); err != nil {
			return fmt.Errorf("task %s: provision certificates: %w", task.Name, err)
		}
	}

	if err := r.applyDatabasePolicy(ctx, run); err != nil {
		return err
	}

	if task.Action != nil {
		err = task.Action(ctx, r, run)
	} else {
		err = r.runSteps(ctx, run)
	}
	if err != nil {
		logging.TasksWarn("Task %s failed: %v", task.Name, err)
		run.Logger.Debug("task failed", zap.Error(err))
		return err
	}

	run.Logger.Debug("task finished")
	return nil
}

// Environment builds the child environment for a mode.
func (r *Runner) Environment(mode EnvMode) environ.Env {
	switch mode {
	case EnvDebug:
		return environ.Resolve(r.Config.DebugEnvironment(), false)
	case EnvDebugReplace:
		return environ.Resolve(r.Config.DebugEnvironment(), true)
	default:
		return environ.FromProcess()
	}
}

func (r *Runner) dir(kind DirKind) string {
	if kind == DirDjango {
		return r.Config.DjangoRoot()
	}
	return r.Config.ProjectRoot()
}

// Store returns the local database handle for a run.
func (r *Runner) Store(env environ.Env) *localdb.Store {
	db := r.Config.Database
	return &localdb.Store{
		Path:       r.Config.DatabasePath(),
		DjangoRoot: r.Config.DjangoRoot(),
		Python:     r.Config.PythonCommand(),
		Env:        env,
		Admin: localdb.Admin{
			Username: db.AdminUsername,
			Email:    db.AdminEmail,
			Password: db.AdminPassword,
		},
		Out: r.stdout(),
		Err: r.stderr(),
	}
}

// Provisioner returns the certificate provisioner for the project.
func (r *Runner) Provisioner() *certs.Provisioner {
	c := r.Config.Certs
	return &certs.Provisioner{
		Root:     r.Config.ProjectRoot(),
		Dir:      c.Dir,
		Hostname: c.Hostname,
		Tool:     c.Tool,
		KeyFile:  c.KeyFile,
		CertFile: c.CertFile,
		Out:      r.stdout(),
		Markdown: isTerminal(r.stdout()),
		DryRun:   r.DryRun,
	}
}

func (r *Runner) checkParams(task *Task, params map[string]string) error {
	for _, p := range task.Params {
		if params[p.Name] == "" && p.Prompt == "" {
			return fmt.Errorf("%w: task %s requires %q", ErrMissingParam, task.Name, p.Name)
		}
	}
	return nil
}

func (r *Runner) applyDatabasePolicy(ctx context.Context, run *Run) error {
	policy := run.Task.Database
	if policy == DBRequireIfConfigured {
		if !r.Config.Docker.RequireExistingDB {
			return nil
		}
		policy = DBRequire
	}

	store := r.Store(run.Env)
	switch policy {
	case DBRequire:
		if !store.Exists() {
			fmt.Fprintln(r.stderr(), msgDatabaseMissing)
			run.Logger.Debug("database missing", zap.String("path", store.Path))
			return fmt.Errorf("task %s: %w", run.Task.Name, ErrDatabaseMissing)
		}
		fmt.Fprintln(r.stdout(), msgDatabaseExists)

	case DBBootstrap:
		if store.Exists() {
			fmt.Fprintln(r.stdout(), msgDatabaseExists)
			return nil
		}
		fmt.Fprintln(r.stdout(), msgDatabaseBootstrap)
		if err := r.bootstrap(ctx, store); err != nil {
			return fmt.Errorf("task %s: %w", run.Task.Name, err)
		}
	}
	return nil
}

// bootstrap creates the database and verifies the result with the check task.
func (r *Runner) bootstrap(ctx context.Context, store *localdb.Store) error {
	if err := store.Bootstrap(ctx, r.Exec); err != nil {
		return err
	}
	return r.Run(ctx, "check", nil)
}

func (r *Runner) runSteps(ctx context.Context, run *Run) error {
	for i, step := range run.Task.Steps {
		if step.LiveCheck && r.Config.LiveChecksDisabled() {
			logging.Tasks("Skipping live check step %d of %s", i+1, run.Task.Name)
			run.Logger.Info("skipping step that needs a live server", zap.Strings("args", step.Args))
			continue
		}

		cmd, err := r.Command(ctx, run, step)
		if err != nil {
			return err
		}
		if err := r.execute(ctx, run, step, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Command expands a step into an executable command.
func (r *Runner) Command(ctx context.Context, run *Run, step Step) (tactile.Command, error) {
	argv, err := r.expand(ctx, run, step.Args)
	if err != nil {
		return tactile.Command{}, err
	}
	if len(argv) == 0 {
		return tactile.Command{}, fmt.Errorf("task %s: empty step", run.Task.Name)
	}

	cmd := tactile.NewCommand(argv...)
	cmd.WorkingDirectory = run.Dir
	if step.Dir != DirDefault {
		cmd.WorkingDirectory = r.dir(step.Dir)
	}

	env := run.Env
	if len(step.Env) > 0 {
		env = env.With(step.Env)
	}
	cmd.Environment = env.Slice()
	cmd.SessionID = run.ID
	cmd.Tags = map[string]string{"task": run.Task.Name}
	return cmd, nil
}

func (r *Runner) execute(ctx context.Context, run *Run, step Step, cmd tactile.Command) error {
	streams := &tactile.Streams{Stdout: r.stdout(), Stderr: r.stderr()}
	if step.Interactive {
		streams.Stdin = r.Stdin
	}
	cmd.Streams = streams

	run.Logger.Info("running", zap.String("command", cmd.CommandString()), zap.String("dir", cmd.WorkingDirectory))

	result, err := r.Exec.Execute(ctx, cmd)
	if err != nil {
		return fmt.Errorf("task %s: %w", run.Task.Name, err)
	}

	if step.Analyze != AnalyzeNone {
		r.summarize(run, step.Analyze, result)
	}

	switch {
	case result.IsError():
		return &StepError{Task: run.Task.Name, Step: cmd.CommandString(), ExitCode: result.ExitCode, Reason: result.Error}
	case result.Killed:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("task %s: %w", run.Task.Name, ctxErr)
		}
		return &StepError{Task: run.Task.Name, Step: cmd.CommandString(), ExitCode: result.ExitCode, Reason: result.KillReason}
	case result.ExitCode != 0:
		return &StepError{Task: run.Task.Name, Step: cmd.CommandString(), ExitCode: result.ExitCode}
	}
	return nil
}

func (r *Runner) summarize(run *Run, kind Analysis, result *tactile.ExecutionResult) {
	if r.analyzer == nil {
		r.analyzer = tactile.NewOutputAnalyzer()
	}
	output := result.Output()

	switch kind {
	case AnalyzeTests:
		a := r.analyzer.AnalyzeTestOutput(output)
		if !a.Recognized() {
			return
		}
		run.Logger.Info("test summary",
			zap.String("framework", a.Framework),
			zap.Int("total", a.Total),
			zap.Int("passed", a.Passed),
			zap.Int("failed", a.Failed),
			zap.Int("errors", a.Errors),
			zap.Int("skipped", a.Skipped),
			zap.Strings("failed_tests", a.FailedTests),
		)
	case AnalyzeTypeCheck:
		a := r.analyzer.AnalyzeTypeCheckOutput(output)
		run.Logger.Info("type-check summary",
			zap.Bool("success", a.Success),
			zap.Int("errors", a.Errors),
			zap.Int("warnings", a.Warnings),
		)
	}
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

func (r *Runner) expand(ctx context.Context, run *Run, args []string) ([]string, error) {
	var argv []string
	for _, arg := range args {
		switch arg {
		case TokenPython:
			argv = append(argv, r.Config.PythonCommand()...)
			continue
		case TokenRunner:
			argv = append(argv, r.Config.RunnerCommand()...)
			continue
		case TokenCompose:
			argv = append(argv, "docker")
			argv = append(argv, r.Config.Docker.ComposeArgs...)
			continue
		}

		var expandErr error
		expanded := placeholderPattern.ReplaceAllStringFunc(arg, func(m string) string {
			name := m[1 : len(m)-1]
			value, err := r.param(ctx, run, name)
			if err != nil && expandErr == nil {
				expandErr = err
			}
			return value
		})
		if expandErr != nil {
			return nil, expandErr
		}
		argv = append(argv, expanded)
	}
	return argv, nil
}

// param returns a parameter value, prompting once when the task allows it.
func (r *Runner) param(ctx context.Context, run *Run, name string) (string, error) {
	if v := run.Params[name]; v != "" {
		return v, nil
	}
	def, ok := run.Task.Param(name)
	if !ok || def.Prompt == "" {
		return "", fmt.Errorf("%w: task %s requires %q", ErrMissingParam, run.Task.Name, name)
	}

	prompt := r.Prompt
	if prompt == nil {
		prompt = r.linePrompt
	}
	value, err := prompt(ctx, def.Prompt)
	if err != nil {
		return "", fmt.Errorf("task %s: prompt for %s: %w", run.Task.Name, name, err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: task %s: empty %s", ErrMissingParam, run.Task.Name, name)
	}
	run.Params[name] = value
	return value, nil
}

// linePrompt reads one line from Stdin.
func (r *Runner) linePrompt(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.Stdin == nil {
		return "", errors.New("no input available")
	}
	fmt.Fprint(r.stdout(), defaultPromptLeadText+question)

	line, err := bufio.NewReader(r.Stdin).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// relative renders path relative to the project root when possible.
func (r *Runner) relative(path string) string {
	rel, err := filepath.Rel(r.Config.ProjectRoot(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
