// Package main is the moose CLI, the developer task runner for moosedj.
//
// Usage:
//
//	moose list                  # Show the task catalog
//	moose run-server            # Run the local web server
//	moose test-one news.tests   # Run one test module
//	moose watch test-unittest   # Re-run a task on source changes
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"moosedev/internal/config"
	"moosedev/internal/logging"
	"moosedev/internal/startup"
	"moosedev/internal/tactile"
	"moosedev/internal/tasks"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath  string
	projectRoot string
	verbose     bool
	dryRun      bool

	// Set by PersistentPreRunE
	logger *zap.Logger
	cfg    *config.Config
	audit  *tactile.AuditLogger
)

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:   "moose",
	Short: "moose - developer tasks for the moosedj Django project",
	Long: `moose runs the routine development tasks of the moosedj project:
the local server, the dockerized stack, the test suites, the local
database and the TLS certificates for local HTTPS.

Every task runs its commands with an explicit environment; moose never
changes its own process environment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <project>/.moose/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&projectRoot, "project-root", "", "Project root (default: nearest directory with .moose, manage.py or pyproject.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Print commands instead of running them")

	rootCmd.AddGroup(&cobra.Group{ID: taskGroup, Title: "Tasks:"})
	for _, task := range tasks.DefaultTasks() {
		rootCmd.AddCommand(newTaskCommand(task))
	}

	rootCmd.AddCommand(listCmd, watchCmd, initCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, tasks.ErrDatabaseMissing) && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, errorLine(err.Error()))
	}
	teardown()
	cancel()
	os.Exit(tasks.ExitCode(err))
}

// setup loads configuration and builds the logger and executor state
// shared by every subcommand.
func setup() error {
	root := projectRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		if root, err = config.FindProjectRoot(wd); err != nil {
			return err
		}
	}

	path := configPath
	if path == "" {
		path = config.Path(root)
	}

	var err error
	cfg, err = config.Load(path, root)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	logger, err = newLogger(verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := logging.Initialize(cfg.LogsDir(), logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		logger.Warn("Debug file logging unavailable", zap.Error(err))
	}
	logging.Boot("moose starting: root=%s config=%s dry_run=%v", cfg.ProjectRoot(), path, dryRun)

	startup.App.Ready(os.Stdout)
	return nil
}

func teardown() {
	if audit != nil {
		if s := audit.Stats(); s.Started > 0 && logger != nil {
			logger.Debug("commands",
				zap.Int64("started", s.Started),
				zap.Int64("succeeded", s.Succeeded),
				zap.Int64("failed", s.Failed),
				zap.Int64("killed", s.Killed),
				zap.Int64("skipped", s.Skipped),
				zap.Duration("duration", s.Duration),
			)
		}
		_ = audit.Close()
		audit = nil
	}
	if logger != nil {
		_ = logger.Sync()
	}
	logging.CloseAll()
}

// newLogger builds the CLI logger. Task output already goes to the
// terminal, so only warnings surface unless verbose is set.
func newLogger(verbose bool) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "console"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zapCfg.Build()
}

// newExecutor returns the executor for delegated commands, wrapped with
// audit logging.
func newExecutor() tactile.Executor {
	var exec tactile.Executor
	if dryRun {
		exec = tactile.NewDryRunExecutor(os.Stdout)
	} else {
		execCfg := tactile.DefaultExecutorConfig()
		execCfg.DefaultWorkingDir = cfg.ProjectRoot()
		execCfg.DefaultTimeout = cfg.GetExecutionTimeout()
		exec = tactile.NewDirectExecutorWithConfig(execCfg)
	}

	if audit == nil {
		audit = tactile.NewAuditLogger()
		audit.AddCallback(tactile.ZapAuditCallback(logger))
		if logging.IsDebugMode() {
			path := filepath.Join(cfg.LogsDir(), "commands.jsonl")
			if err := audit.EnableFileLogging(path); err != nil {
				logger.Warn("Command audit log unavailable", zap.String("path", path), zap.Error(err))
			}
		}
	}
	return tactile.WithAudit(exec, audit)
}

// newRunner returns a task runner over the loaded config.
func newRunner() *tasks.Runner {
	r := tasks.NewRunner(cfg, newExecutor(), logger)
	r.DryRun = dryRun
	r.Prompt = terminalPrompter(os.Stdin, os.Stdout)
	return r
}
