package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"moosedev/internal/config"
	"moosedev/internal/tasks"
	"moosedev/internal/watch"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const taskGroup = "tasks"

// longRunning tasks are restarted rather than queued by watch.
var longRunning = map[string]bool{
	"run-server": true,
	"run-docker": true,
	"huey":       true,
}

// newTaskCommand builds the subcommand for a catalog task. Parameters
// without a prompt are positional; prompted parameters get a flag.
func newTaskCommand(task *tasks.Task) *cobra.Command {
	var positional []string
	flagValues := make(map[string]*string)
	for _, p := range task.Params {
		if p.Prompt == "" {
			positional = append(positional, p.Name)
		}
	}

	use := task.Name
	for _, name := range positional {
		use += " <" + name + ">"
	}

	cmd := &cobra.Command{
		Use:     use,
		Short:   task.Summary,
		Long:    describeTask(task),
		Aliases: task.Aliases,
		GroupID: taskGroup,
		Args:    cobra.ExactArgs(len(positional)),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make(map[string]string, len(task.Params))
			for i, name := range positional {
				params[name] = args[i]
			}
			for name, v := range flagValues {
				if *v != "" {
					params[name] = *v
				}
			}
			return newRunner().Run(cmd.Context(), task.Name, params)
		},
	}

	for _, p := range task.Params {
		if p.Prompt == "" || p.Flag == "" {
			continue
		}
		v := new(string)
		flagValues[p.Name] = v
		cmd.Flags().StringVar(v, p.Flag, "", strings.TrimSuffix(strings.TrimSpace(p.Prompt), ":")+" (prompted when omitted)")
	}
	return cmd
}

// describeTask renders a task's declaration for --help.
func describeTask(task *tasks.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.\n\n", task.Summary)
	fmt.Fprintf(&b, "Directory:   %s\n", task.Dir)
	fmt.Fprintf(&b, "Environment: %s\n", task.Env)
	fmt.Fprintf(&b, "Database:    %s\n", task.Database)
	if task.Certs {
		b.WriteString("Certificates: provisioned first\n")
	}
	if len(task.Steps) > 0 {
		b.WriteString("\nCommands:\n")
		for _, step := range task.Steps {
			line := strings.Join(step.Args, " ")
			if step.LiveCheck {
				line += "  (skipped when live checks are disabled)"
			}
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	if len(task.Aliases) > 0 {
		fmt.Fprintf(&b, "\nAlso available as: %s\n", strings.Join(task.Aliases, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(os.Stdout, renderCatalog(tasks.DefaultCatalog()))
		return nil
	},
}

// renderCatalog returns the task table.
func renderCatalog(c *tasks.Catalog) string {
	rows := make([][]string, 0, len(c.Tasks()))
	for _, t := range c.Tasks() {
		rows = append(rows, []string{t.Name, t.Database.String(), t.Env.String(), t.Summary})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("TASK", "DATABASE", "ENV", "SUMMARY").
		Rows(rows...).
		String()
}

var (
	watchRestart   bool
	watchNoInitial bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <task> [args...]",
	Short: "Re-run a task whenever project sources change",
	Long: `Watches the Django project and re-runs the task after changes settle.

Long-running tasks (run-server, run-docker, huey) are restarted; other
tasks are re-run once the previous run finishes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	runner := newRunner()
	task, err := runner.Catalog.Lookup(args[0])
	if err != nil {
		return err
	}

	params := make(map[string]string)
	var positional []string
	for _, p := range task.Params {
		if p.Prompt == "" {
			positional = append(positional, p.Name)
		}
	}
	if len(args)-1 != len(positional) {
		return fmt.Errorf("task %s expects %d argument(s), got %d", task.Name, len(positional), len(args)-1)
	}
	for i, name := range positional {
		params[name] = args[i+1]
	}

	restart := longRunning[task.Name]
	if cmd.Flags().Changed("restart") {
		restart = watchRestart
	}

	root := cfg.DjangoRoot()
	w, err := watch.New(watch.Options{
		Root:       root,
		Extensions: cfg.Watch.Extensions,
		Ignore:     cfg.Watch.Ignore,
		Debounce:   cfg.GetWatchDebounce(),
		RunOnStart: !watchNoInitial,
		Restart:    restart,
	}, func(ctx context.Context, changed []string) error {
		if len(changed) > 0 {
			fmt.Fprintln(os.Stdout, mutedStyle.Render(fmt.Sprintf("%d file(s) changed, running %s", len(changed), task.Name)))
		}
		err := runner.Run(ctx, task.Name, params)
		switch {
		case ctx.Err() != nil:
		case err == nil:
			fmt.Fprintln(os.Stdout, okLine(task.Name))
		case errors.Is(err, tasks.ErrDatabaseMissing):
		default:
			fmt.Fprintln(os.Stderr, errorLine(err.Error()))
		}
		return err
	})
	if err != nil {
		return err
	}

	logger.Debug("watching", zap.String("root", root), zap.String("task", task.Name), zap.Bool("restart", restart))
	fmt.Fprintln(os.Stdout, infoStyle.Render(fmt.Sprintf("Watching %s for %s (Ctrl+C to stop)", runner.Config.DjangoRoot(), task.Name)))
	return w.Run(cmd.Context())
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.Path(cfg.ProjectRoot())
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			fmt.Fprintln(os.Stdout, warningLine(fmt.Sprintf("%s already exists; use --force to overwrite.", path)))
			return nil
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, okLine("wrote "+path))
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchRestart, "restart", false, "Cancel a running task when changes settle (default for servers)")
	watchCmd.Flags().BoolVar(&watchNoInitial, "no-initial", false, "Wait for the first change instead of running immediately")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}
