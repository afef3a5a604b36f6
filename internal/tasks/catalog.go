// Package tasks is the moose task dispatcher. Each task is a declarative
// description (working directory, environment mode, database policy and the
// commands to delegate to) interpreted by a Runner.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DirKind selects a task's working directory.
type DirKind int

const (
	// DirDefault inherits the task's directory (steps only).
	DirDefault DirKind = iota
	DirProject
	DirDjango
)

func (d DirKind) String() string {
	switch d {
	case DirProject:
		return "project"
	case DirDjango:
		return "django"
	default:
		return "default"
	}
}

// EnvMode selects how a task's child environment is built.
type EnvMode int

const (
	// EnvInherit passes the process environment unchanged.
	EnvInherit EnvMode = iota
	// EnvDebug layers the debug variables over the process environment.
	EnvDebug
	// EnvDebugReplace uses only the debug variables.
	EnvDebugReplace
)

func (m EnvMode) String() string {
	switch m {
	case EnvDebug:
		return "debug"
	case EnvDebugReplace:
		return "debug-replace"
	default:
		return "inherit"
	}
}

// DBPolicy is a task's precondition on the local database file.
type DBPolicy int

const (
	DBIgnore DBPolicy = iota
	// DBRequire fails with ErrDatabaseMissing when the file is absent.
	DBRequire
	// DBBootstrap creates the database when the file is absent.
	DBBootstrap
	// DBRequireIfConfigured acts as DBRequire only when the existing
	// database is required by configuration.
	DBRequireIfConfigured
)

func (p DBPolicy) String() string {
	switch p {
	case DBRequire:
		return "require"
	case DBBootstrap:
		return "bootstrap"
	case DBRequireIfConfigured:
		return "require-if-configured"
	default:
		return "-"
	}
}

// Analysis selects how a step's captured output is summarized.
type Analysis int

const (
	AnalyzeNone Analysis = iota
	AnalyzeTests
	AnalyzeTypeCheck
)

// Argument tokens expanded into several arguments.
const (
	TokenPython  = "{python}"  // interpreter through the runner
	TokenRunner  = "{runner}"  // the runner prefix alone
	TokenCompose = "{compose}" // docker plus the compose arguments
)

// Step is one delegated command.
type Step struct {
	// Args is the argv template. Whole-argument tokens expand to several
	// arguments; {name} inside an argument is replaced by a parameter.
	Args []string

	// Dir overrides the task directory when set.
	Dir DirKind

	// Env is layered over the task environment for this step only.
	Env map[string]string

	// LiveCheck marks steps that need a running server; they are skipped
	// when live checks are disabled.
	LiveCheck bool

	// Interactive connects the terminal's stdin.
	Interactive bool

	Analyze Analysis
}

// Param is a named task parameter.
type Param struct {
	Name string

	// Prompt asks for the value when it is missing. Empty means the value
	// must be supplied.
	Prompt string

	// Flag is the command-line flag for a prompted parameter.
	Flag string
}

// Action performs local work for a task instead of delegated steps.
type Action func(ctx context.Context, r *Runner, run *Run) error

// Task is a structured task description.
type Task struct {
	Name    string
	Summary string

	// Aliases are alternative names accepted by Lookup.
	Aliases []string

	Params   []Param
	Dir      DirKind
	Env      EnvMode
	Database DBPolicy

	// Certs provisions the local certificate pair first.
	Certs bool

	Steps  []Step
	Action Action
}

// Param returns the named parameter definition.
func (t *Task) Param(name string) (Param, bool) {
	for _, p := range t.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Catalog is an ordered set of tasks.
type Catalog struct {
	tasks []*Task
	index map[string]*Task
}

// NewCatalog builds a catalog, rejecting duplicate names.
func NewCatalog(tasks ...*Task) (*Catalog, error) {
	c := &Catalog{index: make(map[string]*Task)}
	for _, t := range tasks {
		names := append([]string{t.Name}, t.Aliases...)
		for _, n := range names {
			if _, dup := c.index[n]; dup {
				return nil, fmt.Errorf("duplicate task name %q", n)
			}
			c.index[n] = t
		}
		c.tasks = append(c.tasks, t)
	}
	return c, nil
}

// Lookup finds a task by name or alias. Underscores match dashes.
func (c *Catalog) Lookup(name string) (*Task, error) {
	if t, ok := c.index[name]; ok {
		return t, nil
	}
	if t, ok := c.index[strings.ReplaceAll(name, "_", "-")]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

// Tasks returns the tasks in declaration order.
func (c *Catalog) Tasks() []*Task {
	return append([]*Task(nil), c.tasks...)
}

// Names returns the primary task names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.tasks))
	for _, t := range c.tasks {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

func python(args ...string) []string {
	return append([]string{TokenPython}, args...)
}

func manage(args ...string) []string {
	return python(append([]string{"manage.py"}, args...)...)
}

// DefaultTasks returns the moosedj task set.
func DefaultTasks() []*Task {
	return []*Task{
		{
			Name:    "build",
			Summary: "Build a package",
			Dir:     DirProject,
			Steps:   []Step{{Args: []string{"poetry", "build"}}},
		},
		{
			Name:    "type-check",
			Summary: "Run type-checking",
			Dir:     DirProject,
			Steps:   []Step{{Args: []string{TokenRunner, "mypy", "."}, Analyze: AnalyzeTypeCheck}},
		},
		{
			Name:    "clean",
			Summary: "Remove compiled python files and __pycache__ folders",
			Dir:     DirProject,
			Action:  cleanAction,
		},
		{
			Name:    "db-init",
			Summary: "Create the local database, its admin account, then run checks",
			Aliases: []string{"initialize-local-database"},
			Dir:     DirDjango,
			Env:     EnvDebug,
			Action:  initDatabaseAction,
		},
		{
			Name:    "db-destroy",
			Summary: "Remove the local database file",
			Aliases: []string{"destroy-local-database"},
			Dir:     DirDjango,
			Action:  destroyDatabaseAction,
		},
		{
			Name:    "db-status",
			Summary: "Show migrations and admin accounts in the local database",
			Dir:     DirDjango,
			Action:  databaseStatusAction,
		},
		{
			Name:     "run-server",
			Summary:  "Run the local, native, web server",
			Dir:      DirDjango,
			Env:      EnvDebug,
			Database: DBRequire,
			Steps:    []Step{{Args: manage("runserver"), Interactive: true}},
		},
		{
			Name:     "run-docker",
			Summary:  "Run the local, dockerized, collection of web services",
			Aliases:  []string{"run-dockerized-server"},
			Dir:      DirProject,
			Env:      EnvDebug,
			Database: DBRequireIfConfigured,
			Certs:    true,
			Steps:    []Step{{Args: []string{TokenCompose}}},
		},
		{
			Name:    "create-app",
			Summary: "Create a new Django app",
			Aliases: []string{"create-django-app"},
			Params:  []Param{{Name: "app_name", Prompt: "Give your new Django app a name: ", Flag: "name"}},
			Dir:     DirDjango,
			Steps: []Step{
				{Args: []string{"poetry", "install"}, Dir: DirProject},
				{Args: manage("startapp", "{app_name}")},
			},
		},
		{
			Name:     "test-list",
			Summary:  "Display tests that pytest can execute",
			Aliases:  []string{"test-show-all-pytest"},
			Dir:      DirDjango,
			Env:      EnvDebug,
			Database: DBRequire,
			Steps:    []Step{{Args: []string{TokenRunner, "pytest", "--collect-only"}}},
		},
		{
			Name:     "test-pytest",
			Summary:  "Run the project-wide test suite with pytest",
			Aliases:  []string{"test-run-all-pytest"},
			Dir:      DirDjango,
			Env:      EnvDebug,
			Database: DBRequire,
			Steps:    []Step{{Args: []string{TokenRunner, "pytest", "."}, Analyze: AnalyzeTests}},
		},
		{
			Name:     "test-unittest",
			Summary:  "Run the project-wide test suite with unittest",
			Aliases:  []string{"test-run-all-unittest"},
			Dir:      DirDjango,
			Env:      EnvDebug,
			Database: DBBootstrap,
			Steps:    []Step{{Args: manage("test"), Analyze: AnalyzeTests}},
		},
		{
			Name:     "test-one",
			Summary:  "Run a given test module with unittest",
			Aliases:  []string{"test-run-one-unittest"},
			Params:   []Param{{Name: "filename"}},
			Dir:      DirDjango,
			Env:      EnvDebug,
			Database: DBBootstrap,
			Steps:    []Step{{Args: manage("test", "{filename}"), Analyze: AnalyzeTests}},
		},
		{
			Name:    "check",
			Summary: "Run Django's system checks and the authentication check",
			Aliases: []string{"django-admin-check"},
			Dir:     DirDjango,
			Env:     EnvDebug,
			Steps: []Step{
				{Args: manage("check")},
				{Args: python("manual_authentication_check.py"), LiveCheck: true},
			},
		},
		{
			Name:    "shell",
			Summary: "Prepare the environment file for Django's shell",
			Aliases: []string{"django-shell"},
			Dir:     DirDjango,
			Env:     EnvDebugReplace,
			Action:  shellAction,
		},
		{
			Name:    "huey",
			Summary: "Run the Huey background task consumer",
			Aliases: []string{"run-huey-consumer"},
			Dir:     DirDjango,
			Env:     EnvDebug,
			Steps:   []Step{{Args: manage("run_huey")}},
		},
		{
			Name:    "certs",
			Summary: "Create the local TLS certificate pair if missing",
			Dir:     DirProject,
			Certs:   true,
		},
	}
}

// DefaultCatalog returns the catalog of DefaultTasks.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultTasks()...)
	if err != nil {
		panic(err)
	}
	return c
}
