package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Dir is the per-project directory holding the config file and logs.
const Dir = ".moose"

// FileName is the config file name inside Dir.
const FileName = "config.yaml"

// Config holds all moose configuration.
type Config struct {
	Name string `yaml:"name"`

	// Project layout
	Project ProjectConfig `yaml:"project"`

	// Local SQLite database and its bootstrap account
	Database DatabaseConfig `yaml:"database"`

	// Local TLS certificates for the dockerized deployment
	Certs CertsConfig `yaml:"certs"`

	// docker compose launch
	Docker DockerConfig `yaml:"docker"`

	// Environment applied to debug-mode tasks
	Debug DebugConfig `yaml:"debug"`

	// Delegated command execution
	Execution ExecutionConfig `yaml:"execution"`

	// Source watcher
	Watch WatchConfig `yaml:"watch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// root is the resolved absolute project root; set by Load.
	root string
}

// ProjectConfig describes where the Django project lives.
type ProjectConfig struct {
	// Root is the repository root. Empty means the directory containing .moose/.
	Root string `yaml:"root,omitempty"`

	// DjangoRoot is the directory holding manage.py, relative to Root.
	DjangoRoot string `yaml:"django_root"`

	// Runner prefixes every python invocation (e.g. "poetry run").
	Runner []string `yaml:"runner"`

	// Python is the interpreter invoked through Runner.
	Python string `yaml:"python"`

	// ShellVarsFile receives the environment for the Django shell hand-off.
	ShellVarsFile string `yaml:"shell_vars_file"`
}

// DatabaseConfig configures the local development database.
type DatabaseConfig struct {
	// File is the SQLite file, relative to the Django root.
	File string `yaml:"file"`

	AdminUsername string `yaml:"admin_username"`
	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`
}

// CertsConfig configures local certificate provisioning.
type CertsConfig struct {
	Dir      string `yaml:"dir"`
	Hostname string `yaml:"hostname"`
	Tool     string `yaml:"tool"`
	KeyFile  string `yaml:"key_file"`
	CertFile string `yaml:"cert_file"`
}

// DockerConfig configures the dockerized server.
type DockerConfig struct {
	// RequireExistingDB makes run-docker fail when the local database is absent.
	RequireExistingDB bool `yaml:"require_existing_db"`

	// ComposeArgs are passed after "docker".
	ComposeArgs []string `yaml:"compose_args"`
}

// DebugConfig holds the debug-mode environment.
type DebugConfig struct {
	// UploadDir is relative to the project root.
	UploadDir string `yaml:"upload_dir"`

	// SecretKey is a development placeholder, never a real secret.
	SecretKey string `yaml:"secret_key"`

	// Extra variables merged over the built-in debug set.
	Extra map[string]string `yaml:"extra,omitempty"`
}

// ExecutionConfig configures the tactile layer.
type ExecutionConfig struct {
	// DefaultTimeout bounds each delegated command. Empty or "0" means none.
	DefaultTimeout string `yaml:"default_timeout"`

	// DisableLiveChecks skips checks that need a running server. Unset means
	// skip on linux, where CI runs.
	DisableLiveChecks *bool `yaml:"disable_live_checks,omitempty"`

	// CI is forced on by the CI environment variable.
	CI bool `yaml:"ci"`
}

// WatchConfig configures the source watcher.
type WatchConfig struct {
	Extensions []string `yaml:"extensions"`
	Debounce   string   `yaml:"debounce"`
	Ignore     []string `yaml:"ignore"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// envOverrides are the environment variables that win over the file.
type envOverrides struct {
	ProjectRoot       string `env:"MOOSE_PROJECT_ROOT"`
	DatabasePath      string `env:"MOOSE_DB_PATH"`
	RequireExistingDB string `env:"DOCKER_USE_EXISTING_LOCAL_DB"`
	CI                string `env:"CI"`
	LogLevel          string `env:"MOOSE_LOG_LEVEL"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "moosedj",

		Project: ProjectConfig{
			DjangoRoot:    ".",
			Runner:        []string{"poetry", "run"},
			Python:        "python",
			ShellVarsFile: "dj-shell-vars.env",
		},

		Database: DatabaseConfig{
			File:          "db.sqlite3",
			AdminUsername: "admin",
			AdminEmail:    "noreply@moose.com",
			AdminPassword: "moosedj",
		},

		Certs: CertsConfig{
			Dir:      "certs",
			Hostname: "local.example",
			Tool:     "mkcert",
			KeyFile:  "server-key.pem",
			CertFile: "server-crt.pem",
		},

		Docker: DockerConfig{
			ComposeArgs: []string{"compose", "up", "--build", "--abort-on-container-exit"},
		},

		Debug: DebugConfig{
			UploadDir: "local-uploads",
			SecretKey: "changeme",
		},

		Watch: WatchConfig{
			Extensions: []string{".py"},
			Debounce:   "500ms",
			Ignore:     []string{".git", "__pycache__", ".venv", "node_modules", ".moose", ".mypy_cache"},
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the config file path for a project root.
func Path(root string) string {
	return filepath.Join(root, Dir, FileName)
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults. root is used when the file does not
// set project.root; it is made absolute.
func Load(path, root string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if cfg.Project.Root == "" {
		cfg.Project.Root = root
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.Project.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	cfg.root = abs

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.ProjectRoot != "" {
		c.Project.Root = o.ProjectRoot
	}
	if o.DatabasePath != "" {
		c.Database.File = o.DatabasePath
	}
	// Any non-empty value, "false" and "0" included, requires the database.
	if o.RequireExistingDB != "" {
		c.Docker.RequireExistingDB = true
	}
	if o.CI != "" {
		c.Execution.CI = truthy(o.CI)
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	return nil
}

// truthy accepts strconv booleans; any other non-empty value counts as set.
func truthy(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v != ""
}

// ProjectRoot returns the absolute project root.
func (c *Config) ProjectRoot() string {
	if c.root == "" {
		if abs, err := filepath.Abs(c.Project.Root); err == nil {
			return abs
		}
		return c.Project.Root
	}
	return c.root
}

func (c *Config) resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// DjangoRoot returns the absolute directory holding manage.py.
func (c *Config) DjangoRoot() string {
	return c.resolve(c.ProjectRoot(), c.Project.DjangoRoot)
}

// DatabasePath returns the absolute path of the local database file.
func (c *Config) DatabasePath() string {
	return c.resolve(c.DjangoRoot(), c.Database.File)
}

// CertsDir returns the absolute certificate directory.
func (c *Config) CertsDir() string {
	return c.resolve(c.ProjectRoot(), c.Certs.Dir)
}

// UploadPath returns the absolute debug upload directory.
func (c *Config) UploadPath() string {
	return c.resolve(c.ProjectRoot(), c.Debug.UploadDir)
}

// ShellVarsPath returns the absolute path of the shell hand-off file.
func (c *Config) ShellVarsPath() string {
	return c.resolve(c.ProjectRoot(), c.Project.ShellVarsFile)
}

// LogsDir returns the debug log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.ProjectRoot(), Dir, "logs")
}

// DebugEnvironment returns the variables applied to debug-mode tasks.
func (c *Config) DebugEnvironment() map[string]string {
	vars := map[string]string{
		"MOOSE_DJANGO_DEBUG":       "TRUE",
		"MOOSE_DJANGO_UPLOAD_PATH": c.UploadPath(),
		"PYTHONUNBUFFERED":         "DISABLE_STDOUT_BUFFER",
		"MOOSE_DJANGO_SECRET_KEY":  c.Debug.SecretKey,
	}
	for k, v := range c.Debug.Extra {
		vars[k] = v
	}
	return vars
}

// PythonCommand returns the argv prefix for running python through the runner.
func (c *Config) PythonCommand(args ...string) []string {
	argv := append([]string{}, c.Project.Runner...)
	argv = append(argv, c.Project.Python)
	return append(argv, args...)
}

// RunnerCommand returns the argv prefix for a tool run through the runner.
func (c *Config) RunnerCommand(args ...string) []string {
	argv := append([]string{}, c.Project.Runner...)
	return append(argv, args...)
}

// LiveChecksDisabled reports whether checks needing a live server are skipped.
func (c *Config) LiveChecksDisabled() bool {
	if c.Execution.CI {
		return true
	}
	if c.Execution.DisableLiveChecks != nil {
		return *c.Execution.DisableLiveChecks
	}
	return runtime.GOOS == "linux"
}

// GetExecutionTimeout returns the default execution timeout as a duration.
// Zero means no timeout.
func (c *Config) GetExecutionTimeout() time.Duration {
	if c.Execution.DefaultTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// GetWatchDebounce returns the watcher debounce window.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// ValidLogLevels lists the accepted logging levels.
var ValidLogLevels = []string{"debug", "info", "warn", "warning", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.File == "" {
		return fmt.Errorf("database.file must not be empty")
	}
	if c.Database.AdminUsername == "" {
		return fmt.Errorf("database.admin_username must not be empty")
	}
	if len(c.Project.Runner) == 0 && c.Project.Python == "" {
		return fmt.Errorf("project.python must be set when project.runner is empty")
	}
	if c.Certs.Dir == "" || c.Certs.Hostname == "" {
		return fmt.Errorf("certs.dir and certs.hostname must be set")
	}
	if len(c.Docker.ComposeArgs) == 0 {
		return fmt.Errorf("docker.compose_args must not be empty")
	}
	if c.Execution.DefaultTimeout != "" {
		if _, err := time.ParseDuration(c.Execution.DefaultTimeout); err != nil {
			return fmt.Errorf("invalid execution.default_timeout %q: %w", c.Execution.DefaultTimeout, err)
		}
	}

	validLevel := false
	for _, l := range ValidLogLevels {
		if c.Logging.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid logging.level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}

	return nil
}

// FindProjectRoot walks up from start looking for .moose, manage.py or
// pyproject.toml. If none is found, start is returned.
func FindProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		for _, marker := range []string{Dir, "manage.py", "pyproject.toml"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
