// Package localdb manages the SQLite file backing the local Django
// development server: presence checks, removal, bootstrap through manage.py
// and a read-only inspection of its contents.
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"moosedev/internal/environ"
	"moosedev/internal/logging"
	"moosedev/internal/tactile"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when the database file does not exist.
var ErrNotFound = errors.New("local database not found")

// Admin is the superuser created during bootstrap.
type Admin struct {
	Username string
	Email    string
	Password string
}

// Store is the local database file plus what is needed to bootstrap it.
type Store struct {
	// Path is the absolute path of the SQLite file.
	Path string

	// DjangoRoot is the directory holding manage.py.
	DjangoRoot string

	// Python is the argv prefix that runs the project interpreter,
	// e.g. ["poetry", "run", "python"].
	Python []string

	// Env is the child environment for bootstrap commands.
	Env environ.Env

	Admin Admin

	// Out and Err receive child output and notices. Nil discards.
	Out io.Writer
	Err io.Writer
}

// StepError reports a bootstrap command that exited non-zero.
type StepError struct {
	Step     string
	ExitCode int
	Reason   string
}

func (e *StepError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("bootstrap step %q failed: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("bootstrap step %q exited with code %d", e.Step, e.ExitCode)
}

// ExitStatus returns the process exit status the failure maps to.
func (e *StepError) ExitStatus() int {
	if e.ExitCode > 0 {
		return e.ExitCode
	}
	return 1
}

func (s *Store) out() io.Writer {
	if s.Out == nil {
		return io.Discard
	}
	return s.Out
}

func (s *Store) errOut() io.Writer {
	if s.Err == nil {
		return io.Discard
	}
	return s.Err
}

// Exists reports whether the database file is present as a regular file.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.Path)
	exists := err == nil && info.Mode().IsRegular()
	logging.LocalDBDebug("Exists(%s) = %v", s.Path, exists)
	return exists
}

// Destroy removes the database file. A missing file is not an error.
func (s *Store) Destroy() error {
	fmt.Fprintln(s.out(), "WARNING: Local database file (if it exists) is being removed.")
	logging.LocalDB("Removing local database %s", s.Path)

	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove local database: %w", err)
	}
	return nil
}

// BootstrapSteps returns the manage.py invocations that create the schema
// and the admin account, in order.
func (s *Store) BootstrapSteps() []tactile.Command {
	manage := func(args ...string) tactile.Command {
		argv := append(append([]string{}, s.Python...), "manage.py")
		return tactile.NewCommand(append(argv, args...)...)
	}

	createSuperuser := manage(
		"createsuperuser",
		"--username="+s.Admin.Username,
		"--email="+s.Admin.Email,
		"--noinput",
	)
	createSuperuser.Environment = s.Env.With(map[string]string{
		"DJANGO_SUPERUSER_PASSWORD": s.Admin.Password,
	}).Slice()

	steps := []tactile.Command{
		manage("makemigrations"),
		manage("migrate"),
		createSuperuser,
	}
	for i := range steps {
		steps[i].WorkingDirectory = s.DjangoRoot
		if steps[i].Environment == nil {
			steps[i].Environment = s.Env.Slice()
		}
		steps[i].Tags = map[string]string{"component": "localdb"}
	}
	return steps
}

// Bootstrap creates the database by running migrations and creating the
// admin account. The first failing step aborts the bootstrap.
func (s *Store) Bootstrap(ctx context.Context, exec tactile.Executor) error {
	timer := logging.StartTimer(logging.CategoryLocalDB, "Bootstrap")
	defer timer.Stop()

	logging.LocalDB("Bootstrapping local database %s (dir=%s)", s.Path, s.DjangoRoot)

	for _, cmd := range s.BootstrapSteps() {
		cmd.Streams = &tactile.Streams{Stdout: s.out(), Stderr: s.errOut()}
		step := cmd.CommandString()

		result, err := exec.Execute(ctx, cmd)
		if err != nil {
			return fmt.Errorf("bootstrap step %q: %w", step, err)
		}
		if result.IsError() {
			return &StepError{Step: step, ExitCode: result.ExitCode, Reason: result.Error}
		}
		if result.Killed {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("bootstrap step %q: %w", step, err)
			}
			return &StepError{Step: step, ExitCode: result.ExitCode, Reason: result.KillReason}
		}
		if result.ExitCode != 0 {
			return &StepError{Step: step, ExitCode: result.ExitCode}
		}
	}

	logging.LocalDB("Local database bootstrapped")
	return nil
}

// Status describes the contents of the database file.
type Status struct {
	Path              string    `json:"path"`
	SizeBytes         int64     `json:"size_bytes"`
	ModTime           time.Time `json:"mod_time"`
	AppliedMigrations int       `json:"applied_migrations"`
	Superusers        []string  `json:"superusers"`

	// Apps lists the Django apps with at least one applied migration.
	Apps []string `json:"apps"`
}

// Inspect opens the database read-only and reports migrations and admin
// accounts. Tables that do not exist yet count as empty.
func (s *Store) Inspect(ctx context.Context) (*Status, error) {
	info, err := os.Stat(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat local database: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("local database %s is not a regular file", s.Path)
	}

	dsn := "file:" + filepath.ToSlash(filepath.Clean(s.Path)) + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping local database: %w", err)
	}

	status := &Status{
		Path:      s.Path,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}

	tables, err := listTables(ctx, db)
	if err != nil {
		return nil, err
	}

	if tables["django_migrations"] {
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM django_migrations").Scan(&status.AppliedMigrations); err != nil {
			return nil, fmt.Errorf("count migrations: %w", err)
		}
		apps, err := queryStrings(ctx, db, "SELECT DISTINCT app FROM django_migrations ORDER BY app")
		if err != nil {
			return nil, fmt.Errorf("list migrated apps: %w", err)
		}
		status.Apps = apps
	}

	if tables["auth_user"] {
		users, err := queryStrings(ctx, db, "SELECT username FROM auth_user WHERE is_superuser = 1 ORDER BY username")
		if err != nil {
			return nil, fmt.Errorf("list superusers: %w", err)
		}
		status.Superusers = users
	}

	logging.LocalDBDebug("Inspect(%s): migrations=%d superusers=%d", s.Path, status.AppliedMigrations, len(status.Superusers))
	return status, nil
}

// HasSuperuser reports whether name is among the superusers.
func (st *Status) HasSuperuser(name string) bool {
	for _, u := range st.Superusers {
		if strings.EqualFold(u, name) {
			return true
		}
	}
	return false
}

func listTables(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	names, err := queryStrings(ctx, db, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables := make(map[string]bool, len(names))
	for _, n := range names {
		tables[n] = true
	}
	return tables, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
