package tasks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"moosedev/internal/environ"
	"moosedev/internal/localdb"
	"moosedev/internal/logging"

	"go.uber.org/zap"
)

// cleanAction removes *.pyc and *.pyo files, then the __pycache__
// directories left empty.
func cleanAction(ctx context.Context, r *Runner, run *Run) error {
	var files, caches []string
	err := filepath.WalkDir(run.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git":
				return filepath.SkipDir
			case "__pycache__":
				caches = append(caches, path)
			}
			return nil
		}
		if ext := filepath.Ext(path); ext == ".pyc" || ext == ".pyo" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("task %s: scan %s: %w", run.Task.Name, run.Dir, err)
	}

	// Deepest first so nested caches go before their parents.
	sort.Slice(caches, func(i, j int) bool { return len(caches[i]) > len(caches[j]) })

	if r.DryRun {
		for _, f := range files {
			fmt.Fprintf(r.stdout(), "+ rm %s\n", r.relative(f))
		}
		for _, c := range caches {
			fmt.Fprintf(r.stdout(), "+ rmdir %s\n", r.relative(c))
		}
		return nil
	}

	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("task %s: %w", run.Task.Name, err)
		}
	}
	removed := 0
	for _, c := range caches {
		if err := os.Remove(c); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			// Non-empty: something other than bytecode lives there.
			logging.TasksWarn("Keeping %s: %v", c, err)
			run.Logger.Warn("keeping non-empty cache directory", zap.String("path", c))
			continue
		}
		removed++
	}

	fmt.Fprintf(r.stdout(), "Removed %d compiled files and %d __pycache__ directories.\n", len(files), removed)
	return nil
}

// initDatabaseAction bootstraps the database whether or not it exists,
// then runs the check task.
func initDatabaseAction(ctx context.Context, r *Runner, run *Run) error {
	if err := r.bootstrap(ctx, r.Store(run.Env)); err != nil {
		return fmt.Errorf("task %s: %w", run.Task.Name, err)
	}
	return nil
}

func destroyDatabaseAction(ctx context.Context, r *Runner, run *Run) error {
	store := r.Store(run.Env)
	if r.DryRun {
		fmt.Fprintf(r.stdout(), "+ rm -f %s\n", r.relative(store.Path))
		return nil
	}
	if err := store.Destroy(); err != nil {
		return fmt.Errorf("task %s: %w", run.Task.Name, err)
	}
	return nil
}

func databaseStatusAction(ctx context.Context, r *Runner, run *Run) error {
	store := r.Store(run.Env)
	status, err := store.Inspect(ctx)
	if errors.Is(err, localdb.ErrNotFound) {
		fmt.Fprintln(r.stderr(), msgDatabaseMissing)
		return fmt.Errorf("task %s: %w", run.Task.Name, ErrDatabaseMissing)
	}
	if err != nil {
		return fmt.Errorf("task %s: %w", run.Task.Name, err)
	}

	superusers := strings.Join(status.Superusers, ", ")
	if superusers == "" {
		superusers = "(none)"
	}
	apps := strings.Join(status.Apps, ", ")
	if apps == "" {
		apps = "(none)"
	}

	w := tabwriter.NewWriter(r.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Database:\t%s\n", r.relative(status.Path))
	fmt.Fprintf(w, "Size:\t%d bytes\n", status.SizeBytes)
	fmt.Fprintf(w, "Modified:\t%s\n", status.ModTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Applied migrations:\t%d\n", status.AppliedMigrations)
	fmt.Fprintf(w, "Migrated apps:\t%s\n", apps)
	fmt.Fprintf(w, "Superusers:\t%s\n", superusers)
	if err := w.Flush(); err != nil {
		return err
	}

	if admin := r.Config.Database.AdminUsername; !status.HasSuperuser(admin) {
		fmt.Fprintf(r.stdout(), "WARNING: the configured admin account %q does not exist. Run db-init.\n", admin)
	}
	return nil
}

// shellAction writes the replace-mode environment for a manual Django shell
// and prints how to use it.
func shellAction(ctx context.Context, r *Runner, run *Run) error {
	path := r.Config.ShellVarsPath()
	if r.DryRun {
		fmt.Fprintf(r.stdout(), "+ write %s (%d variables)\n", r.relative(path), run.Env.Len())
		return nil
	}
	if err := environ.WriteDotenv(path, run.Env); err != nil {
		return fmt.Errorf("task %s: %w", run.Task.Name, err)
	}
	written, err := environ.ReadDotenv(path)
	if err != nil {
		return fmt.Errorf("task %s: %w", run.Task.Name, err)
	}
	if written.Len() != run.Env.Len() {
		return fmt.Errorf("task %s: %s holds %d variables, expected %d", run.Task.Name, r.relative(path), written.Len(), run.Env.Len())
	}
	run.Logger.Debug("shell environment written", zap.String("path", path), zap.Int("vars", written.Len()))

	cd := ""
	if djangoDir := r.relative(r.Config.DjangoRoot()); djangoDir != "." {
		cd = "cd " + djangoDir + " && "
	}
	manage := strings.Join(r.Config.PythonCommand("manage.py", "shell"), " ")

	fmt.Fprintf(r.stdout(), `

A ".env" file with %d variables has been generated for the Django shell.

To launch the shell, run the following command:

    export $(cat %s | xargs) && %s%s

`, written.Len(), r.relative(path), cd, manage)
	return nil
}
