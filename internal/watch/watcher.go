// Package watch re-runs a task when project sources change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"moosedev/internal/logging"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

const tickInterval = 100 * time.Millisecond

// Trigger is invoked with the files that changed since the last call.
// changed is nil for the initial run.
type Trigger func(ctx context.Context, changed []string) error

// Options configures a Watcher.
type Options struct {
	// Root is watched recursively.
	Root string

	// Extensions limits events to these suffixes. Empty means all files.
	Extensions []string

	// Ignore lists directory names that are never watched.
	Ignore []string

	// Debounce is how long a path must stay quiet before it triggers.
	Debounce time.Duration

	// RunOnStart invokes the trigger once before any change.
	RunOnStart bool

	// Restart cancels a running trigger when new changes settle, for
	// long-running tasks such as servers.
	Restart bool
}

// Stats tracks watcher activity.
type Stats struct {
	Events        int
	Triggers      int
	Errors        int
	LastEventPath string
	LastEventTime time.Time
}

// Watcher debounces filesystem events under a root and serializes trigger
// invocations.
type Watcher struct {
	opts    Options
	trigger Trigger
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
	queued  map[string]struct{}
	stats   Stats

	notify chan struct{}
}

// New creates a watcher over opts.Root and registers every directory
// below it that is not ignored.
func New(opts Options, trigger Trigger) (*Watcher, error) {
	if trigger == nil {
		return nil, errors.New("watch: trigger is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	info, err := os.Stat(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", opts.Root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		opts:    opts,
		trigger: trigger,
		fsw:     fsw,
		pending: make(map[string]time.Time),
		queued:  make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
	if err := w.addTree(opts.Root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// WatchedDirs returns the registered directories, sorted.
func (w *Watcher) WatchedDirs() []string {
	dirs := w.fsw.WatchList()
	sort.Strings(dirs)
	return dirs
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run blocks until ctx is done, then closes the underlying watcher.
// Trigger errors are logged and do not stop the watch.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.eventLoop(gctx) })
	g.Go(func() error { return w.triggerLoop(gctx) })

	if w.opts.RunOnStart {
		w.enqueue(nil)
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		logging.WatchDebug("Watching %s", path)
		return nil
	})
}

func (w *Watcher) ignored(name string) bool {
	for _, ig := range w.opts.Ignore {
		if name == ig {
			return true
		}
	}
	return false
}

// relevant reports whether a changed path should trigger a run.
func (w *Watcher) relevant(path string) bool {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.ignored(part) {
			return false
		}
	}
	if len(w.opts.Extensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, e := range w.opts.Extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func (w *Watcher) eventLoop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logging.Watch("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Chmod == event.Op {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.ignored(info.Name()) {
			if err := w.addTree(event.Name); err != nil {
				logging.Watch("Could not watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	if !w.relevant(event.Name) {
		return
	}

	logging.WatchDebug("%s %s", event.Op, event.Name)
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = now
	w.stats.Events++
	w.stats.LastEventPath = event.Name
	w.stats.LastEventTime = now
}

// flushSettled moves paths quiet for the debounce window to the queue.
func (w *Watcher) flushSettled() {
	now := time.Now()
	var settled []string

	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.opts.Debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	if len(settled) > 0 {
		w.enqueue(settled)
	}
}

func (w *Watcher) enqueue(paths []string) {
	w.mu.Lock()
	for _, p := range paths {
		w.queued[p] = struct{}{}
	}
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Watcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queued) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.queued))
	for p := range w.queued {
		out = append(out, p)
	}
	w.queued = make(map[string]struct{})
	sort.Strings(out)
	return out
}

func (w *Watcher) triggerLoop(ctx context.Context) error {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	stop := func() {
		if cancel != nil {
			cancel()
			<-done
			cancel, done = nil, nil
		}
	}
	defer stop()

	initial := w.opts.RunOnStart
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-done:
			cancel()
			cancel, done = nil, nil

		case <-w.notify:
			changed := w.drain()
			if changed == nil && !initial {
				continue
			}
			initial = false
			if !w.opts.Restart {
				w.invoke(ctx, changed)
				continue
			}

			stop()
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(ctx)
			done = make(chan struct{})
			go func(ch chan struct{}) {
				defer close(ch)
				w.invoke(runCtx, changed)
			}(done)
		}
	}
}

func (w *Watcher) invoke(ctx context.Context, changed []string) {
	w.mu.Lock()
	w.stats.Triggers++
	w.mu.Unlock()

	if len(changed) > 0 {
		logging.Watch("Change detected in %d file(s), first: %s", len(changed), changed[0])
	} else {
		logging.Watch("Initial run")
	}
	if err := w.trigger(ctx, changed); err != nil && ctx.Err() == nil {
		logging.Watch("Triggered run failed: %v", err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
	}
}
