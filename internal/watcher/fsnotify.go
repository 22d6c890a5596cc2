package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/streamgrep/streamgrep/internal/gitignore"
)

// Watcher watches a directory tree through fsnotify and emits debounced
// event batches. New directories are added to the watch as they appear;
// ignored paths (.git, gitignored files, custom patterns) never produce
// events.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer
	opts      Options

	mu       sync.RWMutex
	ignore   *gitignore.Matcher
	rootPath string
	stopped  bool

	events         chan []Event
	errors         chan error
	stopCh         chan struct{}
	droppedBatches atomic.Uint64
}

// New creates a watcher with the given options.
func New(opts Options) (*Watcher, error) {
	opts = opts.WithDefaults()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		debouncer: NewDebouncer(opts.DebounceWindow),
		opts:      opts,
		ignore:    gitignore.New(),
		events:    make(chan []Event, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}
	for _, pattern := range opts.IgnorePatterns {
		w.ignore.AddPattern(pattern)
	}
	return w, nil
}

// Start watches the given directory recursively and blocks until Stop is
// called or ctx is cancelled. Run it on its own goroutine.
func (w *Watcher) Start(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve watch root: %w", err)
	}
	w.mu.Lock()
	w.rootPath = absPath
	w.mu.Unlock()

	w.loadGitignore()

	if err := w.addRecursive(absPath); err != nil {
		return fmt.Errorf("add directories to watch: %w", err)
	}

	go w.forward(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

// handle converts one fsnotify event, filters it, and feeds the debouncer.
func (w *Watcher) handle(event fsnotify.Event) {
	w.mu.RLock()
	root := w.rootPath
	w.mu.RUnlock()

	relPath, err := filepath.Rel(root, event.Name)
	if err != nil {
		relPath = event.Name
	}

	isDir := false
	if info, err := os.Stat(event.Name); err == nil {
		isDir = info.IsDir()
	}

	if w.shouldIgnore(relPath, isDir) {
		return
	}

	// A changed .gitignore alters which paths are watchable; reload before
	// the event flows on to trigger a re-search.
	if filepath.Base(event.Name) == ".gitignore" {
		w.loadGitignore()
	}

	var op Op
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
		if isDir {
			_ = w.fsWatcher.Add(event.Name)
		}
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		// Chmod and unknown ops never change search results.
		return
	}

	w.debouncer.Add(Event{
		Path:      relPath,
		Op:        op,
		IsDir:     isDir,
		Timestamp: time.Now(),
	})
}

// forward moves debounced batches to the output channel.
func (w *Watcher) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case events, ok := <-w.debouncer.Output():
			if !ok {
				return
			}
			if len(events) > 0 {
				w.emitEvents(events)
			}
		}
	}
}

// addRecursive registers every non-ignored directory under root.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(root, path)
		if relPath == "." {
			return w.fsWatcher.Add(path)
		}
		if w.shouldIgnore(relPath, true) {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
}

// shouldIgnore reports whether a relative path is outside watch scope.
func (w *Watcher) shouldIgnore(relPath string, isDir bool) bool {
	if relPath == "." || relPath == "" {
		return true
	}
	if relPath == ".git" || strings.HasPrefix(relPath, ".git"+string(filepath.Separator)) {
		return true
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ignore.Match(filepath.ToSlash(relPath), isDir)
}

// loadGitignore rebuilds the ignore matcher from the root's .gitignore
// files and the custom patterns.
func (w *Watcher) loadGitignore() {
	w.mu.RLock()
	root := w.rootPath
	w.mu.RUnlock()

	matcher := gitignore.New()
	for _, pattern := range w.opts.IgnorePatterns {
		matcher.AddPattern(pattern)
	}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Name() != ".gitignore" {
			return nil
		}
		base, _ := filepath.Rel(root, filepath.Dir(path))
		if base == "." {
			base = ""
		}
		if err := matcher.AddFromFile(path, base); err != nil {
			slog.Warn("failed to read .gitignore",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return nil
	})

	w.mu.Lock()
	w.ignore = matcher
	w.mu.Unlock()
}

// emitEvents sends a batch without blocking the event loop.
func (w *Watcher) emitEvents(events []Event) {
	w.mu.RLock()
	stopped := w.stopped
	w.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case w.events <- events:
	default:
		count := w.droppedBatches.Add(1)
		slog.Warn("watch event buffer full, dropping batch",
			slog.Int("batch_size", len(events)),
			slog.Uint64("total_dropped_batches", count))
	}
}

func (w *Watcher) emitError(err error) {
	w.mu.RLock()
	stopped := w.stopped
	w.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case w.errors <- err:
	default:
	}
}

// Stop stops the watcher and releases its resources. Safe to call multiple
// times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)

	w.debouncer.Stop()
	_ = w.fsWatcher.Close()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of debounced event batches. Closed on Stop.
func (w *Watcher) Events() <-chan []Event {
	return w.events
}

// Errors returns the channel of non-fatal watch errors. Closed on Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// DroppedBatches returns how many batches were dropped on a full buffer.
func (w *Watcher) DroppedBatches() uint64 {
	return w.droppedBatches.Load()
}
