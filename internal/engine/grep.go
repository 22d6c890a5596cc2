package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/streamgrep/streamgrep/internal/config"
	sgerrors "github.com/streamgrep/streamgrep/internal/errors"
	"github.com/streamgrep/streamgrep/internal/gitignore"
)

// DefaultMaxFileSize is the default maximum file size to scan (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// ignoreCacheSize caps the number of cached gitignore matchers so watch
// mode cannot grow memory without bound.
const ignoreCacheSize = 1000

// Options configures the built-in Grep engine's traversal. These are
// engine concerns, distinct from the per-search config.Search.
type Options struct {
	// Workers is the number of concurrent scan workers (0 = NumCPU).
	Workers int

	// MaxFileSize is the maximum file size to scan in bytes (0 = 10MB).
	MaxFileSize int64

	// RespectGitignore enables .gitignore handling during traversal.
	RespectGitignore bool

	// IncludeHidden includes dot-files and dot-directories.
	IncludeHidden bool

	// FollowSymlinks enables following symbolic links (default: false).
	FollowSymlinks bool

	// IncludePatterns restricts scanning to files matching any of these
	// doublestar globs (empty = all files).
	IncludePatterns []string

	// ExcludePatterns skips files matching any of these doublestar globs.
	ExcludePatterns []string
}

// DefaultOptions returns the traversal defaults.
func DefaultOptions() Options {
	return Options{
		RespectGitignore: true,
	}
}

// Grep is the built-in multithreaded regexp search engine. A Grep is safe
// for concurrent use and may be reused across runs; its gitignore cache
// carries over between runs.
type Grep struct {
	opts        Options
	ignoreCache *lru.Cache[string, *gitignore.Matcher]
}

// Compile time check that Grep satisfies the Engine contract.
var _ Engine = (*Grep)(nil)

// NewGrep creates a Grep engine, validating the include/exclude globs.
func NewGrep(opts Options) (*Grep, error) {
	for _, p := range append(append([]string{}, opts.IncludePatterns...), opts.ExcludePatterns...) {
		if !doublestar.ValidatePattern(p) {
			return nil, sgerrors.ValidationError(sgerrors.ErrCodeConfigInvalid,
				fmt.Sprintf("invalid glob pattern: %q", p))
		}
	}

	cache, err := lru.New[string, *gitignore.Matcher](ignoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitignore cache: %w", err)
	}

	return &Grep{opts: opts, ignoreCache: cache}, nil
}

// grepHandle implements Handle for a running Grep search.
type grepHandle struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu  sync.Mutex
	err error
}

func newGrepHandle() *grepHandle {
	return &grepHandle{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (h *grepHandle) RequestStop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *grepHandle) Done() <-chan struct{} { return h.doneCh }

func (h *grepHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *grepHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Start begins a search. It returns immediately; traversal and matching
// run on engine-owned goroutines and onBatch is invoked concurrently from
// the scan workers.
func (g *Grep) Start(ctx context.Context, cfg config.Search, root string, onBatch BatchFunc) (Handle, error) {
	if onBatch == nil {
		return nil, sgerrors.New(sgerrors.ErrCodeInternal, "onBatch callback must not be nil", nil)
	}

	h := newGrepHandle()
	go g.run(ctx, cfg, root, onBatch, h)
	return h, nil
}

// run executes one search and records its terminal state on the handle.
func (g *Grep) run(ctx context.Context, cfg config.Search, root string, onBatch BatchFunc, h *grepHandle) {
	defer close(h.doneCh)

	// Merged context honoring both the caller's context and RequestStop.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		h.setErr(sgerrors.Wrap(sgerrors.ErrCodeRootNotFound, err))
		return
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		h.setErr(sgerrors.Wrap(sgerrors.ErrCodeRootNotFound, err))
		return
	}
	if !info.IsDir() {
		h.setErr(sgerrors.New(sgerrors.ErrCodeRootNotDirectory,
			fmt.Sprintf("root path is not a directory: %s", absRoot), nil))
		return
	}

	re, err := compileMatcher(cfg)
	if err != nil {
		h.setErr(err)
		return
	}

	workers := g.opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	files := make(chan fileEntry, workers*4)

	// Per-file read failures do not abort the run; the first one is
	// remembered and reported after traversal so results delivered before
	// the failure stay valid.
	var scanMu sync.Mutex
	var firstScanErr error
	recordScanErr := func(err error) {
		scanMu.Lock()
		if firstScanErr == nil {
			firstScanErr = err
		}
		scanMu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.walk(egCtx, absRoot, files)
	})

	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for entry := range files {
				select {
				case <-egCtx.Done():
					return egCtx.Err()
				default:
				}

				batch, err := scanFile(cfg, re, entry)
				if err != nil {
					slog.Debug("failed to scan file",
						slog.String("path", entry.rel),
						slog.String("error", err.Error()))
					recordScanErr(err)
					continue
				}
				if len(batch) > 0 {
					onBatch(batch)
				}
			}
			return nil
		})
	}

	err = eg.Wait()
	if err == nil && firstScanErr != nil {
		err = firstScanErr
	}
	h.setErr(wrapRunErr(err))
}

// wrapRunErr normalizes a run error: cancellation passes through untouched
// so the stream layer can tell it apart from a real failure; everything
// else becomes a traversal failure unless already coded.
func wrapRunErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := err.(*sgerrors.Error); ok {
		return err
	}
	return sgerrors.Wrap(sgerrors.ErrCodeTraversal, err)
}
