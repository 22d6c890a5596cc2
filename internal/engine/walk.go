package engine

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/streamgrep/streamgrep/internal/gitignore"
)

// fileEntry is one file queued for scanning.
type fileEntry struct {
	abs string
	rel string
}

// walk discovers scannable files under absRoot and sends them to out.
// It runs on a single goroutine; the workers consume out concurrently.
// out is closed when traversal finishes.
func (g *Grep) walk(ctx context.Context, absRoot string, out chan<- fileEntry) error {
	defer close(out)

	ignores := g.loadIgnoreMatchers(absRoot, ".")

	err := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			slog.Debug("skipping unreadable entry", slog.String("path", path))
			return nil
		}

		relPath, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		if relPath == "." {
			return nil
		}
		rel := filepath.ToSlash(relPath)

		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			if !g.opts.IncludeHidden && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			if matchesAny(ignores, rel, true) {
				return filepath.SkipDir
			}
			if g.opts.RespectGitignore {
				ignores = append(ignores, g.loadIgnoreMatchers(path, rel)...)
			}
			return nil
		}

		if !g.opts.IncludeHidden && isHidden(d.Name()) {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 && !g.opts.FollowSymlinks {
			return nil
		}
		if matchesAny(ignores, rel, false) {
			return nil
		}
		if g.excluded(rel) || !g.included(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > g.maxFileSize() {
			return nil
		}

		select {
		case out <- fileEntry{abs: path, rel: rel}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	return err
}

// loadIgnoreMatchers returns the matcher for the .gitignore in dir, if any.
// Parsed matchers are cached with LRU eviction so repeated runs over the
// same tree (watch mode) skip re-parsing.
func (g *Grep) loadIgnoreMatchers(dir, base string) []*gitignore.Matcher {
	if !g.opts.RespectGitignore {
		return nil
	}

	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	if base == "." {
		base = ""
	}
	key := path + "|" + base
	if m, ok := g.ignoreCache.Get(key); ok {
		return []*gitignore.Matcher{m}
	}

	m := gitignore.New()
	if err := m.AddFromFile(path, base); err != nil {
		slog.Debug("failed to read gitignore", slog.String("path", path))
		return nil
	}
	g.ignoreCache.Add(key, m)
	return []*gitignore.Matcher{m}
}

// matchesAny reports whether any loaded gitignore matcher ignores the path.
func matchesAny(ignores []*gitignore.Matcher, rel string, isDir bool) bool {
	for _, m := range ignores {
		if m.Match(rel, isDir) {
			return true
		}
	}
	return false
}

// excluded checks the exclude globs.
func (g *Grep) excluded(rel string) bool {
	for _, p := range g.opts.ExcludePatterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// included checks the include globs; an empty list includes everything.
func (g *Grep) included(rel string) bool {
	if len(g.opts.IncludePatterns) == 0 {
		return true
	}
	for _, p := range g.opts.IncludePatterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (g *Grep) maxFileSize() int64 {
	if g.opts.MaxFileSize > 0 {
		return g.opts.MaxFileSize
	}
	return DefaultMaxFileSize
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
