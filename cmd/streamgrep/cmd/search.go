package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/streamgrep/streamgrep/internal/config"
	"github.com/streamgrep/streamgrep/internal/engine"
	"github.com/streamgrep/streamgrep/internal/output"
	"github.com/streamgrep/streamgrep/internal/stream"
	"github.com/streamgrep/streamgrep/internal/watcher"
)

// searchOptions holds every search flag value. Matcher and searcher
// values only enter the configuration when their flag was set.
type searchOptions struct {
	// Matcher
	ignoreCase       bool
	smartCase        bool
	wordRegexp       bool
	dotAll           bool
	swapGreed        bool
	ignoreWhitespace bool
	unicode          bool
	octal            bool
	crlf             bool

	// Searcher
	multiline     bool
	invertMatch   bool
	lineNumbers   bool
	passthru      bool
	afterContext  int
	beforeContext int

	// Buffering
	buffer    int
	heapLimit int64
	overflow  string

	// Traversal
	workers     int
	maxFilesize int64
	noIgnore    bool
	hidden      bool
	follow      bool
	globs       []string
	exclude     []string

	// Output
	format string
	watch  bool
	quiet  bool
}

// buildPartial folds the project config file and the explicitly-set flags
// into one partial configuration. Flag presence, not flag value, decides
// what is set: an untouched flag never overrides the config file, while
// an explicit --flag=false does.
func buildPartial(cmd *cobra.Command, root string, opts searchOptions) (config.Partial, error) {
	p, err := config.LoadPartial(filepath.Join(root, config.ConfigFileName))
	if err != nil {
		return config.Partial{}, err
	}

	f := cmd.Flags()
	setBool := func(name string, dst **bool, v bool) {
		if f.Changed(name) {
			val := v
			*dst = &val
		}
	}
	setInt := func(name string, dst **int, v int) {
		if f.Changed(name) {
			val := v
			*dst = &val
		}
	}

	setBool("ignore-case", &p.CaseInsensitive, opts.ignoreCase)
	setBool("smart-case", &p.SmartCase, opts.smartCase)
	setBool("word-regexp", &p.WordBoundariesOnly, opts.wordRegexp)
	setBool("dot-all", &p.DotMatchesNewline, opts.dotAll)
	setBool("swap-greed", &p.GreedySwap, opts.swapGreed)
	setBool("ignore-whitespace", &p.IgnoreWhitespace, opts.ignoreWhitespace)
	setBool("unicode", &p.Unicode, opts.unicode)
	setBool("octal", &p.Octal, opts.octal)
	setBool("crlf", &p.CRLF, opts.crlf)

	setBool("multiline", &p.MultilineSearch, opts.multiline)
	setBool("invert-match", &p.InvertMatch, opts.invertMatch)
	setBool("line-number", &p.IncludeLineNumbers, opts.lineNumbers)
	setBool("passthru", &p.Passthru, opts.passthru)
	setInt("after-context", &p.AfterContext, opts.afterContext)
	setInt("before-context", &p.BeforeContext, opts.beforeContext)

	setInt("buffer", &p.NumMatchesToBuffer, opts.buffer)
	if f.Changed("heap-limit") {
		v := opts.heapLimit
		p.HeapLimit = &v
	}
	if f.Changed("overflow") {
		v := config.OverflowPolicy(opts.overflow)
		p.Overflow = &v
	}

	return p, nil
}

// engineOptions maps traversal flags onto the engine.
func engineOptions(opts searchOptions) engine.Options {
	eng := engine.DefaultOptions()
	eng.Workers = opts.workers
	eng.MaxFileSize = opts.maxFilesize
	eng.RespectGitignore = !opts.noIgnore
	eng.IncludeHidden = opts.hidden
	eng.FollowSymlinks = opts.follow
	eng.IncludePatterns = opts.globs
	eng.ExcludePatterns = opts.exclude
	return eng
}

func runSearch(ctx context.Context, cmd *cobra.Command, pattern, root string, opts searchOptions) error {
	if opts.format != "text" && opts.format != "json" {
		return fmt.Errorf("unknown output format %q (want text or json)", opts.format)
	}

	partial, err := buildPartial(cmd, root, opts)
	if err != nil {
		return err
	}

	eng, err := engine.NewGrep(engineOptions(opts))
	if err != nil {
		return err
	}
	streamer := stream.New(eng)
	out := output.New(cmd.OutOrStdout())

	slog.Info("search_started",
		slog.String("pattern", pattern),
		slog.String("root", root),
		slog.Bool("watch", opts.watch))

	if !opts.watch {
		return searchOnce(ctx, streamer, partial, pattern, root, out, opts)
	}
	return searchWatch(ctx, streamer, partial, pattern, root, out, opts)
}

// searchOnce runs one search to completion and renders its results.
func searchOnce(ctx context.Context, streamer *stream.Streamer, partial config.Partial, pattern, root string, out *output.Writer, opts searchOptions) error {
	sess, err := streamer.Search(ctx, partial, pattern, root)
	if err != nil {
		return err
	}

	var render func(engine.Match) error
	var flush func(matched int) error
	if opts.format == "json" {
		render, flush = jsonRenderer(out, opts)
	} else {
		render = func(m engine.Match) error {
			out.Match(m)
			return nil
		}
		flush = func(matched int) error {
			if !opts.quiet {
				out.Summary(matched, sess.Dropped())
			}
			return nil
		}
	}

	matched := 0
	for m := range sess.All(ctx) {
		if err := render(m); err != nil {
			sess.Cancel()
			return err
		}
		matched++
	}

	if err := sess.Err(); err != nil {
		slog.Error("search_failed", slog.String("error", err.Error()))
		return err
	}
	if sess.State() == stream.StateCancelled {
		slog.Info("search_cancelled", slog.Int("matched", matched))
		return nil
	}

	slog.Info("search_complete",
		slog.Int("matched", matched),
		slog.Uint64("dropped", sess.Dropped()))
	return flush(matched)
}

// jsonRenderer accumulates matches and emits them as one JSON document.
type jsonMatch struct {
	File       string   `json:"file"`
	LineNumber int      `json:"line_number,omitempty"`
	Lines      []string `json:"lines"`
}

func jsonRenderer(out *output.Writer, opts searchOptions) (func(engine.Match) error, func(int) error) {
	var collected []jsonMatch
	render := func(m engine.Match) error {
		collected = append(collected, jsonMatch{
			File:       m.File,
			LineNumber: m.LineNumber,
			Lines:      m.Lines,
		})
		return nil
	}
	flush := func(int) error {
		if collected == nil {
			collected = []jsonMatch{}
		}
		return out.JSON(collected)
	}
	return render, flush
}

// searchWatch runs the search, then re-runs it whenever the tree changes,
// until ctx is cancelled.
func searchWatch(ctx context.Context, streamer *stream.Streamer, partial config.Partial, pattern, root string, out *output.Writer, opts searchOptions) error {
	if err := searchOnce(ctx, streamer, partial, pattern, root, out, opts); err != nil {
		return err
	}

	w, err := watcher.New(watcher.Options{})
	if err != nil {
		return err
	}
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- w.Start(ctx, root)
	}()
	defer func() { _ = w.Stop() }()

	out.Status("watching for changes (ctrl-c to quit)")
	for {
		select {
		case <-ctx.Done():
			<-watchDone
			return nil
		case err := <-watchDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}
			slog.Debug("tree_changed", slog.Int("events", len(batch)))
			out.Separator()
			if err := searchOnce(ctx, streamer, partial, pattern, root, out, opts); err != nil {
				// A failed re-run ends watch mode; earlier output stands.
				return err
			}
		case err, ok := <-w.Errors():
			if ok && err != nil {
				out.Warning("watch error: " + err.Error())
			}
		}
	}
}
