// Package cmd provides the CLI commands for StreamGrep.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/streamgrep/streamgrep/internal/config"
	"github.com/streamgrep/streamgrep/internal/logging"
	"github.com/streamgrep/streamgrep/pkg/version"
)

// Debug logging flag
var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the streamgrep CLI.
func NewRootCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "streamgrep <pattern> [path]",
		Short: "Stream regexp matches from a directory tree",
		Long: `StreamGrep searches a directory tree with a regular expression and
streams matches as they are found, instead of collecting everything
before printing.

Matching runs on concurrent workers; results flow through a bounded
buffer whose overflow policy (block or drop) keeps memory predictable
on huge trees.

Examples:
  streamgrep 'fo+' .
  streamgrep -i 'todo' src/
  streamgrep --multiline 'start\nend' .
  streamgrep 'needle' . --overflow drop --buffer 1000
  streamgrep 'needle' . --watch`,
		Version: version.Version,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := args[0]
			root := "."
			if len(args) > 1 {
				root = args[1]
			}
			return runSearch(cmd.Context(), cmd, pattern, root, opts)
		},
	}

	cmd.SetVersionTemplate("streamgrep version {{.Version}}\n")

	registerSearchFlags(cmd, &opts)

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.streamgrep/logs/")
	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newVersionCmd())

	return cmd
}

// registerSearchFlags declares every search flag. Which ones the user
// actually set is read back later through Changed, so unset flags stay
// absent from the partial configuration instead of forcing their default.
func registerSearchFlags(cmd *cobra.Command, opts *searchOptions) {
	f := cmd.Flags()

	// Matcher flags
	f.BoolVarP(&opts.ignoreCase, "ignore-case", "i", false, "Case-insensitive matching")
	f.BoolVarP(&opts.smartCase, "smart-case", "S", true, "Case-insensitive unless the pattern has uppercase")
	f.BoolVarP(&opts.wordRegexp, "word-regexp", "w", false, "Match whole words only")
	f.BoolVar(&opts.dotAll, "dot-all", false, "Let . match newlines")
	f.BoolVar(&opts.swapGreed, "swap-greed", false, "Swap greedy and lazy repetition")
	f.BoolVar(&opts.ignoreWhitespace, "ignore-whitespace", false, "Strip unescaped whitespace from the pattern")
	f.BoolVar(&opts.unicode, "unicode", true, "Unicode-aware matching")
	f.BoolVar(&opts.octal, "octal", false, "Allow octal escapes in the pattern")
	f.BoolVar(&opts.crlf, "crlf", false, "Treat \\r\\n as a line terminator")

	// Searcher flags
	f.BoolVarP(&opts.multiline, "multiline", "U", false, "Let the pattern span lines")
	f.BoolVarP(&opts.invertMatch, "invert-match", "v", false, "Report non-matching lines")
	f.BoolVarP(&opts.lineNumbers, "line-number", "n", true, "Report 1-based line numbers")
	f.BoolVar(&opts.passthru, "passthru", false, "Report every line, matched or not")
	f.IntVarP(&opts.afterContext, "after-context", "A", 0, "Lines of context after a match")
	f.IntVarP(&opts.beforeContext, "before-context", "B", 0, "Lines of context before a match")

	// Buffering flags
	f.IntVar(&opts.buffer, "buffer", config.DefaultNumMatchesToBuffer, "Maximum buffered-but-unconsumed matches")
	f.Int64Var(&opts.heapLimit, "heap-limit", 0, "Approximate byte ceiling for buffered matches (0 = none)")
	f.StringVar(&opts.overflow, "overflow", string(config.OverflowBlock), "Full-buffer policy: block or drop")

	// Traversal flags
	f.IntVar(&opts.workers, "workers", 0, "Concurrent scan workers (0 = CPU count)")
	f.Int64Var(&opts.maxFilesize, "max-filesize", 0, "Skip files larger than this many bytes (0 = 10MB)")
	f.BoolVar(&opts.noIgnore, "no-ignore", false, "Do not respect .gitignore files")
	f.BoolVar(&opts.hidden, "hidden", false, "Search hidden files and directories")
	f.BoolVar(&opts.follow, "follow", false, "Follow symbolic links")
	f.StringSliceVarP(&opts.globs, "glob", "g", nil, "Only search files matching this glob (repeatable)")
	f.StringSliceVar(&opts.exclude, "exclude", nil, "Skip files matching this glob (repeatable)")

	// Output flags
	f.StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	f.BoolVar(&opts.watch, "watch", false, "Re-run the search when the tree changes")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress the summary line")
}

// startLogging enables file logging for the invocation.
func startLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.DefaultConfig()
	if debugMode {
		cfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		if debugMode {
			return fmt.Errorf("failed to set up debug logging: %w", err)
		}
		// Logging is best effort outside debug mode
		return nil
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	if debugMode {
		slog.Info("debug logging enabled",
			slog.String("log_file", logging.DefaultLogPath()),
			slog.String("version", version.Short()))
	}
	return nil
}

// stopLogging flushes and closes the log file.
func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// ExecuteContext runs the root command under ctx; cancelling ctx cancels
// a running search.
func ExecuteContext(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
