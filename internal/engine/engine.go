// Package engine defines the search-engine contract consumed by the stream
// layer and provides Grep, a built-in multithreaded regexp engine.
//
// An Engine scans a directory tree and delivers matches through a callback
// that may be invoked concurrently from many worker goroutines. Terminal
// state (success or failure) travels on a separate channel from the match
// callback: Handle.Done closes exactly once, after which Handle.Err reports
// the outcome.
package engine

import (
	"context"

	"github.com/streamgrep/streamgrep/internal/config"
)

// Match is one matched location: the matched line or lines of text (more
// than one for multiline matches) and an optional 1-based line number.
type Match struct {
	// File is the path of the matched file, relative to the search root.
	File string

	// Lines holds the matched line(s) without trailing line terminators.
	// Length is 1 unless multiline searching is enabled.
	Lines []string

	// LineNumber is the 1-based number of the first matched line.
	// Zero when line numbers are disabled.
	LineNumber int
}

// ByteSize returns the approximate in-memory size of the matched text,
// used for heap-limit accounting.
func (m Match) ByteSize() int64 {
	n := int64(len(m.File))
	for _, l := range m.Lines {
		n += int64(len(l))
	}
	return n
}

// Batch is the unit delivered by one callback invocation: a non-empty
// ordered sequence of matches produced by a single worker. The built-in
// engine delivers one batch per matched file.
type Batch []Match

// ByteSize returns the summed ByteSize of all matches in the batch.
func (b Batch) ByteSize() int64 {
	var n int64
	for _, m := range b {
		n += m.ByteSize()
	}
	return n
}

// BatchFunc receives one batch of matches. Implementations must be safe for
// concurrent invocation from multiple goroutines.
type BatchFunc func(Batch)

// Engine runs directory searches. Start returns immediately; search work
// proceeds on engine-owned goroutines.
type Engine interface {
	// Start begins a search over root with the given canonical
	// configuration, invoking onBatch zero or more times. The returned
	// Handle reports terminal state. Start itself fails only on misuse
	// (nil callback); configuration problems discovered during the run,
	// such as an invalid pattern or unreadable root, surface through
	// Handle.Err after Done closes.
	Start(ctx context.Context, cfg config.Search, root string, onBatch BatchFunc) (Handle, error)
}

// Handle tracks one running search.
type Handle interface {
	// RequestStop asks the engine to stop issuing further callbacks.
	// Cooperative and best-effort: a small number of in-flight callbacks
	// may still arrive after the request.
	RequestStop()

	// Done is closed exactly once when the run reaches terminal state.
	Done() <-chan struct{}

	// Err reports the run's outcome. Only valid after Done is closed.
	// nil means the traversal completed; context.Canceled means the run
	// was stopped or its context cancelled.
	Err() error
}
