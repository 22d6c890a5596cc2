// Package watcher detects file system changes under a search root so watch
// mode can re-run a search when the tree changes. Raw notifications are
// debounced and coalesced per path before being emitted, so a burst of
// writes triggers one re-search, not dozens.
package watcher

import (
	"time"
)

// Op is the kind of file system change.
type Op int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate Op = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file or directory was deleted.
	OpDelete
	// OpRename indicates a file or directory was renamed.
	OpRename
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// Event is one coalesced file system change.
type Event struct {
	// Path is relative to the watched root.
	Path string

	// Op is the coalesced operation for the path.
	Op Op

	// IsDir indicates the event is for a directory.
	IsDir bool

	// Timestamp is when the change was detected.
	Timestamp time.Time
}

// Options configures a Watcher.
type Options struct {
	// DebounceWindow is how long to wait for a burst of changes to settle
	// before emitting them as one batch. Default: 200ms.
	DebounceWindow time.Duration

	// EventBufferSize is the capacity of the event channel. Batches are
	// dropped, with a log line, when the consumer falls this far behind;
	// a dropped batch at worst delays a re-search to the next change.
	// Default: 100.
	EventBufferSize int

	// IgnorePatterns are gitignore-syntax patterns ignored in addition to
	// the root's .gitignore files.
	IgnorePatterns []string
}

// DefaultOptions returns the watcher defaults.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  200 * time.Millisecond,
		EventBufferSize: 100,
	}
}

// WithDefaults returns the options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	return o
}
