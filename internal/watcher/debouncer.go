package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces rapid changes to the same path so a save-heavy burst
// from an editor or build produces one batch. Coalescing rules:
//   - CREATE then MODIFY = CREATE (the file is still new)
//   - CREATE then DELETE = nothing (the file never really existed)
//   - MODIFY then DELETE = DELETE
//   - DELETE then CREATE = MODIFY (the file was replaced)
type Debouncer struct {
	window  time.Duration
	mu      sync.Mutex
	pending map[string]*pending
	timer   *time.Timer
	output  chan []Event
	stopped bool
}

type pending struct {
	event   Event
	firstOp Op
}

// NewDebouncer creates a debouncer emitting batches after the given window
// of quiet.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pending),
		output:  make(chan []Event, 10),
	}
}

// Add records one raw change, coalescing it with any pending change for
// the same path, and (re)arms the flush timer.
func (d *Debouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		merged := coalesce(existing, event)
		if merged == nil {
			delete(d.pending, event.Path)
		} else {
			existing.event = *merged
		}
	} else {
		d.pending[event.Path] = &pending{event: event, firstOp: event.Op}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// coalesce merges a new change into the pending one. Nil means the two
// cancel out.
func coalesce(existing *pending, event Event) *Event {
	switch existing.firstOp {
	case OpCreate:
		switch event.Op {
		case OpModify:
			return &existing.event
		case OpDelete:
			return nil
		}
	case OpDelete:
		if event.Op == OpCreate {
			replaced := event
			replaced.Op = OpModify
			return &replaced
		}
	}
	return &event
}

// flush emits every pending event as one batch.
func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	events := make([]Event, 0, len(d.pending))
	for _, p := range d.pending {
		events = append(events, p.event)
	}
	d.pending = make(map[string]*pending)

	select {
	case d.output <- events:
	default:
		slog.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(events)))
	}
}

// Output returns the channel of debounced event batches.
func (d *Debouncer) Output() <-chan []Event {
	return d.output
}

// Stop stops the debouncer and closes the output channel. Safe to call
// multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
