// Package stream bridges a multithreaded search engine to a single
// consumer. It is the adapter between push-style concurrent batch
// callbacks and a consumer-facing stream that can be drained either by
// pulling or through subscribed handlers, under explicit buffering and
// memory-limit policy.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/streamgrep/streamgrep/internal/config"
	"github.com/streamgrep/streamgrep/internal/engine"
)

// ErrClosed is returned by Enqueue after Close: the producer side is done
// and no further batches are accepted.
var ErrClosed = errors.New("result buffer closed")

// ErrAborted is returned by Enqueue after Abort: the session was cancelled
// and pending entries were discarded.
var ErrAborted = errors.New("result buffer aborted")

// Stats are the buffer's conservation counters. For any run,
// Accepted == Delivered + Dropped + entries discarded by Abort: no match
// is ever lost silently.
type Stats struct {
	// Accepted is the number of matches enqueued into the buffer.
	Accepted uint64
	// Delivered is the number of matches handed to the consumer.
	Delivered uint64
	// Dropped counts matches evicted under the drop overflow policy.
	Dropped uint64
}

// entry is one buffered match tagged with the sequence number of the batch
// that delivered it, so batch granularity survives buffering.
type entry struct {
	match engine.Match
	seq   uint64
}

// Buffer is a bounded multi-producer single-consumer queue of matches.
//
// Capacity is counted in matches (NumMatchesToBuffer) and, when HeapLimit
// is set, in approximate buffered bytes; both limits trigger the same
// overflow policy. Under the block policy a full buffer parks producers
// until the consumer frees space, which is the backpressure path from a
// slow consumer back to fast workers. Under the drop policy the oldest
// buffered matches are evicted and counted.
//
// The buffer preserves the arrival order of batches as accepted on the
// producer side. That order is a valid interleaving of concurrent workers,
// not filesystem-traversal order; no cross-worker ordering is guaranteed.
type Buffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items   []entry
	head    int // consumed prefix of items
	bytes   int64
	nextSeq uint64

	capacity  int
	heapLimit int64
	policy    config.OverflowPolicy

	closed  bool
	aborted bool

	accepted  uint64
	delivered uint64
	dropped   uint64
}

// NewBuffer creates a buffer for one session from a canonical configuration.
func NewBuffer(cfg config.Search) *Buffer {
	b := &Buffer{
		capacity:  cfg.NumMatchesToBuffer,
		heapLimit: cfg.HeapLimit,
		policy:    cfg.Overflow,
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Enqueue adds one batch, match by match, applying the overflow policy.
// Safe for concurrent use by multiple producers. Under the block policy it
// may suspend until the consumer frees space or ctx is cancelled; batch
// matches accepted before an abort or cancellation stay counted, the rest
// are not accepted at all.
func (b *Buffer) Enqueue(ctx context.Context, batch engine.Batch) error {
	stop := context.AfterFunc(ctx, b.wakeAll)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.nextSeq
	b.nextSeq++

	for _, m := range batch {
		size := m.ByteSize()

		if b.policy == config.OverflowDrop {
			// Evict oldest until the match fits. A buffered prefix always
			// exists here unless the buffer is empty, in which case the
			// match is admitted regardless (progress guarantee).
			for !b.fitsLocked(size) && b.lenLocked() > 0 {
				b.evictOldestLocked()
			}
		} else {
			for !b.fitsLocked(size) {
				if b.closed {
					return ErrClosed
				}
				if b.aborted {
					return ErrAborted
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				b.notFull.Wait()
			}
		}

		if b.closed {
			return ErrClosed
		}
		if b.aborted {
			return ErrAborted
		}

		b.items = append(b.items, entry{match: m, seq: seq})
		b.bytes += size
		b.accepted++
	}

	b.notEmpty.Broadcast()
	return nil
}

// Dequeue removes the oldest buffered match. It blocks until a match is
// available, the buffer reaches terminal state, or ctx is done. ok=false
// means no further matches will ever arrive (closed and drained, or
// aborted).
func (b *Buffer) Dequeue(ctx context.Context) (engine.Match, bool, error) {
	stop := context.AfterFunc(ctx, b.wakeAll)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.waitNonEmptyLocked(ctx); err != nil {
		return engine.Match{}, false, err
	}
	if b.lenLocked() == 0 {
		return engine.Match{}, false, nil
	}

	m := b.popLocked()
	b.delivered++
	b.notFull.Broadcast()
	return m, true, nil
}

// DequeueBatch removes the contiguous run of oldest matches that arrived
// in the same producer batch. Blocking semantics match Dequeue.
func (b *Buffer) DequeueBatch(ctx context.Context) (engine.Batch, bool, error) {
	stop := context.AfterFunc(ctx, b.wakeAll)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.waitNonEmptyLocked(ctx); err != nil {
		return nil, false, err
	}
	if b.lenLocked() == 0 {
		return nil, false, nil
	}

	seq := b.items[b.head].seq
	var batch engine.Batch
	for b.lenLocked() > 0 && b.items[b.head].seq == seq {
		batch = append(batch, b.popLocked())
		b.delivered++
	}
	b.notFull.Broadcast()
	return batch, true, nil
}

// Close marks the producer side done. Buffered matches remain available to
// the consumer; further Enqueue calls fail with ErrClosed.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wakeAll()
}

// Abort discards every buffered match and wakes all waiters. Producers and
// the consumer both observe terminal state immediately.
func (b *Buffer) Abort() {
	b.mu.Lock()
	b.aborted = true
	b.items = nil
	b.head = 0
	b.bytes = 0
	b.mu.Unlock()
	b.wakeAll()
}

// Len returns the number of buffered-but-unconsumed matches.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

// Dropped returns the number of matches evicted under the drop policy.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Accepted returns the number of matches admitted by Enqueue.
func (b *Buffer) Accepted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// Stats returns the conservation counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Accepted: b.accepted, Delivered: b.delivered, Dropped: b.dropped}
}

// waitNonEmptyLocked blocks until a match is buffered, terminal state is
// reached, or ctx is done.
func (b *Buffer) waitNonEmptyLocked(ctx context.Context) error {
	for b.lenLocked() == 0 && !b.closed && !b.aborted {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.notEmpty.Wait()
	}
	return nil
}

// fitsLocked reports whether one more match of the given size fits. An
// empty buffer always admits a match so a single entry larger than the
// heap limit cannot wedge the session.
func (b *Buffer) fitsLocked(size int64) bool {
	if b.lenLocked() == 0 {
		return true
	}
	if b.lenLocked()+1 > b.capacity {
		return false
	}
	if b.heapLimit > 0 && b.bytes+size > b.heapLimit {
		return false
	}
	return true
}

func (b *Buffer) lenLocked() int {
	return len(b.items) - b.head
}

// popLocked removes and returns the oldest match, compacting the backing
// slice once the consumed prefix dominates it.
func (b *Buffer) popLocked() engine.Match {
	e := b.items[b.head]
	b.items[b.head] = entry{}
	b.head++
	b.bytes -= e.match.ByteSize()

	if b.head > len(b.items)/2 && b.head > 32 {
		b.items = append(b.items[:0], b.items[b.head:]...)
		b.head = 0
	}
	return e.match
}

// evictOldestLocked drops the oldest match under the drop policy.
func (b *Buffer) evictOldestLocked() {
	_ = b.popLocked()
	b.dropped++
}

func (b *Buffer) wakeAll() {
	b.mu.Lock()
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
	b.mu.Unlock()
}
