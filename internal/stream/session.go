package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/streamgrep/streamgrep/internal/engine"
	sgerrors "github.com/streamgrep/streamgrep/internal/errors"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateRunning means the engine is still producing.
	StateRunning State = iota
	// StateDraining means the engine finished but buffered results remain
	// to be consumed.
	StateDraining
	// StateCompleted means the run finished and every result was consumed.
	StateCompleted
	// StateErrored means the run failed; results delivered before the
	// failure remain valid.
	StateErrored
	// StateCancelled means the session was cancelled; no terminal events
	// are delivered.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Events are the consumer callbacks for push-mode consumption. Exactly one
// of OnResult or OnBatch must be set; it selects the delivery granularity.
// All callbacks run on a single dispatch goroutine, so the consumer never
// sees concurrent invocations and a slow callback exerts backpressure on
// the engine through the buffer.
type Events struct {
	// OnResult receives one match at a time.
	OnResult func(engine.Match)

	// OnBatch receives matches grouped as the engine delivered them,
	// typically one batch per file.
	OnBatch func(engine.Batch)

	// OnDone fires exactly once after the final result of a successful run.
	OnDone func()

	// OnError fires exactly once if the run failed. Results delivered
	// before it remain valid.
	OnError func(err error)
}

// Session is one running search bridged to a single consumer. Results are
// consumed either by pulling (Next, All) or by subscribing callbacks
// (Subscribe), never both.
type Session struct {
	buf    *Buffer
	handle engine.Handle
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	engineErr  error
	subscribed bool
	pulled     bool

	monitorDone chan struct{}
}

func newSession(buf *Buffer, cancel context.CancelFunc) *Session {
	return &Session{
		buf:         buf,
		cancel:      cancel,
		monitorDone: make(chan struct{}),
	}
}

// monitor waits for the engine to finish and moves the session out of the
// running state. It owns the producer-side close of the buffer.
func (s *Session) monitor() {
	defer close(s.monitorDone)
	defer s.cancel()

	<-s.handle.Done()
	err := s.handle.Err()

	s.mu.Lock()
	if s.state == StateRunning {
		switch {
		case err == nil:
			s.state = StateDraining
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The caller's context ended the run. Same consumer contract as
			// an explicit Cancel: drop buffered results, no terminal event.
			s.state = StateCancelled
		default:
			s.engineErr = err
			s.state = StateDraining
		}
	}
	cancelled := s.state == StateCancelled
	s.mu.Unlock()

	if cancelled {
		s.buf.Abort()
		return
	}
	s.buf.Close()
}

// Next returns the next match, blocking until one is available or the run
// reaches a terminal state. A nil match with a nil error means the stream
// is exhausted: the run completed or was cancelled. A nil match with a
// non-nil error reports the run's failure (and on every call thereafter).
// ctx bounds this call only; cancelling it does not cancel the session.
func (s *Session) Next(ctx context.Context) (*engine.Match, error) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil, sgerrors.New(sgerrors.ErrCodeInternal,
			"session already consumed through Subscribe", nil)
	}
	s.pulled = true
	s.mu.Unlock()

	m, ok, err := s.buf.Dequeue(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCancelled {
		// A match dequeued in a race with Cancel is discarded, not delivered.
		return nil, nil
	}
	if ok {
		return &m, nil
	}

	if s.state == StateDraining {
		if s.engineErr != nil {
			s.state = StateErrored
		} else {
			s.state = StateCompleted
		}
	}
	if s.state == StateErrored {
		return nil, s.engineErr
	}
	return nil, nil
}

// All returns a lazy single-use iterator over the remaining matches. The
// iterator stops on exhaustion, failure, or ctx cancellation; check Err
// afterwards to tell a failed run from a completed one.
func (s *Session) All(ctx context.Context) iter.Seq[engine.Match] {
	return func(yield func(engine.Match) bool) {
		for {
			m, err := s.Next(ctx)
			if err != nil || m == nil {
				return
			}
			if !yield(*m) {
				return
			}
		}
	}
}

// Subscribe switches the session to push-mode consumption. It validates
// the event set, spawns the dispatch goroutine, and returns immediately.
// A session accepts exactly one subscriber and cannot mix Subscribe with
// Next/All.
func (s *Session) Subscribe(ev Events) error {
	if (ev.OnResult == nil) == (ev.OnBatch == nil) {
		return sgerrors.ValidationError(sgerrors.ErrCodeConfigInvalid,
			"exactly one of OnResult or OnBatch must be set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return sgerrors.New(sgerrors.ErrCodeInternal,
			"session already has a subscriber", nil)
	}
	if s.pulled {
		return sgerrors.New(sgerrors.ErrCodeInternal,
			"session already consumed through Next", nil)
	}
	s.subscribed = true

	go s.dispatch(ev)
	return nil
}

// dispatch drains the buffer onto the subscriber's callbacks and fires the
// terminal event. It exits when the buffer reaches terminal state.
func (s *Session) dispatch(ev Events) {
	ctx := context.Background()
	for {
		if ev.OnBatch != nil {
			batch, ok, _ := s.buf.DequeueBatch(ctx)
			if !ok {
				break
			}
			if !s.deliver(func() { ev.OnBatch(batch) }) {
				return
			}
		} else {
			m, ok, _ := s.buf.Dequeue(ctx)
			if !ok {
				break
			}
			if !s.deliver(func() { ev.OnResult(m) }) {
				return
			}
		}
	}

	s.mu.Lock()
	if s.state == StateDraining {
		if s.engineErr != nil {
			s.state = StateErrored
		} else {
			s.state = StateCompleted
		}
	}
	st := s.state
	err := s.engineErr
	s.mu.Unlock()

	switch st {
	case StateErrored:
		if ev.OnError != nil {
			s.deliver(func() { ev.OnError(err) })
		}
	case StateCompleted:
		if ev.OnDone != nil {
			s.deliver(func() { ev.OnDone() })
		}
	case StateCancelled:
		// Silence after cancellation.
	default:
		slog.Warn("dispatch finished in unexpected state",
			slog.String("state", st.String()))
	}
}

// deliver invokes one consumer callback unless the session was cancelled.
// The cancelled check and Cancel's state write share s.mu, so no delivery
// starts after Cancel has returned.
func (s *Session) deliver(fn func()) bool {
	s.mu.Lock()
	cancelled := s.state == StateCancelled
	s.mu.Unlock()
	if cancelled {
		return false
	}

	fn()
	return true
}

// Cancel stops the session: the engine is asked to stop, buffered results
// are discarded, and no new consumer-visible events start after Cancel
// returns. A callback already executing when Cancel is called may run to
// completion. Cancelling a finished session is a no-op. Safe to call from
// any goroutine, including inside a subscriber callback.
func (s *Session) Cancel() {
	s.mu.Lock()
	switch s.state {
	case StateCompleted, StateErrored, StateCancelled:
		s.mu.Unlock()
		return
	default:
		s.state = StateCancelled
	}
	s.mu.Unlock()

	s.buf.Abort()
	if s.handle != nil {
		s.handle.RequestStop()
	}
	s.cancel()
}

// Wait blocks until the engine side of the session has fully stopped.
func (s *Session) Wait() {
	<-s.monitorDone
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the run's failure, if any. Nil while running and for
// completed or cancelled sessions.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineErr
}

// Stats returns the session's buffer counters.
func (s *Session) Stats() Stats {
	return s.buf.Stats()
}

// Dropped returns the number of matches evicted under the drop policy.
func (s *Session) Dropped() uint64 {
	return s.buf.Dropped()
}
