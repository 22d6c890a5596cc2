package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamgrep/streamgrep/internal/config"
	"github.com/streamgrep/streamgrep/internal/engine"
	sgerrors "github.com/streamgrep/streamgrep/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHandle implements engine.Handle for the fake engine.
type fakeHandle struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu  sync.Mutex
	err error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (h *fakeHandle) RequestStop()          { h.stopOnce.Do(func() { close(h.stopCh) }) }
func (h *fakeHandle) Done() <-chan struct{} { return h.doneCh }

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// fakeEngine delivers scripted batches, then finishes with a scripted
// error. It honors RequestStop and context cancellation between batches,
// like the real engine does between files.
type fakeEngine struct {
	batches  []engine.Batch
	finalErr error
	startErr error

	started atomic.Bool
	handle  *fakeHandle
}

func (f *fakeEngine) Start(ctx context.Context, _ config.Search, _ string, onBatch engine.BatchFunc) (engine.Handle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started.Store(true)

	h := newFakeHandle()
	f.handle = h
	go func() {
		defer close(h.doneCh)
		for _, b := range f.batches {
			select {
			case <-ctx.Done():
				h.setErr(ctx.Err())
				return
			case <-h.stopCh:
				h.setErr(context.Canceled)
				return
			default:
			}
			onBatch(b)
		}
		h.setErr(f.finalErr)
	}()
	return h, nil
}

func testSearch(t *testing.T, e engine.Engine, p config.Partial) *Session {
	t.Helper()
	sess, err := New(e).Search(context.Background(), p, "x", t.TempDir())
	require.NoError(t, err)
	return sess
}

func TestSession_PullDrainsAllResults(t *testing.T) {
	// Given: an engine run producing two files' worth of matches
	fake := &fakeEngine{batches: []engine.Batch{
		batchOf("a", "b"),
		batchOf("c"),
	}}
	sess := testSearch(t, fake, config.Partial{})
	ctx := context.Background()

	// When: the consumer pulls until exhaustion
	var got []string
	for {
		m, err := sess.Next(ctx)
		require.NoError(t, err)
		if m == nil {
			break
		}
		got = append(got, m.Lines[0])
	}

	// Then: every match arrives once and the session completes cleanly
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, StateCompleted, sess.State())
	assert.NoError(t, sess.Err())

	stats := sess.Stats()
	assert.Equal(t, uint64(3), stats.Accepted)
	assert.Equal(t, uint64(3), stats.Delivered)

	// Further pulls keep reporting exhaustion
	m, err := sess.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, m)

	sess.Wait()
}

func TestSession_AllIterator(t *testing.T) {
	fake := &fakeEngine{batches: []engine.Batch{batchOf("a", "b", "c")}}
	sess := testSearch(t, fake, config.Partial{})

	var got []string
	for m := range sess.All(context.Background()) {
		got = append(got, m.Lines[0])
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.NoError(t, sess.Err())
	sess.Wait()
}

func TestSession_AllIteratorEarlyBreak(t *testing.T) {
	fake := &fakeEngine{batches: []engine.Batch{batchOf("a", "b", "c")}}
	sess := testSearch(t, fake, config.Partial{})

	for range sess.All(context.Background()) {
		break
	}
	sess.Cancel()
	sess.Wait()

	assert.Equal(t, StateCancelled, sess.State())
}

func TestSession_ErrorAfterResults(t *testing.T) {
	// Given: a run that fails after delivering three matches
	engineErr := sgerrors.New(sgerrors.ErrCodeEngine, "worker blew up", nil)
	fake := &fakeEngine{
		batches:  []engine.Batch{batchOf("a", "b", "c")},
		finalErr: engineErr,
	}
	sess := testSearch(t, fake, config.Partial{})
	ctx := context.Background()

	// Then: the three matches stream out intact
	for _, want := range []string{"a", "b", "c"} {
		m, err := sess.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, want, m.Lines[0])
	}

	// And: the failure surfaces after them, and keeps surfacing
	m, err := sess.Next(ctx)
	assert.Nil(t, m)
	require.Error(t, err)
	assert.Equal(t, sgerrors.ErrCodeEngine, sgerrors.GetCode(err))
	assert.Equal(t, StateErrored, sess.State())
	assert.Equal(t, engineErr, sess.Err())

	_, err = sess.Next(ctx)
	assert.Error(t, err)
	sess.Wait()
}

func TestSession_SubscribePerResult(t *testing.T) {
	fake := &fakeEngine{batches: []engine.Batch{batchOf("a", "b"), batchOf("c")}}
	sess := testSearch(t, fake, config.Partial{})

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, sess.Subscribe(Events{
		OnResult: func(m engine.Match) {
			mu.Lock()
			got = append(got, m.Lines[0])
			mu.Unlock()
		},
		OnDone: func() { close(done) },
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDone never fired")
	}
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	mu.Unlock()
	assert.Equal(t, StateCompleted, sess.State())
	sess.Wait()
}

func TestSession_SubscribePerBatch(t *testing.T) {
	fake := &fakeEngine{batches: []engine.Batch{batchOf("a", "b"), batchOf("c")}}
	sess := testSearch(t, fake, config.Partial{})

	var mu sync.Mutex
	var got [][]string
	done := make(chan struct{})
	require.NoError(t, sess.Subscribe(Events{
		OnBatch: func(b engine.Batch) {
			mu.Lock()
			got = append(got, lines(b))
			mu.Unlock()
		},
		OnDone: func() { close(done) },
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDone never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	// Batch boundaries survive buffering
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, got)
	sess.Wait()
}

func TestSession_SubscribeDeliversError(t *testing.T) {
	engineErr := sgerrors.New(sgerrors.ErrCodeTraversal, "walk failed", nil)
	fake := &fakeEngine{
		batches:  []engine.Batch{batchOf("a")},
		finalErr: engineErr,
	}
	sess := testSearch(t, fake, config.Partial{})

	var results atomic.Int32
	var doneFired atomic.Bool
	errCh := make(chan error, 1)
	require.NoError(t, sess.Subscribe(Events{
		OnResult: func(engine.Match) { results.Add(1) },
		OnDone:   func() { doneFired.Store(true) },
		OnError:  func(err error) { errCh <- err },
	}))

	select {
	case err := <-errCh:
		assert.Equal(t, sgerrors.ErrCodeTraversal, sgerrors.GetCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("OnError never fired")
	}
	// Results before the failure were delivered; OnDone stays silent
	assert.Equal(t, int32(1), results.Load())
	assert.False(t, doneFired.Load())
	assert.Equal(t, StateErrored, sess.State())
	sess.Wait()
}

func TestSession_SubscribeValidatesEvents(t *testing.T) {
	fake := &fakeEngine{}
	sess := testSearch(t, fake, config.Partial{})
	defer func() {
		sess.Cancel()
		sess.Wait()
	}()

	// Neither handler set
	err := sess.Subscribe(Events{OnDone: func() {}})
	assert.Equal(t, sgerrors.ErrCodeConfigInvalid, sgerrors.GetCode(err))

	// Both handlers set
	err = sess.Subscribe(Events{
		OnResult: func(engine.Match) {},
		OnBatch:  func(engine.Batch) {},
	})
	assert.Equal(t, sgerrors.ErrCodeConfigInvalid, sgerrors.GetCode(err))
}

func TestSession_SingleConsumerEnforced(t *testing.T) {
	fake := &fakeEngine{batches: []engine.Batch{batchOf("a")}}
	sess := testSearch(t, fake, config.Partial{})

	require.NoError(t, sess.Subscribe(Events{OnResult: func(engine.Match) {}}))

	// A second subscriber is rejected
	err := sess.Subscribe(Events{OnResult: func(engine.Match) {}})
	assert.Error(t, err)

	// Pulling a subscribed session is rejected
	_, err = sess.Next(context.Background())
	assert.Error(t, err)

	sess.Wait()
}

func TestSession_SubscribeAfterPullRejected(t *testing.T) {
	fake := &fakeEngine{batches: []engine.Batch{batchOf("a")}}
	sess := testSearch(t, fake, config.Partial{})

	m, err := sess.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)

	err = sess.Subscribe(Events{OnResult: func(engine.Match) {}})
	assert.Error(t, err)

	sess.Cancel()
	sess.Wait()
}

func TestSession_CancelSilencesSubscriber(t *testing.T) {
	// Given: an endless run feeding a subscriber
	sess := testSearch(t, &endlessEngine{}, config.Partial{})

	var results atomic.Int32
	var terminal atomic.Int32
	first := make(chan struct{})
	var once sync.Once
	require.NoError(t, sess.Subscribe(Events{
		OnResult: func(engine.Match) {
			results.Add(1)
			once.Do(func() { close(first) })
		},
		OnDone:  func() { terminal.Add(1) },
		OnError: func(error) { terminal.Add(1) },
	}))

	// When: the consumer cancels mid-stream
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("no result ever arrived")
	}
	sess.Cancel()
	sess.Wait()
	seen := results.Load()

	// Then: no new results and no terminal event after cancellation
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, results.Load(), seen+1, "results after cancel")
	assert.Zero(t, terminal.Load(), "terminal event after cancel")
	assert.Equal(t, StateCancelled, sess.State())
	assert.NoError(t, sess.Err())
}

func TestSession_CancelUnblocksPull(t *testing.T) {
	// Cancel from another goroutine while Next waits on an engine that
	// produces nothing until stopped.
	slow := &slowEngine{release: make(chan struct{})}
	sess, err := New(slow).Search(context.Background(), config.Partial{}, "x", t.TempDir())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		sess.Cancel()
	}()

	m, err := sess.Next(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, StateCancelled, sess.State())
	sess.Wait()
}

func TestSession_ParentContextCancelBehavesLikeCancel(t *testing.T) {
	slow := &slowEngine{release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	sess, err := New(slow).Search(ctx, config.Partial{}, "x", t.TempDir())
	require.NoError(t, err)

	cancel()
	sess.Wait()

	// Exhaustion without error, exactly like an explicit Cancel
	m, err := sess.Next(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, StateCancelled, sess.State())
	assert.NoError(t, sess.Err())
}

func TestSession_BackpressureBlocksEngine(t *testing.T) {
	// Given: a single-match buffer under the block policy
	one := 1
	fake := &fakeEngine{batches: []engine.Batch{batchOf("a", "b", "c")}}
	sess := testSearch(t, fake, config.Partial{NumMatchesToBuffer: &one})
	ctx := context.Background()

	// Then: with no consumer the engine cannot finish its batch
	time.Sleep(100 * time.Millisecond)
	select {
	case <-fake.handle.Done():
		t.Fatal("engine finished despite full buffer")
	default:
	}
	assert.Equal(t, StateRunning, sess.State())

	// When: the consumer drains, the run completes
	var got []string
	for {
		m, err := sess.Next(ctx)
		require.NoError(t, err)
		if m == nil {
			break
		}
		got = append(got, m.Lines[0])
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, StateCompleted, sess.State())
	sess.Wait()
}

func TestStreamer_InvalidConfigFailsFast(t *testing.T) {
	fake := &fakeEngine{}

	_, err := New(fake).Search(context.Background(), config.Partial{}, "", t.TempDir())

	require.Error(t, err)
	assert.Equal(t, sgerrors.ErrCodeEmptyPattern, sgerrors.GetCode(err))
	// The engine is never touched on configuration failure
	assert.False(t, fake.started.Load())
}

func TestStreamer_StartErrorPropagates(t *testing.T) {
	startErr := sgerrors.New(sgerrors.ErrCodePatternSyntax, "bad pattern", nil)
	fake := &fakeEngine{startErr: startErr}

	_, err := New(fake).Search(context.Background(), config.Partial{}, "x", t.TempDir())

	require.Error(t, err)
	assert.Equal(t, sgerrors.ErrCodePatternSyntax, sgerrors.GetCode(err))
}

// slowEngine produces nothing until released, then finishes clean or
// reports cancellation if it was stopped.
type slowEngine struct {
	release chan struct{}
}

func (e *slowEngine) Start(ctx context.Context, _ config.Search, _ string, _ engine.BatchFunc) (engine.Handle, error) {
	h := newFakeHandle()
	go func() {
		defer close(h.doneCh)
		select {
		case <-e.release:
		case <-ctx.Done():
			h.setErr(ctx.Err())
		case <-h.stopCh:
			h.setErr(context.Canceled)
		}
	}()
	return h, nil
}

// endlessEngine produces single-match batches until stopped.
type endlessEngine struct{}

func (e *endlessEngine) Start(ctx context.Context, _ config.Search, _ string, onBatch engine.BatchFunc) (engine.Handle, error) {
	h := newFakeHandle()
	go func() {
		defer close(h.doneCh)
		for {
			select {
			case <-ctx.Done():
				h.setErr(ctx.Err())
				return
			case <-h.stopCh:
				h.setErr(context.Canceled)
				return
			case <-time.After(time.Millisecond):
				onBatch(batchOf("m"))
			}
		}
	}()
	return h, nil
}
