package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamgrep/streamgrep/internal/config"
	"github.com/streamgrep/streamgrep/internal/engine"
)

// Streamer turns one-shot engine runs into consumable sessions. It owns no
// per-run state and is safe for concurrent Search calls.
type Streamer struct {
	engine engine.Engine
}

// New creates a Streamer on top of a search engine.
func New(e engine.Engine) *Streamer {
	return &Streamer{engine: e}
}

// Search canonicalizes the configuration, starts an engine run, and
// returns a Session streaming its results. Invalid configuration fails
// here, before the engine is touched. ctx bounds the whole run; its
// cancellation behaves like Session.Cancel.
func (s *Streamer) Search(ctx context.Context, partial config.Partial, pattern, root string) (*Session, error) {
	cfg, err := config.Canonicalize(partial, pattern)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	buf := NewBuffer(cfg)
	sess := newSession(buf, cancel)

	start := time.Now()
	onBatch := func(b engine.Batch) {
		// Enqueue failures mean the session was cancelled or closed; the
		// engine is already being stopped, the batch is dropped.
		_ = buf.Enqueue(runCtx, b)
	}

	h, err := s.engine.Start(runCtx, cfg, root, onBatch)
	if err != nil {
		cancel()
		return nil, err
	}
	sess.handle = h

	go func() {
		sess.monitor()
		slog.Debug("search session finished",
			slog.String("state", sess.State().String()),
			slog.Duration("elapsed", time.Since(start)))
	}()

	return sess, nil
}
