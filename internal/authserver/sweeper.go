package authserver

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval bounds how stale an expired entry can remain between
// the lazy check-on-read and the periodic sweep.
const DefaultSweepInterval = time.Minute

// Sweeper periodically removes expired device sessions and session tokens.
// It is an explicit lifecycle object so tests can drive SweepOnce directly
// instead of waiting on wall-clock timers.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over the given store. A non-positive interval
// falls back to DefaultSweepInterval.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Start runs the sweep loop in a goroutine and returns a stop function that
// blocks until the loop has exited.
func (s *Sweeper) Start() (stop func()) {
	done := make(chan struct{})
	quit := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				s.SweepOnce(context.Background())
			}
		}
	}()

	return func() {
		close(quit)
		<-done
	}
}

// SweepOnce removes every entry whose expiry has passed.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()
	sessions, err := s.store.SweepExpiredSessions(ctx, now)
	if err != nil {
		s.logger.Error("sweeping sessions", "error", err)
	}
	tokens, err := s.store.SweepExpiredTokens(ctx, now)
	if err != nil {
		s.logger.Error("sweeping tokens", "error", err)
	}
	if sessions > 0 || tokens > 0 {
		s.logger.Info("sweep removed expired entries", "sessions", sessions, "tokens", tokens)
	}
}
