package stepup

import (
	"context"
	"time"

	"github.com/juju/clock"

	"retailgate.in/internal/obs"
)

// Sweeper periodically deletes expired sessions. Validity never depends on it.
type Sweeper struct {
	store    Store
	clock    clock.Clock
	interval time.Duration
}

func NewSweeper(store Store, clk clock.Clock, interval time.Duration) *Sweeper {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Sweeper{store: store, clock: clk, interval: interval}
}

// SweepOnce removes sessions expired as of now.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredSessions(ctx, s.clock.Now().UTC())
	if err != nil {
		obs.Warn("step-up sweep failed", map[string]any{"error": err.Error()})
		return 0, err
	}
	if n > 0 {
		obs.Info("step-up sweep", map[string]any{"removed": n})
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
			_, _ = s.SweepOnce(ctx)
		}
	}
}
