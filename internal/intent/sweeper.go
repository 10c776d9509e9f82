package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/marqueehq/marquee/internal/metrics"
)

// Sweeper periodically expires pending intents whose payment window has
// passed. Read-time expiry already protects correctness; the sweeper keeps
// the stored state and the pending gauge honest for intents nobody reads.
type Sweeper struct {
	intents  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new intent expiry sweeper.
func NewSweeper(intents *Service, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		intents:  intents,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in intent sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

// SweepNow runs one sweep outside the loop and reports how many intents
// it expired. Staff use it to flush overdue intents without waiting for
// the next tick.
func (s *Sweeper) SweepNow(ctx context.Context) int {
	return s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) int {
	now := time.Now().UTC()

	overdue, err := s.store.ListOverdue(ctx, now, 100)
	if err != nil {
		s.logger.Warn("failed to list overdue intents", "error", err)
		return 0
	}

	expired := 0
	for _, it := range overdue {
		won, err := s.intents.Expire(ctx, it.ID)
		if err != nil {
			s.logger.Warn("failed to expire top-up intent",
				"intentId", it.ID,
				"error", err,
			)
			continue
		}
		if !won {
			// Raced with a payment confirmation or a read-time expiry.
			continue
		}
		expired++
		metrics.SweeperExpirationsTotal.Inc()
		s.logger.Info("expired top-up intent",
			"intentId", it.ID,
			"member", it.Member,
			"topUpTokens", it.TopUpTokens,
		)
	}

	if n, err := s.store.CountPending(ctx); err == nil {
		metrics.PendingTopUps.Set(float64(n))
	}
	return expired
}
