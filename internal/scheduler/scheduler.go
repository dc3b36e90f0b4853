package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swiftcart/escrow-api/internal/clock"
	"github.com/swiftcart/escrow-api/internal/escrow"
	"github.com/swiftcart/escrow-api/internal/types"
)

// Scheduler is the auto-release driver: a repeating task that finds
// delivered orders whose confirmation window has elapsed and forces
// release. It performs no locking beyond the escrow-status guard; the
// ledger's compare-and-set makes overlapping ticks and concurrent
// consumer confirmations safe.
type Scheduler struct {
	engine   *escrow.Service
	clock    clock.Clock
	interval time.Duration
}

func NewScheduler(engine *escrow.Service, clk clock.Clock, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:   engine,
		clock:    clk,
		interval: interval,
	}
}

// Start begins the auto-release loop: an immediate run on startup,
// then one run per interval until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "auto_release").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting auto-release scheduler")

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down auto-release scheduler")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of releasable orders. Each order is
// handled independently: one order's failure is logged and does not
// abort the batch.
func (s *Scheduler) RunOnce(ctx context.Context) {
	logger := log.With().Str("component", "auto_release").Logger()

	now := s.clock.Now()
	orders, err := s.engine.FindReleasableOrders(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to query releasable orders")
		return
	}

	if len(orders) == 0 {
		return
	}

	logger.Info().Int("candidates", len(orders)).Time("now", now).Msg("processing expired confirmation windows")

	for _, order := range orders {
		_, err := s.engine.Release(ctx, order.OrderID, escrow.TriggerAutoDeadline, nil)
		switch {
		case err == nil:
			logger.Info().Str("order_id", order.OrderID).Msg("escrow auto-released")
		case errors.Is(err, types.ErrAlreadyReleased):
			logger.Debug().Str("order_id", order.OrderID).Msg("escrow already released, skipping")
		case errors.Is(err, types.ErrEscrowDisputed):
			logger.Debug().Str("order_id", order.OrderID).Msg("escrow disputed, skipping")
		case errors.Is(err, types.ErrNotFound):
			logger.Warn().Str("order_id", order.OrderID).Msg("no escrow for delivered order, skipping")
		default:
			logger.Error().Err(err).Str("order_id", order.OrderID).Msg("auto-release failed")
		}
	}
}
