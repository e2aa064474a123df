package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ticket-engine/internal/notify"
	"ticket-engine/internal/status"
	"ticket-engine/internal/ticket"
	"ticket-engine/models"
	"ticket-engine/monitoring"
)

const (
	DefaultSweepInterval = 5 * time.Minute

	// sweepBatchSize bounds one pass so a huge backlog after downtime
	// is worked off in chunks.
	sweepBatchSize = 500
)

// Sweeper expires reservations that were never paid, returning their
// seats to the pool.
type Sweeper struct {
	machine     *ticket.Machine
	tickets     ticket.Store
	coordinator *Coordinator
	notifier    notify.Notifier
	logger      *slog.Logger

	interval time.Duration
	timeout  time.Duration

	now func() time.Time
}

func NewSweeper(machine *ticket.Machine, tickets ticket.Store, coordinator *Coordinator, notifier notify.Notifier, logger *slog.Logger, interval, timeout time.Duration) *Sweeper {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultReservationTimeout
	}
	return &Sweeper{
		machine:     machine,
		tickets:     tickets,
		coordinator: coordinator,
		notifier:    notifier,
		logger:      logger,
		interval:    interval,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep pass failed", "err", err)
			}
		}
	}
}

// Sweep expires every reservation older than the timeout and returns
// how many tickets it released. A ticket that got paid between the
// query and the update simply loses the race and is left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := s.now()
	cutoff := start.Add(-s.timeout)

	stale, err := s.tickets.StaleReserved(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	expiredOrders := make(map[string]*models.Ticket)
	for _, t := range stale {
		won, err := s.machine.Expire(ctx, t, s.timeout)
		if err != nil {
			if errors.Is(err, status.ErrReservationActive) {
				continue
			}
			var invalid *status.InvalidTransitionError
			if errors.As(err, &invalid) {
				// Paid or cancelled since the query.
				continue
			}
			s.logger.Error("expire ticket", "ticket_id", t.ID, "err", err)
			if !won {
				continue
			}
			// The ticket is expired but the release failed; the next
			// query will not find it again, so park the allocation for
			// retry below.
			if s.coordinator != nil {
				s.coordinator.park(t.AllocationID, parkRelease)
			}
		}
		if won {
			expired++
			if _, ok := expiredOrders[t.OrderID]; !ok {
				expiredOrders[t.OrderID] = t
			}
		}
	}

	for orderID, t := range expiredOrders {
		if s.coordinator != nil && s.coordinator.sessions != nil {
			if err := s.coordinator.sessions.SetStatus(ctx, orderID, SessionFailed); err != nil {
				s.logger.Warn("order session update failed", "order_id", orderID, "err", err)
			}
		}
		if err := s.notifier.Notify(ctx, &notify.Event{
			Kind:    notify.KindReservationExpired,
			UserID:  t.UserID,
			OrderID: orderID,
		}); err != nil {
			s.logger.Warn("notify failed", "kind", notify.KindReservationExpired, "order_id", orderID, "err", err)
		}
	}

	if s.coordinator != nil {
		s.coordinator.RetryParkedAllocations(ctx)
	}

	monitoring.TrackExpired(expired)
	monitoring.TrackSweep(time.Since(start))
	if expired > 0 {
		s.logger.Info("sweep released expired reservations", "tickets", expired, "orders", len(expiredOrders))
	}
	return expired, nil
}
