package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ticket-engine/internal/inventory"
)

var (
	purchaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_operations_total",
			Help: "Total purchase starts by outcome",
		},
		[]string{"ticket_type_id", "status"},
	)

	callbackOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_callback_operations_total",
			Help: "Total payment callbacks by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	verificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callback_verification_failures_total",
			Help: "Callbacks rejected for a bad signature",
		},
		[]string{"provider"},
	)

	expiredReservations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expired_reservations_total",
			Help: "Reservations released by the expiration sweeper",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of expiration sweep passes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	ticketCounters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticket_counters",
			Help: "Current capacity, reserved and sold per ticket type",
		},
		[]string{"ticket_type_id", "counter"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of goroutines",
		},
	)
)

// Monitor samples inventory counters into gauges on a fixed interval.
type Monitor struct {
	catalog inventory.Catalog
	ledger  *inventory.Ledger
}

func NewMonitor(catalog inventory.Catalog, ledger *inventory.Ledger) *Monitor {
	monitor := &Monitor{catalog: catalog, ledger: ledger}

	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx := context.Background()

		m.collectTicketMetrics(ctx)

		goroutineCount.Set(float64(runtime.NumGoroutine()))
	}
}

func (m *Monitor) collectTicketMetrics(ctx context.Context) {
	types, err := m.catalog.TicketTypes(ctx)
	if err != nil {
		return
	}
	for _, tt := range types {
		c, err := m.ledger.Counters(ctx, tt.ID)
		if err != nil {
			continue
		}
		ticketCounters.WithLabelValues(tt.ID, "capacity").Set(float64(c.Capacity))
		ticketCounters.WithLabelValues(tt.ID, "reserved").Set(float64(c.Reserved))
		ticketCounters.WithLabelValues(tt.ID, "sold").Set(float64(c.Sold))
	}
}

// TrackPurchase records the outcome of a purchase start.
func TrackPurchase(ticketTypeID, status string) {
	purchaseOperations.WithLabelValues(ticketTypeID, status).Inc()
}

// TrackCallback records the outcome of a payment callback.
func TrackCallback(provider, status string) {
	callbackOperations.WithLabelValues(provider, status).Inc()
}

// TrackVerificationFailure records a rejected callback signature.
func TrackVerificationFailure(provider string) {
	verificationFailures.WithLabelValues(provider).Inc()
}

// TrackExpired records reservations released by a sweep.
func TrackExpired(n int) {
	expiredReservations.Add(float64(n))
}

// TrackSweep records the duration of one sweep pass.
func TrackSweep(d time.Duration) {
	sweepDuration.Observe(d.Seconds())
}
