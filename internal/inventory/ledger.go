package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ticket-engine/internal/status"
)

var (
	allocationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_allocation_attempts_total",
		Help: "Capacity allocation attempts per ticket type.",
	}, []string{"ticket_type"})

	allocationConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_allocation_conflicts_total",
		Help: "Allocations rejected because capacity ran out.",
	}, []string{"ticket_type"})
)

type allocState int

const (
	allocPending allocState = iota
	allocCommitted
	allocReleased
)

// Allocation is a provisional claim on ticket type capacity. Commit and
// Release are idempotent per allocation: the first transition wins and
// later calls are no-ops, so a racing sweeper and payment callback can
// never double-apply the same quantity.
type Allocation struct {
	ID           string
	TicketTypeID string
	Quantity     int

	mu    sync.Mutex
	state allocState
}

// Ledger is the single allocation authority over ticket type counters.
type Ledger struct {
	store CounterStore

	mu     sync.RWMutex
	allocs map[string]*Allocation
}

func NewLedger(store CounterStore) *Ledger {
	return &Ledger{
		store:  store,
		allocs: make(map[string]*Allocation),
	}
}

// Allocate atomically reserves qty units of the ticket type. The returned
// allocation must later be either committed or released.
func (l *Ledger) Allocate(ctx context.Context, typeID string, qty int) (*Allocation, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("ledger.Allocate: quantity %d: %w", qty, status.ErrQuantityOutOfRange)
	}
	allocationAttempts.WithLabelValues(typeID).Inc()
	if err := l.store.Reserve(ctx, typeID, qty); err != nil {
		if errors.Is(err, status.ErrInsufficientCapacity) {
			allocationConflicts.WithLabelValues(typeID).Inc()
		}
		return nil, err
	}

	a := &Allocation{
		ID:           uuid.NewString(),
		TicketTypeID: typeID,
		Quantity:     qty,
	}
	l.mu.Lock()
	l.allocs[a.ID] = a
	l.mu.Unlock()
	return a, nil
}

// Allocation looks up a live allocation by id.
func (l *Ledger) Allocation(id string) (*Allocation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.allocs[id]
	return a, ok
}

// Restore re-registers a pending allocation after a restart, without
// touching the counters (the reservation is already persisted).
func (l *Ledger) Restore(id, typeID string, qty int) *Allocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allocs[id]; ok {
		return a
	}
	a := &Allocation{ID: id, TicketTypeID: typeID, Quantity: qty}
	l.allocs[id] = a
	return a
}

// Commit moves the allocation's quantity from reserved to sold. No-op if
// the allocation was already committed or released.
func (l *Ledger) Commit(ctx context.Context, a *Allocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != allocPending {
		return nil
	}
	if err := l.store.CommitSold(ctx, a.TicketTypeID, a.Quantity); err != nil {
		return fmt.Errorf("ledger.Commit: %w", err)
	}
	a.state = allocCommitted
	return nil
}

// Release returns the allocation's quantity to the available pool. No-op
// if the allocation was already committed or released.
func (l *Ledger) Release(ctx context.Context, a *Allocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != allocPending {
		return nil
	}
	if err := l.store.ReleaseReserved(ctx, a.TicketTypeID, a.Quantity); err != nil {
		return fmt.Errorf("ledger.Release: %w", err)
	}
	a.state = allocReleased
	return nil
}

// Counters exposes the store's counter snapshot.
func (l *Ledger) Counters(ctx context.Context, typeID string) (Counters, error) {
	return l.store.Counters(ctx, typeID)
}
