package ticket

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"ticket-engine/internal/inventory"
	"ticket-engine/internal/status"
	"ticket-engine/models"
	"ticket-engine/utils"
)

// transitions is the allowed settlement graph. Everything else is an
// invalid transition.
var transitions = map[models.TicketStatus][]models.TicketStatus{
	models.TicketReserved: {models.TicketPaid, models.TicketExpired, models.TicketCancelled},
	models.TicketPaid:     {models.TicketCancelled, models.TicketCheckedIn},
}

func canTransition(from, to models.TicketStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine drives tickets through their lifecycle. Every transition is a
// conditional update guarded by the ticket's expected prior status, so
// concurrent attempts on the same ticket resolve to exactly one winner;
// the loser observes ok=false and must not touch the ledger.
type Machine struct {
	store  Store
	ledger *inventory.Ledger

	// now is swapped in tests.
	now func() time.Time
}

func NewMachine(store Store, ledger *inventory.Ledger) *Machine {
	return &Machine{store: store, ledger: ledger, now: time.Now}
}

// SetNow overrides the clock.
func (m *Machine) SetNow(now func() time.Time) {
	m.now = now
}

// NewReserved builds a reserved ticket with a generated number and a
// one-time check-in code. The code is returned in clear exactly once;
// only its bcrypt hash is stored.
func (m *Machine) NewReserved(userID string, tt *models.TicketType, orderID, allocationID string) (*models.Ticket, string, error) {
	number, err := utils.RandomRef(5)
	if err != nil {
		return nil, "", fmt.Errorf("machine.NewReserved: number: %w", err)
	}
	code, err := utils.NumericCode(8)
	if err != nil {
		return nil, "", fmt.Errorf("machine.NewReserved: check-in code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("machine.NewReserved: hash: %w", err)
	}

	return &models.Ticket{
		ID:           uuid.NewString(),
		Number:       "TKT-" + number,
		UserID:       userID,
		TicketTypeID: tt.ID,
		OrderID:      orderID,
		AllocationID: allocationID,
		UnitPrice:    tt.Price,
		Status:       models.TicketReserved,
		CheckinHash:  string(hash),
		CreatedAt:    m.now(),
	}, code, nil
}

// MarkPaid transitions reserved -> paid and commits the backing
// allocation. ok=false means the guard no longer matched (the sweeper or
// a cancel won the race).
func (m *Machine) MarkPaid(ctx context.Context, t *models.Ticket, paymentRef string) (bool, error) {
	if !canTransition(t.Status, models.TicketPaid) {
		return false, &status.InvalidTransitionError{From: string(t.Status), To: string(models.TicketPaid)}
	}
	ok, err := m.store.UpdateStatus(ctx, t.ID, models.TicketReserved, models.TicketPaid)
	if err != nil {
		return false, fmt.Errorf("machine.MarkPaid: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := m.commitAllocation(ctx, t); err != nil {
		return true, err
	}
	if err := m.store.SetPaymentRef(ctx, t.ID, paymentRef, m.now()); err != nil {
		return true, fmt.Errorf("machine.MarkPaid: payment ref: %w", err)
	}
	t.Status = models.TicketPaid
	t.PaymentRef = paymentRef
	return true, nil
}

// Expire transitions reserved -> expired once the reservation age reaches
// olderThan, releasing the backing allocation. ok=false means the ticket
// was no longer reserved, which a sweeper treats as a lost (and harmless)
// race.
func (m *Machine) Expire(ctx context.Context, t *models.Ticket, olderThan time.Duration) (bool, error) {
	if !canTransition(t.Status, models.TicketExpired) {
		return false, &status.InvalidTransitionError{From: string(t.Status), To: string(models.TicketExpired)}
	}
	if m.now().Sub(t.CreatedAt) < olderThan {
		return false, status.ErrReservationActive
	}
	ok, err := m.store.UpdateStatus(ctx, t.ID, models.TicketReserved, models.TicketExpired)
	if err != nil {
		return false, fmt.Errorf("machine.Expire: %w", err)
	}
	if !ok {
		return false, nil
	}
	t.Status = models.TicketExpired
	return true, m.releaseAllocation(ctx, t)
}

// Cancel transitions reserved -> cancelled (buyer or operator initiated,
// or rollback after a failed payment initiation) and releases capacity.
func (m *Machine) Cancel(ctx context.Context, t *models.Ticket) (bool, error) {
	if !canTransition(t.Status, models.TicketCancelled) {
		return false, &status.InvalidTransitionError{From: string(t.Status), To: string(models.TicketCancelled)}
	}
	ok, err := m.store.UpdateStatus(ctx, t.ID, models.TicketReserved, models.TicketCancelled)
	if err != nil {
		return false, fmt.Errorf("machine.Cancel: %w", err)
	}
	if !ok {
		return false, nil
	}
	t.Status = models.TicketCancelled
	return true, m.releaseAllocation(ctx, t)
}

// RefundCancel transitions paid -> cancelled. The seat stays consumed for
// accounting: no inventory is re-released; the refund record itself is the
// coordinator's business.
func (m *Machine) RefundCancel(ctx context.Context, t *models.Ticket) (bool, error) {
	if t.Status != models.TicketPaid {
		return false, &status.InvalidTransitionError{From: string(t.Status), To: string(models.TicketCancelled)}
	}
	ok, err := m.store.UpdateStatus(ctx, t.ID, models.TicketPaid, models.TicketCancelled)
	if err != nil {
		return false, fmt.Errorf("machine.RefundCancel: %w", err)
	}
	if ok {
		t.Status = models.TicketCancelled
	}
	return ok, nil
}

// CheckIn validates the presented code against the ticket's stored hash
// and transitions paid -> checked_in. A second scan reports "already
// used" instead of silently succeeding.
func (m *Machine) CheckIn(ctx context.Context, t *models.Ticket, code string) error {
	switch t.Status {
	case models.TicketCheckedIn:
		return status.ErrTicketAlreadyUsed
	case models.TicketPaid:
	default:
		return &status.InvalidTransitionError{From: string(t.Status), To: string(models.TicketCheckedIn)}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(t.CheckinHash), []byte(code)); err != nil {
		return status.ErrCheckinCodeMismatch
	}

	ok, err := m.store.UpdateStatus(ctx, t.ID, models.TicketPaid, models.TicketCheckedIn)
	if err != nil {
		return fmt.Errorf("machine.CheckIn: %w", err)
	}
	if !ok {
		// Another scanner raced us; the ticket is spent either way.
		return status.ErrTicketAlreadyUsed
	}
	t.Status = models.TicketCheckedIn
	return m.store.SetCheckedInAt(ctx, t.ID, m.now())
}

func (m *Machine) commitAllocation(ctx context.Context, t *models.Ticket) error {
	a, ok := m.ledger.Allocation(t.AllocationID)
	if !ok {
		return fmt.Errorf("machine: allocation %s for ticket %s not found", t.AllocationID, t.ID)
	}
	return m.ledger.Commit(ctx, a)
}

func (m *Machine) releaseAllocation(ctx context.Context, t *models.Ticket) error {
	a, ok := m.ledger.Allocation(t.AllocationID)
	if !ok {
		return fmt.Errorf("machine: allocation %s for ticket %s not found", t.AllocationID, t.ID)
	}
	if err := m.ledger.Release(ctx, a); err != nil {
		return fmt.Errorf("%w: %v", status.ErrAllocationRollback, err)
	}
	return nil
}
