package ticket

import (
	"context"
	"sort"
	"sync"
	"time"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

// Store persists tickets. UpdateStatus is the only mutation path for the
// status column and must be a conditional write: it applies the change
// only while the current status still equals from, and reports whether it
// did.
type Store interface {
	Create(ctx context.Context, tickets []*models.Ticket) error
	ByID(ctx context.Context, id string) (*models.Ticket, error)
	ByNumber(ctx context.Context, number string) (*models.Ticket, error)
	ByOrder(ctx context.Context, orderID string) ([]*models.Ticket, error)
	UpdateStatus(ctx context.Context, id string, from, to models.TicketStatus) (bool, error)
	SetPaymentRef(ctx context.Context, id, ref string, paidAt time.Time) error
	SetCheckedInAt(ctx context.Context, id string, at time.Time) error

	// StaleReserved lists reserved tickets created at or before cutoff,
	// oldest first.
	StaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ticket, error)

	// Reserved lists every reserved ticket, for the boot restore pass.
	Reserved(ctx context.Context) ([]*models.Ticket, error)
}

// MemoryStore is an in-process Store used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]*models.Ticket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]*models.Ticket)}
}

func (s *MemoryStore) Create(_ context.Context, tickets []*models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickets {
		cp := *t
		s.tickets[t.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) ByID(_ context.Context, id string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, status.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ByNumber(_ context.Context, number string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.Number == number {
			cp := *t
			return &cp, nil
		}
	}
	return nil, status.ErrTicketNotFound
}

func (s *MemoryStore) ByOrder(_ context.Context, orderID string) ([]*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Ticket
	for _, t := range s.tickets {
		if t.OrderID == orderID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to models.TicketStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return false, status.ErrTicketNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	return true, nil
}

func (s *MemoryStore) SetPaymentRef(_ context.Context, id, ref string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return status.ErrTicketNotFound
	}
	t.PaymentRef = ref
	t.PaidAt = &paidAt
	return nil
}

func (s *MemoryStore) SetCheckedInAt(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return status.ErrTicketNotFound
	}
	t.CheckedInAt = &at
	return nil
}

func (s *MemoryStore) StaleReserved(_ context.Context, cutoff time.Time, limit int) ([]*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Ticket
	for _, t := range s.tickets {
		if t.Status == models.TicketReserved && !t.CreatedAt.After(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Reserved(_ context.Context) ([]*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Ticket
	for _, t := range s.tickets {
		if t.Status == models.TicketReserved {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
