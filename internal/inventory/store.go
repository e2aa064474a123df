package inventory

import (
	"context"
	"sync"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

// Counters is a snapshot of one ticket type's capacity accounting.
type Counters struct {
	Capacity int `db:"capacity"`
	Reserved int `db:"reserved"`
	Sold     int `db:"sold"`
}

// Available returns the capacity not yet reserved or sold.
func (c Counters) Available() int {
	return c.Capacity - c.Reserved - c.Sold
}

// CounterStore holds the per-ticket-type counters. Every mutation is a
// single conditional operation: the store never exposes a read-then-write
// path, so the invariant 0 <= reserved+sold <= capacity holds under any
// number of concurrent callers.
type CounterStore interface {
	// Reserve increments reserved by qty if capacity-(reserved+sold) >= qty,
	// returning status.ErrInsufficientCapacity otherwise.
	Reserve(ctx context.Context, typeID string, qty int) error

	// CommitSold moves qty from reserved to sold.
	CommitSold(ctx context.Context, typeID string, qty int) error

	// ReleaseReserved decrements reserved by qty without touching sold.
	ReleaseReserved(ctx context.Context, typeID string, qty int) error

	Counters(ctx context.Context, typeID string) (Counters, error)
}

// Catalog provides read-only ticket type lookups for purchase validation.
type Catalog interface {
	TicketType(ctx context.Context, typeID string) (*models.TicketType, error)
	TicketTypes(ctx context.Context) ([]*models.TicketType, error)
}

// MemoryCounterStore keeps counters in process behind a lock per ticket
// type, for tests and single-process deployments where the ledger is the
// sole allocation authority.
type MemoryCounterStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	types map[string]*models.TicketType
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		locks: make(map[string]*sync.Mutex),
		types: make(map[string]*models.TicketType),
	}
}

// Seed registers a ticket type. Not safe to call concurrently with
// counter operations on the same type.
func (s *MemoryCounterStore) Seed(tt *models.TicketType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tt
	s.types[tt.ID] = &cp
	s.locks[tt.ID] = &sync.Mutex{}
}

func (s *MemoryCounterStore) lockFor(typeID string) (*sync.Mutex, *models.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[typeID]
	if !ok {
		return nil, nil, status.ErrTicketTypeNotFound
	}
	return l, s.types[typeID], nil
}

func (s *MemoryCounterStore) Reserve(_ context.Context, typeID string, qty int) error {
	l, tt, err := s.lockFor(typeID)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()
	if tt.Available() < qty {
		return status.ErrInsufficientCapacity
	}
	tt.Reserved += qty
	return nil
}

func (s *MemoryCounterStore) CommitSold(_ context.Context, typeID string, qty int) error {
	l, tt, err := s.lockFor(typeID)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()
	if tt.Reserved < qty {
		return status.ErrInsufficientCapacity
	}
	tt.Reserved -= qty
	tt.Sold += qty
	return nil
}

func (s *MemoryCounterStore) ReleaseReserved(_ context.Context, typeID string, qty int) error {
	l, tt, err := s.lockFor(typeID)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()
	if tt.Reserved < qty {
		return status.ErrInsufficientCapacity
	}
	tt.Reserved -= qty
	return nil
}

func (s *MemoryCounterStore) Counters(_ context.Context, typeID string) (Counters, error) {
	l, tt, err := s.lockFor(typeID)
	if err != nil {
		return Counters{}, err
	}
	l.Lock()
	defer l.Unlock()
	return Counters{Capacity: tt.Capacity, Reserved: tt.Reserved, Sold: tt.Sold}, nil
}

func (s *MemoryCounterStore) TicketType(_ context.Context, typeID string) (*models.TicketType, error) {
	l, tt, err := s.lockFor(typeID)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()
	cp := *tt
	return &cp, nil
}

func (s *MemoryCounterStore) TicketTypes(_ context.Context) ([]*models.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TicketType, 0, len(s.types))
	for _, tt := range s.types {
		cp := *tt
		out = append(out, &cp)
	}
	return out, nil
}

var _ CounterStore = (*MemoryCounterStore)(nil)
var _ Catalog = (*MemoryCounterStore)(nil)
