package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

// SQLCounterStore persists counters in the ticket_types table. Every
// mutation is one conditional UPDATE, so concurrent allocators are
// serialized by the database row and can never jointly overcommit.
type SQLCounterStore struct {
	db dbx.Builder
}

func NewSQLCounterStore(db dbx.Builder) *SQLCounterStore {
	return &SQLCounterStore{db: db}
}

func (s *SQLCounterStore) Reserve(ctx context.Context, typeID string, qty int) error {
	res, err := s.db.NewQuery(
		`UPDATE ticket_types SET reserved = reserved + {:qty}
		 WHERE id = {:id} AND capacity - reserved - sold >= {:qty}`,
	).Bind(dbx.Params{"id": typeID, "qty": qty}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("counterStore.Reserve: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counterStore.Reserve: rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing type from a full one.
		if _, err := s.Counters(ctx, typeID); err != nil {
			return err
		}
		return status.ErrInsufficientCapacity
	}
	return nil
}

func (s *SQLCounterStore) CommitSold(ctx context.Context, typeID string, qty int) error {
	return s.adjust(ctx, typeID, qty,
		`UPDATE ticket_types SET reserved = reserved - {:qty}, sold = sold + {:qty}
		 WHERE id = {:id} AND reserved >= {:qty}`, "CommitSold")
}

func (s *SQLCounterStore) ReleaseReserved(ctx context.Context, typeID string, qty int) error {
	return s.adjust(ctx, typeID, qty,
		`UPDATE ticket_types SET reserved = reserved - {:qty}
		 WHERE id = {:id} AND reserved >= {:qty}`, "ReleaseReserved")
}

func (s *SQLCounterStore) adjust(ctx context.Context, typeID string, qty int, query, op string) error {
	res, err := s.db.NewQuery(query).
		Bind(dbx.Params{"id": typeID, "qty": qty}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("counterStore.%s: update: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counterStore.%s: rows affected: %w", op, err)
	}
	if n == 0 {
		if _, err := s.Counters(ctx, typeID); err != nil {
			return err
		}
		return status.ErrInsufficientCapacity
	}
	return nil
}

func (s *SQLCounterStore) Counters(ctx context.Context, typeID string) (Counters, error) {
	var c Counters
	err := s.db.NewQuery(
		`SELECT capacity, reserved, sold FROM ticket_types WHERE id = {:id}`,
	).Bind(dbx.Params{"id": typeID}).WithContext(ctx).One(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return Counters{}, status.ErrTicketTypeNotFound
	}
	if err != nil {
		return Counters{}, fmt.Errorf("counterStore.Counters: select: %w", err)
	}
	return c, nil
}

type ticketTypeRow struct {
	ID          string `db:"id"`
	EventID     string `db:"event_id"`
	Name        string `db:"name"`
	Price       string `db:"price"`
	Capacity    int    `db:"capacity"`
	Reserved    int    `db:"reserved"`
	Sold        int    `db:"sold"`
	MinPerOrder int    `db:"min_per_order"`
	MaxPerOrder int    `db:"max_per_order"`
	Active      bool   `db:"active"`
	SaleStartAt string `db:"sale_start_at"`
	SaleEndAt   string `db:"sale_end_at"`
}

func (r *ticketTypeRow) toModel() (*models.TicketType, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return nil, fmt.Errorf("counterStore: ticket type %s price: %w", r.ID, err)
	}
	tt := &models.TicketType{
		ID:          r.ID,
		EventID:     r.EventID,
		Name:        r.Name,
		Price:       price,
		Capacity:    r.Capacity,
		Reserved:    r.Reserved,
		Sold:        r.Sold,
		MinPerOrder: r.MinPerOrder,
		MaxPerOrder: r.MaxPerOrder,
		Active:      r.Active,
	}
	tt.SaleStartAt, _ = time.Parse(time.RFC3339, r.SaleStartAt)
	tt.SaleEndAt, _ = time.Parse(time.RFC3339, r.SaleEndAt)
	return tt, nil
}

const ticketTypeColumns = `id, event_id, name, price, capacity, reserved, sold,
	min_per_order, max_per_order, active, sale_start_at, sale_end_at`

func (s *SQLCounterStore) TicketType(ctx context.Context, typeID string) (*models.TicketType, error) {
	var row ticketTypeRow
	err := s.db.NewQuery(
		`SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = {:id}`,
	).Bind(dbx.Params{"id": typeID}).WithContext(ctx).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrTicketTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("counterStore.TicketType: select: %w", err)
	}
	return row.toModel()
}

func (s *SQLCounterStore) TicketTypes(ctx context.Context) ([]*models.TicketType, error) {
	var rows []ticketTypeRow
	err := s.db.NewQuery(
		`SELECT ` + ticketTypeColumns + ` FROM ticket_types`,
	).WithContext(ctx).All(&rows)
	if err != nil {
		return nil, fmt.Errorf("counterStore.TicketTypes: select: %w", err)
	}
	out := make([]*models.TicketType, 0, len(rows))
	for i := range rows {
		tt, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, tt)
	}
	return out, nil
}

var _ CounterStore = (*SQLCounterStore)(nil)
var _ Catalog = (*SQLCounterStore)(nil)
