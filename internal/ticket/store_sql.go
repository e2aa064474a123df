package ticket

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

// SQLStore persists tickets in the tickets table through dbx.
type SQLStore struct {
	db dbx.Builder
}

func NewSQLStore(db dbx.Builder) *SQLStore {
	return &SQLStore{db: db}
}

type ticketRow struct {
	ID           string         `db:"id"`
	Number       string         `db:"number"`
	UserID       string         `db:"user_id"`
	TicketTypeID string         `db:"ticket_type_id"`
	OrderID      string         `db:"order_id"`
	AllocationID string         `db:"allocation_id"`
	UnitPrice    string         `db:"unit_price"`
	Status       string         `db:"status"`
	CheckinHash  string         `db:"checkin_hash"`
	PaymentRef   string         `db:"payment_ref"`
	Created      string         `db:"created"`
	PaidAt       sql.NullString `db:"paid_at"`
	CheckedInAt  sql.NullString `db:"checked_in_at"`
}

const ticketColumns = `id, number, user_id, ticket_type_id, order_id, allocation_id,
	unit_price, status, checkin_hash, payment_ref, created, paid_at, checked_in_at`

func (r *ticketRow) toModel() (*models.Ticket, error) {
	price, err := decimal.NewFromString(r.UnitPrice)
	if err != nil {
		return nil, fmt.Errorf("ticketStore: ticket %s unit price: %w", r.ID, err)
	}
	t := &models.Ticket{
		ID:           r.ID,
		Number:       r.Number,
		UserID:       r.UserID,
		TicketTypeID: r.TicketTypeID,
		OrderID:      r.OrderID,
		AllocationID: r.AllocationID,
		UnitPrice:    price,
		Status:       models.TicketStatus(r.Status),
		CheckinHash:  r.CheckinHash,
		PaymentRef:   r.PaymentRef,
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, r.Created)
	if r.PaidAt.Valid && r.PaidAt.String != "" {
		at, _ := time.Parse(time.RFC3339, r.PaidAt.String)
		t.PaidAt = &at
	}
	if r.CheckedInAt.Valid && r.CheckedInAt.String != "" {
		at, _ := time.Parse(time.RFC3339, r.CheckedInAt.String)
		t.CheckedInAt = &at
	}
	return t, nil
}

func (s *SQLStore) Create(ctx context.Context, tickets []*models.Ticket) error {
	for _, t := range tickets {
		_, err := s.db.NewQuery(
			`INSERT INTO tickets (`+ticketColumns+`)
			 VALUES ({:id}, {:number}, {:user_id}, {:ticket_type_id}, {:order_id},
			 {:allocation_id}, {:unit_price}, {:status}, {:checkin_hash}, {:payment_ref},
			 {:created}, NULL, NULL)`,
		).Bind(dbx.Params{
			"id":             t.ID,
			"number":         t.Number,
			"user_id":        t.UserID,
			"ticket_type_id": t.TicketTypeID,
			"order_id":       t.OrderID,
			"allocation_id":  t.AllocationID,
			"unit_price":     t.UnitPrice.String(),
			"status":         string(t.Status),
			"checkin_hash":   t.CheckinHash,
			"payment_ref":    t.PaymentRef,
			"created":        t.CreatedAt.UTC().Format(time.RFC3339),
		}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("ticketStore.Create: insert %s: %w", t.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) one(ctx context.Context, where string, params dbx.Params) (*models.Ticket, error) {
	var row ticketRow
	err := s.db.NewQuery(
		`SELECT `+ticketColumns+` FROM tickets WHERE `+where,
	).Bind(params).WithContext(ctx).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ticketStore: select: %w", err)
	}
	return row.toModel()
}

func (s *SQLStore) ByID(ctx context.Context, id string) (*models.Ticket, error) {
	return s.one(ctx, `id = {:v}`, dbx.Params{"v": id})
}

func (s *SQLStore) ByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	return s.one(ctx, `number = {:v}`, dbx.Params{"v": number})
}

func (s *SQLStore) all(ctx context.Context, query string, params dbx.Params) ([]*models.Ticket, error) {
	var rows []ticketRow
	if err := s.db.NewQuery(query).Bind(params).WithContext(ctx).All(&rows); err != nil {
		return nil, fmt.Errorf("ticketStore: select: %w", err)
	}
	out := make([]*models.Ticket, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLStore) ByOrder(ctx context.Context, orderID string) ([]*models.Ticket, error) {
	return s.all(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE order_id = {:v} ORDER BY number`,
		dbx.Params{"v": orderID})
}

// UpdateStatus is the optimistic-concurrency guard: the UPDATE applies
// only while status still equals from, and zero affected rows means the
// caller lost the race.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, from, to models.TicketStatus) (bool, error) {
	res, err := s.db.NewQuery(
		`UPDATE tickets SET status = {:to} WHERE id = {:id} AND status = {:from}`,
	).Bind(dbx.Params{
		"id":   id,
		"from": string(from),
		"to":   string(to),
	}).WithContext(ctx).Execute()
	if err != nil {
		return false, fmt.Errorf("ticketStore.UpdateStatus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ticketStore.UpdateStatus: rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) SetPaymentRef(ctx context.Context, id, ref string, paidAt time.Time) error {
	_, err := s.db.NewQuery(
		`UPDATE tickets SET payment_ref = {:ref}, paid_at = {:at} WHERE id = {:id}`,
	).Bind(dbx.Params{
		"id":  id,
		"ref": ref,
		"at":  paidAt.UTC().Format(time.RFC3339),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("ticketStore.SetPaymentRef: %w", err)
	}
	return nil
}

func (s *SQLStore) SetCheckedInAt(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.NewQuery(
		`UPDATE tickets SET checked_in_at = {:at} WHERE id = {:id}`,
	).Bind(dbx.Params{
		"id": id,
		"at": at.UTC().Format(time.RFC3339),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("ticketStore.SetCheckedInAt: %w", err)
	}
	return nil
}

func (s *SQLStore) StaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ticket, error) {
	return s.all(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE status = {:status} AND created <= {:cutoff}
		 ORDER BY created LIMIT {:limit}`,
		dbx.Params{
			"status": string(models.TicketReserved),
			"cutoff": cutoff.UTC().Format(time.RFC3339),
			"limit":  limit,
		})
}

func (s *SQLStore) Reserved(ctx context.Context) ([]*models.Ticket, error) {
	return s.all(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status = {:status}`,
		dbx.Params{"status": string(models.TicketReserved)})
}

var _ Store = (*SQLStore)(nil)
