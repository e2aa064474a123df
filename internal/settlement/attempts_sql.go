package settlement

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

// SQLAttemptStore persists attempts in the payment_attempts and
// refunds tables.
type SQLAttemptStore struct {
	db dbx.Builder
}

func NewSQLAttemptStore(db dbx.Builder) *SQLAttemptStore {
	return &SQLAttemptStore{db: db}
}

var _ AttemptStore = (*SQLAttemptStore)(nil)

type attemptRow struct {
	ID            string `db:"id"`
	OrderID       string `db:"order_id"`
	Provider      string `db:"provider"`
	Amount        string `db:"amount"`
	Currency      string `db:"currency"`
	ProviderTxID  string `db:"provider_tx_id"`
	Status        string `db:"status"`
	PayloadDigest string `db:"payload_digest"`
	Created       string `db:"created"`
	Updated       string `db:"updated"`
}

func (r *attemptRow) toModel() (*models.PaymentAttempt, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("attemptStore: attempt %s amount: %w", r.ID, err)
	}
	a := &models.PaymentAttempt{
		ID:            r.ID,
		OrderID:       r.OrderID,
		Provider:      r.Provider,
		Amount:        amount,
		Currency:      r.Currency,
		ProviderTxID:  r.ProviderTxID,
		Status:        models.AttemptStatus(r.Status),
		PayloadDigest: r.PayloadDigest,
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, r.Created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, r.Updated)
	return a, nil
}

const attemptColumns = `id, order_id, provider, amount, currency, provider_tx_id,
	status, payload_digest, created, updated`

func (s *SQLAttemptStore) Create(ctx context.Context, a *models.PaymentAttempt) error {
	_, err := s.db.Insert("payment_attempts", dbx.Params{
		"id":             a.ID,
		"order_id":       a.OrderID,
		"provider":       a.Provider,
		"amount":         a.Amount.String(),
		"currency":       a.Currency,
		"provider_tx_id": a.ProviderTxID,
		"status":         string(a.Status),
		"payload_digest": a.PayloadDigest,
		"created":        a.CreatedAt.UTC().Format(time.RFC3339),
		"updated":        a.UpdatedAt.UTC().Format(time.RFC3339),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("attemptStore.Create: insert: %w", err)
	}
	return nil
}

func (s *SQLAttemptStore) ByOrder(ctx context.Context, orderID string) (*models.PaymentAttempt, error) {
	var row attemptRow
	err := s.db.NewQuery(
		`SELECT `+attemptColumns+` FROM payment_attempts
		 WHERE order_id = {:order_id} ORDER BY created DESC LIMIT 1`,
	).Bind(dbx.Params{"order_id": orderID}).WithContext(ctx).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("attemptStore.ByOrder: select: %w", err)
	}
	return row.toModel()
}

func (s *SQLAttemptStore) settle(ctx context.Context, attemptID string, to models.AttemptStatus, providerTxID, payloadDigest, op string) (bool, error) {
	query := `UPDATE payment_attempts SET status = {:to}, updated = {:updated}`
	params := dbx.Params{
		"id":      attemptID,
		"to":      string(to),
		"from":    string(models.AttemptPending),
		"updated": time.Now().UTC().Format(time.RFC3339),
	}
	if providerTxID != "" {
		query += `, provider_tx_id = {:tx}`
		params["tx"] = providerTxID
	}
	if payloadDigest != "" {
		query += `, payload_digest = {:digest}`
		params["digest"] = payloadDigest
	}
	query += ` WHERE id = {:id} AND status = {:from}`

	res, err := s.db.NewQuery(query).Bind(params).WithContext(ctx).Execute()
	if err != nil {
		return false, fmt.Errorf("attemptStore.%s: update: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attemptStore.%s: rows affected: %w", op, err)
	}
	return n > 0, nil
}

func (s *SQLAttemptStore) Confirm(ctx context.Context, attemptID, providerTxID, payloadDigest string) (bool, error) {
	return s.settle(ctx, attemptID, models.AttemptConfirmed, providerTxID, payloadDigest, "Confirm")
}

func (s *SQLAttemptStore) Fail(ctx context.Context, attemptID, payloadDigest string) (bool, error) {
	return s.settle(ctx, attemptID, models.AttemptFailed, "", payloadDigest, "Fail")
}

func (s *SQLAttemptStore) SetProviderTx(ctx context.Context, attemptID, providerTxID string) error {
	_, err := s.db.NewQuery(
		`UPDATE payment_attempts SET provider_tx_id = {:tx}, updated = {:updated}
		 WHERE id = {:id}`,
	).Bind(dbx.Params{
		"id":      attemptID,
		"tx":      providerTxID,
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("attemptStore.SetProviderTx: update: %w", err)
	}
	return nil
}

func (s *SQLAttemptStore) CreateRefund(ctx context.Context, r *models.Refund) error {
	_, err := s.db.Insert("refunds", dbx.Params{
		"id":         r.ID,
		"order_id":   r.OrderID,
		"attempt_id": r.AttemptID,
		"amount":     r.Amount.String(),
		"reason":     r.Reason,
		"created":    r.CreatedAt.UTC().Format(time.RFC3339),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("attemptStore.CreateRefund: insert: %w", err)
	}
	return nil
}

func (s *SQLAttemptStore) RefundsByOrder(ctx context.Context, orderID string) ([]*models.Refund, error) {
	type refundRow struct {
		ID        string `db:"id"`
		OrderID   string `db:"order_id"`
		AttemptID string `db:"attempt_id"`
		Amount    string `db:"amount"`
		Reason    string `db:"reason"`
		Created   string `db:"created"`
	}
	var rows []refundRow
	err := s.db.NewQuery(
		`SELECT id, order_id, attempt_id, amount, reason, created FROM refunds
		 WHERE order_id = {:order_id} ORDER BY created`,
	).Bind(dbx.Params{"order_id": orderID}).WithContext(ctx).All(&rows)
	if err != nil {
		return nil, fmt.Errorf("attemptStore.RefundsByOrder: select: %w", err)
	}

	out := make([]*models.Refund, 0, len(rows))
	for i := range rows {
		amount, err := decimal.NewFromString(rows[i].Amount)
		if err != nil {
			return nil, fmt.Errorf("attemptStore.RefundsByOrder: refund %s amount: %w", rows[i].ID, err)
		}
		r := &models.Refund{
			ID:        rows[i].ID,
			OrderID:   rows[i].OrderID,
			AttemptID: rows[i].AttemptID,
			Amount:    amount,
			Reason:    rows[i].Reason,
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, rows[i].Created)
		out = append(out, r)
	}
	return out, nil
}
