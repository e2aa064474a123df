package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptConfirmed AttemptStatus = "confirmed"
	AttemptFailed    AttemptStatus = "failed"
)

// PaymentAttempt is one gateway-facing transaction for an order. At most
// one confirmed attempt may exist per order; once confirmed it is never
// mutated again (refunds are separate records).
type PaymentAttempt struct {
	ID            string          `db:"id" json:"id"`
	OrderID       string          `db:"order_id" json:"order_id"`
	Provider      string          `db:"provider" json:"provider"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Currency      string          `db:"currency" json:"currency"`
	ProviderTxID  string          `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	Status        AttemptStatus   `db:"status" json:"status"`
	PayloadDigest string          `db:"payload_digest" json:"-"`
	CreatedAt     time.Time       `db:"created" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated" json:"updated_at"`
}

// Refund is an append-only record of money returned against a confirmed
// payment attempt.
type Refund struct {
	ID        string          `db:"id" json:"id"`
	OrderID   string          `db:"order_id" json:"order_id"`
	AttemptID string          `db:"attempt_id" json:"attempt_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Reason    string          `db:"reason" json:"reason"`
	CreatedAt time.Time       `db:"created" json:"created_at"`
}
