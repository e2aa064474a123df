package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TicketType is one purchasable category for an event. Its reserved/sold
// counters are owned exclusively by the inventory ledger.
type TicketType struct {
	ID          string          `db:"id" json:"id"`
	EventID     string          `db:"event_id" json:"event_id"`
	Name        string          `db:"name" json:"name"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Capacity    int             `db:"capacity" json:"capacity"`
	Reserved    int             `db:"reserved" json:"reserved"`
	Sold        int             `db:"sold" json:"sold"`
	MinPerOrder int             `db:"min_per_order" json:"min_per_order"`
	MaxPerOrder int             `db:"max_per_order" json:"max_per_order"`
	Active      bool            `db:"active" json:"active"`
	SaleStartAt time.Time       `db:"sale_start_at" json:"sale_start_at"`
	SaleEndAt   time.Time       `db:"sale_end_at" json:"sale_end_at"`
}

// Available returns the capacity not yet reserved or sold.
func (t *TicketType) Available() int {
	return t.Capacity - t.Reserved - t.Sold
}

// OnSale reports whether the type is active and inside its sales window.
func (t *TicketType) OnSale(now time.Time) bool {
	if !t.Active {
		return false
	}
	if now.Before(t.SaleStartAt) {
		return false
	}
	if !t.SaleEndAt.IsZero() && now.After(t.SaleEndAt) {
		return false
	}
	return true
}

type TicketStatus string

const (
	TicketReserved  TicketStatus = "reserved"
	TicketPaid      TicketStatus = "paid"
	TicketExpired   TicketStatus = "expired"
	TicketCancelled TicketStatus = "cancelled"
	TicketCheckedIn TicketStatus = "checked_in"
)

// Terminal reports whether no further settlement transition applies. Paid
// tickets still accept check-in and refund.
func (s TicketStatus) Terminal() bool {
	return s == TicketExpired || s == TicketCancelled || s == TicketCheckedIn
}

// Ticket is one buyer-facing unit of purchase. Never hard-deleted; expired
// and cancelled tickets are kept for audit.
type Ticket struct {
	ID           string          `db:"id" json:"id"`
	Number       string          `db:"number" json:"number"`
	UserID       string          `db:"user_id" json:"user_id"`
	TicketTypeID string          `db:"ticket_type_id" json:"ticket_type_id"`
	OrderID      string          `db:"order_id" json:"order_id"`
	AllocationID string          `db:"allocation_id" json:"-"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	Status       TicketStatus    `db:"status" json:"status"`
	CheckinHash  string          `db:"checkin_hash" json:"-"`
	PaymentRef   string          `db:"payment_ref" json:"payment_ref,omitempty"`
	CreatedAt    time.Time       `db:"created" json:"created_at"`
	PaidAt       *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	CheckedInAt  *time.Time      `db:"checked_in_at" json:"checked_in_at,omitempty"`
}
