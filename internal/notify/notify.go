// Package notify pushes ticket lifecycle events to buyers over the
// realtime channel.
package notify

import (
	"context"
	"time"
)

// Kind names a notification event.
type Kind string

const (
	KindPurchaseConfirmed  Kind = "PURCHASE_CONFIRMED"
	KindReservationExpired Kind = "RESERVATION_EXPIRED"
	KindEventReminder      Kind = "EVENT_REMINDER"
	KindEventCompleted     Kind = "EVENT_COMPLETED"
)

// Event is one notification addressed to a user.
type Event struct {
	Kind    Kind           `json:"type"`
	UserID  string         `json:"user_id"`
	OrderID string         `json:"order_id,omitempty"`
	EventID string         `json:"event_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier delivers events. Delivery is best effort; settlement never
// blocks on it.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, *Event) error { return nil }
