package status

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCapacity is returned when a ticket type cannot cover
	// the requested quantity. Reported to the buyer, never retried.
	ErrInsufficientCapacity = errors.New("inventory: insufficient capacity")

	// ErrTicketTypeNotFound is returned when the requested ticket type
	// does not exist.
	ErrTicketTypeNotFound = errors.New("inventory: ticket type not found")

	// ErrTicketNotOnSale is returned when the ticket type is inactive or
	// outside its sales window.
	ErrTicketNotOnSale = errors.New("purchase: ticket type not on sale")

	// ErrQuantityOutOfRange is returned when the order quantity violates
	// the ticket type's per-order min/max.
	ErrQuantityOutOfRange = errors.New("purchase: quantity out of allowed range")

	// ErrVerificationFailed marks a gateway callback whose signature did
	// not verify. The callback is discarded, never applied to state.
	ErrVerificationFailed = errors.New("gateway: callback signature verification failed")

	// ErrAllocationRollback marks a best-effort release that failed after
	// a partial allocation. The sweeper retries it on its next cycle.
	ErrAllocationRollback = errors.New("inventory: allocation rollback failed")

	// ErrReservationActive is returned when an expiry is attempted before
	// the reservation timeout has elapsed.
	ErrReservationActive = errors.New("ticket: reservation has not timed out")

	// ErrTicketAlreadyUsed is returned when a ticket is scanned a second
	// time at the venue.
	ErrTicketAlreadyUsed = errors.New("ticket: already used")

	// ErrCheckinCodeMismatch is returned when the presented check-in code
	// does not match the ticket's stored hash.
	ErrCheckinCodeMismatch = errors.New("ticket: check-in code mismatch")

	ErrTicketNotFound = errors.New("ticket: not found")
	ErrOrderNotFound  = errors.New("order: not found")
)

// InvalidTransitionError reports a ticket state transition that the state
// machine does not allow, naming both states.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ticket: invalid transition from %s to %s", e.From, e.To)
}

// GatewayError carries a payment provider rejection. The purchase flow
// surfaces it to the buyer as "payment failed, please retry" and never
// retries automatically.
type GatewayError struct {
	Provider string
	Code     string
	Message  string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: code=%s message=%s", e.Provider, e.Code, e.Message)
}
