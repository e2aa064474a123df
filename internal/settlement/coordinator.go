// Package settlement coordinates purchases end to end: inventory
// allocation, ticket issuance, the payment attempt and the provider
// callback that settles it.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/inventory"
	"ticket-engine/internal/notify"
	"ticket-engine/internal/status"
	"ticket-engine/internal/ticket"
	"ticket-engine/models"
	"ticket-engine/monitoring"
)

// LineItem is one (ticket type, quantity) pair of a purchase order.
type LineItem struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
}

// Buyer identifies who an order is for. UserID is the authenticated
// account; the rest is contact detail passed through to the session.
type Buyer struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// IssuedTicket is one ticket handed back to the buyer at purchase
// time. The check-in code appears here once and is never recoverable
// afterwards.
type IssuedTicket struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	TicketTypeID string `json:"ticket_type_id"`
	CheckinCode  string `json:"checkin_code"`
}

// PurchaseResult is what StartPurchase returns to the buyer.
type PurchaseResult struct {
	OrderID   string          `json:"order_id"`
	Tickets   []IssuedTicket  `json:"tickets"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	PayURL    string          `json:"pay_url,omitempty"`
	QRContent string          `json:"qr_content,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// parkedOp records what a parked allocation still owes the ledger.
type parkedOp int

const (
	parkRelease parkedOp = iota
	parkCommit
)

// Coordinator drives the purchase and settlement flows.
type Coordinator struct {
	catalog  inventory.Catalog
	ledger   *inventory.Ledger
	machine  *ticket.Machine
	tickets  ticket.Store
	attempts AttemptStore
	sessions *SessionStore
	gateways *gateway.Registry
	notifier notify.Notifier
	logger   *slog.Logger

	currency           string
	reservationTimeout time.Duration

	// parked holds allocations whose ledger settle failed after the
	// ticket transition won. The sweeper retries them until the
	// counters are consistent again.
	parkedMu sync.Mutex
	parked   map[string]parkedOp

	now func() time.Time
}

type Config struct {
	Catalog  inventory.Catalog
	Ledger   *inventory.Ledger
	Machine  *ticket.Machine
	Tickets  ticket.Store
	Attempts AttemptStore
	Sessions *SessionStore
	Gateways *gateway.Registry
	Notifier notify.Notifier
	Logger   *slog.Logger

	Currency           string
	ReservationTimeout time.Duration
}

const DefaultReservationTimeout = 15 * time.Minute

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReservationTimeout <= 0 {
		cfg.ReservationTimeout = DefaultReservationTimeout
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Coordinator{
		catalog:            cfg.Catalog,
		ledger:             cfg.Ledger,
		machine:            cfg.Machine,
		tickets:            cfg.Tickets,
		attempts:           cfg.Attempts,
		sessions:           cfg.Sessions,
		gateways:           cfg.Gateways,
		notifier:           cfg.Notifier,
		logger:             cfg.Logger,
		currency:           cfg.Currency,
		reservationTimeout: cfg.ReservationTimeout,
		parked:             make(map[string]parkedOp),
		now:                time.Now,
	}
}

// StartPurchase reserves every line item of the order, opens a payment
// with the provider and returns the order. Either every step lands or
// none of them do: a line that cannot be allocated releases the lines
// granted before it, and any failure after allocation rolls the whole
// reservation back before returning.
func (c *Coordinator) StartPurchase(ctx context.Context, buyer Buyer, items []LineItem, provider gateway.Provider) (*PurchaseResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("StartPurchase: empty order: %w", status.ErrQuantityOutOfRange)
	}

	g, err := c.gateways.Gateway(provider)
	if err != nil {
		return nil, err
	}

	type grantedLine struct {
		tt    *models.TicketType
		qty   int
		alloc *inventory.Allocation
	}
	granted := make([]grantedLine, 0, len(items))

	releaseGranted := func() {
		for _, line := range granted {
			c.rollbackAllocation(ctx, line.alloc)
		}
	}

	for _, item := range items {
		tt, err := c.catalog.TicketType(ctx, item.TicketTypeID)
		if err != nil {
			releaseGranted()
			return nil, err
		}
		if !tt.OnSale(c.now()) {
			releaseGranted()
			return nil, status.ErrTicketNotOnSale
		}
		if item.Quantity < tt.MinPerOrder || item.Quantity > tt.MaxPerOrder {
			releaseGranted()
			return nil, fmt.Errorf("StartPurchase: %s quantity %d outside [%d,%d]: %w",
				tt.ID, item.Quantity, tt.MinPerOrder, tt.MaxPerOrder, status.ErrQuantityOutOfRange)
		}

		alloc, err := c.ledger.Allocate(ctx, item.TicketTypeID, item.Quantity)
		if err != nil {
			monitoring.TrackPurchase(item.TicketTypeID, "rejected")
			releaseGranted()
			return nil, err
		}
		granted = append(granted, grantedLine{tt: tt, qty: item.Quantity, alloc: alloc})
	}

	orderID := uuid.NewString()
	amount := decimal.Zero
	var issued []IssuedTicket
	var batch []*models.Ticket
	allocs := make([]*inventory.Allocation, 0, len(granted))
	for _, line := range granted {
		allocs = append(allocs, line.alloc)
		amount = amount.Add(line.tt.Price.Mul(decimal.NewFromInt(int64(line.qty))))
		for i := 0; i < line.qty; i++ {
			t, code, err := c.machine.NewReserved(buyer.UserID, line.tt, orderID, line.alloc.ID)
			if err != nil {
				releaseGranted()
				return nil, fmt.Errorf("StartPurchase: issue ticket: %w", err)
			}
			batch = append(batch, t)
			issued = append(issued, IssuedTicket{
				ID:           t.ID,
				Number:       t.Number,
				TicketTypeID: t.TicketTypeID,
				CheckinCode:  code,
			})
		}
	}
	if err := c.tickets.Create(ctx, batch); err != nil {
		releaseGranted()
		return nil, fmt.Errorf("StartPurchase: persist tickets: %w", err)
	}

	expiresAt := c.now().Add(c.reservationTimeout)

	attempt := &models.PaymentAttempt{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Provider:  string(provider),
		Amount:    amount,
		Currency:  c.currency,
		Status:    models.AttemptPending,
		CreatedAt: c.now().UTC(),
		UpdatedAt: c.now().UTC(),
	}
	if err := c.attempts.Create(ctx, attempt); err != nil {
		c.rollbackOrder(ctx, orderID, allocs)
		return nil, fmt.Errorf("StartPurchase: record attempt: %w", err)
	}

	if c.sessions != nil {
		sess := &OrderSession{
			OrderID:    orderID,
			UserID:     buyer.UserID,
			BuyerName:  buyer.Name,
			BuyerEmail: buyer.Email,
			Items:      encodeItems(items),
			Quantity:   len(batch),
			Amount:     amount,
			Currency:   c.currency,
			Provider:   string(provider),
			Status:     SessionPending,
			CreatedAt:  c.now().UTC(),
		}
		if err := c.sessions.Create(ctx, sess); err != nil {
			// The session is a cache; the order is already durable.
			c.logger.Warn("order session create failed", "order_id", orderID, "err", err)
		}
	}

	init, err := g.Initiate(ctx, &gateway.Order{
		OrderID:   orderID,
		UserID:    buyer.UserID,
		Amount:    amount,
		Currency:  c.currency,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		if _, ferr := c.attempts.Fail(ctx, attempt.ID, ""); ferr != nil {
			c.logger.Error("fail attempt after initiate error", "order_id", orderID, "err", ferr)
		}
		c.rollbackOrder(ctx, orderID, allocs)
		for _, line := range granted {
			monitoring.TrackPurchase(line.tt.ID, "initiate_failed")
		}
		return nil, fmt.Errorf("StartPurchase: initiate payment: %w", err)
	}

	if err := c.attempts.SetProviderTx(ctx, attempt.ID, init.ProviderTxID); err != nil {
		c.logger.Warn("record provider tx failed", "order_id", orderID, "err", err)
	}
	if c.sessions != nil {
		if err := c.sessions.SetProviderTx(ctx, orderID, init.ProviderTxID); err != nil {
			c.logger.Warn("order session update failed", "order_id", orderID, "err", err)
		}
	}

	for _, line := range granted {
		monitoring.TrackPurchase(line.tt.ID, "started")
	}
	c.logger.Info("purchase started",
		"order_id", orderID, "user_id", buyer.UserID, "lines", len(granted),
		"tickets", len(batch), "provider", provider, "amount", amount)

	return &PurchaseResult{
		OrderID:   orderID,
		Tickets:   issued,
		Amount:    amount,
		Currency:  c.currency,
		PayURL:    init.PayURL,
		QRContent: init.QRContent,
		ExpiresAt: expiresAt,
	}, nil
}

// encodeItems flattens line items into the session hash value.
func encodeItems(items []LineItem) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = item.TicketTypeID + ":" + strconv.Itoa(item.Quantity)
	}
	return strings.Join(parts, ",")
}

// payloadDigest fingerprints a callback payload for the audit trail:
// sha256 over the sorted key=value pairs.
func payloadDigest(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for i, k := range keys {
		if i > 0 {
			h.Write([]byte("&"))
		}
		h.Write([]byte(k))
		h.Write([]byte("="))
		h.Write([]byte(params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HandleCallback settles an order from a provider callback. The
// signature is verified before anything else; a replayed callback for
// an already settled attempt is acknowledged without re-applying it.
func (c *Coordinator) HandleCallback(ctx context.Context, provider gateway.Provider, params map[string]string) error {
	g, err := c.gateways.Gateway(provider)
	if err != nil {
		return err
	}

	res, err := g.VerifyCallback(params)
	if err != nil {
		if errors.Is(err, status.ErrVerificationFailed) {
			monitoring.TrackVerificationFailure(string(provider))
			c.logger.Warn("callback signature rejected", "provider", provider)
		}
		return err
	}

	attempt, err := c.attempts.ByOrder(ctx, res.OrderID)
	if err != nil {
		monitoring.TrackCallback(string(provider), "unknown_order")
		return err
	}

	if !res.Amount.Equal(attempt.Amount) || res.Currency != attempt.Currency {
		monitoring.TrackCallback(string(provider), "amount_mismatch")
		return fmt.Errorf("HandleCallback: order %s: callback amount %s %s does not match attempt %s %s",
			res.OrderID, res.Amount, res.Currency, attempt.Amount, attempt.Currency)
	}

	digest := payloadDigest(params)
	if !res.Succeeded {
		return c.settleFailure(ctx, provider, attempt, res, digest)
	}
	return c.settleSuccess(ctx, provider, attempt, res, digest)
}

func (c *Coordinator) settleSuccess(ctx context.Context, provider gateway.Provider, attempt *models.PaymentAttempt, res *gateway.CallbackResult, digest string) error {
	ok, err := c.attempts.Confirm(ctx, attempt.ID, res.ProviderTxID, digest)
	if err != nil {
		return fmt.Errorf("HandleCallback: confirm attempt: %w", err)
	}
	if !ok {
		// Replay of a settled attempt.
		monitoring.TrackCallback(string(provider), "duplicate")
		c.logger.Info("duplicate callback ignored", "order_id", attempt.OrderID, "provider", provider)
		return nil
	}

	tickets, err := c.tickets.ByOrder(ctx, attempt.OrderID)
	if err != nil {
		return fmt.Errorf("HandleCallback: load tickets: %w", err)
	}

	var paid, lost int
	lostAmount := decimal.Zero
	var userID string
	for _, t := range tickets {
		userID = t.UserID
		if t.Status != models.TicketReserved {
			lost++
			lostAmount = lostAmount.Add(t.UnitPrice)
			continue
		}
		won, err := c.machine.MarkPaid(ctx, t, res.ProviderTxID)
		if err != nil {
			var invalid *status.InvalidTransitionError
			switch {
			case won:
				// Paid, but the ledger commit failed; retry it later.
				c.logger.Error("commit after paid failed, parking", "ticket_id", t.ID, "err", err)
				c.park(t.AllocationID, parkCommit)
				paid++
			case errors.As(err, &invalid):
				lost++
				lostAmount = lostAmount.Add(t.UnitPrice)
			default:
				return fmt.Errorf("HandleCallback: mark paid %s: %w", t.ID, err)
			}
			continue
		}
		if won {
			paid++
		} else {
			lost++
			lostAmount = lostAmount.Add(t.UnitPrice)
		}
	}

	if lost > 0 {
		// Funds were captured but the reservation was already gone,
		// typically a callback that arrived after the sweep. Record
		// the money owed back.
		c.recordLateRefund(ctx, attempt, lostAmount, lost)
	}

	if c.sessions != nil {
		if err := c.sessions.SetStatus(ctx, attempt.OrderID, SessionCompleted); err != nil {
			c.logger.Warn("order session update failed", "order_id", attempt.OrderID, "err", err)
		}
	}

	monitoring.TrackCallback(string(provider), "confirmed")
	c.logger.Info("purchase confirmed",
		"order_id", attempt.OrderID, "provider", provider,
		"provider_tx_id", res.ProviderTxID, "paid", paid, "lost", lost)

	if paid > 0 {
		c.publish(ctx, &notify.Event{
			Kind:    notify.KindPurchaseConfirmed,
			UserID:  userID,
			OrderID: attempt.OrderID,
			Data:    map[string]any{"tickets": paid, "provider_tx_id": res.ProviderTxID},
		})
	}
	return nil
}

func (c *Coordinator) settleFailure(ctx context.Context, provider gateway.Provider, attempt *models.PaymentAttempt, res *gateway.CallbackResult, digest string) error {
	ok, err := c.attempts.Fail(ctx, attempt.ID, digest)
	if err != nil {
		return fmt.Errorf("HandleCallback: fail attempt: %w", err)
	}
	if !ok {
		monitoring.TrackCallback(string(provider), "duplicate")
		return nil
	}

	tickets, err := c.tickets.ByOrder(ctx, attempt.OrderID)
	if err != nil {
		return fmt.Errorf("HandleCallback: load tickets: %w", err)
	}
	for _, t := range tickets {
		if t.Status != models.TicketReserved {
			continue
		}
		won, err := c.machine.Cancel(ctx, t)
		if err != nil {
			c.logger.Error("cancel after failed payment", "ticket_id", t.ID, "err", err)
			if won {
				// Cancelled, but the release failed; retry it later.
				c.park(t.AllocationID, parkRelease)
			}
		}
	}

	if c.sessions != nil {
		if err := c.sessions.SetStatus(ctx, attempt.OrderID, SessionFailed); err != nil {
			c.logger.Warn("order session update failed", "order_id", attempt.OrderID, "err", err)
		}
	}

	monitoring.TrackCallback(string(provider), "failed")
	c.logger.Info("payment failed", "order_id", attempt.OrderID, "provider", provider, "code", res.RawCode)
	return nil
}

func (c *Coordinator) recordLateRefund(ctx context.Context, attempt *models.PaymentAttempt, lostAmount decimal.Decimal, lost int) {
	refund := &models.Refund{
		ID:        uuid.NewString(),
		OrderID:   attempt.OrderID,
		AttemptID: attempt.ID,
		Amount:    lostAmount.Round(2),
		Reason:    "paid after reservation expired",
		CreatedAt: c.now().UTC(),
	}
	if err := c.attempts.CreateRefund(ctx, refund); err != nil {
		c.logger.Error("record late refund", "order_id", attempt.OrderID, "tickets", lost, "err", err)
	}
}

// Refund cancels a paid order and records the money owed back. Sold
// counts are not decremented; refunded seats do not go back on sale.
func (c *Coordinator) Refund(ctx context.Context, orderID, reason string) (*models.Refund, error) {
	attempt, err := c.attempts.ByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != models.AttemptConfirmed {
		return nil, fmt.Errorf("Refund: order %s attempt is %s, not confirmed", orderID, attempt.Status)
	}

	tickets, err := c.tickets.ByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("Refund: load tickets: %w", err)
	}

	var cancelled int
	amount := decimal.Zero
	for _, t := range tickets {
		if t.Status != models.TicketPaid {
			continue
		}
		won, err := c.machine.RefundCancel(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("Refund: cancel ticket %s: %w", t.ID, err)
		}
		if won {
			cancelled++
			amount = amount.Add(t.UnitPrice)
		}
	}
	if cancelled == 0 {
		return nil, fmt.Errorf("Refund: order %s has no refundable tickets", orderID)
	}

	refund := &models.Refund{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		AttemptID: attempt.ID,
		Amount:    amount.Round(2),
		Reason:    reason,
		CreatedAt: c.now().UTC(),
	}
	if err := c.attempts.CreateRefund(ctx, refund); err != nil {
		return nil, fmt.Errorf("Refund: record refund: %w", err)
	}

	c.logger.Info("order refunded", "order_id", orderID, "tickets", cancelled, "amount", refund.Amount)
	return refund, nil
}

// CheckIn redeems a ticket at the gate.
func (c *Coordinator) CheckIn(ctx context.Context, ticketNumber, code string) (*models.Ticket, error) {
	t, err := c.tickets.ByNumber(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	if err := c.machine.CheckIn(ctx, t, code); err != nil {
		return nil, err
	}
	return t, nil
}

// OrderStatus reports the attempt and tickets of an order.
func (c *Coordinator) OrderStatus(ctx context.Context, orderID string) (*models.PaymentAttempt, []*models.Ticket, error) {
	attempt, err := c.attempts.ByOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	tickets, err := c.tickets.ByOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return attempt, tickets, nil
}

// PollPayment asks the provider for the live state of an order's
// pending attempt. It is a read-side convenience for status pages and
// goes through the provider's circuit breaker; callers fall back to
// the stored attempt when the provider is unreachable.
func (c *Coordinator) PollPayment(ctx context.Context, attempt *models.PaymentAttempt) (*gateway.TxStatus, error) {
	if attempt.Status != models.AttemptPending || attempt.ProviderTxID == "" {
		return nil, nil
	}
	g, err := c.gateways.Gateway(gateway.Provider(attempt.Provider))
	if err != nil {
		return nil, err
	}
	return g.CheckTransaction(ctx, attempt.ProviderTxID)
}

// RestoreReservations rebuilds the in-memory allocation table from the
// reserved tickets found at startup. Counters are already persisted,
// so this only re-registers the pending allocations the sweeper and
// callbacks will later settle.
func (c *Coordinator) RestoreReservations(ctx context.Context) error {
	reserved, err := c.tickets.Reserved(ctx)
	if err != nil {
		return fmt.Errorf("RestoreReservations: load reserved: %w", err)
	}

	type group struct {
		typeID string
		qty    int
	}
	groups := make(map[string]*group)
	for _, t := range reserved {
		g, ok := groups[t.AllocationID]
		if !ok {
			g = &group{typeID: t.TicketTypeID}
			groups[t.AllocationID] = g
		}
		g.qty++
	}
	for allocID, g := range groups {
		c.ledger.Restore(allocID, g.typeID, g.qty)
	}

	if len(groups) > 0 {
		c.logger.Info("restored pending reservations", "allocations", len(groups), "tickets", len(reserved))
	}
	return nil
}

// rollbackAllocation releases an allocation, parking it for retry if
// the release itself fails.
func (c *Coordinator) rollbackAllocation(ctx context.Context, alloc *inventory.Allocation) {
	if err := c.ledger.Release(ctx, alloc); err != nil {
		c.logger.Error("rollback release failed, parking", "allocation_id", alloc.ID, "err", err)
		c.park(alloc.ID, parkRelease)
	}
}

// rollbackOrder cancels any tickets already persisted for the order and
// releases its allocations.
func (c *Coordinator) rollbackOrder(ctx context.Context, orderID string, allocs []*inventory.Allocation) {
	tickets, err := c.tickets.ByOrder(ctx, orderID)
	if err != nil {
		c.logger.Error("rollback load tickets", "order_id", orderID, "err", err)
	}
	for _, t := range tickets {
		if t.Status != models.TicketReserved {
			continue
		}
		// Cancel releases the allocation through the machine; the
		// explicit release below is then a no-op.
		won, err := c.machine.Cancel(ctx, t)
		if err != nil {
			c.logger.Error("rollback cancel ticket", "ticket_id", t.ID, "err", err)
			if won {
				c.park(t.AllocationID, parkRelease)
			}
		}
	}
	for _, alloc := range allocs {
		c.rollbackAllocation(ctx, alloc)
	}
}

func (c *Coordinator) park(allocID string, op parkedOp) {
	c.parkedMu.Lock()
	defer c.parkedMu.Unlock()
	c.parked[allocID] = op
}

// RetryParkedAllocations retries ledger settles that failed after their
// ticket transition already won. The sweeper calls this every pass.
func (c *Coordinator) RetryParkedAllocations(ctx context.Context) {
	c.parkedMu.Lock()
	pending := make(map[string]parkedOp, len(c.parked))
	for id, op := range c.parked {
		pending[id] = op
	}
	c.parkedMu.Unlock()

	for id, op := range pending {
		alloc, ok := c.ledger.Allocation(id)
		if !ok {
			c.unpark(id)
			continue
		}
		var err error
		if op == parkCommit {
			err = c.ledger.Commit(ctx, alloc)
		} else {
			err = c.ledger.Release(ctx, alloc)
		}
		if err != nil {
			c.logger.Warn("parked allocation still failing", "allocation_id", id, "err", err)
			continue
		}
		c.unpark(id)
	}
}

func (c *Coordinator) unpark(allocID string) {
	c.parkedMu.Lock()
	defer c.parkedMu.Unlock()
	delete(c.parked, allocID)
}

func (c *Coordinator) publish(ctx context.Context, ev *notify.Event) {
	if err := c.notifier.Notify(ctx, ev); err != nil {
		c.logger.Warn("notify failed", "kind", ev.Kind, "user_id", ev.UserID, "err", err)
	}
}
