package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/inventory"
	"ticket-engine/internal/settlement"
	"ticket-engine/internal/status"
)

type PurchaseHandler struct {
	app         *pocketbase.PocketBase
	coordinator *settlement.Coordinator
	catalog     inventory.Catalog
}

func NewPurchaseHandler(app *pocketbase.PocketBase, coordinator *settlement.Coordinator, catalog inventory.Catalog) *PurchaseHandler {
	return &PurchaseHandler{
		app:         app,
		coordinator: coordinator,
		catalog:     catalog,
	}
}

// ListTicketTypes - List ticket types with live availability
func (h *PurchaseHandler) ListTicketTypes(e *core.RequestEvent) error {
	types, err := h.catalog.TicketTypes(e.Request.Context())
	if err != nil {
		return apis.NewApiError(http.StatusInternalServerError, "Failed to load ticket types", err)
	}

	out := make([]map[string]any, 0, len(types))
	for _, tt := range types {
		out = append(out, map[string]any{
			"id":            tt.ID,
			"event_id":      tt.EventID,
			"name":          tt.Name,
			"price":         tt.Price,
			"available":     tt.Available(),
			"min_per_order": tt.MinPerOrder,
			"max_per_order": tt.MaxPerOrder,
			"on_sale":       tt.OnSale(time.Now()),
		})
	}
	return e.JSON(http.StatusOK, map[string]any{"ticket_types": out})
}

// StartPurchase - Reserve tickets and open a payment
func (h *PurchaseHandler) StartPurchase(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		Items      []settlement.LineItem `json:"items"`
		Provider   string                `json:"provider"`
		BuyerName  string                `json:"buyer_name"`
		BuyerEmail string                `json:"buyer_email"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if len(req.Items) == 0 {
		return apis.NewBadRequestError("items is required", nil)
	}
	for _, item := range req.Items {
		if item.TicketTypeID == "" {
			return apis.NewBadRequestError("items[].ticket_type_id is required", nil)
		}
	}

	buyer := settlement.Buyer{
		UserID: e.Auth.Id,
		Name:   req.BuyerName,
		Email:  req.BuyerEmail,
	}
	res, err := h.coordinator.StartPurchase(e.Request.Context(), buyer,
		req.Items, gateway.Provider(req.Provider))
	if err != nil {
		switch {
		case errors.Is(err, status.ErrTicketTypeNotFound):
			return apis.NewNotFoundError("Ticket type not found", nil)
		case errors.Is(err, status.ErrTicketNotOnSale):
			return apis.NewBadRequestError("Tickets are not on sale", nil)
		case errors.Is(err, status.ErrQuantityOutOfRange):
			return apis.NewBadRequestError("Quantity out of range", nil)
		case errors.Is(err, status.ErrInsufficientCapacity):
			return apis.NewApiError(http.StatusConflict, "Not enough tickets left", nil)
		default:
			return apis.NewApiError(http.StatusInternalServerError, "Failed to start purchase", err)
		}
	}

	return e.JSON(http.StatusOK, res)
}

// GetOrderStatus - Report the payment attempt and tickets of an order
func (h *PurchaseHandler) GetOrderStatus(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	orderID := e.Request.PathValue("orderId")

	attempt, tickets, err := h.coordinator.OrderStatus(e.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, status.ErrOrderNotFound) {
			return apis.NewNotFoundError("Order not found", nil)
		}
		return apis.NewApiError(http.StatusInternalServerError, "Failed to load order", err)
	}

	if len(tickets) > 0 && tickets[0].UserID != e.Auth.Id {
		return apis.NewForbiddenError("Access denied", nil)
	}

	out := map[string]any{
		"order_id": orderID,
		"payment":  attempt,
		"tickets":  tickets,
	}

	// For a pending attempt, ask the provider directly so the status
	// page does not have to wait for the callback. The stored attempt
	// stands when the provider is unreachable.
	if tx, err := h.coordinator.PollPayment(e.Request.Context(), attempt); err != nil {
		h.app.Logger().Warn("payment status poll failed", "order_id", orderID, "err", err)
	} else if tx != nil {
		out["provider_status"] = tx
	}

	return e.JSON(http.StatusOK, out)
}

// RefundOrder - Cancel a paid order and record the refund
func (h *PurchaseHandler) RefundOrder(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	orderID := e.Request.PathValue("orderId")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if req.Reason == "" {
		req.Reason = "requested by user"
	}

	_, tickets, err := h.coordinator.OrderStatus(e.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, status.ErrOrderNotFound) {
			return apis.NewNotFoundError("Order not found", nil)
		}
		return apis.NewApiError(http.StatusInternalServerError, "Failed to load order", err)
	}
	if len(tickets) > 0 && tickets[0].UserID != e.Auth.Id && !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Access denied", nil)
	}

	refund, err := h.coordinator.Refund(e.Request.Context(), orderID, req.Reason)
	if err != nil {
		return apis.NewBadRequestError("Order cannot be refunded", err)
	}

	return e.JSON(http.StatusOK, refund)
}
