package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-engine/internal/settlement"
	"ticket-engine/internal/status"
)

type CheckinHandler struct {
	app         *pocketbase.PocketBase
	coordinator *settlement.Coordinator
}

func NewCheckinHandler(app *pocketbase.PocketBase, coordinator *settlement.Coordinator) *CheckinHandler {
	return &CheckinHandler{
		app:         app,
		coordinator: coordinator,
	}
}

// CheckIn - Redeem a ticket at the gate
func (h *CheckinHandler) CheckIn(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		TicketNumber string `json:"ticket_number"`
		Code         string `json:"code"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if req.TicketNumber == "" || req.Code == "" {
		return apis.NewBadRequestError("ticket_number and code are required", nil)
	}

	t, err := h.coordinator.CheckIn(e.Request.Context(), req.TicketNumber, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, status.ErrTicketNotFound):
			return apis.NewNotFoundError("Ticket not found", nil)
		case errors.Is(err, status.ErrTicketAlreadyUsed):
			return apis.NewApiError(http.StatusConflict, "Ticket already used", nil)
		case errors.Is(err, status.ErrCheckinCodeMismatch):
			return apis.NewForbiddenError("Invalid check-in code", nil)
		default:
			var invalid *status.InvalidTransitionError
			if errors.As(err, &invalid) {
				return apis.NewBadRequestError("Ticket is not redeemable", nil)
			}
			return apis.NewApiError(http.StatusInternalServerError, "Failed to check in", err)
		}
	}

	return e.JSON(http.StatusOK, map[string]any{
		"ticket_number": t.Number,
		"status":        t.Status,
		"checked_in_at": t.CheckedInAt,
	})
}
