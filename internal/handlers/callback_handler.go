package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/settlement"
	"ticket-engine/internal/status"
)

// CallbackHandler receives payment provider callbacks. The endpoints
// carry no session auth; the HMAC on the payload is the authentication.
type CallbackHandler struct {
	app         *pocketbase.PocketBase
	coordinator *settlement.Coordinator
}

func NewCallbackHandler(app *pocketbase.PocketBase, coordinator *settlement.Coordinator) *CallbackHandler {
	return &CallbackHandler{
		app:         app,
		coordinator: coordinator,
	}
}

// HandleCallback - Settle an order from a provider callback
func (h *CallbackHandler) HandleCallback(e *core.RequestEvent) error {
	provider := gateway.Provider(e.Request.PathValue("provider"))

	params, err := callbackParams(e.Request)
	if err != nil {
		return apis.NewBadRequestError("Invalid callback payload", err)
	}

	if err := h.coordinator.HandleCallback(e.Request.Context(), provider, params); err != nil {
		switch {
		case errors.Is(err, status.ErrVerificationFailed):
			return apis.NewForbiddenError("Signature verification failed", nil)
		case errors.Is(err, status.ErrOrderNotFound):
			return apis.NewNotFoundError("Order not found", nil)
		default:
			return apis.NewApiError(http.StatusInternalServerError, "Failed to process callback", err)
		}
	}

	return e.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// callbackParams flattens form and query values into the single-valued
// map the signature covers. Providers send each field once.
func callbackParams(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}

	params := make(map[string]string, len(r.Form))
	for k, vs := range r.Form {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}
