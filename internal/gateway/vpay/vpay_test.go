package vpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/gateway/sign"
	"ticket-engine/internal/status"
)

const testSecret = "vpay-test-secret"

func newTestGateway(baseURL string) *vpay {
	g := New(&Config{
		BaseURL:     baseURL,
		MerchantID:  "M001",
		SecretKey:   testSecret,
		CallbackURL: "https://tickets.example.com/callbacks/vpay",
	})
	return g.(*vpay)
}

func signedCallback(overrides map[string]string) map[string]string {
	params := map[string]string{
		"merchant_id": "M001",
		"order_id":    "ORD-1",
		"txn_id":      "VP-900",
		"amount":      "240.00",
		"currency":    "USD",
		"result_code": "00",
		"pay_time":    "2026-08-31 10:15:00",
	}
	for k, v := range overrides {
		params[k] = v
	}
	params[signatureParam] = sign.Compute([]byte(testSecret), callbackSignFields, params)
	return params
}

func TestVPay_Initiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/payments", r.URL.Path)

		var req paymentReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "M001", req.MerchantID)
		assert.Equal(t, "ORD-1", req.OrderID)

		values := map[string]string{
			"merchant_id":  req.MerchantID,
			"order_id":     req.OrderID,
			"amount":       req.Amount.StringFixed(2),
			"currency":     req.Currency,
			"callback_url": req.CallbackURL,
		}
		assert.True(t, sign.Verify([]byte(testSecret), initiateSignFields, values, req.Signature))

		json.NewEncoder(w).Encode(map[string]any{
			"result_code": "00",
			"data": map[string]any{
				"txn_id":  "VP-900",
				"pay_url": "https://pay.vpay.example/VP-900",
			},
		})
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	res, err := g.Initiate(context.Background(), &gateway.Order{
		OrderID:  "ORD-1",
		Amount:   decimal.NewFromInt(240),
		Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "VP-900", res.ProviderTxID)
	assert.Equal(t, "https://pay.vpay.example/VP-900", res.PayURL)
}

func TestVPay_Initiate_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result_code": "51",
			"message":     "merchant suspended",
		})
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	_, err := g.Initiate(context.Background(), &gateway.Order{OrderID: "ORD-1", Currency: "USD"})

	var gwErr *status.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "51", gwErr.Code)
}

func TestVPay_VerifyCallback_OK(t *testing.T) {
	g := newTestGateway("http://unused")

	res, err := g.VerifyCallback(signedCallback(nil))
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", res.OrderID)
	assert.Equal(t, "VP-900", res.ProviderTxID)
	assert.True(t, res.Succeeded)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("240.00")))
	assert.Equal(t, time.Date(2026, 8, 31, 10, 15, 0, 0, time.UTC), res.PaidAt)
}

func TestVPay_VerifyCallback_FailureCode(t *testing.T) {
	g := newTestGateway("http://unused")

	res, err := g.VerifyCallback(signedCallback(map[string]string{"result_code": "05"}))
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, "05", res.RawCode)
}

func TestVPay_VerifyCallback_Rejects(t *testing.T) {
	g := newTestGateway("http://unused")

	// Tampered amount after signing.
	params := signedCallback(nil)
	params["amount"] = "1.00"
	_, err := g.VerifyCallback(params)
	assert.ErrorIs(t, err, status.ErrVerificationFailed)

	// Missing signature.
	params = signedCallback(nil)
	delete(params, signatureParam)
	_, err = g.VerifyCallback(params)
	assert.ErrorIs(t, err, status.ErrVerificationFailed)
}

func TestVPay_CheckTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/payments/VP-900", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"result_code": "00",
			"data": map[string]any{
				"txn_id":   "VP-900",
				"status":   "SETTLED",
				"amount":   "240.00",
				"currency": "USD",
			},
		})
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	tx, err := g.CheckTransaction(context.Background(), "VP-900")
	require.NoError(t, err)
	assert.Equal(t, "SETTLED", tx.Status)
	assert.Equal(t, "VP-900", tx.ProviderTxID)
}
