package kpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/gateway/sign"
	"ticket-engine/internal/status"
)

const testSignKey = "kpay-test-sign-key"

func newTestGateway(t *testing.T, apiHandler http.HandlerFunc) *kpay {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-1", user)
		require.Equal(t, "shhh", pass)
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-abc",
			"token_type":   "Bearer",
		})
	})
	if apiHandler != nil {
		mux.HandleFunc("/", apiHandler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g, err := New(context.Background(), &Config{
		BaseURL:        srv.URL,
		AccessTokenURL: srv.URL + "/oauth/token",
		ClientID:       "client-1",
		ClientSecret:   "shhh",
		MerchantCode:   "MCH77",
		SignKey:        testSignKey,
		NotifyURL:      "https://tickets.example.com/callbacks/kpay",
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close(context.Background()) })
	return g.(*kpay)
}

func signedNotify(overrides map[string]string) map[string]string {
	params := map[string]string{
		"mch_code":     "MCH77",
		"out_trade_no": "ORD-2",
		"trade_no":     "KP-555",
		"total_amount": "120.00",
		"currency":     "USD",
		"trade_status": "SUCCESS",
		"paid_at":      "2026-08-31T10:15:00Z",
		"nonce":        "n-1",
	}
	for k, v := range overrides {
		params[k] = v
	}
	params[signField] = sign.Compute([]byte(testSignKey), callbackSignFields, params)
	return params
}

func TestKPay_New_Authenticates(t *testing.T) {
	g := newTestGateway(t, nil)
	assert.Equal(t, "Bearer tok-abc", g.getAccessToken())
	assert.Equal(t, gateway.ProviderKPay, g.Provider())
}

func TestKPay_Initiate(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/open/v2/orders", r.URL.Path)
		require.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))

		var req orderReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		values := map[string]string{
			"mch_code":     req.MchCode,
			"out_trade_no": req.OutTradeNo,
			"total_amount": req.TotalAmount.StringFixed(2),
			"currency":     req.Currency,
			"notify_url":   req.NotifyURL,
		}
		assert.True(t, sign.Verify([]byte(testSignKey), orderSignFields, values, req.Sign))

		json.NewEncoder(w).Encode(map[string]any{
			"code": "SUCCESS",
			"data": map[string]any{
				"trade_no":   "KP-555",
				"qr_content": "00020101021238...",
			},
		})
	})

	res, err := g.Initiate(context.Background(), &gateway.Order{
		OrderID:  "ORD-2",
		Amount:   decimal.NewFromInt(120),
		Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "KP-555", res.ProviderTxID)
	assert.NotEmpty(t, res.QRContent)
}

func TestKPay_VerifyCallback_OK(t *testing.T) {
	g := newTestGateway(t, nil)

	res, err := g.VerifyCallback(signedNotify(nil))
	require.NoError(t, err)
	assert.Equal(t, "ORD-2", res.OrderID)
	assert.Equal(t, "KP-555", res.ProviderTxID)
	assert.True(t, res.Succeeded)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("120.00")))
}

func TestKPay_VerifyCallback_FailedTrade(t *testing.T) {
	g := newTestGateway(t, nil)

	res, err := g.VerifyCallback(signedNotify(map[string]string{"trade_status": "CLOSED"}))
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, "CLOSED", res.RawCode)
}

func TestKPay_VerifyCallback_Rejects(t *testing.T) {
	g := newTestGateway(t, nil)

	params := signedNotify(nil)
	params["total_amount"] = "1.00"
	_, err := g.VerifyCallback(params)
	assert.ErrorIs(t, err, status.ErrVerificationFailed)

	params = signedNotify(nil)
	params[signField] = ""
	_, err = g.VerifyCallback(params)
	assert.ErrorIs(t, err, status.ErrVerificationFailed)
}

func TestKPay_CheckTransaction(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/open/v2/orders/KP-555", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"code": "SUCCESS",
			"data": map[string]any{
				"trade_no":     "KP-555",
				"trade_status": "SUCCESS",
				"total_amount": "120.00",
				"currency":     "USD",
			},
		})
	})

	tx, err := g.CheckTransaction(context.Background(), "KP-555")
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", tx.Status)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("120.00")))
}
