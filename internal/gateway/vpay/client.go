package vpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/gateway/sign"
	"ticket-engine/internal/status"
)

type paymentReq struct {
	MerchantID  string          `json:"merchant_id"`
	OrderID     string          `json:"order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	CallbackURL string          `json:"callback_url"`
	Description string          `json:"description,omitempty"`
	Signature   string          `json:"signature"`
}

// createPayment opens a payment with VPay and returns the transaction
// id plus the hosted payment URL.
func (v *vpay) createPayment(ctx context.Context, order *gateway.Order) (*gateway.InitiateResult, error) {
	values := map[string]string{
		"merchant_id":  v.merchantID,
		"order_id":     order.OrderID,
		"amount":       order.Amount.StringFixed(2),
		"currency":     order.Currency,
		"callback_url": v.callbackURL,
	}

	q := paymentReq{
		MerchantID:  v.merchantID,
		OrderID:     order.OrderID,
		Amount:      order.Amount,
		Currency:    order.Currency,
		CallbackURL: v.callbackURL,
		Description: order.Description,
		Signature:   sign.Compute(v.secretKey, initiateSignFields, values),
	}

	b, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("createPayment: json.Marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/v1/payments", bytes.NewBuffer(b))
	if err != nil {
		return nil, fmt.Errorf("createPayment: http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("createPayment: hc.Do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rbody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("createPayment: resp.StatusCode: %d, resp.Body: %s", resp.StatusCode, rbody)
	}

	var reply struct {
		ResultCode string `json:"result_code"`
		Message    string `json:"message"`
		Data       struct {
			TxnID     string `json:"txn_id"`
			PayURL    string `json:"pay_url"`
			QRContent string `json:"qr_content"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("createPayment: json.Decode: %w", err)
	}
	if reply.ResultCode != resultCodeOK {
		return nil, &status.GatewayError{
			Provider: string(gateway.ProviderVPay),
			Code:     reply.ResultCode,
			Message:  reply.Message,
		}
	}

	return &gateway.InitiateResult{
		ProviderTxID: reply.Data.TxnID,
		PayURL:       reply.Data.PayURL,
		QRContent:    reply.Data.QRContent,
	}, nil
}

// inquiry polls VPay for the state of a transaction.
func (v *vpay) inquiry(ctx context.Context, txnID string) (*gateway.TxStatus, error) {
	queryParams := url.Values{}
	queryParams.Set("merchant_id", v.merchantID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/payments/%s?%s", v.baseURL, url.PathEscape(txnID), queryParams.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("inquiry: http.NewRequestWithContext: %w", err)
	}

	resp, err := v.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inquiry: hc.Do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rbody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("inquiry: resp.StatusCode: %d, resp.Body: %s", resp.StatusCode, rbody)
	}

	var reply struct {
		ResultCode string `json:"result_code"`
		Message    string `json:"message"`
		Data       struct {
			TxnID    string          `json:"txn_id"`
			Status   string          `json:"status"`
			Amount   decimal.Decimal `json:"amount"`
			Currency string          `json:"currency"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("inquiry: json.Decode: %w", err)
	}
	if reply.ResultCode != resultCodeOK {
		return nil, &status.GatewayError{
			Provider: string(gateway.ProviderVPay),
			Code:     reply.ResultCode,
			Message:  reply.Message,
		}
	}

	return &gateway.TxStatus{
		ProviderTxID: reply.Data.TxnID,
		Status:       reply.Data.Status,
		Amount:       reply.Data.Amount,
		Currency:     reply.Data.Currency,
	}, nil
}
