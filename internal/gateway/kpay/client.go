package kpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/gateway/sign"
	"ticket-engine/internal/status"
)

const grantTypeClientCredentials = "client_credentials"

// notifyAccessTokenExpired do infinite loop with period of time
// to perform auto renew token from KPay backend with
// exponential backOff strategy.
func (k *kpay) notifyAccessTokenExpired(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Minute)
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return

		case <-ticker.C:

		case <-k.toggleTokenRefresher:
			log.Println("notifyAccessTokenExpired: toggleTokenRefresher => token refreshed")
		}

		// reconnect with exponential backOff strategy
		backOff := time.Second

	Retry:
		for {
			token, err := k.connect(ctx)
			switch err {
			case nil:
				k.setAccessToken(token)

				break Retry

			default:
				log.Printf("notifyAccessTokenExpired: %v", err)

				select {
				case <-ctx.Done():
					return

				case <-time.After(backOff):
					backOff *= 2
				}
			}
		}
	}
}

// setAccessToken set access token to client.
func (k *kpay) setAccessToken(accessToken string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.accessToken = accessToken
}

// getAccessToken get access token from client.
func (k *kpay) getAccessToken() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.accessToken
}

// connect makes http call to perform authentication with KPay backend.
func (k *kpay) connect(ctx context.Context) (string, error) {
	query := url.Values{"grant_type": []string{grantTypeClientCredentials}}
	body := strings.NewReader(query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.accessTokenURL, body)
	if err != nil {
		return "", fmt.Errorf("connectKPay: http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(k.clientID, k.clientSecret)

	resp, err := k.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("connectKPay: hc.Do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", errors.New("connectKPay: resp.StatusCode: 401 => Unauthorized")
	}

	if resp.StatusCode != http.StatusOK {
		rbody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("connectKPay: resp.StatusCode: %d, resp.Body: %s", resp.StatusCode, rbody)
	}

	var reply struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return "", fmt.Errorf("connectKPay: json.Decode: %w", err)
	}

	return fmt.Sprintf("%s %s", reply.TokenType, reply.AccessToken), nil
}

type orderReq struct {
	MchCode     string          `json:"mch_code"`
	OutTradeNo  string          `json:"out_trade_no"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	NotifyURL   string          `json:"notify_url"`
	Subject     string          `json:"subject,omitempty"`
	ExpireAt    string          `json:"expire_at,omitempty"`
	Sign        string          `json:"sign"`
}

// createOrder opens a payment order with KPay.
func (k *kpay) createOrder(ctx context.Context, order *gateway.Order) (*gateway.InitiateResult, error) {
	values := map[string]string{
		"mch_code":     k.merchantCode,
		"out_trade_no": order.OrderID,
		"total_amount": order.Amount.StringFixed(2),
		"currency":     order.Currency,
		"notify_url":   k.notifyURL,
	}

	q := orderReq{
		MchCode:     k.merchantCode,
		OutTradeNo:  order.OrderID,
		TotalAmount: order.Amount,
		Currency:    order.Currency,
		NotifyURL:   k.notifyURL,
		Subject:     order.Description,
		Sign:        sign.Compute(k.signKey, orderSignFields, values),
	}
	if !order.ExpiresAt.IsZero() {
		q.ExpireAt = order.ExpiresAt.UTC().Format(time.RFC3339)
	}

	b, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("createOrder: json.Marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/open/v2/orders", bytes.NewBuffer(b))
	if err != nil {
		return nil, fmt.Errorf("createOrder: http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", k.getAccessToken())

	resp, err := k.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("createOrder: hc.Do: %w", err)
	}
	defer resp.Body.Close()

	// toggle token refresher if unauthorized
	if resp.StatusCode == http.StatusUnauthorized {
		k.toggleTokenRefresher <- struct{}{}
		return nil, errors.New("createOrder: resp.StatusCode: 401 => Unauthorized")
	}

	if resp.StatusCode != http.StatusOK {
		rbody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("createOrder: resp.StatusCode: %d, resp.Body: %s", resp.StatusCode, rbody)
	}

	var reply struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    struct {
			TradeNo   string `json:"trade_no"`
			PayURL    string `json:"pay_url"`
			QRContent string `json:"qr_content"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("createOrder: json.Decode: %w", err)
	}
	if reply.Code != tradeStatusSuccess {
		return nil, &status.GatewayError{
			Provider: string(gateway.ProviderKPay),
			Code:     reply.Code,
			Message:  reply.Message,
		}
	}

	return &gateway.InitiateResult{
		ProviderTxID: reply.Data.TradeNo,
		PayURL:       reply.Data.PayURL,
		QRContent:    reply.Data.QRContent,
	}, nil
}

// queryOrder polls KPay for the state of an order.
func (k *kpay) queryOrder(ctx context.Context, tradeNo string) (*gateway.TxStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/open/v2/orders/%s", k.baseURL, url.PathEscape(tradeNo)), nil)
	if err != nil {
		return nil, fmt.Errorf("queryOrder: http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Authorization", k.getAccessToken())

	resp, err := k.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queryOrder: hc.Do: %w", err)
	}
	defer resp.Body.Close()

	// toggle token refresher if unauthorized
	if resp.StatusCode == http.StatusUnauthorized {
		k.toggleTokenRefresher <- struct{}{}
		return nil, errors.New("queryOrder: resp.StatusCode: 401 => Unauthorized")
	}

	if resp.StatusCode != http.StatusOK {
		rbody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("queryOrder: resp.StatusCode: %d, resp.Body: %s", resp.StatusCode, rbody)
	}

	var reply struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    struct {
			TradeNo     string          `json:"trade_no"`
			TradeStatus string          `json:"trade_status"`
			TotalAmount decimal.Decimal `json:"total_amount"`
			Currency    string          `json:"currency"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("queryOrder: json.Decode: %w", err)
	}
	if reply.Code != tradeStatusSuccess {
		return nil, &status.GatewayError{
			Provider: string(gateway.ProviderKPay),
			Code:     reply.Code,
			Message:  reply.Message,
		}
	}

	return &gateway.TxStatus{
		ProviderTxID: reply.Data.TradeNo,
		Status:       reply.Data.TradeStatus,
		Amount:       reply.Data.TotalAmount,
		Currency:     reply.Data.Currency,
	}, nil
}
