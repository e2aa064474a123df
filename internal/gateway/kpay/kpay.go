// Package kpay implements the KPay payment provider. KPay hands out
// short-lived OAuth access tokens, so the client keeps a background
// refresher alive for the life of the process.
package kpay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/gateway/sign"
	"ticket-engine/internal/status"
	"ticket-engine/utils"
)

var _ gateway.Gateway = (*kpay)(nil)

type Config struct {
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	AccessTokenURL string `json:"access_token_url" mapstructure:"access_token_url"`

	ClientID     string `json:"client_id" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret" mapstructure:"client_secret"`

	MerchantCode string `json:"merchant_code" mapstructure:"merchant_code"`
	SignKey      string `json:"sign_key" mapstructure:"sign_key"`

	NotifyURL string `json:"notify_url" mapstructure:"notify_url"`
}

type kpay struct {
	baseURL        string
	accessTokenURL string

	clientID     string
	clientSecret string

	merchantCode string
	signKey      []byte

	notifyURL string

	// accessToken is used to authenticate with KPay backend.
	accessToken string

	// mu is used to lock access token.
	mu sync.Mutex

	// toggleTokenRefresher is used to notify token refresher to refresh token.
	toggleTokenRefresher chan struct{}

	// cancel stops the token refresher on Close.
	cancel context.CancelFunc

	// hc is the http client.
	hc *http.Client

	// breaker guards the status poll endpoint only.
	breaker *utils.Breaker
}

// Field orders from KPay's open-platform documentation.
var (
	orderSignFields    = []string{"mch_code", "out_trade_no", "total_amount", "currency", "notify_url"}
	callbackSignFields = []string{"mch_code", "out_trade_no", "trade_no", "total_amount", "currency", "trade_status", "paid_at", "nonce"}
)

const (
	// signField carries the HMAC on callbacks.
	signField = "sign"

	tradeStatusSuccess = "SUCCESS"

	paidAtLayout = time.RFC3339
)

// New creates a KPay client, authenticating up front and starting the
// token refresher.
func New(ctx context.Context, cfg *Config) (gateway.Gateway, error) {
	refresherCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	client := &kpay{
		baseURL:        cfg.BaseURL,
		accessTokenURL: cfg.AccessTokenURL,
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		merchantCode:   cfg.MerchantCode,
		signKey:        []byte(cfg.SignKey),
		notifyURL:      cfg.NotifyURL,
		cancel:         cancel,
		breaker:        utils.NewBreaker("kpay-inquiry", utils.BreakerConfig{}),

		// make a buffered channel to avoid blocking.
		toggleTokenRefresher: make(chan struct{}, 1),

		// set http client with timeout.
		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	token, err := client.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	client.setAccessToken(token)

	go client.notifyAccessTokenExpired(refresherCtx)

	return client, nil
}

func (k *kpay) Provider() gateway.Provider {
	return gateway.ProviderKPay
}

func (k *kpay) Initiate(ctx context.Context, order *gateway.Order) (*gateway.InitiateResult, error) {
	return k.createOrder(ctx, order)
}

// VerifyCallback authenticates a KPay notification. Fails closed on a
// bad or missing signature.
func (k *kpay) VerifyCallback(params map[string]string) (*gateway.CallbackResult, error) {
	if !sign.Verify(k.signKey, callbackSignFields, params, params[signField]) {
		return nil, status.ErrVerificationFailed
	}

	amount, err := decimal.NewFromString(params["total_amount"])
	if err != nil {
		return nil, &status.GatewayError{
			Provider: string(gateway.ProviderKPay),
			Code:     params["trade_status"],
			Message:  "unparseable total_amount",
		}
	}

	paidAt, _ := time.Parse(paidAtLayout, params["paid_at"])

	return &gateway.CallbackResult{
		OrderID:      params["out_trade_no"],
		ProviderTxID: params["trade_no"],
		Amount:       amount,
		Currency:     params["currency"],
		Succeeded:    params["trade_status"] == tradeStatusSuccess,
		RawCode:      params["trade_status"],
		PaidAt:       paidAt,
	}, nil
}

func (k *kpay) CheckTransaction(ctx context.Context, providerTxID string) (*gateway.TxStatus, error) {
	res, err := k.breaker.Do(ctx, func() (any, error) {
		return k.queryOrder(ctx, providerTxID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gateway.TxStatus), nil
}

func (k *kpay) Close(ctx context.Context) error {
	k.cancel()
	k.hc.CloseIdleConnections()
	return nil
}
