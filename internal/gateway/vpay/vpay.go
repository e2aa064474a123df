// Package vpay implements the VPay payment provider. VPay uses a
// static merchant key for request signing, so there is no token
// lifecycle to manage.
package vpay

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/gateway/sign"
	"ticket-engine/internal/status"
	"ticket-engine/utils"
)

var _ gateway.Gateway = (*vpay)(nil)

type Config struct {
	BaseURL    string `json:"base_url" mapstructure:"base_url"`
	MerchantID string `json:"merchant_id" mapstructure:"merchant_id"`
	SecretKey  string `json:"secret_key" mapstructure:"secret_key"`

	// CallbackURL is where VPay posts payment results.
	CallbackURL string `json:"callback_url" mapstructure:"callback_url"`
}

type vpay struct {
	baseURL    string
	merchantID string
	secretKey  []byte

	callbackURL string

	// hc is the http client.
	hc *http.Client

	// breaker guards the status poll endpoint. Initiate is never run
	// through it because a retried initiate opens a second payment.
	breaker *utils.Breaker
}

// Field orders published in VPay's integration guide.
var (
	initiateSignFields = []string{"merchant_id", "order_id", "amount", "currency", "callback_url"}
	callbackSignFields = []string{"merchant_id", "order_id", "txn_id", "amount", "currency", "result_code", "pay_time"}
)

const (
	// signatureParam carries the HMAC on callbacks.
	signatureParam = "signature"

	// resultCodeOK is VPay's success code.
	resultCodeOK = "00"

	payTimeLayout = "2006-01-02 15:04:05"
)

func New(cfg *Config) gateway.Gateway {
	return &vpay{
		baseURL:     cfg.BaseURL,
		merchantID:  cfg.MerchantID,
		secretKey:   []byte(cfg.SecretKey),
		callbackURL: cfg.CallbackURL,
		breaker:     utils.NewBreaker("vpay-inquiry", utils.BreakerConfig{}),

		// set http client with timeout.
		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (v *vpay) Provider() gateway.Provider {
	return gateway.ProviderVPay
}

func (v *vpay) Initiate(ctx context.Context, order *gateway.Order) (*gateway.InitiateResult, error) {
	return v.createPayment(ctx, order)
}

// VerifyCallback authenticates a VPay callback. The signature is
// checked before any business field is trusted; a missing or wrong
// signature fails closed.
func (v *vpay) VerifyCallback(params map[string]string) (*gateway.CallbackResult, error) {
	if !sign.Verify(v.secretKey, callbackSignFields, params, params[signatureParam]) {
		return nil, status.ErrVerificationFailed
	}

	amount, err := decimal.NewFromString(params["amount"])
	if err != nil {
		return nil, &status.GatewayError{
			Provider: string(gateway.ProviderVPay),
			Code:     params["result_code"],
			Message:  "unparseable amount " + strconv.Quote(params["amount"]),
		}
	}

	paidAt, _ := time.Parse(payTimeLayout, params["pay_time"])

	return &gateway.CallbackResult{
		OrderID:      params["order_id"],
		ProviderTxID: params["txn_id"],
		Amount:       amount,
		Currency:     params["currency"],
		Succeeded:    params["result_code"] == resultCodeOK,
		RawCode:      params["result_code"],
		PaidAt:       paidAt,
	}, nil
}

func (v *vpay) CheckTransaction(ctx context.Context, providerTxID string) (*gateway.TxStatus, error) {
	res, err := v.breaker.Do(ctx, func() (any, error) {
		return v.inquiry(ctx, providerTxID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gateway.TxStatus), nil
}

func (v *vpay) Close(ctx context.Context) error {
	v.hc.CloseIdleConnections()
	return nil
}
