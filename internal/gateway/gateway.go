// Package gateway defines the common interface payment providers plug
// into, plus a registry that holds the configured providers for the
// settlement layer.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies a payment provider.
type Provider string

const (
	ProviderVPay Provider = "vpay"
	ProviderKPay Provider = "kpay"
)

// Order is what the settlement layer hands a provider to start a
// payment.
type Order struct {
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	ExpiresAt time.Time       `json:"expires_at"`

	Description string `json:"description,omitempty"`
}

// InitiateResult carries what a provider returns when a payment is
// opened: a provider-side transaction id and a URL or QR payload the
// buyer completes the payment with.
type InitiateResult struct {
	ProviderTxID string `json:"provider_tx_id"`
	PayURL       string `json:"pay_url,omitempty"`
	QRContent    string `json:"qr_content,omitempty"`
}

// CallbackResult is the normalized outcome of a provider callback
// after signature verification.
type CallbackResult struct {
	OrderID      string          `json:"order_id"`
	ProviderTxID string          `json:"provider_tx_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Succeeded    bool            `json:"succeeded"`
	RawCode      string          `json:"raw_code"`
	PaidAt       time.Time       `json:"paid_at"`
}

// TxStatus is a provider's answer to a status poll.
type TxStatus struct {
	ProviderTxID string          `json:"provider_tx_id"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}

// Gateway is the common interface all payment providers implement.
type Gateway interface {
	// Provider returns which provider this gateway talks to.
	Provider() Provider

	// Initiate opens a payment for the order with the provider.
	Initiate(ctx context.Context, order *Order) (*InitiateResult, error)

	// VerifyCallback authenticates a callback payload and normalizes
	// it. It must return status.ErrVerificationFailed when the
	// signature does not check out, before reading any other field.
	VerifyCallback(params map[string]string) (*CallbackResult, error)

	// CheckTransaction polls the provider for the state of a payment.
	CheckTransaction(ctx context.Context, providerTxID string) (*TxStatus, error)

	// Close releases any provider connections.
	Close(ctx context.Context) error
}

// Registry holds the configured gateways keyed by provider.
type Registry struct {
	gateways map[Provider]Gateway
	primary  Provider
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[Provider]Gateway)}
}

// Register adds a gateway. The first registered provider becomes the
// primary one.
func (r *Registry) Register(g Gateway) {
	r.gateways[g.Provider()] = g
	if r.primary == "" {
		r.primary = g.Provider()
	}
}

func (r *Registry) Gateway(provider Provider) (Gateway, error) {
	g, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("payment provider %s not registered", provider)
	}
	return g, nil
}

func (r *Registry) Primary() (Gateway, error) {
	if r.primary == "" {
		return nil, fmt.Errorf("no payment provider configured")
	}
	return r.Gateway(r.primary)
}

func (r *Registry) SetPrimary(provider Provider) error {
	if _, ok := r.gateways[provider]; !ok {
		return fmt.Errorf("payment provider %s not registered", provider)
	}
	r.primary = provider
	return nil
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []Provider {
	providers := make([]Provider, 0, len(r.gateways))
	for p := range r.gateways {
		providers = append(providers, p)
	}
	return providers
}

// Close closes every registered gateway, keeping the first error.
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	for _, g := range r.gateways {
		if err := g.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
