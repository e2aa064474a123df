package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ticket-engine/internal/status"
)

// OrderSession is the short-lived purchase state kept in redis while a
// buyer pays. It disappears on its own once the reservation window is
// over, a little after the sweeper would have expired the tickets
// anyway.
type OrderSession struct {
	OrderID      string
	UserID       string
	BuyerName    string
	BuyerEmail   string
	Items        string // "typeID:qty" pairs joined by ","
	Quantity     int
	Amount       decimal.Decimal
	Currency     string
	Provider     string
	ProviderTxID string
	Status       string
	CreatedAt    time.Time
}

const (
	SessionPending   = "pending"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// SessionStore keeps order sessions in redis hashes.
type SessionStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSessionStore(rdb *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{redis: rdb, ttl: ttl}
}

func sessionKey(orderID string) string {
	return fmt.Sprintf("order:%s", orderID)
}

func (s *SessionStore) Create(ctx context.Context, sess *OrderSession) error {
	key := sessionKey(sess.OrderID)

	data := map[string]any{
		"order_id":       sess.OrderID,
		"user_id":        sess.UserID,
		"buyer_name":     sess.BuyerName,
		"buyer_email":    sess.BuyerEmail,
		"items":          sess.Items,
		"quantity":       sess.Quantity,
		"amount":         sess.Amount.String(),
		"currency":       sess.Currency,
		"provider":       sess.Provider,
		"provider_tx_id": sess.ProviderTxID,
		"status":         sess.Status,
		"created_at":     sess.CreatedAt.Unix(),
	}
	if err := s.redis.HSet(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("Create: redis.HSet: %w", err)
	}
	if err := s.redis.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("Create: redis.Expire: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, orderID string) (*OrderSession, error) {
	vals, err := s.redis.HGetAll(ctx, sessionKey(orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("Get: redis.HGetAll: %w", err)
	}
	if len(vals) == 0 {
		return nil, status.ErrOrderNotFound
	}

	qty, _ := strconv.Atoi(vals["quantity"])
	amount, err := decimal.NewFromString(vals["amount"])
	if err != nil {
		return nil, fmt.Errorf("Get: parse amount %q: %w", vals["amount"], err)
	}
	createdUnix, _ := strconv.ParseInt(vals["created_at"], 10, 64)

	return &OrderSession{
		OrderID:      vals["order_id"],
		UserID:       vals["user_id"],
		BuyerName:    vals["buyer_name"],
		BuyerEmail:   vals["buyer_email"],
		Items:        vals["items"],
		Quantity:     qty,
		Amount:       amount,
		Currency:     vals["currency"],
		Provider:     vals["provider"],
		ProviderTxID: vals["provider_tx_id"],
		Status:       vals["status"],
		CreatedAt:    time.Unix(createdUnix, 0).UTC(),
	}, nil
}

func (s *SessionStore) SetStatus(ctx context.Context, orderID, st string) error {
	if err := s.redis.HSet(ctx, sessionKey(orderID), "status", st).Err(); err != nil {
		return fmt.Errorf("SetStatus: redis.HSet: %w", err)
	}
	return nil
}

func (s *SessionStore) SetProviderTx(ctx context.Context, orderID, providerTxID string) error {
	if err := s.redis.HSet(ctx, sessionKey(orderID), "provider_tx_id", providerTxID).Err(); err != nil {
		return fmt.Errorf("SetProviderTx: redis.HSet: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, orderID string) error {
	if err := s.redis.Del(ctx, sessionKey(orderID)).Err(); err != nil {
		return fmt.Errorf("Delete: redis.Del: %w", err)
	}
	return nil
}
