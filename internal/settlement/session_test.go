package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/internal/status"
)

func setupTestSessionStore() (*SessionStore, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return NewSessionStore(db, 20*time.Minute), mock
}

func testSession() *OrderSession {
	return &OrderSession{
		OrderID:    "ORD-1",
		UserID:     "user-1",
		BuyerName:  "Ana B",
		BuyerEmail: "ana@example.com",
		Items:      "standard:2",
		Quantity:   2,
		Amount:     decimal.RequireFromString("160.00"),
		Currency:   "USD",
		Provider:   "vpay",
		Status:     SessionPending,
		CreatedAt:  time.Unix(1756600000, 0).UTC(),
	}
}

func TestSessionStore_Create(t *testing.T) {
	store, mock := setupTestSessionStore()
	sess := testSession()

	mock.ExpectHSet("order:ORD-1", map[string]any{
		"order_id":       "ORD-1",
		"user_id":        "user-1",
		"buyer_name":     "Ana B",
		"buyer_email":    "ana@example.com",
		"items":          "standard:2",
		"quantity":       2,
		"amount":         "160.00",
		"currency":       "USD",
		"provider":       "vpay",
		"provider_tx_id": "",
		"status":         "pending",
		"created_at":     int64(1756600000),
	}).SetVal(10)
	mock.ExpectExpire("order:ORD-1", 20*time.Minute).SetVal(true)

	require.NoError(t, store.Create(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_Get(t *testing.T) {
	store, mock := setupTestSessionStore()

	mock.ExpectHGetAll("order:ORD-1").SetVal(map[string]string{
		"order_id":       "ORD-1",
		"user_id":        "user-1",
		"buyer_name":     "Ana B",
		"buyer_email":    "ana@example.com",
		"items":          "standard:2",
		"quantity":       "2",
		"amount":         "160",
		"currency":       "USD",
		"provider":       "vpay",
		"provider_tx_id": "VP-900",
		"status":         "pending",
		"created_at":     "1756600000",
	})

	sess, err := store.Get(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "ana@example.com", sess.BuyerEmail)
	assert.Equal(t, "standard:2", sess.Items)
	assert.Equal(t, 2, sess.Quantity)
	assert.Equal(t, "VP-900", sess.ProviderTxID)
	assert.True(t, sess.Amount.Equal(decimal.NewFromInt(160)))
	assert.Equal(t, time.Unix(1756600000, 0).UTC(), sess.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_Get_NotFound(t *testing.T) {
	store, mock := setupTestSessionStore()

	mock.ExpectHGetAll("order:missing").SetVal(map[string]string{})

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, status.ErrOrderNotFound)
}

func TestSessionStore_SetStatus(t *testing.T) {
	store, mock := setupTestSessionStore()

	mock.ExpectHSet("order:ORD-1", "status", SessionCompleted).SetVal(0)

	require.NoError(t, store.SetStatus(context.Background(), "ORD-1", SessionCompleted))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_Delete(t *testing.T) {
	store, mock := setupTestSessionStore()

	mock.ExpectDel("order:ORD-1").SetVal(1)

	require.NoError(t, store.Delete(context.Background(), "ORD-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
