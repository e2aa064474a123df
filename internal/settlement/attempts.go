package settlement

import (
	"context"
	"sync"
	"time"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

// AttemptStore persists payment attempts and refunds.
type AttemptStore interface {
	Create(ctx context.Context, a *models.PaymentAttempt) error
	ByOrder(ctx context.Context, orderID string) (*models.PaymentAttempt, error)

	// Confirm moves a pending attempt to confirmed, recording the
	// provider transaction id and the digest of the callback payload
	// that settled it. It reports false when the attempt was already
	// settled, which is how a replayed callback is detected.
	Confirm(ctx context.Context, attemptID, providerTxID, payloadDigest string) (bool, error)

	// Fail moves a pending attempt to failed.
	Fail(ctx context.Context, attemptID, payloadDigest string) (bool, error)

	// SetProviderTx records the transaction id the provider handed
	// back at initiation, while the attempt is still pending.
	SetProviderTx(ctx context.Context, attemptID, providerTxID string) error

	CreateRefund(ctx context.Context, r *models.Refund) error
	RefundsByOrder(ctx context.Context, orderID string) ([]*models.Refund, error)
}

// MemoryAttemptStore is the in-process AttemptStore used by tests.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*models.PaymentAttempt
	refunds  []*models.Refund
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]*models.PaymentAttempt)}
}

func (s *MemoryAttemptStore) Create(_ context.Context, a *models.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

func (s *MemoryAttemptStore) ByOrder(_ context.Context, orderID string) (*models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.OrderID == orderID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, status.ErrOrderNotFound
}

func (s *MemoryAttemptStore) settle(attemptID string, to models.AttemptStatus, providerTxID, payloadDigest string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return false, status.ErrOrderNotFound
	}
	if a.Status != models.AttemptPending {
		return false, nil
	}
	a.Status = to
	if providerTxID != "" {
		a.ProviderTxID = providerTxID
	}
	if payloadDigest != "" {
		a.PayloadDigest = payloadDigest
	}
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryAttemptStore) Confirm(_ context.Context, attemptID, providerTxID, payloadDigest string) (bool, error) {
	return s.settle(attemptID, models.AttemptConfirmed, providerTxID, payloadDigest)
}

func (s *MemoryAttemptStore) Fail(_ context.Context, attemptID, payloadDigest string) (bool, error) {
	return s.settle(attemptID, models.AttemptFailed, "", payloadDigest)
}

func (s *MemoryAttemptStore) SetProviderTx(_ context.Context, attemptID, providerTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return status.ErrOrderNotFound
	}
	a.ProviderTxID = providerTxID
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryAttemptStore) CreateRefund(_ context.Context, r *models.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.refunds = append(s.refunds, &cp)
	return nil
}

func (s *MemoryAttemptStore) RefundsByOrder(_ context.Context, orderID string) ([]*models.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Refund
	for _, r := range s.refunds {
		if r.OrderID == orderID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
