// Package memory holds process-local repositories, selected with
// storage.driver=memory and used by the end-to-end tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"

	"github.com/google/uuid"
)

type orderKey struct {
	merchantID string
	orderID    string
}

// TransactionRepo implements ports.TransactionRepository. Callers always get
// copies, so a returned transaction can be mutated freely.
type TransactionRepo struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*domain.PaymentTransaction
	byOrder map[orderKey]uuid.UUID
	now     func() time.Time
}

func NewTransactionRepo() *TransactionRepo {
	return &TransactionRepo{
		byID:    make(map[uuid.UUID]*domain.PaymentTransaction),
		byOrder: make(map[orderKey]uuid.UUID),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func keyOf(merchantID, orderID string) orderKey {
	return orderKey{merchantID: merchantID, orderID: strings.ToLower(orderID)}
}

func (r *TransactionRepo) Create(ctx context.Context, t *domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(t.MerchantID, t.OrderID)
	if _, exists := r.byOrder[k]; exists {
		return apperror.ErrDuplicateOrder()
	}
	r.byID[t.ID] = t.Clone()
	r.byOrder[k] = t.ID
	return nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (r *TransactionRepo) GetByOrder(ctx context.Context, merchantID, orderID string) (*domain.PaymentTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOrder[keyOf(merchantID, orderID)]
	if !ok {
		return nil, nil
	}
	return r.byID[id].Clone(), nil
}

// CompareAndSwap replaces the stored row under the write lock when the
// version matches. Immutable columns are kept from the stored row.
func (r *TransactionRepo) CompareAndSwap(ctx context.Context, t *domain.PaymentTransaction, expectedVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[t.ID]
	if !ok || stored.Version != expectedVersion {
		return false, nil
	}

	next := stored.Clone()
	next.Status = t.Status
	next.StatusDescription = t.StatusDescription
	next.GatewayTransactionID = t.GatewayTransactionID
	next.CallbackTimestamp = t.CallbackTimestamp
	next.LastQueryTimestamp = t.LastQueryTimestamp
	next.InitialResponseData = t.InitialResponseData
	next.CallbackData = t.CallbackData
	next.LastQueryData = t.LastQueryData
	next.ManualOverride = t.ManualOverride
	next.Version = expectedVersion + 1
	next.UpdatedAt = r.now()

	r.byID[t.ID] = next.Clone()
	t.Version = next.Version
	t.UpdatedAt = next.UpdatedAt
	return true, nil
}

func (r *TransactionRepo) ListStale(ctx context.Context, statuses []domain.TransactionStatus, createdBefore time.Time, limit int) ([]domain.PaymentTransaction, error) {
	wanted := make(map[domain.TransactionStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	r.mu.RLock()
	var out []domain.PaymentTransaction
	for _, t := range r.byID {
		if wanted[t.Status] && t.CreatedAt.Before(createdBefore) {
			out = append(out, *t.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastQueryTimestamp, out[j].LastQueryTimestamp
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TransactionRepo) List(ctx context.Context, params ports.TransactionListParams) ([]domain.PaymentTransaction, int64, error) {
	r.mu.RLock()
	var matched []domain.PaymentTransaction
	for _, t := range r.byID {
		if params.MerchantID != nil && t.MerchantID != *params.MerchantID {
			continue
		}
		if params.Status != nil && t.Status != *params.Status {
			continue
		}
		if params.From != nil && t.CreatedAt.Unix() < *params.From {
			continue
		}
		if params.To != nil && t.CreatedAt.Unix() > *params.To {
			continue
		}
		matched = append(matched, *t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	start := (params.Page - 1) * params.PageSize
	if start < 0 || start >= len(matched) {
		return nil, total, nil
	}
	end := start + params.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}
