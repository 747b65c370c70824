package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ ports.TransactionRepository = (*TransactionRepo)(nil)
	_ ports.MerchantRepository    = (*MerchantRepo)(nil)
	_ ports.AuditRepository       = (*AuditRepo)(nil)
	_ ports.DBTransactor          = (*Transactor)(nil)
)

func newTx(orderID string, created time.Time) *domain.PaymentTransaction {
	return &domain.PaymentTransaction{
		ID:         uuid.New(),
		OrderID:    orderID,
		MerchantID: "shop-1",
		Mode:       domain.MerchantModeTest,
		Amount:     decimal.RequireFromString("10"),
		Currency:   "USD",
		Status:     domain.TransactionStatusPending,
		Version:    1,
		CreatedAt:  created,
	}
}

func TestTransactionRepo_CreateAndGet(t *testing.T) {
	repo := NewTransactionRepo()
	ctx := context.Background()
	tx := newTx("ABC123", time.Now())

	require.NoError(t, repo.Create(ctx, tx))

	got, err := repo.GetByOrder(ctx, "shop-1", "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.ID, got.ID)

	got.Status = domain.TransactionStatusFailed
	again, _ := repo.GetByID(ctx, tx.ID)
	assert.Equal(t, domain.TransactionStatusPending, again.Status, "returned rows are copies")

	err = repo.Create(ctx, newTx("abc123", time.Now()))
	assert.True(t, apperror.Is(err, apperror.CodeDuplicateOrder))

	missing, err := repo.GetByID(ctx, uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTransactionRepo_CompareAndSwap(t *testing.T) {
	repo := NewTransactionRepo()
	ctx := context.Background()
	tx := newTx("ABC123", time.Now())
	require.NoError(t, repo.Create(ctx, tx))

	next := tx.Clone()
	next.Status = domain.TransactionStatusSuccess
	next.OrderID = "tampered"
	ok, err := repo.CompareAndSwap(ctx, next, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), next.Version)

	stored, _ := repo.GetByID(ctx, tx.ID)
	assert.Equal(t, domain.TransactionStatusSuccess, stored.Status)
	assert.Equal(t, "ABC123", stored.OrderID, "immutable columns are not written")

	stale := tx.Clone()
	stale.Status = domain.TransactionStatusFailed
	ok, err = repo.CompareAndSwap(ctx, stale, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransactionRepo_CompareAndSwap_ExactlyOneWins(t *testing.T) {
	repo := NewTransactionRepo()
	ctx := context.Background()
	tx := newTx("RACE", time.Now())
	require.NoError(t, repo.Create(ctx, tx))

	const writers = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := tx.Clone()
			if i%2 == 0 {
				c.Status = domain.TransactionStatusSuccess
			} else {
				c.Status = domain.TransactionStatusFailed
			}
			ok, err := repo.CompareAndSwap(ctx, c, 1)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	stored, _ := repo.GetByID(ctx, tx.ID)
	assert.Equal(t, int64(2), stored.Version)
}

func TestTransactionRepo_ListStale(t *testing.T) {
	repo := NewTransactionRepo()
	ctx := context.Background()
	now := time.Now()

	queried := newTx("Q", now.Add(-time.Hour))
	at := now.Add(-10 * time.Minute)
	queried.LastQueryTimestamp = &at
	never := newTx("N", now.Add(-30*time.Minute))
	young := newTx("Y", now.Add(-time.Minute))
	done := newTx("D", now.Add(-time.Hour))
	done.Status = domain.TransactionStatusSuccess

	for _, tx := range []*domain.PaymentTransaction{queried, never, young, done} {
		require.NoError(t, repo.Create(ctx, tx))
	}

	out, err := repo.ListStale(ctx, []domain.TransactionStatus{domain.TransactionStatusPending}, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "N", out[0].OrderID, "never queried first")
	assert.Equal(t, "Q", out[1].OrderID)

	out, _ = repo.ListStale(ctx, []domain.TransactionStatus{domain.TransactionStatusPending}, now, 1)
	assert.Len(t, out, 1)
}

func TestTransactionRepo_List(t *testing.T) {
	repo := NewTransactionRepo()
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"A", "B", "C"} {
		require.NoError(t, repo.Create(ctx, newTx(id, now.Add(time.Duration(i)*time.Second))))
	}
	other := newTx("Z", now)
	other.MerchantID = "shop-2"
	require.NoError(t, repo.Create(ctx, other))

	merchant := "shop-1"
	page, total, err := repo.List(ctx, ports.TransactionListParams{MerchantID: &merchant, Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, "C", page[0].OrderID, "newest first")

	page, _, _ = repo.List(ctx, ports.TransactionListParams{MerchantID: &merchant, Page: 3, PageSize: 2})
	assert.Empty(t, page)
}

func TestMerchantRepo_Credentials(t *testing.T) {
	repo := NewMerchantRepo()
	ctx := context.Background()
	tx, _ := NewTransactor().Begin(ctx)
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, tx, &domain.Merchant{ID: "shop-1", Name: "Shop", Mode: domain.MerchantModeTest}))
	assert.Error(t, repo.Create(ctx, tx, &domain.Merchant{ID: "shop-1"}))

	v1 := &domain.MerchantCredential{MerchantID: "shop-1", Mode: domain.MerchantModeTest, Version: 1, GatewayMerchantID: "M1", CreatedAt: now}
	require.NoError(t, repo.CreateCredential(ctx, tx, v1))

	v2 := &domain.MerchantCredential{MerchantID: "shop-1", Mode: domain.MerchantModeTest, Version: 2, GatewayMerchantID: "M1", CreatedAt: now.Add(time.Second)}
	assert.Error(t, repo.CreateCredential(ctx, tx, v2), "only one active version per mode")

	require.NoError(t, repo.RetireCredential(ctx, tx, "shop-1", domain.MerchantModeTest, 1, now))
	assert.Error(t, repo.RetireCredential(ctx, tx, "shop-1", domain.MerchantModeTest, 1, now))
	require.NoError(t, repo.CreateCredential(ctx, tx, v2))

	active, err := repo.GetActiveCredential(ctx, "shop-1", domain.MerchantModeTest)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	creds, _ := repo.ListCredentials(ctx, "M1")
	require.Len(t, creds, 2)
	assert.Equal(t, 2, creds[0].Version)
	assert.False(t, creds[1].IsCurrent())

	none, _ := repo.GetActiveCredential(ctx, "shop-1", domain.MerchantModeLive)
	assert.Nil(t, none)
}

func TestAuditRepo_ListByResource(t *testing.T) {
	repo := NewAuditRepo()
	ctx := context.Background()
	for _, a := range []domain.AuditAction{domain.AuditActionPaymentInitiated, domain.AuditActionCallbackAccepted, domain.AuditActionManualOverride} {
		require.NoError(t, repo.Create(ctx, &domain.AuditLog{ID: uuid.New(), Action: a, ResourceType: "transaction", ResourceID: "t1"}))
	}
	require.NoError(t, repo.Create(ctx, &domain.AuditLog{ID: uuid.New(), ResourceType: "transaction", ResourceID: "t2"}))

	logs, err := repo.ListByResource(ctx, "transaction", "t1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.AuditActionManualOverride, logs[0].Action)
}
