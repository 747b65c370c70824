package ports

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"
	"time"

	"payment-callback-gateway/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TransactionRepository defines persistence operations for payment transactions.
// Rows are never deleted; every state change goes through CompareAndSwap.
type TransactionRepository interface {
	// Create inserts a new transaction. A second order with the same
	// (merchant, order ID) returns apperror.ErrDuplicateOrder.
	Create(ctx context.Context, t *domain.PaymentTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
	// GetByOrder looks a transaction up by merchant and order ID. Order IDs
	// compare case-insensitively.
	GetByOrder(ctx context.Context, merchantID, orderID string) (*domain.PaymentTransaction, error)
	// CompareAndSwap persists t only if the stored version still equals
	// expectedVersion. On success t.Version and t.UpdatedAt are refreshed.
	// A lost race returns false with a nil error.
	CompareAndSwap(ctx context.Context, t *domain.PaymentTransaction, expectedVersion int64) (bool, error)
	// ListStale returns transactions in one of statuses created before
	// createdBefore, least recently queried first.
	ListStale(ctx context.Context, statuses []domain.TransactionStatus, createdBefore time.Time, limit int) ([]domain.PaymentTransaction, error)
	List(ctx context.Context, params TransactionListParams) ([]domain.PaymentTransaction, int64, error)
}

// TransactionListParams holds filter + pagination for listing transactions.
type TransactionListParams struct {
	MerchantID *string
	Status     *domain.TransactionStatus
	From       *int64 // Unix timestamp
	To         *int64 // Unix timestamp
	Page       int
	PageSize   int
}

// MerchantRepository defines persistence operations for merchants and their
// versioned credentials. Methods accepting pgx.Tx run inside a transaction block.
type MerchantRepository interface {
	Create(ctx context.Context, tx pgx.Tx, merchant *domain.Merchant) error
	GetByID(ctx context.Context, id string) (*domain.Merchant, error)
	CreateCredential(ctx context.Context, tx pgx.Tx, cred *domain.MerchantCredential) error
	RetireCredential(ctx context.Context, tx pgx.Tx, merchantID string, mode domain.MerchantMode, version int, at time.Time) error
	GetActiveCredential(ctx context.Context, merchantID string, mode domain.MerchantMode) (*domain.MerchantCredential, error)
	// ListCredentials returns every credential version registered under a
	// gateway merchant ID, newest first, retired ones included.
	ListCredentials(ctx context.Context, gatewayMerchantID string) ([]domain.MerchantCredential, error)
	ListMerchantCredentials(ctx context.Context, merchantID string) ([]domain.MerchantCredential, error)
}

// AuditRepository defines persistence for audit logs.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
	ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.AuditLog, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
