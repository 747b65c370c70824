package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const txColumnList = `id, order_id, merchant_id, mode, client_id, amount, currency, status,
	status_description, gateway_transaction_id, reply_url, backoffice_url,
	request_timestamp, callback_timestamp, last_query_timestamp, version,
	request_data, initial_response_data, callback_data, last_query_data,
	manual_override, created_at, updated_at`

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// Create inserts a new transaction. The (merchant_id, lower(order_id)) index
// turns a second order with the same ID into ErrDuplicateOrder.
func (r *TransactionRepo) Create(ctx context.Context, t *domain.PaymentTransaction) error {
	query := `INSERT INTO payment_transactions (` + txColumnList + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23)`

	_, err := r.pool.Exec(ctx, query,
		t.ID, t.OrderID, t.MerchantID, t.Mode, t.ClientID, t.Amount, t.Currency, t.Status,
		t.StatusDescription, t.GatewayTransactionID, t.ReplyURL, t.BackofficeURL,
		t.RequestTimestamp, t.CallbackTimestamp, t.LastQueryTimestamp, t.Version,
		t.RequestData, t.InitialResponseData, t.CallbackData, t.LastQueryData,
		t.ManualOverride, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.ErrDuplicateOrder()
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by UUID.
func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + txColumnList + ` FROM payment_transactions WHERE id = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, id))
}

// GetByOrder fetches a transaction by merchant and order ID, ignoring case.
func (r *TransactionRepo) GetByOrder(ctx context.Context, merchantID, orderID string) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + txColumnList + ` FROM payment_transactions
		WHERE merchant_id = $1 AND lower(order_id) = lower($2)`
	return scanTransaction(r.pool.QueryRow(ctx, query, merchantID, orderID))
}

// CompareAndSwap writes the mutable columns of t if the row is still at
// expectedVersion, bumping the version in the same statement.
func (r *TransactionRepo) CompareAndSwap(ctx context.Context, t *domain.PaymentTransaction, expectedVersion int64) (bool, error) {
	query := `UPDATE payment_transactions SET
		status = $1, status_description = $2, gateway_transaction_id = $3,
		callback_timestamp = $4, last_query_timestamp = $5,
		initial_response_data = $6, callback_data = $7, last_query_data = $8,
		manual_override = $9, version = version + 1, updated_at = NOW()
		WHERE id = $10 AND version = $11
		RETURNING version, updated_at`

	var (
		version   int64
		updatedAt time.Time
	)
	err := r.pool.QueryRow(ctx, query,
		t.Status, t.StatusDescription, t.GatewayTransactionID,
		t.CallbackTimestamp, t.LastQueryTimestamp,
		t.InitialResponseData, t.CallbackData, t.LastQueryData,
		t.ManualOverride, t.ID, expectedVersion,
	).Scan(&version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("compare and swap transaction: %w", err)
	}

	t.Version = version
	t.UpdatedAt = updatedAt
	return true, nil
}

// ListStale returns reconcilable candidates, never-queried rows first.
func (r *TransactionRepo) ListStale(ctx context.Context, statuses []domain.TransactionStatus, createdBefore time.Time, limit int) ([]domain.PaymentTransaction, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + txColumnList + ` FROM payment_transactions
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY last_query_timestamp ASC NULLS FIRST, created_at ASC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, names, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale transactions: %w", err)
	}
	return collectTransactions(rows)
}

// List fetches transactions with filtering and pagination.
func (r *TransactionRepo) List(ctx context.Context, params ports.TransactionListParams) ([]domain.PaymentTransaction, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if params.MerchantID != nil {
		conditions = append(conditions, fmt.Sprintf("merchant_id = $%d", argIdx))
		args = append(args, *params.MerchantID)
		argIdx++
	}
	if params.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *params.Status)
		argIdx++
	}
	if params.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= to_timestamp($%d)", argIdx))
		args = append(args, *params.From)
		argIdx++
	}
	if params.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= to_timestamp($%d)", argIdx))
		args = append(args, *params.To)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Count total
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM payment_transactions %s", where)
	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	// Fetch page
	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM payment_transactions %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, txColumnList, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	txns, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.PaymentTransaction, error) {
	defer rows.Close()

	var txns []domain.PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return txns, nil
}

// scanTransaction scans one row; pgx.ErrNoRows becomes (nil, nil).
func scanTransaction(row pgx.Row) (*domain.PaymentTransaction, error) {
	t := &domain.PaymentTransaction{}
	err := row.Scan(
		&t.ID, &t.OrderID, &t.MerchantID, &t.Mode, &t.ClientID, &t.Amount, &t.Currency, &t.Status,
		&t.StatusDescription, &t.GatewayTransactionID, &t.ReplyURL, &t.BackofficeURL,
		&t.RequestTimestamp, &t.CallbackTimestamp, &t.LastQueryTimestamp, &t.Version,
		&t.RequestData, &t.InitialResponseData, &t.CallbackData, &t.LastQueryData,
		&t.ManualOverride, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return t, nil
}
