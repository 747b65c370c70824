package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-callback-gateway/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

const credentialColumnList = `merchant_id, mode, version, gateway_merchant_id, gateway_url,
	key_enc, api_key_enc, created_at, retired_at`

// MerchantRepo implements ports.MerchantRepository.
type MerchantRepo struct {
	pool Pool
}

// NewMerchantRepo creates a new MerchantRepo.
func NewMerchantRepo(pool Pool) *MerchantRepo {
	return &MerchantRepo{pool: pool}
}

// Create inserts a new merchant within a database transaction.
func (r *MerchantRepo) Create(ctx context.Context, tx pgx.Tx, m *domain.Merchant) error {
	query := `INSERT INTO merchants (id, name, mode, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := tx.Exec(ctx, query, m.ID, m.Name, m.Mode, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert merchant: %w", err)
	}
	return nil
}

// GetByID fetches a merchant by its ID.
func (r *MerchantRepo) GetByID(ctx context.Context, id string) (*domain.Merchant, error) {
	query := `SELECT id, name, mode, status, created_at, updated_at FROM merchants WHERE id = $1`

	m := &domain.Merchant{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&m.ID, &m.Name, &m.Mode, &m.Status, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get merchant by id: %w", err)
	}
	return m, nil
}

// CreateCredential inserts one credential version within a database transaction.
func (r *MerchantRepo) CreateCredential(ctx context.Context, tx pgx.Tx, c *domain.MerchantCredential) error {
	query := `INSERT INTO merchant_credentials (` + credentialColumnList + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := tx.Exec(ctx, query,
		c.MerchantID, c.Mode, c.Version, c.GatewayMerchantID, c.GatewayURL,
		c.KeyEnc, c.APIKeyEnc, c.CreatedAt, c.RetiredAt,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// RetireCredential stamps retired_at on the given version. Only an active
// credential can be retired.
func (r *MerchantRepo) RetireCredential(ctx context.Context, tx pgx.Tx, merchantID string, mode domain.MerchantMode, version int, at time.Time) error {
	query := `UPDATE merchant_credentials SET retired_at = $1
		WHERE merchant_id = $2 AND mode = $3 AND version = $4 AND retired_at IS NULL`

	tag, err := tx.Exec(ctx, query, at, merchantID, mode, version)
	if err != nil {
		return fmt.Errorf("retire credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no active credential %s:%s v%d", merchantID, mode, version)
	}
	return nil
}

// GetActiveCredential returns the current credential for merchant and mode.
func (r *MerchantRepo) GetActiveCredential(ctx context.Context, merchantID string, mode domain.MerchantMode) (*domain.MerchantCredential, error) {
	query := `SELECT ` + credentialColumnList + ` FROM merchant_credentials
		WHERE merchant_id = $1 AND mode = $2 AND retired_at IS NULL
		ORDER BY version DESC LIMIT 1`

	c, err := scanCredential(r.pool.QueryRow(ctx, query, merchantID, mode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns every version registered under a gateway
// merchant ID, newest first.
func (r *MerchantRepo) ListCredentials(ctx context.Context, gatewayMerchantID string) ([]domain.MerchantCredential, error) {
	query := `SELECT ` + credentialColumnList + ` FROM merchant_credentials
		WHERE gateway_merchant_id = $1
		ORDER BY created_at DESC, version DESC`

	rows, err := r.pool.Query(ctx, query, gatewayMerchantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return collectCredentials(rows)
}

// ListMerchantCredentials returns a merchant's credential history.
func (r *MerchantRepo) ListMerchantCredentials(ctx context.Context, merchantID string) ([]domain.MerchantCredential, error) {
	query := `SELECT ` + credentialColumnList + ` FROM merchant_credentials
		WHERE merchant_id = $1
		ORDER BY mode, version DESC`

	rows, err := r.pool.Query(ctx, query, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list merchant credentials: %w", err)
	}
	return collectCredentials(rows)
}

func collectCredentials(rows pgx.Rows) ([]domain.MerchantCredential, error) {
	defer rows.Close()

	var creds []domain.MerchantCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		creds = append(creds, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return creds, nil
}

func scanCredential(row pgx.Row) (*domain.MerchantCredential, error) {
	c := &domain.MerchantCredential{}
	err := row.Scan(
		&c.MerchantID, &c.Mode, &c.Version, &c.GatewayMerchantID, &c.GatewayURL,
		&c.KeyEnc, &c.APIKeyEnc, &c.CreatedAt, &c.RetiredAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}
