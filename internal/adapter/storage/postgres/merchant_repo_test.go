package postgres

import (
	"context"
	"testing"
	"time"

	"payment-callback-gateway/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMerchant() *domain.Merchant {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Merchant{
		ID:        "shop-1",
		Name:      "Shop One",
		Mode:      domain.MerchantModeTest,
		Status:    domain.MerchantStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestCredential(version int, retiredAt *time.Time) *domain.MerchantCredential {
	return &domain.MerchantCredential{
		MerchantID:        "shop-1",
		Mode:              domain.MerchantModeTest,
		Version:           version,
		GatewayMerchantID: "M1",
		GatewayURL:        "https://sandbox.gw",
		KeyEnc:            "enc-key",
		APIKeyEnc:         "enc-api",
		CreatedAt:         time.Now().UTC().Truncate(time.Microsecond),
		RetiredAt:         retiredAt,
	}
}

func credentialColumns() []string {
	return []string{"merchant_id", "mode", "version", "gateway_merchant_id", "gateway_url",
		"key_enc", "api_key_enc", "created_at", "retired_at"}
}

func credentialRow(rows *pgxmock.Rows, c *domain.MerchantCredential) *pgxmock.Rows {
	return rows.AddRow(c.MerchantID, c.Mode, c.Version, c.GatewayMerchantID, c.GatewayURL,
		c.KeyEnc, c.APIKeyEnc, c.CreatedAt, c.RetiredAt)
}

func TestMerchantRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)
	m := newTestMerchant()
	cred := newTestCredential(1, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO merchants").
		WithArgs(m.ID, m.Name, m.Mode, m.Status, m.CreatedAt, m.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO merchant_credentials").
		WithArgs(cred.MerchantID, cred.Mode, cred.Version, cred.GatewayMerchantID, cred.GatewayURL,
			cred.KeyEnc, cred.APIKeyEnc, cred.CreatedAt, cred.RetiredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	dbTx, err := NewTransactor(mock).Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), dbTx, m))
	require.NoError(t, repo.CreateCredential(context.Background(), dbTx, cred))
	require.NoError(t, dbTx.Commit(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerchantRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)
	m := newTestMerchant()

	mock.ExpectQuery("SELECT .+ FROM merchants WHERE id").
		WithArgs(m.ID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "mode", "status", "created_at", "updated_at"}).
			AddRow(m.ID, m.Name, m.Mode, m.Status, m.CreatedAt, m.UpdatedAt))

	result, err := repo.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Name, result.Name)
	assert.Equal(t, domain.MerchantModeTest, result.Mode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerchantRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM merchants WHERE id").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	result, err := repo.GetByID(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestMerchantRepo_RetireCredential(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE merchant_credentials SET retired_at = \$1\s+WHERE .+ retired_at IS NULL`).
		WithArgs(at, "shop-1", domain.MerchantModeTest, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE merchant_credentials SET retired_at").
		WithArgs(at, "shop-1", domain.MerchantModeTest, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	assert.NoError(t, repo.RetireCredential(context.Background(), dbTx, "shop-1", domain.MerchantModeTest, 3, at))
	assert.Error(t, repo.RetireCredential(context.Background(), dbTx, "shop-1", domain.MerchantModeTest, 3, at),
		"retiring an already retired version fails")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerchantRepo_GetActiveCredential(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)
	cred := newTestCredential(4, nil)

	mock.ExpectQuery(`SELECT .+ FROM merchant_credentials\s+WHERE merchant_id = \$1 AND mode = \$2 AND retired_at IS NULL`).
		WithArgs("shop-1", domain.MerchantModeTest).
		WillReturnRows(credentialRow(pgxmock.NewRows(credentialColumns()), cred))
	mock.ExpectQuery("SELECT .+ FROM merchant_credentials").
		WithArgs("shop-1", domain.MerchantModeLive).
		WillReturnError(pgx.ErrNoRows)

	result, err := repo.GetActiveCredential(context.Background(), "shop-1", domain.MerchantModeTest)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Version)
	assert.True(t, result.IsCurrent())

	result, err = repo.GetActiveCredential(context.Background(), "shop-1", domain.MerchantModeLive)
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerchantRepo_ListCredentials(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)
	retired := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	rows := pgxmock.NewRows(credentialColumns())
	credentialRow(rows, newTestCredential(2, nil))
	credentialRow(rows, newTestCredential(1, &retired))

	mock.ExpectQuery(`WHERE gateway_merchant_id = \$1\s+ORDER BY created_at DESC`).
		WithArgs("M1").
		WillReturnRows(rows)

	creds, err := repo.ListCredentials(context.Background(), "M1")
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.True(t, creds[0].IsCurrent())
	assert.False(t, creds[1].IsCurrent())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerchantRepo_ListMerchantCredentials(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMerchantRepo(mock)

	mock.ExpectQuery(`WHERE merchant_id = \$1\s+ORDER BY mode, version DESC`).
		WithArgs("shop-1").
		WillReturnRows(credentialRow(pgxmock.NewRows(credentialColumns()), newTestCredential(1, nil)))

	creds, err := repo.ListMerchantCredentials(context.Background(), "shop-1")
	require.NoError(t, err)
	assert.Len(t, creds, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
