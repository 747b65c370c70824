package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/internal/core/ports/mocks"
	"payment-callback-gateway/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// mockTx implements pgx.Tx for testing
type mockTx struct {
	pgx.Tx
	committed bool
}

func (m *mockTx) Rollback(_ context.Context) error { return nil }
func (m *mockTx) Commit(_ context.Context) error {
	m.committed = true
	return nil
}

type merchantTestDeps struct {
	svc        *merchantService
	repo       *mocks.MockMerchantRepository
	transactor *mocks.MockDBTransactor
	enc        *mocks.MockEncryptionService
	keys       *mocks.MockKeyProvider
	bus        *mocks.MockKeyInvalidationBus
	audit      *mocks.MockAuditService
	actions    []domain.AuditAction
	now        time.Time
}

func setupMerchantService(t *testing.T) *merchantTestDeps {
	ctrl := gomock.NewController(t)
	d := &merchantTestDeps{
		repo:       mocks.NewMockMerchantRepository(ctrl),
		transactor: mocks.NewMockDBTransactor(ctrl),
		enc:        mocks.NewMockEncryptionService(ctrl),
		keys:       mocks.NewMockKeyProvider(ctrl),
		bus:        mocks.NewMockKeyInvalidationBus(ctrl),
		audit:      mocks.NewMockAuditService(ctrl),
		now:        time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	d.audit.EXPECT().Log(gomock.Any(), gomock.Any()).Do(func(_ context.Context, e *domain.AuditLog) {
		d.actions = append(d.actions, e.Action)
	}).AnyTimes()
	d.enc.EXPECT().Encrypt(gomock.Any(), gomock.Any()).DoAndReturn(func(pt, aad string) (string, error) {
		return "enc(" + pt + "|" + aad + ")", nil
	}).AnyTimes()

	d.svc = NewMerchantService(d.repo, d.transactor, d.enc, d.keys, d.bus, d.audit, zerolog.Nop()).(*merchantService)
	d.svc.now = func() time.Time { return d.now }
	return d
}

func registerRequest() ports.RegisterMerchantRequest {
	return ports.RegisterMerchantRequest{
		ID:   "shop-1",
		Name: "Shop One",
		Mode: domain.MerchantModeTest,
		Credentials: []ports.CredentialInput{
			{Mode: domain.MerchantModeTest, GatewayMerchantID: "M1", GatewayURL: "https://sandbox.gw", Key: "k-test", APIKey: "api-test"},
			{Mode: domain.MerchantModeLive, GatewayMerchantID: "M1-LIVE", GatewayURL: "https://gw", Key: "k-live"},
		},
		Actor: "admin",
	}
}

func TestMerchantService_Register(t *testing.T) {
	d := setupMerchantService(t)
	ctx := context.Background()
	tx := &mockTx{}

	d.repo.EXPECT().GetByID(ctx, "shop-1").Return(nil, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.repo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	var stored []domain.MerchantCredential
	d.repo.EXPECT().CreateCredential(ctx, tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ pgx.Tx, c *domain.MerchantCredential) error {
			stored = append(stored, *c)
			return nil
		}).Times(2)

	profile, err := d.svc.Register(ctx, registerRequest())
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.Equal(t, domain.MerchantStatusActive, profile.Merchant.Status)
	require.Len(t, stored, 2)
	assert.Equal(t, "enc(k-test|shop-1:TEST:v1:key)", stored[0].KeyEnc)
	assert.Equal(t, "enc(api-test|shop-1:TEST:v1:api_key)", stored[0].APIKeyEnc)
	assert.Empty(t, stored[1].APIKeyEnc)
	assert.Equal(t, []domain.AuditAction{domain.AuditActionMerchantCreated}, d.actions)
}

func TestMerchantService_Register_Validation(t *testing.T) {
	d := setupMerchantService(t)
	ctx := context.Background()

	req := registerRequest()
	req.Credentials[1].Mode = domain.MerchantModeTest
	_, err := d.svc.Register(ctx, req)
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	req = registerRequest()
	req.Credentials[0].Key = ""
	_, err = d.svc.Register(ctx, req)
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	req = registerRequest()
	req.Credentials = nil
	_, err = d.svc.Register(ctx, req)
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
}

func TestMerchantService_Register_Exists(t *testing.T) {
	d := setupMerchantService(t)
	ctx := context.Background()

	d.repo.EXPECT().GetByID(ctx, "shop-1").Return(&domain.Merchant{ID: "shop-1"}, nil)

	_, err := d.svc.Register(ctx, registerRequest())
	assert.True(t, apperror.Is(err, apperror.CodeMerchantExists))
}

func TestMerchantService_GetProfile(t *testing.T) {
	d := setupMerchantService(t)
	ctx := context.Background()

	d.repo.EXPECT().GetByID(ctx, "shop-1").Return(&domain.Merchant{ID: "shop-1", Name: "Shop"}, nil)
	d.repo.EXPECT().ListMerchantCredentials(ctx, "shop-1").Return([]domain.MerchantCredential{{MerchantID: "shop-1", Version: 2}}, nil)

	profile, err := d.svc.GetProfile(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, "Shop", profile.Merchant.Name)
	assert.Len(t, profile.Credentials, 1)

	d.repo.EXPECT().GetByID(ctx, "ghost").Return(nil, nil)
	_, err = d.svc.GetProfile(ctx, "ghost")
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
}

func TestMerchantService_RotateCredential(t *testing.T) {
	d := setupMerchantService(t)
	ctx := context.Background()
	tx := &mockTx{}

	d.repo.EXPECT().GetByID(ctx, "shop-1").Return(&domain.Merchant{ID: "shop-1"}, nil)
	d.repo.EXPECT().GetActiveCredential(ctx, "shop-1", domain.MerchantModeTest).Return(&domain.MerchantCredential{
		MerchantID: "shop-1", Mode: domain.MerchantModeTest, Version: 3,
		GatewayMerchantID: "M1", GatewayURL: "https://sandbox.gw",
	}, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	gomock.InOrder(
		d.repo.EXPECT().RetireCredential(ctx, tx, "shop-1", domain.MerchantModeTest, 3, d.now).Return(nil),
		d.repo.EXPECT().CreateCredential(ctx, tx, gomock.Any()).Return(nil),
	)
	d.keys.EXPECT().Invalidate("shop-1")
	d.bus.EXPECT().Publish(ctx, "shop-1").Return(errors.New("redis down"))

	cred, err := d.svc.RotateCredential(ctx, ports.RotateCredentialRequest{
		MerchantID: "shop-1",
		Credential: ports.CredentialInput{Mode: domain.MerchantModeTest, Key: "new-key"},
		Actor:      "admin",
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.Equal(t, 4, cred.Version)
	assert.Equal(t, "M1", cred.GatewayMerchantID)
	assert.Equal(t, "https://sandbox.gw", cred.GatewayURL)
	assert.Equal(t, "enc(new-key|shop-1:TEST:v4:key)", cred.KeyEnc)
	assert.Equal(t, []domain.AuditAction{domain.AuditActionRotateKeys}, d.actions)
}

func TestMerchantService_RotateCredential_FirstForMode(t *testing.T) {
	d := setupMerchantService(t)
	ctx := context.Background()
	tx := &mockTx{}

	d.repo.EXPECT().GetByID(ctx, "shop-1").Return(&domain.Merchant{ID: "shop-1"}, nil)
	d.repo.EXPECT().GetActiveCredential(ctx, "shop-1", domain.MerchantModeLive).Return(nil, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.repo.EXPECT().CreateCredential(ctx, tx, gomock.Any()).Return(nil)
	d.keys.EXPECT().Invalidate("shop-1")
	d.bus.EXPECT().Publish(ctx, "shop-1").Return(nil)

	cred, err := d.svc.RotateCredential(ctx, ports.RotateCredentialRequest{
		MerchantID: "shop-1",
		Credential: ports.CredentialInput{Mode: domain.MerchantModeLive, Key: "k", GatewayMerchantID: "ML", GatewayURL: "https://gw"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, cred.Version)
}

func TestMerchantService_RotateCredential_NeedsGatewayForNewMode(t *testing.T) {
	d := setupMerchantService(t)
	ctx := context.Background()

	d.repo.EXPECT().GetByID(ctx, "shop-1").Return(&domain.Merchant{ID: "shop-1"}, nil)
	d.repo.EXPECT().GetActiveCredential(ctx, "shop-1", domain.MerchantModeLive).Return(nil, nil)

	_, err := d.svc.RotateCredential(ctx, ports.RotateCredentialRequest{
		MerchantID: "shop-1",
		Credential: ports.CredentialInput{Mode: domain.MerchantModeLive, Key: "k"},
	})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
}
