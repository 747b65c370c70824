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
	"payment-callback-gateway/pkg/metrics"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type callbackTestDeps struct {
	svc       *CallbackServiceImpl
	validator *mocks.MockCallbackValidator
	repo      *mocks.MockTransactionRepository
	sm        *mocks.MockStateMachine
	receipts  *mocks.MockReceiptCache
	audit     *mocks.MockAuditService
	actions   []domain.AuditAction
}

func setupCallbackService(t *testing.T) *callbackTestDeps {
	ctrl := gomock.NewController(t)
	d := &callbackTestDeps{
		validator: mocks.NewMockCallbackValidator(ctrl),
		repo:      mocks.NewMockTransactionRepository(ctrl),
		sm:        mocks.NewMockStateMachine(ctrl),
		receipts:  mocks.NewMockReceiptCache(ctrl),
		audit:     mocks.NewMockAuditService(ctrl),
	}
	d.audit.EXPECT().Log(gomock.Any(), gomock.Any()).Do(func(_ context.Context, e *domain.AuditLog) {
		d.actions = append(d.actions, e.Action)
	}).AnyTimes()
	d.svc = NewCallbackService(d.validator, d.repo, d.sm, d.receipts, d.audit, metrics.Nop(),
		CallbackConfig{ReceiptTTL: time.Hour, MaxRetries: 3}, zerolog.Nop())
	return d
}

func validatedCallback(success bool) *domain.ValidatedCallback {
	return &domain.ValidatedCallback{
		MerchantID:        "shop-1",
		GatewayMerchantID: "M1",
		OrderID:           "ABC123",
		Amount:            decimal.RequireFromString("10.00"),
		RawAmount:         "10.00",
		Currency:          "USD",
		Success:           success,
		Signature:         "deadbeef",
		Scheme:            "callback-md5-v1",
		KeyVersion:        1,
	}
}

func callbackRequest() ports.CallbackRequest {
	return ports.CallbackRequest{Params: sampleCallbackFields(), ClientIP: "10.0.0.1", Method: "GET"}
}

func TestCallbackService_Applied(t *testing.T) {
	d := setupCallbackService(t)
	ctx := context.Background()
	cb := validatedCallback(true)
	tx := newTestTransaction(domain.TransactionStatusAwaitingCallback, 2)
	done := tx.Clone()
	done.Status = domain.TransactionStatusSuccess
	done.Version = 3

	d.validator.EXPECT().Validate(ctx, gomock.Any()).Return(cb, nil)
	d.receipts.EXPECT().Lookup(ctx, cb.Fingerprint()).Return(nil, nil)
	d.repo.EXPECT().GetByOrder(ctx, "shop-1", "ABC123").Return(tx, nil)
	d.sm.EXPECT().ApplyCallback(ctx, tx.ID, int64(2), cb).
		Return(&domain.StateChange{Transaction: done, From: tx.Status, Changed: true}, nil)
	d.receipts.EXPECT().Remember(ctx, cb.Fingerprint(), gomock.Any(), time.Hour).
		DoAndReturn(func(_ context.Context, _ string, r ports.CallbackReceipt, _ time.Duration) (bool, error) {
			assert.Equal(t, done.ID, r.TransactionID)
			assert.Equal(t, domain.TransactionStatusSuccess, r.Status)
			return true, nil
		})

	result, err := d.svc.HandleCallback(ctx, callbackRequest())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, result.Outcome)
	assert.False(t, result.Duplicate)
	assert.Equal(t, domain.TransactionStatusSuccess, result.Transaction.Status)
	assert.Equal(t, []domain.AuditAction{domain.AuditActionCallbackAccepted}, d.actions)
}

func TestCallbackService_DuplicateFromReceiptCache(t *testing.T) {
	d := setupCallbackService(t)
	ctx := context.Background()
	cb := validatedCallback(true)

	d.validator.EXPECT().Validate(ctx, gomock.Any()).Return(cb, nil)
	d.receipts.EXPECT().Lookup(ctx, cb.Fingerprint()).Return(&ports.CallbackReceipt{Status: domain.TransactionStatusSuccess}, nil)
	d.repo.EXPECT().GetByOrder(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	result, err := d.svc.HandleCallback(ctx, callbackRequest())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, metrics.OutcomeDuplicate, result.Outcome)
}

func TestCallbackService_DuplicateFromStateMachine(t *testing.T) {
	d := setupCallbackService(t)
	ctx := context.Background()
	cb := validatedCallback(true)
	tx := newTestTransaction(domain.TransactionStatusSuccess, 3)

	d.validator.EXPECT().Validate(ctx, gomock.Any()).Return(cb, nil)
	// cache outage falls through to the state machine
	d.receipts.EXPECT().Lookup(ctx, gomock.Any()).Return(nil, errors.New("redis down"))
	d.repo.EXPECT().GetByOrder(ctx, "shop-1", "ABC123").Return(tx, nil)
	d.sm.EXPECT().ApplyCallback(ctx, tx.ID, int64(3), cb).
		Return(&domain.StateChange{Transaction: tx, From: tx.Status}, nil)
	d.receipts.EXPECT().Remember(ctx, gomock.Any(), gomock.Any(), gomock.Any()).Return(false, errors.New("redis down"))

	result, err := d.svc.HandleCallback(ctx, callbackRequest())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, []domain.AuditAction{domain.AuditActionCallbackDuplicate}, d.actions)
}

func TestCallbackService_ValidationFailures(t *testing.T) {
	tests := []struct {
		err     error
		outcome string
	}{
		{apperror.ErrMalformedRequest("missing signature"), metrics.OutcomeMalformed},
		{apperror.ErrUnknownMerchant(), metrics.OutcomeUnknownMerchant},
		{apperror.ErrSignatureMismatch(), metrics.OutcomeSignatureMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			d := setupCallbackService(t)
			ctx := context.Background()
			d.validator.EXPECT().Validate(ctx, gomock.Any()).Return(nil, tt.err)

			result, err := d.svc.HandleCallback(ctx, callbackRequest())
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Equal(t, []domain.AuditAction{domain.AuditActionCallbackRejected}, d.actions)
		})
	}
}

func TestCallbackService_UnknownOrder(t *testing.T) {
	d := setupCallbackService(t)
	ctx := context.Background()

	d.validator.EXPECT().Validate(ctx, gomock.Any()).Return(validatedCallback(true), nil)
	d.receipts.EXPECT().Lookup(ctx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().GetByOrder(ctx, "shop-1", "ABC123").Return(nil, nil)

	result, err := d.svc.HandleCallback(ctx, callbackRequest())
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
	assert.Equal(t, metrics.OutcomeNotFound, result.Outcome)
}

func TestCallbackService_ConflictingOutcome(t *testing.T) {
	d := setupCallbackService(t)
	ctx := context.Background()
	cb := validatedCallback(false)
	tx := newTestTransaction(domain.TransactionStatusSuccess, 3)

	d.validator.EXPECT().Validate(ctx, gomock.Any()).Return(cb, nil)
	d.receipts.EXPECT().Lookup(ctx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().GetByOrder(ctx, "shop-1", "ABC123").Return(tx, nil)
	d.sm.EXPECT().ApplyCallback(ctx, tx.ID, int64(3), cb).
		Return(nil, apperror.ErrConflictingOutcome("SUCCESS", "FAILED"))

	result, err := d.svc.HandleCallback(ctx, callbackRequest())
	assert.True(t, apperror.Is(err, apperror.CodeConflictingOutcome))
	assert.Equal(t, metrics.OutcomeConflict, result.Outcome)
	assert.Equal(t, []domain.AuditAction{domain.AuditActionCallbackConflict}, d.actions)
}

func TestCallbackService_RetriesVersionConflict(t *testing.T) {
	d := setupCallbackService(t)
	ctx := context.Background()
	cb := validatedCallback(true)
	tx := newTestTransaction(domain.TransactionStatusPending, 1)
	reloaded := tx.Clone()
	reloaded.Status = domain.TransactionStatusAwaitingCallback
	reloaded.Version = 2
	done := reloaded.Clone()
	done.Status = domain.TransactionStatusSuccess
	done.Version = 3

	d.validator.EXPECT().Validate(ctx, gomock.Any()).Return(cb, nil)
	d.receipts.EXPECT().Lookup(ctx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().GetByOrder(ctx, "shop-1", "ABC123").Return(tx, nil)
	d.repo.EXPECT().GetByID(ctx, tx.ID).Return(reloaded, nil)
	gomock.InOrder(
		d.sm.EXPECT().ApplyCallback(ctx, tx.ID, int64(1), cb).Return(nil, apperror.ErrVersionConflict()),
		d.sm.EXPECT().ApplyCallback(ctx, tx.ID, int64(2), cb).
			Return(&domain.StateChange{Transaction: done, From: reloaded.Status, Changed: true}, nil),
	)
	d.receipts.EXPECT().Remember(ctx, gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)

	result, err := d.svc.HandleCallback(ctx, callbackRequest())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, result.Outcome)
}

func TestCallbackService_AmountMismatchIsAuditedAndApplied(t *testing.T) {
	d := setupCallbackService(t)
	ctx := context.Background()
	cb := validatedCallback(true)
	cb.Amount = decimal.RequireFromString("9.99")
	cb.RawAmount = "9.99"
	tx := newTestTransaction(domain.TransactionStatusPending, 1)
	done := tx.Clone()
	done.Status = domain.TransactionStatusSuccess
	done.Version = 2

	d.validator.EXPECT().Validate(ctx, gomock.Any()).Return(cb, nil)
	d.receipts.EXPECT().Lookup(ctx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().GetByOrder(ctx, "shop-1", "ABC123").Return(tx, nil)
	d.sm.EXPECT().ApplyCallback(ctx, tx.ID, int64(1), cb).
		Return(&domain.StateChange{Transaction: done, From: tx.Status, Changed: true}, nil)
	d.receipts.EXPECT().Remember(ctx, gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)

	_, err := d.svc.HandleCallback(ctx, callbackRequest())
	require.NoError(t, err)
	assert.Equal(t, []domain.AuditAction{domain.AuditActionAmountMismatch, domain.AuditActionCallbackAccepted}, d.actions)
}

func TestCallbackService_NilReceiptCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	validator := mocks.NewMockCallbackValidator(ctrl)
	repo := mocks.NewMockTransactionRepository(ctrl)
	sm := mocks.NewMockStateMachine(ctrl)
	audit := mocks.NewMockAuditService(ctrl)
	audit.EXPECT().Log(gomock.Any(), gomock.Any()).AnyTimes()

	svc := NewCallbackService(validator, repo, sm, nil, audit, metrics.Nop(), CallbackConfig{ReceiptTTL: time.Hour}, zerolog.Nop())
	ctx := context.Background()
	cb := validatedCallback(true)
	tx := newTestTransaction(domain.TransactionStatusPending, 1)

	validator.EXPECT().Validate(ctx, gomock.Any()).Return(cb, nil)
	repo.EXPECT().GetByOrder(ctx, "shop-1", "ABC123").Return(tx, nil)
	sm.EXPECT().ApplyCallback(ctx, tx.ID, int64(1), cb).
		Return(&domain.StateChange{Transaction: tx, From: tx.Status, Changed: true}, nil)

	result, err := svc.HandleCallback(ctx, callbackRequest())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, result.Outcome)
}
