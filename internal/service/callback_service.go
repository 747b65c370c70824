package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/metrics"

	"github.com/rs/zerolog"
)

const gatewayActor = "gateway"

// CallbackConfig tunes the callback pipeline.
type CallbackConfig struct {
	ReceiptTTL time.Duration
	MaxRetries int
}

// CallbackServiceImpl implements ports.CallbackService.
type CallbackServiceImpl struct {
	validator ports.CallbackValidator
	repo      ports.TransactionRepository
	sm        ports.StateMachine
	receipts  ports.ReceiptCache
	audit     ports.AuditService
	metrics   *metrics.Metrics
	cfg       CallbackConfig
	log       zerolog.Logger
}

// NewCallbackService creates a new callback service. receipts may be nil.
func NewCallbackService(
	validator ports.CallbackValidator,
	repo ports.TransactionRepository,
	sm ports.StateMachine,
	receipts ports.ReceiptCache,
	audit ports.AuditService,
	m *metrics.Metrics,
	cfg CallbackConfig,
	log zerolog.Logger,
) *CallbackServiceImpl {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &CallbackServiceImpl{
		validator: validator,
		repo:      repo,
		sm:        sm,
		receipts:  receipts,
		audit:     audit,
		metrics:   m,
		cfg:       cfg,
		log:       log,
	}
}

// HandleCallback authenticates a notification and applies it. The returned
// error classifies the outcome for logs and metrics; the gateway is
// acknowledged either way.
func (s *CallbackServiceImpl) HandleCallback(ctx context.Context, req ports.CallbackRequest) (*ports.CallbackResult, error) {
	cb, err := s.validator.Validate(ctx, req.Params)
	if err != nil {
		s.reject(req, err)
		return &ports.CallbackResult{Outcome: outcomeOf(err)}, err
	}

	logger := s.log.With().
		Str("merchant_id", cb.MerchantID).
		Str("order_id", cb.OrderID).
		Bool("success", cb.Success).
		Logger()

	fingerprint := cb.Fingerprint()
	if receipt := s.lookupReceipt(ctx, fingerprint); receipt != nil {
		logger.Debug().Str("transaction_id", receipt.TransactionID.String()).Msg("callback already applied (receipt cache)")
		s.metrics.CallbackReceived(metrics.OutcomeDuplicate)
		return &ports.CallbackResult{Outcome: metrics.OutcomeDuplicate, Duplicate: true}, nil
	}

	tx, err := s.repo.GetByOrder(ctx, cb.MerchantID, cb.OrderID)
	if err != nil {
		err = apperror.InternalError(fmt.Errorf("find transaction for callback: %w", err))
		s.metrics.CallbackReceived(metrics.OutcomeError)
		return &ports.CallbackResult{Outcome: metrics.OutcomeError}, err
	}
	if tx == nil {
		logger.Warn().Msg("callback for unknown order")
		err := apperror.ErrNotFound("transaction")
		s.reject(req, err)
		return &ports.CallbackResult{Outcome: metrics.OutcomeNotFound}, err
	}

	if !cb.Amount.Equal(tx.Amount) || cb.Currency != tx.Currency {
		logger.Error().
			Str("transaction_id", tx.ID.String()).
			Str("expected_amount", tx.Amount.String()).
			Str("callback_amount", cb.RawAmount).
			Str("expected_currency", tx.Currency).
			Str("callback_currency", cb.Currency).
			Msg("callback amount does not match transaction")
		s.audit.Log(ctx, transactionAudit(domain.AuditActionAmountMismatch, tx, gatewayActor, req.ClientIP, map[string]any{
			"expected_amount":   tx.Amount.String(),
			"callback_amount":   cb.RawAmount,
			"expected_currency": tx.Currency,
			"callback_currency": cb.Currency,
		}))
	}

	change, err := withVersionRetry(ctx, s.repo, tx.ID, tx.Version, s.cfg.MaxRetries,
		func(version int64) (*domain.StateChange, error) {
			return s.sm.ApplyCallback(ctx, tx.ID, version, cb)
		})
	if err != nil {
		outcome := outcomeOf(err)
		if apperror.Is(err, apperror.CodeConflictingOutcome) {
			s.audit.Log(ctx, transactionAudit(domain.AuditActionCallbackConflict, tx, gatewayActor, req.ClientIP, map[string]any{
				"incoming": string(cb.TargetStatus()),
				"detail":   cb.Detail,
				"error":    err.Error(),
			}))
		} else {
			logger.Error().Err(err).Str("transaction_id", tx.ID.String()).Msg("failed to apply callback")
		}
		s.metrics.CallbackReceived(outcome)
		return &ports.CallbackResult{Outcome: outcome, Transaction: tx}, err
	}

	result := &ports.CallbackResult{Transaction: change.Transaction}
	details := map[string]any{
		"from":        string(change.From),
		"status":      string(change.Transaction.Status),
		"scheme":      cb.Scheme,
		"key_version": cb.KeyVersion,
	}
	if change.Changed {
		result.Outcome = metrics.OutcomeApplied
		s.audit.Log(ctx, transactionAudit(domain.AuditActionCallbackAccepted, change.Transaction, gatewayActor, req.ClientIP, details))
	} else {
		result.Outcome = metrics.OutcomeDuplicate
		result.Duplicate = true
		s.audit.Log(ctx, transactionAudit(domain.AuditActionCallbackDuplicate, change.Transaction, gatewayActor, req.ClientIP, details))
	}
	s.rememberReceipt(ctx, fingerprint, change.Transaction)
	s.metrics.CallbackReceived(result.Outcome)

	logger.Info().
		Str("transaction_id", change.Transaction.ID.String()).
		Str("status", string(change.Transaction.Status)).
		Bool("duplicate", result.Duplicate).
		Msg("callback processed")
	return result, nil
}

func (s *CallbackServiceImpl) lookupReceipt(ctx context.Context, fingerprint string) *ports.CallbackReceipt {
	if s.receipts == nil {
		return nil
	}
	receipt, err := s.receipts.Lookup(ctx, fingerprint)
	if err != nil {
		s.log.Warn().Err(err).Msg("receipt cache lookup failed, falling through")
		return nil
	}
	return receipt
}

func (s *CallbackServiceImpl) rememberReceipt(ctx context.Context, fingerprint string, tx *domain.PaymentTransaction) {
	if s.receipts == nil || s.cfg.ReceiptTTL <= 0 {
		return
	}
	_, err := s.receipts.Remember(ctx, fingerprint, ports.CallbackReceipt{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Version:       tx.Version,
		AppliedAt:     time.Now().UTC(),
	}, s.cfg.ReceiptTTL)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to store callback receipt")
	}
}

// reject audits and counts a callback that never reached the state machine.
func (s *CallbackServiceImpl) reject(req ports.CallbackRequest, err error) {
	outcome := outcomeOf(err)
	s.metrics.CallbackReceived(outcome)

	params := domain.NormalizeCallbackParams(req.Params)
	entry := &domain.AuditLog{
		Actor:        gatewayActor,
		Action:       domain.AuditActionCallbackRejected,
		ResourceType: "callback",
		ResourceID:   params[domain.ParamOrderID],
		Details: auditDetails(map[string]any{
			"reason":      outcome,
			"error":       err.Error(),
			"method":      req.Method,
			"merchant_id": params[domain.ParamMerchantID],
		}),
		IPAddress: req.ClientIP,
	}
	s.audit.Log(context.Background(), entry)
}

func outcomeOf(err error) string {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		return metrics.OutcomeError
	}
	switch appErr.Code {
	case apperror.CodeMalformedRequest:
		return metrics.OutcomeMalformed
	case apperror.CodeUnknownMerchant:
		return metrics.OutcomeUnknownMerchant
	case apperror.CodeSignatureMismatch:
		return metrics.OutcomeSignatureMismatch
	case apperror.CodeConflictingOutcome:
		return metrics.OutcomeConflict
	case apperror.CodeNotFound:
		return metrics.OutcomeNotFound
	}
	return metrics.OutcomeError
}
