package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PlacementPolicy maps the gateway's HTTP answer to a new payment onto a
// transaction status.
type PlacementPolicy struct {
	// PendingCodes mean the payment was accepted and is in flight.
	PendingCodes []int
	// RedirectCodes mean the payer must complete a step (e.g. 3-D Secure).
	RedirectCodes []int
}

// DefaultPlacementPolicy is the reference gateway's convention.
func DefaultPlacementPolicy() PlacementPolicy {
	return PlacementPolicy{PendingCodes: []int{200, 201}, RedirectCodes: []int{210}}
}

// Status returns the transaction status for an HTTP status code.
func (p PlacementPolicy) Status(code int) domain.TransactionStatus {
	for _, c := range p.PendingCodes {
		if c == code {
			return domain.TransactionStatusPending
		}
	}
	for _, c := range p.RedirectCodes {
		if c == code {
			return domain.TransactionStatusAwaitingCallback
		}
	}
	return domain.TransactionStatusFailed
}

// PaymentServiceImpl implements ports.PaymentService.
type PaymentServiceImpl struct {
	txRepo       ports.TransactionRepository
	merchantRepo ports.MerchantRepository
	signer       ports.RequestSigner
	gateway      ports.PaymentGateway
	sm           ports.StateMachine
	reconciler   ports.Reconciler
	audit        ports.AuditService
	placement    PlacementPolicy
	log          zerolog.Logger
}

// NewPaymentService creates a new PaymentServiceImpl.
func NewPaymentService(
	txRepo ports.TransactionRepository,
	merchantRepo ports.MerchantRepository,
	signer ports.RequestSigner,
	gateway ports.PaymentGateway,
	sm ports.StateMachine,
	reconciler ports.Reconciler,
	audit ports.AuditService,
	placement PlacementPolicy,
	log zerolog.Logger,
) *PaymentServiceImpl {
	return &PaymentServiceImpl{
		txRepo:       txRepo,
		merchantRepo: merchantRepo,
		signer:       signer,
		gateway:      gateway,
		sm:           sm,
		reconciler:   reconciler,
		audit:        audit,
		placement:    placement,
		log:          log,
	}
}

// Initiate persists a new transaction, signs it and submits it to the gateway.
func (s *PaymentServiceImpl) Initiate(ctx context.Context, req ports.InitiateRequest) (*domain.PaymentTransaction, error) {
	orderID := strings.TrimSpace(req.OrderID)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	switch {
	case orderID == "":
		return nil, apperror.Validation("order_id is required")
	case !req.Amount.IsPositive():
		return nil, apperror.Validation("amount must be positive")
	case len(currency) != 3:
		return nil, apperror.Validation("currency must be a 3-letter ISO code")
	}

	merchant, err := s.merchantRepo.GetByID(ctx, req.MerchantID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load merchant: %w", err))
	}
	if merchant == nil {
		return nil, apperror.ErrNotFound("merchant")
	}
	if !merchant.IsActive() {
		return nil, apperror.Validation("merchant is not active")
	}
	mode := req.Mode
	if mode == "" {
		mode = merchant.Mode
	}
	if !mode.Valid() {
		return nil, apperror.Validation(fmt.Sprintf("unknown mode %q", mode))
	}

	existing, err := s.txRepo.GetByOrder(ctx, merchant.ID, orderID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("check duplicate order: %w", err))
	}
	if existing != nil {
		return nil, apperror.ErrDuplicateOrder()
	}

	ref := domain.MerchantKeyRef{MerchantID: merchant.ID, Mode: mode}
	signed, err := s.signer.Sign(ctx, domain.RequestKindPayment, map[string]string{
		domain.ParamClientID:      req.ClientID,
		domain.ParamOrderID:       orderID,
		domain.ParamAmount:        req.Amount.String(),
		domain.ParamCurrency:      currency,
		domain.ParamReplyURL:      req.ReplyURL,
		domain.ParamBackofficeURL: req.BackofficeURL,
	}, ref)
	if err != nil {
		return nil, err
	}
	requestData, err := json.Marshal(signed.Fields)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal request snapshot: %w", err))
	}

	now := time.Now().UTC()
	tx := &domain.PaymentTransaction{
		ID:               uuid.New(),
		OrderID:          orderID,
		MerchantID:       merchant.ID,
		Mode:             mode,
		ClientID:         req.ClientID,
		Amount:           req.Amount,
		Currency:         currency,
		Status:           domain.TransactionStatusReceived,
		ReplyURL:         req.ReplyURL,
		BackofficeURL:    req.BackofficeURL,
		RequestTimestamp: now,
		Version:          1,
		RequestData:      requestData,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.txRepo.Create(ctx, tx); err != nil {
		if apperror.Is(err, apperror.CodeDuplicateOrder) {
			return nil, err
		}
		return nil, apperror.InternalError(fmt.Errorf("create transaction: %w", err))
	}
	s.audit.Log(ctx, transactionAudit(domain.AuditActionPaymentInitiated, tx, req.Actor, req.ClientIP, map[string]any{
		"order_id": orderID,
		"amount":   tx.Amount.String(),
		"currency": currency,
		"mode":     string(mode),
		"scheme":   signed.Scheme,
	}))

	placement := s.place(ctx, signed)
	change, err := withVersionRetry(ctx, s.txRepo, tx.ID, tx.Version, defaultConflictRetries,
		func(version int64) (*domain.StateChange, error) {
			return s.sm.RecordPlacement(ctx, tx.ID, version, placement)
		})
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", tx.ID.String()).Msg("failed to record placement")
		return nil, err
	}

	s.log.Info().
		Str("transaction_id", tx.ID.String()).
		Str("merchant_id", merchant.ID).
		Str("order_id", orderID).
		Str("amount", tx.Amount.String()).
		Str("status", string(change.Transaction.Status)).
		Msg("payment initiated")
	return change.Transaction, nil
}

// place submits the signed request. An unreachable gateway leaves the
// transaction PENDING so the sweeper can find out what happened.
func (s *PaymentServiceImpl) place(ctx context.Context, signed *domain.SignedRequest) *domain.PlacementResult {
	resp, err := s.gateway.PlacePayment(ctx, signed)
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", signed.Fields[domain.ParamOrderID]).Msg("payment placement failed")
		if apperror.Is(err, apperror.CodeTransportFailure) {
			return &domain.PlacementResult{
				Status:      domain.TransactionStatusPending,
				Description: "Gateway unreachable during placement; awaiting reconciliation",
			}
		}
		return &domain.PlacementResult{Status: domain.TransactionStatusFailed, Description: err.Error()}
	}

	return &domain.PlacementResult{
		Status:      s.placement.Status(resp.HTTPStatus),
		Description: resp.Description(),
		Response:    resp,
		Raw:         resp.Raw,
	}
}

func (s *PaymentServiceImpl) Get(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	tx, err := s.txRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	if tx == nil {
		return nil, apperror.ErrNotFound("transaction")
	}
	return tx, nil
}

func (s *PaymentServiceImpl) List(ctx context.Context, params ports.TransactionListParams) ([]domain.PaymentTransaction, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = defaultPageSize
	}
	if params.PageSize > maxPageSize {
		params.PageSize = maxPageSize
	}

	txs, total, err := s.txRepo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.InternalError(fmt.Errorf("list transactions: %w", err))
	}
	return txs, total, nil
}

// Reconcile runs QueryAndReconcile on behalf of actor and audits the result.
func (s *PaymentServiceImpl) Reconcile(ctx context.Context, id uuid.UUID, actor string) (*domain.ReconciliationResult, error) {
	result, err := s.reconciler.QueryAndReconcile(ctx, id)
	s.auditReconcile(ctx, actor, result, err)
	return result, err
}

// PollStale is Reconcile for the background sweeper: an unreachable gateway
// leaves the transaction pending instead of failing it.
func (s *PaymentServiceImpl) PollStale(ctx context.Context, id uuid.UUID, actor string) (*domain.ReconciliationResult, error) {
	result, err := s.reconciler.Poll(ctx, id)
	s.auditReconcile(ctx, actor, result, err)
	return result, err
}

// Expire gives up on a transaction that never reached a final status and
// marks it QUERY_FAILED with reason.
func (s *PaymentServiceImpl) Expire(ctx context.Context, id uuid.UUID, actor, reason string) (*domain.PaymentTransaction, error) {
	tx, err := s.txRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load transaction %s: %w", id, err))
	}
	if tx == nil {
		return nil, apperror.ErrNotFound("transaction")
	}
	if !tx.Status.IsReconcilable() {
		return nil, apperror.ErrNotEligible(string(tx.Status))
	}

	change, err := withVersionRetry(ctx, s.txRepo, tx.ID, tx.Version, defaultConflictRetries,
		func(version int64) (*domain.StateChange, error) {
			return s.sm.MarkQueryFailed(ctx, tx.ID, version, reason)
		})
	if err != nil {
		return nil, err
	}
	if change.Changed {
		s.audit.Log(ctx, transactionAudit(domain.AuditActionReconcileExpired, change.Transaction, actor, "", map[string]any{
			"from":   string(change.From),
			"reason": reason,
		}))
		s.log.Warn().
			Str("transaction_id", tx.ID.String()).
			Str("order_id", tx.OrderID).
			Str("reason", reason).
			Msg("transaction expired without a final status")
	}
	return change.Transaction, nil
}

func (s *PaymentServiceImpl) auditReconcile(ctx context.Context, actor string, result *domain.ReconciliationResult, err error) {
	if result == nil || result.Transaction == nil {
		return
	}

	details := map[string]any{
		"status":         string(result.Transaction.Status),
		"gateway_status": string(result.GatewayStatus),
		"attempts":       len(result.Attempts),
	}
	action := domain.AuditActionReconciled
	if err != nil {
		action = domain.AuditActionReconcileFailed
		details["error"] = err.Error()
	}
	s.audit.Log(ctx, transactionAudit(action, result.Transaction, actor, "", details))
}

// Override applies a manual terminal status with a mandatory reason.
func (s *PaymentServiceImpl) Override(ctx context.Context, req ports.OverrideRequest) (*domain.PaymentTransaction, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperror.Validation("reason is required")
	}
	if !req.Status.IsTerminal() {
		return nil, apperror.Validation(fmt.Sprintf("status %q is not a terminal status", req.Status))
	}

	change, err := s.sm.Override(ctx, req.TransactionID, req.ExpectedVersion, req.Status, reason)
	if err != nil {
		return nil, err
	}
	if change.Changed {
		s.audit.Log(ctx, transactionAudit(domain.AuditActionManualOverride, change.Transaction, req.Actor, req.ClientIP, map[string]any{
			"from":   string(change.From),
			"to":     string(change.Transaction.Status),
			"reason": reason,
		}))
		s.log.Warn().
			Str("transaction_id", change.Transaction.ID.String()).
			Str("actor", req.Actor).
			Str("from", string(change.From)).
			Str("to", string(change.Transaction.Status)).
			Msg("manual status override")
	}
	return change.Transaction, nil
}
