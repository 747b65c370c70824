package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BackoffPolicy is the retry schedule for gateway status queries.
type BackoffPolicy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given attempt number. Attempt 1 is
// immediate; attempt n waits BaseDelay * Factor^(n-2), capped at MaxDelay.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ReconcilerImpl implements ports.Reconciler.
type ReconcilerImpl struct {
	repo    ports.TransactionRepository
	sm      ports.StateMachine
	signer  ports.RequestSigner
	gateway ports.PaymentGateway
	mapping domain.StatusMapping
	policy  BackoffPolicy
	metrics *metrics.Metrics
	log     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler creates a new reconciliation orchestrator.
func NewReconciler(
	repo ports.TransactionRepository,
	sm ports.StateMachine,
	signer ports.RequestSigner,
	gateway ports.PaymentGateway,
	mapping domain.StatusMapping,
	policy BackoffPolicy,
	m *metrics.Metrics,
	log zerolog.Logger,
) *ReconcilerImpl {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &ReconcilerImpl{
		repo:    repo,
		sm:      sm,
		signer:  signer,
		gateway: gateway,
		mapping: mapping,
		policy:  policy,
		metrics: m,
		log:     log,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// exhaustFunc decides what happens to a still reconcilable transaction once
// every query attempt failed in transport.
type exhaustFunc func(ctx context.Context, logger zerolog.Logger, result *domain.ReconciliationResult, lastErr error) error

// QueryAndReconcile asks the gateway for the live status of txID and applies
// the answer. Transport failures are retried with backoff; once attempts run
// out the transaction moves to QUERY_FAILED and the transport error is
// returned alongside the result.
func (r *ReconcilerImpl) QueryAndReconcile(ctx context.Context, txID uuid.UUID) (*domain.ReconciliationResult, error) {
	return r.run(ctx, txID, r.markQueryFailed)
}

// Poll is QueryAndReconcile for background sweeps. When the gateway stays
// unreachable the status is left alone and only the query timestamp moves,
// so the next sweep tries again.
func (r *ReconcilerImpl) Poll(ctx context.Context, txID uuid.UUID) (*domain.ReconciliationResult, error) {
	return r.run(ctx, txID, r.touchQuery)
}

func (r *ReconcilerImpl) run(ctx context.Context, txID uuid.UUID, exhausted exhaustFunc) (*domain.ReconciliationResult, error) {
	start := r.now()
	defer func() { r.metrics.ReconciliationFinished(r.now().Sub(start)) }()

	tx, err := r.load(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !tx.Status.IsReconcilable() {
		return nil, apperror.ErrNotEligible(string(tx.Status))
	}

	result := &domain.ReconciliationResult{Transaction: tx}
	req, err := r.signer.Sign(ctx, domain.RequestKindQuery,
		map[string]string{domain.ParamOrderID: tx.OrderID}, tx.KeyRef())
	if err != nil {
		return result, err
	}

	logger := r.log.With().
		Str("transaction_id", tx.ID.String()).
		Str("order_id", tx.OrderID).
		Logger()

	var lastErr error
	for n := 1; n <= r.policy.MaxAttempts; n++ {
		if n > 1 {
			if err := r.sleep(ctx, r.policy.Delay(n)); err != nil {
				return result, err
			}
			// Eligibility is re-checked before every retry; a callback may have landed.
			superseded, err := r.superseded(ctx, logger, result, n)
			if err != nil || superseded {
				return result, err
			}
		}

		attempt := domain.ReconciliationAttempt{Number: n, StartedAt: r.now()}
		resp, err := r.gateway.QueryStatus(ctx, req)
		if err != nil {
			attempt.Error = err.Error()
			if !apperror.Is(err, apperror.CodeTransportFailure) {
				attempt.Outcome = domain.AttemptOutcomeRejected
				r.record(result, attempt)
				return result, err
			}
			attempt.Outcome = domain.AttemptOutcomeTransportFailure
			if n < r.policy.MaxAttempts {
				next := r.now().Add(r.policy.Delay(n + 1))
				attempt.NextRetryAt = &next
			}
			r.record(result, attempt)
			logger.Warn().Err(err).Int("attempt", n).Msg("gateway status query failed")
			lastErr = err
			continue
		}

		if code := resp.StatusCode(); code != http.StatusOK {
			rejected := apperror.ErrGatewayRejected(code, resp.Description())
			attempt.Outcome = domain.AttemptOutcomeRejected
			attempt.Error = rejected.Message
			r.record(result, attempt)
			logger.Warn().Int("status_code", code).Msg("gateway rejected status query")
			return result, rejected
		}

		qr := r.toQueryResult(resp)
		result.GatewayStatus = qr.Status
		r.checkAmount(logger, result.Transaction, qr)

		cur := result.Transaction
		change, err := withVersionRetry(ctx, r.repo, cur.ID, cur.Version, defaultConflictRetries,
			func(version int64) (*domain.StateChange, error) {
				return r.sm.ApplyQueryResult(ctx, cur.ID, version, qr)
			})
		if err != nil {
			attempt.Outcome = domain.AttemptOutcomeRejected
			attempt.Error = err.Error()
			r.record(result, attempt)
			return result, err
		}

		attempt.Outcome = domain.AttemptOutcomeApplied
		r.record(result, attempt)
		result.Transaction = change.Transaction
		logger.Info().
			Str("gateway_status", string(qr.Status)).
			Str("status", string(change.Transaction.Status)).
			Int("attempts", n).
			Msg("reconciliation applied")
		return result, nil
	}

	// A callback may have settled the transaction during the last attempt.
	superseded, err := r.superseded(ctx, logger, result, r.policy.MaxAttempts+1)
	if err != nil || superseded {
		return result, err
	}
	return result, exhausted(ctx, logger, result, lastErr)
}

// superseded reloads the transaction and reports whether it left the
// reconcilable statuses. If so a SUPERSEDED attempt numbered n is recorded.
func (r *ReconcilerImpl) superseded(ctx context.Context, logger zerolog.Logger, result *domain.ReconciliationResult, n int) (bool, error) {
	cur, err := r.load(ctx, result.Transaction.ID)
	if err != nil {
		return false, err
	}
	result.Transaction = cur
	if cur.Status.IsReconcilable() {
		return false, nil
	}
	r.supersede(logger, result, n)
	return true, nil
}

func (r *ReconcilerImpl) supersede(logger zerolog.Logger, result *domain.ReconciliationResult, n int) {
	r.record(result, domain.ReconciliationAttempt{
		Number:    n,
		StartedAt: r.now(),
		Outcome:   domain.AttemptOutcomeSuperseded,
	})
	logger.Info().Str("status", string(result.Transaction.Status)).Msg("reconciliation superseded")
}

func (r *ReconcilerImpl) markQueryFailed(ctx context.Context, logger zerolog.Logger, result *domain.ReconciliationResult, lastErr error) error {
	reason := fmt.Sprintf("gateway unreachable after %d attempts: %v", r.policy.MaxAttempts, transportCause(lastErr))
	tx := result.Transaction
	change, err := withVersionRetry(ctx, r.repo, tx.ID, tx.Version, defaultConflictRetries,
		func(version int64) (*domain.StateChange, error) {
			return r.sm.MarkQueryFailed(ctx, tx.ID, version, reason)
		})
	if err != nil {
		return err
	}
	result.Transaction = change.Transaction
	if !change.Changed && change.Transaction.IsTerminal() {
		r.supersede(logger, result, r.policy.MaxAttempts+1)
		return nil
	}
	logger.Error().Err(lastErr).Int("attempts", r.policy.MaxAttempts).Msg("reconciliation exhausted, marked QUERY_FAILED")
	return lastErr
}

// touchQuery stamps the query time without moving the status.
func (r *ReconcilerImpl) touchQuery(ctx context.Context, logger zerolog.Logger, result *domain.ReconciliationResult, lastErr error) error {
	qr := &domain.QueryResult{
		Status:      domain.GatewayStatusUnknown,
		Description: fmt.Sprintf("gateway unreachable after %d attempts: %v", r.policy.MaxAttempts, transportCause(lastErr)),
		ReceivedAt:  r.now(),
	}
	tx := result.Transaction
	change, err := withVersionRetry(ctx, r.repo, tx.ID, tx.Version, defaultConflictRetries,
		func(version int64) (*domain.StateChange, error) {
			return r.sm.ApplyQueryResult(ctx, tx.ID, version, qr)
		})
	if err != nil {
		return err
	}
	result.Transaction = change.Transaction
	if change.Transaction.IsTerminal() {
		r.supersede(logger, result, r.policy.MaxAttempts+1)
		return nil
	}
	logger.Warn().Err(lastErr).Int("attempts", r.policy.MaxAttempts).Msg("gateway unreachable, transaction left pending")
	return lastErr
}

// transportCause strips the transport error wrapper so descriptions do not
// repeat its message.
func transportCause(err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && appErr.Err != nil {
		return appErr.Err
	}
	return err
}

func (r *ReconcilerImpl) load(ctx context.Context, txID uuid.UUID) (*domain.PaymentTransaction, error) {
	tx, err := r.repo.GetByID(ctx, txID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load transaction %s: %w", txID, err))
	}
	if tx == nil {
		return nil, apperror.ErrNotFound("transaction")
	}
	return tx, nil
}

func (r *ReconcilerImpl) record(result *domain.ReconciliationResult, a domain.ReconciliationAttempt) {
	result.Attempts = append(result.Attempts, a)
	r.metrics.ReconciliationAttempt(strings.ToLower(string(a.Outcome)))
}

func (r *ReconcilerImpl) toQueryResult(resp *domain.GatewayResponse) *domain.QueryResult {
	qr := &domain.QueryResult{
		Status:      r.mapping.Map(resp.Reply),
		Description: resp.Description(),
		Raw:         resp.Raw,
		ReceivedAt:  r.now(),
	}
	if resp.Reply != nil {
		qr.GatewayTransactionID = resp.Reply.TransactionID
		qr.Currency = strings.ToUpper(resp.Reply.Currency)
		if amt, err := decimal.NewFromString(resp.Reply.Amount); err == nil {
			qr.Amount = &amt
		}
	}
	return qr
}

func (r *ReconcilerImpl) checkAmount(logger zerolog.Logger, tx *domain.PaymentTransaction, qr *domain.QueryResult) {
	if qr.Amount != nil && !qr.Amount.Equal(tx.Amount) {
		logger.Error().
			Str("expected", tx.Amount.String()).
			Str("reported", qr.Amount.String()).
			Msg("gateway reported a different amount")
	}
	if qr.Currency != "" && qr.Currency != tx.Currency {
		logger.Error().
			Str("expected", tx.Currency).
			Str("reported", qr.Currency).
			Msg("gateway reported a different currency")
	}
}
