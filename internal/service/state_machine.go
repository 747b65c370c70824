package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransactionStateMachine implements ports.StateMachine.
//
// Every method follows the same discipline: read the row, settle duplicates
// and contradictions against the stored terminal outcome, check the caller's
// expected version, then persist through compare-and-swap. Duplicates are
// answered before the version check so that a redelivered callback carrying
// a stale version still succeeds without a write.
type TransactionStateMachine struct {
	repo    ports.TransactionRepository
	metrics *metrics.Metrics
	now     func() time.Time
	log     zerolog.Logger
}

// NewStateMachine creates a new TransactionStateMachine.
func NewStateMachine(repo ports.TransactionRepository, m *metrics.Metrics, log zerolog.Logger) *TransactionStateMachine {
	return &TransactionStateMachine{repo: repo, metrics: m, now: time.Now, log: log}
}

// ApplyCallback moves the transaction to SUCCESS or FAILED.
func (s *TransactionStateMachine) ApplyCallback(ctx context.Context, txID uuid.UUID, expectedVersion int64, cb *domain.ValidatedCallback) (*domain.StateChange, error) {
	cur, err := s.load(ctx, txID)
	if err != nil {
		return nil, err
	}

	target := cb.TargetStatus()
	if cur.IsTerminal() {
		return s.settleTerminal(cur, target, "apply_callback")
	}
	if err := s.checkVersion(cur, expectedVersion, "apply_callback"); err != nil {
		return nil, err
	}
	if !cur.Status.CanTransitionTo(target) {
		return nil, apperror.ErrInvalidTransition(string(cur.Status), string(target))
	}

	next := cur.Clone()
	next.Status = target
	if cb.Detail != "" {
		next.StatusDescription = cb.Detail
	}
	received := cb.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	next.CallbackTimestamp = &received
	if data, err := json.Marshal(cb.Params); err == nil {
		next.CallbackData = data
	}

	return s.swap(ctx, "apply_callback", cur, next, expectedVersion)
}

// ApplyQueryResult records a gateway status answer. Terminal answers move a
// non-terminal transaction to QUERY_SUCCESS, QUERY_FAILED or CANCELLED;
// pending or unknown answers only refresh the query snapshot.
func (s *TransactionStateMachine) ApplyQueryResult(ctx context.Context, txID uuid.UUID, expectedVersion int64, result *domain.QueryResult) (*domain.StateChange, error) {
	cur, err := s.load(ctx, txID)
	if err != nil {
		return nil, err
	}

	target, moves := result.Status.QueryTransactionStatus()
	if cur.IsTerminal() {
		if !moves {
			return &domain.StateChange{Transaction: cur, From: cur.Status}, nil
		}
		return s.settleTerminal(cur, target, "apply_query_result")
	}
	if err := s.checkVersion(cur, expectedVersion, "apply_query_result"); err != nil {
		return nil, err
	}

	next := cur.Clone()
	queried := result.ReceivedAt
	if queried.IsZero() {
		queried = s.now()
	}
	next.LastQueryTimestamp = &queried
	if len(result.Raw) > 0 {
		next.LastQueryData = result.Raw
	}
	if !next.SetGatewayTransactionID(result.GatewayTransactionID) {
		s.log.Warn().
			Str("transaction_id", cur.ID.String()).
			Str("stored", cur.GatewayTransactionID).
			Str("reported", result.GatewayTransactionID).
			Msg("gateway reported a different transaction id; keeping the stored one")
	}
	if moves {
		if !cur.Status.CanTransitionTo(target) {
			return nil, apperror.ErrInvalidTransition(string(cur.Status), string(target))
		}
		next.Status = target
	}
	if result.Description != "" {
		next.StatusDescription = result.Description
	}

	return s.swap(ctx, "apply_query_result", cur, next, expectedVersion)
}

// MarkQueryFailed records that reconciliation gave up on the gateway. A
// transaction that already settled through another path is returned
// unchanged: giving up on a query never contradicts a real outcome.
func (s *TransactionStateMachine) MarkQueryFailed(ctx context.Context, txID uuid.UUID, expectedVersion int64, reason string) (*domain.StateChange, error) {
	cur, err := s.load(ctx, txID)
	if err != nil {
		return nil, err
	}

	target := domain.TransactionStatusQueryFailed
	if cur.IsTerminal() {
		s.log.Debug().
			Str("transaction_id", cur.ID.String()).
			Str("status", string(cur.Status)).
			Msg("transaction settled before query failure was recorded")
		return &domain.StateChange{Transaction: cur, From: cur.Status}, nil
	}
	if err := s.checkVersion(cur, expectedVersion, "mark_query_failed"); err != nil {
		return nil, err
	}

	next := cur.Clone()
	now := s.now()
	next.Status = target
	next.StatusDescription = reason
	next.LastQueryTimestamp = &now

	return s.swap(ctx, "mark_query_failed", cur, next, expectedVersion)
}

// RecordPlacement stores the gateway's answer to the initial payment request.
// A callback may already have finished the transaction; its status then wins
// and only the response snapshot is stored.
func (s *TransactionStateMachine) RecordPlacement(ctx context.Context, txID uuid.UUID, expectedVersion int64, placement *domain.PlacementResult) (*domain.StateChange, error) {
	cur, err := s.load(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := s.checkVersion(cur, expectedVersion, "record_placement"); err != nil {
		return nil, err
	}

	next := cur.Clone()
	if len(placement.Raw) > 0 {
		next.InitialResponseData = placement.Raw
	}
	if placement.Response != nil && placement.Response.Reply != nil {
		next.SetGatewayTransactionID(placement.Response.Reply.TransactionID)
	}
	if !cur.IsTerminal() && cur.Status.CanTransitionTo(placement.Status) {
		next.Status = placement.Status
		next.StatusDescription = placement.Description
	}

	return s.swap(ctx, "record_placement", cur, next, expectedVersion)
}

// Override sets a terminal status by hand. It is the only path that may
// replace one terminal outcome with another.
func (s *TransactionStateMachine) Override(ctx context.Context, txID uuid.UUID, expectedVersion int64, target domain.TransactionStatus, reason string) (*domain.StateChange, error) {
	if !target.IsTerminal() {
		return nil, apperror.Validation(fmt.Sprintf("override target %s is not a terminal status", target))
	}

	cur, err := s.load(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := s.checkVersion(cur, expectedVersion, "override"); err != nil {
		return nil, err
	}
	if cur.Status == target {
		return &domain.StateChange{Transaction: cur, From: cur.Status}, nil
	}

	next := cur.Clone()
	next.Status = target
	next.StatusDescription = reason
	next.ManualOverride = true

	return s.swap(ctx, "override", cur, next, expectedVersion)
}

func (s *TransactionStateMachine) load(ctx context.Context, txID uuid.UUID) (*domain.PaymentTransaction, error) {
	tx, err := s.repo.GetByID(ctx, txID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load transaction %s: %w", txID, err))
	}
	if tx == nil {
		return nil, apperror.ErrNotFound("transaction")
	}
	return tx, nil
}

// settleTerminal answers an event aimed at an already terminal transaction:
// the same outcome is a no-op, a different one is a conflict.
func (s *TransactionStateMachine) settleTerminal(cur *domain.PaymentTransaction, target domain.TransactionStatus, op string) (*domain.StateChange, error) {
	if cur.Status.Outcome() == target.Outcome() {
		s.log.Debug().
			Str("transaction_id", cur.ID.String()).
			Str("status", string(cur.Status)).
			Str("operation", op).
			Msg("duplicate outcome, nothing to apply")
		return &domain.StateChange{Transaction: cur, From: cur.Status}, nil
	}

	s.log.Error().
		Str("transaction_id", cur.ID.String()).
		Str("order_id", cur.OrderID).
		Str("current", string(cur.Status)).
		Str("incoming", string(target)).
		Str("operation", op).
		Msg("conflicting outcome for terminal transaction")
	return nil, apperror.ErrConflictingOutcome(string(cur.Status), string(target))
}

func (s *TransactionStateMachine) checkVersion(cur *domain.PaymentTransaction, expected int64, op string) error {
	if cur.Version == expected {
		return nil
	}
	s.metrics.VersionConflict(op)
	return apperror.ErrVersionConflict()
}

func (s *TransactionStateMachine) swap(ctx context.Context, op string, cur, next *domain.PaymentTransaction, expectedVersion int64) (*domain.StateChange, error) {
	ok, err := s.repo.CompareAndSwap(ctx, next, expectedVersion)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("%s: %w", op, err))
	}
	if !ok {
		s.metrics.VersionConflict(op)
		return nil, apperror.ErrVersionConflict()
	}

	if cur.Status != next.Status {
		s.metrics.Transition(string(cur.Status), string(next.Status))
	}
	s.log.Info().
		Str("transaction_id", next.ID.String()).
		Str("order_id", next.OrderID).
		Str("from", string(cur.Status)).
		Str("to", string(next.Status)).
		Int64("version", next.Version).
		Str("operation", op).
		Msg("transaction updated")

	return &domain.StateChange{Transaction: next, From: cur.Status, Changed: true}, nil
}
