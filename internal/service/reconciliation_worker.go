package service

import (
	"context"
	"fmt"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/logger"

	"github.com/rs/zerolog"
)

const sweeperActor = "system:sweeper"

// staleStatuses are the statuses the sweeper chases. RECEIVED rows never
// reached the gateway and are left to the placement path.
var staleStatuses = []domain.TransactionStatus{
	domain.TransactionStatusPending,
	domain.TransactionStatusAwaitingCallback,
}

// SweepConfig schedules the stale-transaction sweeper. Transactions older
// than Timeout are no longer queried and are marked QUERY_FAILED instead.
type SweepConfig struct {
	Interval time.Duration
	MinAge   time.Duration
	Timeout  time.Duration
	Batch    int
}

// ReconciliationWorker periodically queries the gateway for transactions
// whose callback never arrived.
type ReconciliationWorker struct {
	repo     ports.TransactionRepository
	payments ports.PaymentService
	cfg      SweepConfig
	log      zerolog.Logger
	now      func() time.Time
}

// NewReconciliationWorker creates a sweeper. Zero config values fall back to
// a one minute interval, a five minute minimum age, a 24 hour timeout and
// 50 rows per batch.
func NewReconciliationWorker(repo ports.TransactionRepository, payments ports.PaymentService, cfg SweepConfig, log zerolog.Logger) *ReconciliationWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 24 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	return &ReconciliationWorker{
		repo:     repo,
		payments: payments,
		cfg:      cfg,
		log:      logger.Component(log, "sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (w *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Info().
		Dur("interval", w.cfg.Interval).
		Dur("min_age", w.cfg.MinAge).
		Dur("timeout", w.cfg.Timeout).
		Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep polls every due transaction in one batch, expires those past the
// timeout, and returns how many it acted on.
func (w *ReconciliationWorker) Sweep(ctx context.Context) (int, error) {
	now := w.now()
	candidates, err := w.repo.ListStale(ctx, staleStatuses, now.Add(-w.cfg.MinAge), w.cfg.Batch)
	if err != nil {
		return 0, err
	}

	queried := 0
	for i := range candidates {
		if ctx.Err() != nil {
			return queried, ctx.Err()
		}
		tx := &candidates[i]
		if now.Sub(tx.CreatedAt) >= w.cfg.Timeout {
			queried++
			w.expire(ctx, tx)
			continue
		}
		if !due(tx, now) {
			continue
		}
		queried++

		result, err := w.payments.PollStale(ctx, tx.ID, sweeperActor)
		switch {
		case err == nil && result != nil && result.Transaction != nil:
			w.log.Debug().
				Str("transaction_id", tx.ID.String()).
				Str("status", string(result.Transaction.Status)).
				Msg("stale transaction reconciled")
		case err == nil:
		case apperror.Is(err, apperror.CodeNotEligible):
			w.log.Debug().Str("transaction_id", tx.ID.String()).Msg("transaction settled before sweep")
		default:
			w.log.Warn().Err(err).Str("transaction_id", tx.ID.String()).Msg("stale transaction reconciliation failed")
		}
	}

	if queried > 0 {
		w.log.Info().Int("candidates", len(candidates)).Int("queried", queried).Msg("sweep finished")
	}
	return queried, nil
}

func (w *ReconciliationWorker) expire(ctx context.Context, tx *domain.PaymentTransaction) {
	reason := fmt.Sprintf("timed out after %s without a final status", w.cfg.Timeout)
	_, err := w.payments.Expire(ctx, tx.ID, sweeperActor, reason)
	switch {
	case err == nil:
	case apperror.Is(err, apperror.CodeNotEligible):
		w.log.Debug().Str("transaction_id", tx.ID.String()).Msg("transaction settled before expiry")
	default:
		w.log.Warn().Err(err).Str("transaction_id", tx.ID.String()).Msg("stale transaction expiry failed")
	}
}

// queryInterval is how long to wait between status queries for a
// transaction of the given age.
func queryInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < time.Hour:
		return time.Minute
	case elapsed < 3*time.Hour:
		return 10 * time.Minute
	default:
		return time.Hour
	}
}

func due(tx *domain.PaymentTransaction, now time.Time) bool {
	if tx.LastQueryTimestamp == nil {
		return true
	}
	elapsed := now.Sub(tx.CreatedAt)
	return now.Sub(*tx.LastQueryTimestamp) >= queryInterval(elapsed)
}
