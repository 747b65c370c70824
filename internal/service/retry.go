package service

import (
	"context"
	"fmt"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"

	"github.com/google/uuid"
)

// defaultConflictRetries bounds how often a state change is re-read and
// re-applied after losing a compare-and-swap race.
const defaultConflictRetries = 3

// withVersionRetry runs op against version, reloading the row and trying
// again up to retries times while op reports a version conflict.
func withVersionRetry(
	ctx context.Context,
	repo ports.TransactionRepository,
	txID uuid.UUID,
	version int64,
	retries int,
	op func(version int64) (*domain.StateChange, error),
) (*domain.StateChange, error) {
	for attempt := 0; ; attempt++ {
		change, err := op(version)
		if err == nil || !apperror.Is(err, apperror.CodeVersionConflict) || attempt >= retries {
			return change, err
		}

		cur, err := repo.GetByID(ctx, txID)
		if err != nil {
			return nil, apperror.InternalError(fmt.Errorf("reload transaction %s: %w", txID, err))
		}
		if cur == nil {
			return nil, apperror.ErrNotFound("transaction")
		}
		version = cur.Version
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
