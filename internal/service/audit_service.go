package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultHistoryLimit = 100

type auditService struct {
	repo ports.AuditRepository
	log  zerolog.Logger
}

// NewAuditService creates a new audit service.
// If repo is nil, audit logs are only written to the logger.
func NewAuditService(repo ports.AuditRepository, log zerolog.Logger) ports.AuditService {
	return &auditService{repo: repo, log: log}
}

// Log records an audit entry asynchronously (fire-and-forget).
func (s *auditService) Log(_ context.Context, entry *domain.AuditLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	go func() {
		s.log.Info().
			Str("action", string(entry.Action)).
			Str("actor", entry.Actor).
			Str("resource_type", entry.ResourceType).
			Str("resource_id", entry.ResourceID).
			Str("ip", entry.IPAddress).
			Msg("audit")

		if s.repo != nil {
			if err := s.repo.Create(context.Background(), entry); err != nil {
				s.log.Warn().Err(err).Str("action", string(entry.Action)).Msg("failed to persist audit log")
			}
		}
	}()
}

// History returns the newest audit entries for one resource.
func (s *auditService) History(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.AuditLog, error) {
	if s.repo == nil {
		return nil, nil
	}
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	logs, err := s.repo.ListByResource(ctx, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit history: %w", err)
	}
	return logs, nil
}

// auditDetails renders details as the JSON string stored on an AuditLog.
func auditDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	b, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(b)
}

func transactionAudit(action domain.AuditAction, tx *domain.PaymentTransaction, actor, ip string, details map[string]any) *domain.AuditLog {
	merchantID := tx.MerchantID
	return &domain.AuditLog{
		MerchantID:   &merchantID,
		Actor:        actor,
		Action:       action,
		ResourceType: "transaction",
		ResourceID:   tx.ID.String(),
		Details:      auditDetails(details),
		IPAddress:    ip,
	}
}
