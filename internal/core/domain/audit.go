package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of audited action.
type AuditAction string

const (
	AuditActionCallbackAccepted  AuditAction = "CALLBACK_ACCEPTED"
	AuditActionCallbackDuplicate AuditAction = "CALLBACK_DUPLICATE"
	AuditActionCallbackRejected  AuditAction = "CALLBACK_REJECTED"
	AuditActionCallbackConflict  AuditAction = "CALLBACK_CONFLICT"
	AuditActionAmountMismatch    AuditAction = "CALLBACK_AMOUNT_MISMATCH"
	AuditActionPaymentInitiated  AuditAction = "PAYMENT_INITIATED"
	AuditActionReconciled        AuditAction = "RECONCILED"
	AuditActionReconcileFailed   AuditAction = "RECONCILE_FAILED"
	AuditActionReconcileExpired  AuditAction = "RECONCILE_EXPIRED"
	AuditActionManualOverride    AuditAction = "MANUAL_OVERRIDE"
	AuditActionRotateKeys        AuditAction = "ROTATE_KEYS"
	AuditActionMerchantCreated   AuditAction = "MERCHANT_CREATED"
	AuditActionAccessDenied      AuditAction = "ACCESS_DENIED"
)

// AuditLog records a single audited action in the system.
type AuditLog struct {
	ID           uuid.UUID   `json:"id"`
	MerchantID   *string     `json:"merchant_id,omitempty"`
	Actor        string      `json:"actor"`
	Action       AuditAction `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id,omitempty"`
	Details      string      `json:"details,omitempty"` // JSON string
	IPAddress    string      `json:"ip_address"`
	CreatedAt    time.Time   `json:"created_at"`
}
