package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"
	"time"

	"payment-callback-gateway/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Infrastructure Ports ---

// EncryptionService seals merchant key material at rest (AES-256-GCM).
// aad binds a ciphertext to the record it belongs to.
type EncryptionService interface {
	Encrypt(plaintext, aad string) (string, error)
	Decrypt(ciphertext, aad string) (string, error)
}

// TokenService handles JWT tokens for the operator API.
type TokenService interface {
	Generate(subject string, role OperatorRole) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// OperatorRole is the permission level carried by an operator token.
type OperatorRole string

const (
	RoleOperator OperatorRole = "operator"
	RoleAdmin    OperatorRole = "admin"
)

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Subject string
	Role    OperatorRole
}

// Allows reports whether the claims satisfy the required role.
func (c *TokenClaims) Allows(required OperatorRole) bool {
	return c.Role == RoleAdmin || c.Role == required
}

// ReceiptCache remembers callbacks that were already applied, so that
// redeliveries are answered without touching the database.
type ReceiptCache interface {
	// Remember stores the receipt unless one exists. Returns false if the
	// fingerprint was already present.
	Remember(ctx context.Context, fingerprint string, receipt CallbackReceipt, ttl time.Duration) (bool, error)
	// Lookup returns nil, nil on a miss.
	Lookup(ctx context.Context, fingerprint string) (*CallbackReceipt, error)
}

// CallbackReceipt is what the receipt cache stores per applied callback.
type CallbackReceipt struct {
	TransactionID uuid.UUID                `json:"transaction_id"`
	Status        domain.TransactionStatus `json:"status"`
	Version       int64                    `json:"version"`
	AppliedAt     time.Time                `json:"applied_at"`
}

// KeyInvalidationBus fans key rotation events out to every instance.
type KeyInvalidationBus interface {
	Publish(ctx context.Context, merchantID string) error
	// Subscribe blocks, calling fn per event, until ctx is cancelled.
	Subscribe(ctx context.Context, fn func(merchantID string)) error
}

// PaymentGateway is the outbound HTTP collaborator.
// Transport problems return apperror.ErrTransportFailure; any decoded answer,
// whatever its status code, is returned without error.
type PaymentGateway interface {
	PlacePayment(ctx context.Context, req *domain.SignedRequest) (*domain.GatewayResponse, error)
	QueryStatus(ctx context.Context, req *domain.SignedRequest) (*domain.GatewayResponse, error)
}

// HealthChecker checks one external dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Name() string
}

// --- Engine Ports ---

// SignatureCodec computes and verifies digests. It is pure.
type SignatureCodec interface {
	Compute(scheme domain.SignatureScheme, fields map[string]string, key string) (string, error)
	// Verify returns false on mismatch; errors are reserved for malformed input.
	Verify(scheme domain.SignatureScheme, fields map[string]string, key, candidate string) (bool, error)
}

// CredentialKey is a credential with its decrypted key material.
type CredentialKey struct {
	Credential domain.MerchantCredential
	Key        string
	APIKey     string
}

// KeyProvider is the read-mostly, cached view of merchant key material.
type KeyProvider interface {
	// CandidateKeys returns the keys that may verify a callback for the
	// gateway merchant ID: the current one and, inside the rotation grace
	// window, the previous one. Empty means the merchant is unknown.
	CandidateKeys(ctx context.Context, gatewayMerchantID string) ([]CredentialKey, error)
	// ActiveKey returns the current key for ref, or nil if none exists.
	ActiveKey(ctx context.Context, ref domain.MerchantKeyRef) (*CredentialKey, error)
	Invalidate(merchantID string)
}

// CallbackValidator authenticates raw callback parameters.
type CallbackValidator interface {
	Validate(ctx context.Context, params map[string]string) (*domain.ValidatedCallback, error)
}

// StateMachine owns every transaction status change. Each method reads the
// row, checks expectedVersion, and persists through compare-and-swap.
type StateMachine interface {
	ApplyCallback(ctx context.Context, txID uuid.UUID, expectedVersion int64, cb *domain.ValidatedCallback) (*domain.StateChange, error)
	ApplyQueryResult(ctx context.Context, txID uuid.UUID, expectedVersion int64, result *domain.QueryResult) (*domain.StateChange, error)
	MarkQueryFailed(ctx context.Context, txID uuid.UUID, expectedVersion int64, reason string) (*domain.StateChange, error)
	RecordPlacement(ctx context.Context, txID uuid.UUID, expectedVersion int64, placement *domain.PlacementResult) (*domain.StateChange, error)
	Override(ctx context.Context, txID uuid.UUID, expectedVersion int64, target domain.TransactionStatus, reason string) (*domain.StateChange, error)
}

// Reconciler queries the gateway for a transaction's live status.
type Reconciler interface {
	QueryAndReconcile(ctx context.Context, txID uuid.UUID) (*domain.ReconciliationResult, error)
	// Poll leaves the status untouched when the gateway stays unreachable.
	Poll(ctx context.Context, txID uuid.UUID) (*domain.ReconciliationResult, error)
}

// RequestSigner signs outbound field sets with the merchant's current key.
type RequestSigner interface {
	Sign(ctx context.Context, kind domain.RequestKind, fields map[string]string, ref domain.MerchantKeyRef) (*domain.SignedRequest, error)
}

// --- Service Ports (Business Logic) ---

// CallbackService runs an inbound notification through validation and the
// state machine.
type CallbackService interface {
	HandleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error)
}

// CallbackRequest is a raw notification as it reached the endpoint.
type CallbackRequest struct {
	Params   map[string]string
	ClientIP string
	Method   string
}

// CallbackResult tells the endpoint what happened. The gateway never sees it.
type CallbackResult struct {
	Outcome     string
	Transaction *domain.PaymentTransaction
	Duplicate   bool
}

// PaymentService is the operator-facing side of the engine.
type PaymentService interface {
	Initiate(ctx context.Context, req InitiateRequest) (*domain.PaymentTransaction, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
	List(ctx context.Context, params TransactionListParams) ([]domain.PaymentTransaction, int64, error)
	Reconcile(ctx context.Context, id uuid.UUID, actor string) (*domain.ReconciliationResult, error)
	PollStale(ctx context.Context, id uuid.UUID, actor string) (*domain.ReconciliationResult, error)
	Expire(ctx context.Context, id uuid.UUID, actor, reason string) (*domain.PaymentTransaction, error)
	Override(ctx context.Context, req OverrideRequest) (*domain.PaymentTransaction, error)
}

// InitiateRequest holds validated input for placing a payment.
type InitiateRequest struct {
	MerchantID    string
	OrderID       string
	ClientID      string
	Amount        decimal.Decimal
	Currency      string
	ReplyURL      string
	BackofficeURL string
	Mode          domain.MerchantMode // empty = merchant default
	Actor         string
	ClientIP      string
}

// OverrideRequest holds input for a manual status correction.
type OverrideRequest struct {
	TransactionID   uuid.UUID
	ExpectedVersion int64
	Status          domain.TransactionStatus
	Reason          string
	Actor           string
	ClientIP        string
}

// MerchantService manages merchants and their key material.
type MerchantService interface {
	Register(ctx context.Context, req RegisterMerchantRequest) (*MerchantProfile, error)
	GetProfile(ctx context.Context, merchantID string) (*MerchantProfile, error)
	RotateCredential(ctx context.Context, req RotateCredentialRequest) (*domain.MerchantCredential, error)
}

// CredentialInput is plaintext key material supplied by an operator.
type CredentialInput struct {
	Mode              domain.MerchantMode
	GatewayMerchantID string
	GatewayURL        string
	Key               string
	APIKey            string
}

// RegisterMerchantRequest holds input for merchant registration.
type RegisterMerchantRequest struct {
	ID          string
	Name        string
	Mode        domain.MerchantMode
	Credentials []CredentialInput
	Actor       string
	ClientIP    string
}

// RotateCredentialRequest replaces the current credential for one mode.
// Empty gateway fields keep the values of the credential being retired.
type RotateCredentialRequest struct {
	MerchantID string
	Credential CredentialInput
	Actor      string
	ClientIP   string
}

// MerchantProfile is a merchant with its credential history (no secrets).
type MerchantProfile struct {
	Merchant    domain.Merchant             `json:"merchant"`
	Credentials []domain.MerchantCredential `json:"credentials"`
}

// AuditService records audited actions.
type AuditService interface {
	Log(ctx context.Context, entry *domain.AuditLog)
	History(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.AuditLog, error)
}
