package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"

	"github.com/rs/zerolog"
)

type merchantService struct {
	merchantRepo ports.MerchantRepository
	transactor   ports.DBTransactor
	encSvc       ports.EncryptionService
	keys         ports.KeyProvider
	bus          ports.KeyInvalidationBus
	audit        ports.AuditService
	now          func() time.Time
	log          zerolog.Logger
}

// NewMerchantService creates a new merchant management service.
// bus may be nil when running a single instance.
func NewMerchantService(
	merchantRepo ports.MerchantRepository,
	transactor ports.DBTransactor,
	encSvc ports.EncryptionService,
	keys ports.KeyProvider,
	bus ports.KeyInvalidationBus,
	audit ports.AuditService,
	log zerolog.Logger,
) ports.MerchantService {
	return &merchantService{
		merchantRepo: merchantRepo,
		transactor:   transactor,
		encSvc:       encSvc,
		keys:         keys,
		bus:          bus,
		audit:        audit,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log,
	}
}

func (s *merchantService) Register(ctx context.Context, req ports.RegisterMerchantRequest) (*ports.MerchantProfile, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" || strings.TrimSpace(req.Name) == "" {
		return nil, apperror.Validation("merchant id and name are required")
	}
	if !req.Mode.Valid() {
		return nil, apperror.Validation(fmt.Sprintf("unknown mode %q", req.Mode))
	}
	if len(req.Credentials) == 0 {
		return nil, apperror.Validation("at least one credential is required")
	}
	seen := make(map[domain.MerchantMode]bool)
	for _, c := range req.Credentials {
		if err := validateCredentialInput(c); err != nil {
			return nil, err
		}
		if seen[c.Mode] {
			return nil, apperror.Validation(fmt.Sprintf("duplicate credential for mode %s", c.Mode))
		}
		seen[c.Mode] = true
	}

	existing, err := s.merchantRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	if existing != nil {
		return nil, apperror.ErrMerchantExists()
	}

	now := s.now()
	merchant := &domain.Merchant{
		ID:        id,
		Name:      strings.TrimSpace(req.Name),
		Mode:      req.Mode,
		Status:    domain.MerchantStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	creds := make([]domain.MerchantCredential, 0, len(req.Credentials))
	for _, in := range req.Credentials {
		cred := domain.MerchantCredential{
			MerchantID:        id,
			Mode:              in.Mode,
			Version:           1,
			GatewayMerchantID: in.GatewayMerchantID,
			GatewayURL:        in.GatewayURL,
			CreatedAt:         now,
		}
		if err := s.seal(&cred, in); err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.merchantRepo.Create(ctx, dbTx, merchant); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create merchant: %w", err))
	}
	for i := range creds {
		if err := s.merchantRepo.CreateCredential(ctx, dbTx, &creds[i]); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("create credential: %w", err))
		}
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.audit.Log(ctx, &domain.AuditLog{
		MerchantID:   &merchant.ID,
		Actor:        req.Actor,
		Action:       domain.AuditActionMerchantCreated,
		ResourceType: "merchant",
		ResourceID:   merchant.ID,
		Details:      auditDetails(map[string]any{"mode": string(merchant.Mode), "credentials": len(creds)}),
		IPAddress:    req.ClientIP,
	})
	s.log.Info().Str("merchant_id", merchant.ID).Int("credentials", len(creds)).Msg("merchant registered")

	return &ports.MerchantProfile{Merchant: *merchant, Credentials: creds}, nil
}

func (s *merchantService) GetProfile(ctx context.Context, merchantID string) (*ports.MerchantProfile, error) {
	merchant, err := s.merchantRepo.GetByID(ctx, merchantID)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	if merchant == nil {
		return nil, apperror.ErrNotFound("merchant")
	}

	creds, err := s.merchantRepo.ListMerchantCredentials(ctx, merchantID)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	return &ports.MerchantProfile{Merchant: *merchant, Credentials: creds}, nil
}

// RotateCredential retires the current credential for a mode and installs
// the next version. The retired key keeps verifying callbacks for the grace
// window; outbound requests switch to the new key immediately.
func (s *merchantService) RotateCredential(ctx context.Context, req ports.RotateCredentialRequest) (*domain.MerchantCredential, error) {
	merchant, err := s.merchantRepo.GetByID(ctx, req.MerchantID)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	if merchant == nil {
		return nil, apperror.ErrNotFound("merchant")
	}

	in := req.Credential
	prev, err := s.merchantRepo.GetActiveCredential(ctx, merchant.ID, in.Mode)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	if prev != nil {
		if in.GatewayMerchantID == "" {
			in.GatewayMerchantID = prev.GatewayMerchantID
		}
		if in.GatewayURL == "" {
			in.GatewayURL = prev.GatewayURL
		}
	}
	if err := validateCredentialInput(in); err != nil {
		return nil, err
	}

	now := s.now()
	next := domain.MerchantCredential{
		MerchantID:        merchant.ID,
		Mode:              in.Mode,
		Version:           1,
		GatewayMerchantID: in.GatewayMerchantID,
		GatewayURL:        in.GatewayURL,
		CreatedAt:         now,
	}
	if prev != nil {
		next.Version = prev.Version + 1
	}
	if err := s.seal(&next, in); err != nil {
		return nil, err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if prev != nil {
		if err := s.merchantRepo.RetireCredential(ctx, dbTx, merchant.ID, in.Mode, prev.Version, now); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("retire credential: %w", err))
		}
	}
	if err := s.merchantRepo.CreateCredential(ctx, dbTx, &next); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create credential: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.keys.Invalidate(merchant.ID)
	if s.bus != nil {
		if err := s.bus.Publish(ctx, merchant.ID); err != nil {
			s.log.Warn().Err(err).Str("merchant_id", merchant.ID).Msg("failed to broadcast key invalidation")
		}
	}

	s.audit.Log(ctx, &domain.AuditLog{
		MerchantID:   &merchant.ID,
		Actor:        req.Actor,
		Action:       domain.AuditActionRotateKeys,
		ResourceType: "merchant",
		ResourceID:   merchant.ID,
		Details: auditDetails(map[string]any{
			"mode":        string(next.Mode),
			"new_version": next.Version,
		}),
		IPAddress: req.ClientIP,
	})
	s.log.Info().
		Str("merchant_id", merchant.ID).
		Str("mode", string(next.Mode)).
		Int("version", next.Version).
		Msg("merchant credential rotated")

	return &next, nil
}

func (s *merchantService) seal(cred *domain.MerchantCredential, in ports.CredentialInput) error {
	keyEnc, err := s.encSvc.Encrypt(in.Key, cred.SecretAAD("key"))
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("encrypt key: %w", err))
	}
	cred.KeyEnc = keyEnc
	if in.APIKey != "" {
		apiKeyEnc, err := s.encSvc.Encrypt(in.APIKey, cred.SecretAAD("api_key"))
		if err != nil {
			return apperror.ErrEncryptionFailure(fmt.Errorf("encrypt api key: %w", err))
		}
		cred.APIKeyEnc = apiKeyEnc
	}
	return nil
}

func validateCredentialInput(in ports.CredentialInput) error {
	switch {
	case !in.Mode.Valid():
		return apperror.Validation(fmt.Sprintf("unknown mode %q", in.Mode))
	case in.Key == "":
		return apperror.Validation("key is required")
	case in.GatewayMerchantID == "":
		return apperror.Validation("gateway_merchant_id is required")
	case in.GatewayURL == "":
		return apperror.Validation("gateway_url is required")
	}
	return nil
}
