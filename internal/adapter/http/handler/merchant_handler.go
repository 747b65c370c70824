package handler

import (
	"payment-callback-gateway/internal/adapter/http/dto"
	"payment-callback-gateway/internal/adapter/http/middleware"
	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/response"

	"github.com/gin-gonic/gin"
)

// MerchantHandler handles merchant and credential administration.
type MerchantHandler struct {
	merchantSvc ports.MerchantService
	auditSvc    ports.AuditService
}

// NewMerchantHandler creates a new merchant handler.
func NewMerchantHandler(merchantSvc ports.MerchantService, auditSvc ports.AuditService) *MerchantHandler {
	return &MerchantHandler{merchantSvc: merchantSvc, auditSvc: auditSvc}
}

// Register handles POST /api/v1/merchants.
func (h *MerchantHandler) Register(c *gin.Context) {
	var req dto.RegisterMerchantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	creds := make([]ports.CredentialInput, 0, len(req.Credentials))
	for _, cr := range req.Credentials {
		creds = append(creds, ports.CredentialInput{
			Mode:              domain.MerchantMode(cr.Mode),
			GatewayMerchantID: cr.GatewayMerchantID,
			GatewayURL:        cr.GatewayURL,
			Key:               cr.Key,
			APIKey:            cr.APIKey,
		})
	}

	profile, err := h.merchantSvc.Register(c.Request.Context(), ports.RegisterMerchantRequest{
		ID:          req.ID,
		Name:        req.Name,
		Mode:        domain.MerchantMode(req.Mode),
		Credentials: creds,
		Actor:       middleware.Actor(c),
		ClientIP:    c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, profile)
}

// GetProfile handles GET /api/v1/merchants/:id. Key material is never returned.
func (h *MerchantHandler) GetProfile(c *gin.Context) {
	profile, err := h.merchantSvc.GetProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, profile)
}

// RotateCredential handles POST /api/v1/merchants/:id/credentials/rotate.
func (h *MerchantHandler) RotateCredential(c *gin.Context) {
	var req dto.RotateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	cred, err := h.merchantSvc.RotateCredential(c.Request.Context(), ports.RotateCredentialRequest{
		MerchantID: c.Param("id"),
		Credential: ports.CredentialInput{
			Mode:              domain.MerchantMode(req.Mode),
			GatewayMerchantID: req.GatewayMerchantID,
			GatewayURL:        req.GatewayURL,
			Key:               req.Key,
			APIKey:            req.APIKey,
		},
		Actor:    middleware.Actor(c),
		ClientIP: c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, cred)
}

// History handles GET /api/v1/merchants/:id/audit.
func (h *MerchantHandler) History(c *gin.Context) {
	logs, err := h.auditSvc.History(c.Request.Context(), "merchant", c.Param("id"), auditHistoryLimit)
	if err != nil {
		response.Error(c, apperror.InternalError(err))
		return
	}
	if logs == nil {
		logs = []domain.AuditLog{}
	}
	response.OK(c, logs)
}
