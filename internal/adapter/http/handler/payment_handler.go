package handler

import (
	"errors"
	"math"
	"strconv"
	"time"

	"payment-callback-gateway/internal/adapter/http/dto"
	"payment-callback-gateway/internal/adapter/http/middleware"
	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const auditHistoryLimit = 100

// PaymentHandler handles the operator payment endpoints.
type PaymentHandler struct {
	paymentSvc ports.PaymentService
	auditSvc   ports.AuditService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentSvc ports.PaymentService, auditSvc ports.AuditService) *PaymentHandler {
	return &PaymentHandler{paymentSvc: paymentSvc, auditSvc: auditSvc}
}

// Initiate handles POST /api/v1/payments.
func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req dto.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		response.Error(c, apperror.Validation("amount must be a decimal number"))
		return
	}

	tx, err := h.paymentSvc.Initiate(c.Request.Context(), ports.InitiateRequest{
		MerchantID:    req.MerchantID,
		OrderID:       req.OrderID,
		ClientID:      req.ClientID,
		Amount:        amount,
		Currency:      req.Currency,
		ReplyURL:      req.ReplyURL,
		BackofficeURL: req.BackofficeURL,
		Mode:          domain.MerchantMode(req.Mode),
		Actor:         middleware.Actor(c),
		ClientIP:      c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toTransactionResponse(tx, true))
}

// Get handles GET /api/v1/payments/:id.
func (h *PaymentHandler) Get(c *gin.Context) {
	id, ok := parseTransactionID(c)
	if !ok {
		return
	}

	tx, err := h.paymentSvc.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toTransactionResponse(tx, true))
}

// List handles GET /api/v1/payments.
func (h *PaymentHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	params := ports.TransactionListParams{
		Page:     page,
		PageSize: pageSize,
	}

	if m := c.Query("merchant_id"); m != "" {
		params.MerchantID = &m
	}
	if s := c.Query("status"); s != "" {
		status, ok := domain.ParseTransactionStatus(s)
		if !ok {
			response.Error(c, apperror.Validation("unknown status "+strconv.Quote(s)))
			return
		}
		params.Status = &status
	}
	if f := c.Query("from"); f != "" {
		if v, err := strconv.ParseInt(f, 10, 64); err == nil {
			params.From = &v
		}
	}
	if t := c.Query("to"); t != "" {
		if v, err := strconv.ParseInt(t, 10, 64); err == nil {
			params.To = &v
		}
	}

	txns, total, err := h.paymentSvc.List(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]dto.TransactionResponse, 0, len(txns))
	for i := range txns {
		items = append(items, toTransactionResponse(&txns[i], false))
	}

	response.OK(c, dto.TransactionListResponse{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	})
}

// Reconcile handles POST /api/v1/payments/:id/reconcile. When retries are
// exhausted the partial result is returned with the failure's status code.
func (h *PaymentHandler) Reconcile(c *gin.Context) {
	id, ok := parseTransactionID(c)
	if !ok {
		return
	}

	result, err := h.paymentSvc.Reconcile(c.Request.Context(), id, middleware.Actor(c))
	if result == nil {
		if err == nil {
			err = apperror.InternalError(errors.New("reconciliation returned no result"))
		}
		response.Error(c, err)
		return
	}

	body := toReconcileResponse(result)
	if err != nil {
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) {
			appErr = apperror.InternalError(err)
		}
		body.Error = &dto.ErrorDetail{Code: appErr.Code, Message: appErr.Message}
		response.WithStatus(c, appErr.HTTPStatus, body)
		return
	}
	response.OK(c, body)
}

// Override handles POST /api/v1/payments/:id/override.
func (h *PaymentHandler) Override(c *gin.Context) {
	id, ok := parseTransactionID(c)
	if !ok {
		return
	}

	var req dto.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	status, known := domain.ParseTransactionStatus(req.Status)
	if !known {
		response.Error(c, apperror.Validation("unknown status "+strconv.Quote(req.Status)))
		return
	}

	tx, err := h.paymentSvc.Override(c.Request.Context(), ports.OverrideRequest{
		TransactionID:   id,
		ExpectedVersion: req.ExpectedVersion,
		Status:          status,
		Reason:          req.Reason,
		Actor:           middleware.Actor(c),
		ClientIP:        c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toTransactionResponse(tx, false))
}

// History handles GET /api/v1/payments/:id/audit.
func (h *PaymentHandler) History(c *gin.Context) {
	id, ok := parseTransactionID(c)
	if !ok {
		return
	}

	logs, err := h.auditSvc.History(c.Request.Context(), "transaction", id.String(), auditHistoryLimit)
	if err != nil {
		response.Error(c, apperror.InternalError(err))
		return
	}
	if logs == nil {
		logs = []domain.AuditLog{}
	}
	response.OK(c, logs)
}

func parseTransactionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("transaction id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

// toTransactionResponse converts a transaction to its DTO. Payload
// snapshots are included only when withSnapshots is set.
func toTransactionResponse(tx *domain.PaymentTransaction, withSnapshots bool) dto.TransactionResponse {
	resp := dto.TransactionResponse{
		ID:                   tx.ID.String(),
		OrderID:              tx.OrderID,
		MerchantID:           tx.MerchantID,
		Mode:                 string(tx.Mode),
		ClientID:             tx.ClientID,
		Amount:               tx.Amount.StringFixed(max(2, -tx.Amount.Exponent())),
		Currency:             tx.Currency,
		Status:               string(tx.Status),
		StatusDescription:    tx.StatusDescription,
		GatewayTransactionID: tx.GatewayTransactionID,
		Version:              tx.Version,
		ManualOverride:       tx.ManualOverride,
		RequestTimestamp:     formatTime(tx.RequestTimestamp),
		CallbackTimestamp:    formatTimePtr(tx.CallbackTimestamp),
		LastQueryTimestamp:   formatTimePtr(tx.LastQueryTimestamp),
		CreatedAt:            formatTime(tx.CreatedAt),
		UpdatedAt:            formatTime(tx.UpdatedAt),
	}
	if withSnapshots {
		resp.RequestData = tx.RequestData
		resp.InitialResponseData = tx.InitialResponseData
		resp.CallbackData = tx.CallbackData
		resp.LastQueryData = tx.LastQueryData
	}
	return resp
}

func toReconcileResponse(result *domain.ReconciliationResult) dto.ReconcileResponse {
	resp := dto.ReconcileResponse{
		GatewayStatus: string(result.GatewayStatus),
		Attempts:      make([]dto.ReconcileAttemptResponse, 0, len(result.Attempts)),
	}
	if result.Transaction != nil {
		tx := toTransactionResponse(result.Transaction, false)
		resp.Transaction = &tx
	}
	for _, a := range result.Attempts {
		resp.Attempts = append(resp.Attempts, dto.ReconcileAttemptResponse{
			Number:      a.Number,
			StartedAt:   formatTime(a.StartedAt),
			Outcome:     string(a.Outcome),
			Error:       a.Error,
			NextRetryAt: formatTimePtr(a.NextRetryAt),
		})
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
