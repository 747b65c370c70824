package handler

import (
	"errors"
	"net/http"

	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/logger"
	"payment-callback-gateway/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// CallbackHandler receives gateway notifications.
type CallbackHandler struct {
	callbackSvc ports.CallbackService
	log         zerolog.Logger
}

// NewCallbackHandler creates a new CallbackHandler.
func NewCallbackHandler(callbackSvc ports.CallbackService, log zerolog.Logger) *CallbackHandler {
	return &CallbackHandler{callbackSvc: callbackSvc, log: logger.Component(log, "callback")}
}

// Receive handles GET and POST /callback/gateway. The gateway is always
// acknowledged with 200 OK; the outcome only goes to logs, metrics and audit.
func (h *CallbackHandler) Receive(c *gin.Context) {
	params, err := collectParams(c.Request)
	if err != nil {
		h.log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("unreadable callback body")
	}

	result, err := h.callbackSvc.HandleCallback(c.Request.Context(), ports.CallbackRequest{
		Params:   params,
		ClientIP: c.ClientIP(),
		Method:   c.Request.Method,
	})

	event := h.log.Info()
	var appErr *apperror.AppError
	switch {
	case err == nil:
	case errors.As(err, &appErr) && appErr.HTTPStatus < http.StatusInternalServerError:
		event = h.log.Warn().Str("error_code", appErr.Code)
	default:
		event = h.log.Error().Err(err)
	}
	if result != nil {
		event = event.Str("outcome", result.Outcome).Bool("duplicate", result.Duplicate)
		if result.Transaction != nil {
			event = event.
				Str("transaction_id", result.Transaction.ID.String()).
				Str("status", string(result.Transaction.Status))
		}
	}
	event.Str("client_ip", c.ClientIP()).Msg("callback processed")

	response.Ack(c)
}

// collectParams flattens query and form parameters; form values win.
// On a body parse error the query parameters are still returned.
func collectParams(r *http.Request) (map[string]string, error) {
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if r.Method != http.MethodPost {
		return params, nil
	}
	if err := r.ParseForm(); err != nil {
		return params, err
	}
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params, nil
}
