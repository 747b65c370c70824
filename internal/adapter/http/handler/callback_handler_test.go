package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/internal/core/ports/mocks"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
)

func callbackRouter(svc ports.CallbackService) *gin.Engine {
	h := NewCallbackHandler(svc, zerolog.Nop())
	r := gin.New()
	r.GET(CallbackPath, h.Receive)
	r.POST(CallbackPath, h.Receive)
	return r
}

func TestCallback_QueryString(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockCallbackService(ctrl)

	svc.EXPECT().HandleCallback(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req ports.CallbackRequest) (*ports.CallbackResult, error) {
			assert.Equal(t, http.MethodGet, req.Method)
			assert.Equal(t, map[string]string{
				"merchantID": "M1", "orderID": "ABC123", "success": "Y", "amount": "10.00",
				"currency": "USD", "clientID": "C1", "signature": "abc",
			}, req.Params)
			return &ports.CallbackResult{Outcome: metrics.OutcomeApplied}, nil
		})

	q := url.Values{
		"merchantID": {"M1"}, "orderID": {"ABC123"}, "success": {"Y"}, "amount": {"10.00"},
		"currency": {"USD"}, "clientID": {"C1"}, "signature": {"abc"},
	}
	w := httptest.NewRecorder()
	callbackRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, CallbackPath+"?"+q.Encode(), nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestCallback_FormOverridesQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockCallbackService(ctrl)

	svc.EXPECT().HandleCallback(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req ports.CallbackRequest) (*ports.CallbackResult, error) {
			assert.Equal(t, http.MethodPost, req.Method)
			assert.Equal(t, "N", req.Params["success"])
			assert.Equal(t, "M1", req.Params["merchantId"])
			return &ports.CallbackResult{Outcome: metrics.OutcomeApplied}, nil
		})

	form := url.Values{"success": {"N"}, "merchantId": {"M1"}}
	req := httptest.NewRequest(http.MethodPost, CallbackPath+"?success=Y", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	callbackRouter(svc).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCallback_AlwaysAcknowledges(t *testing.T) {
	errs := []error{
		apperror.ErrSignatureMismatch(),
		apperror.ErrMalformedRequest("signature missing"),
		apperror.ErrConflictingOutcome("SUCCESS", "FAILED"),
		errors.New("database unavailable"),
	}
	for _, cbErr := range errs {
		ctrl := gomock.NewController(t)
		svc := mocks.NewMockCallbackService(ctrl)
		svc.EXPECT().HandleCallback(gomock.Any(), gomock.Any()).Return(&ports.CallbackResult{Outcome: metrics.OutcomeError}, cbErr)

		w := httptest.NewRecorder()
		callbackRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, CallbackPath+"?merchantID=M1", nil))

		assert.Equal(t, http.StatusOK, w.Code, "error %v", cbErr)
		assert.Equal(t, "OK", w.Body.String())
	}
}

func TestCollectParams_FirstValueWins(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?orderID=A&orderID=B&empty=", nil)
	params, err := collectParams(req)

	assert.NoError(t, err)
	assert.Equal(t, "A", params["orderID"])
	assert.Equal(t, "", params["empty"])
}
