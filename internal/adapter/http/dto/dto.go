package dto

import "encoding/json"

// InitiatePaymentRequest is the request body for placing a payment.
type InitiatePaymentRequest struct {
	MerchantID    string `json:"merchant_id" binding:"required,safe_id,max=64"`
	OrderID       string `json:"order_id" binding:"required,safe_id,max=100"`
	ClientID      string `json:"client_id" binding:"required,max=100"`
	Amount        string `json:"amount" binding:"required,positive_decimal"`
	Currency      string `json:"currency" binding:"required,len=3,alpha"`
	ReplyURL      string `json:"reply_url" binding:"required,safe_url" sanitize:"-"`
	BackofficeURL string `json:"backoffice_url" binding:"required,safe_url" sanitize:"-"`
	Mode          string `json:"mode,omitempty" binding:"omitempty,oneof=TEST LIVE"`
}

// OverrideRequest is the request body for a manual status correction.
type OverrideRequest struct {
	Status          string `json:"status" binding:"required"`
	Reason          string `json:"reason" binding:"required,min=3,max=500"`
	ExpectedVersion int64  `json:"expected_version" binding:"required,gt=0"`
}

// CredentialRequest is one credential set inside a merchant registration.
type CredentialRequest struct {
	Mode              string `json:"mode" binding:"required,oneof=TEST LIVE"`
	GatewayMerchantID string `json:"gateway_merchant_id" binding:"required,max=64"`
	GatewayURL        string `json:"gateway_url" binding:"required,safe_url"`
	Key               string `json:"key" binding:"required,min=8"`
	APIKey            string `json:"api_key,omitempty"`
}

// RegisterMerchantRequest is the request body for merchant registration.
type RegisterMerchantRequest struct {
	ID          string              `json:"id" binding:"required,safe_id,max=64"`
	Name        string              `json:"name" binding:"required,min=1,max=100"`
	Mode        string              `json:"mode" binding:"required,oneof=TEST LIVE"`
	Credentials []CredentialRequest `json:"credentials" binding:"required,min=1,max=2,dive"`
}

// RotateCredentialRequest replaces the current credential for one mode.
// Empty gateway fields keep the values of the retired credential.
type RotateCredentialRequest struct {
	Mode              string `json:"mode" binding:"required,oneof=TEST LIVE"`
	GatewayMerchantID string `json:"gateway_merchant_id,omitempty" binding:"max=64"`
	GatewayURL        string `json:"gateway_url,omitempty" binding:"safe_url"`
	Key               string `json:"key" binding:"required,min=8"`
	APIKey            string `json:"api_key,omitempty"`
}

// TransactionResponse is the response body for a payment transaction.
type TransactionResponse struct {
	ID                   string `json:"id"`
	OrderID              string `json:"order_id"`
	MerchantID           string `json:"merchant_id"`
	Mode                 string `json:"mode"`
	ClientID             string `json:"client_id"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
	Status               string `json:"status"`
	StatusDescription    string `json:"status_description,omitempty"`
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`
	Version              int64  `json:"version"`
	ManualOverride       bool   `json:"manual_override"`

	RequestTimestamp   string  `json:"request_timestamp"`
	CallbackTimestamp  *string `json:"callback_timestamp,omitempty"`
	LastQueryTimestamp *string `json:"last_query_timestamp,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`

	// Snapshots are only filled on the detail endpoint.
	RequestData         json.RawMessage `json:"request_data,omitempty"`
	InitialResponseData json.RawMessage `json:"initial_response_data,omitempty"`
	CallbackData        json.RawMessage `json:"callback_data,omitempty"`
	LastQueryData       json.RawMessage `json:"last_query_data,omitempty"`
}

// TransactionListResponse wraps paginated transaction list.
type TransactionListResponse struct {
	Items      []TransactionResponse `json:"items"`
	Total      int64                 `json:"total"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	TotalPages int                   `json:"total_pages"`
}

// ReconcileAttemptResponse describes one gateway status query.
type ReconcileAttemptResponse struct {
	Number      int     `json:"number"`
	StartedAt   string  `json:"started_at"`
	Outcome     string  `json:"outcome"`
	Error       string  `json:"error,omitempty"`
	NextRetryAt *string `json:"next_retry_at,omitempty"`
}

// ReconcileResponse is the response body of a reconciliation run.
type ReconcileResponse struct {
	Transaction   *TransactionResponse       `json:"transaction,omitempty"`
	GatewayStatus string                     `json:"gateway_status,omitempty"`
	Attempts      []ReconcileAttemptResponse `json:"attempts"`
	Error         *ErrorDetail               `json:"error,omitempty"`
}

// ErrorDetail carries a failure that still produced a partial result.
type ErrorDetail struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}
