package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayStatus is the internal vocabulary a gateway status is mapped onto.
type GatewayStatus string

const (
	GatewayStatusPending   GatewayStatus = "PENDING"
	GatewayStatusSuccess   GatewayStatus = "SUCCESS"
	GatewayStatusFailed    GatewayStatus = "FAILED"
	GatewayStatusCancelled GatewayStatus = "CANCELLED"
	GatewayStatusUnknown   GatewayStatus = "UNKNOWN"
)

// QueryTransactionStatus returns the status a query result moves a transaction
// to. The second value is false when the result leaves the status unchanged.
func (s GatewayStatus) QueryTransactionStatus() (TransactionStatus, bool) {
	switch s {
	case GatewayStatusSuccess:
		return TransactionStatusQuerySuccess, true
	case GatewayStatusFailed:
		return TransactionStatusQueryFailed, true
	case GatewayStatusCancelled:
		return TransactionStatusCancelled, true
	}
	return "", false
}

// GatewayMessage is the envelope status block of every gateway response.
type GatewayMessage struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// GatewayReply is the payment block returned by placement and status queries.
type GatewayReply struct {
	Amount        string `json:"amount,omitempty"`
	Balance       string `json:"balance,omitempty"`
	ClientID      string `json:"clientID,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Date          string `json:"date,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Merchant      string `json:"merchant,omitempty"`
	MerchantID    string `json:"merchantID,omitempty"`
	OrderID       string `json:"orderID,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Result        string `json:"result,omitempty"`
	Signature     string `json:"signature,omitempty"`
	Success       string `json:"success,omitempty"`
	TransactionID string `json:"transactionID,omitempty"`
	URL           string `json:"url,omitempty"`
	// HTML is set when the gateway answers with a page instead of a reply object.
	HTML string `json:"html,omitempty"`
}

// GatewayResponse is a decoded gateway answer plus the HTTP status it came with.
type GatewayResponse struct {
	HTTPStatus int             `json:"http_status"`
	Response   GatewayMessage  `json:"response"`
	Reply      *GatewayReply   `json:"reply,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// StatusCode prefers the envelope status code and falls back to HTTP.
func (r *GatewayResponse) StatusCode() int {
	if r.Response.StatusCode != 0 {
		return r.Response.StatusCode
	}
	return r.HTTPStatus
}

// Description joins detail and reason, falling back to the envelope message.
func (r *GatewayResponse) Description() string {
	detail, reason := r.Response.Detail, r.Response.Reason
	if r.Reply != nil {
		if r.Reply.Detail != "" {
			detail = r.Reply.Detail
		}
		if r.Reply.Reason != "" {
			reason = r.Reply.Reason
		}
	}
	switch {
	case detail != "" && reason != "":
		return detail + ". " + reason
	case detail != "":
		return detail
	case reason != "":
		return reason
	case r.Response.Message != "":
		return r.Response.Message
	}
	return "No status description available"
}

// ParseGatewayDate accepts both zoned and zone-less gateway timestamps.
// Zone-less values are taken as UTC.
func ParseGatewayDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse gateway date %q: %w", s, err)
	}
	return t, nil
}

// QueryResult is a gateway status answer translated to internal terms.
type QueryResult struct {
	Status               GatewayStatus
	Description          string
	GatewayTransactionID string
	Amount               *decimal.Decimal
	Currency             string
	Raw                  json.RawMessage
	ReceivedAt           time.Time
}

// StatusMapping translates gateway result codes and success flags. It is
// configuration so that each gateway integration can bring its own table.
type StatusMapping struct {
	Result  map[string]GatewayStatus
	Success map[string]GatewayStatus
}

// DefaultStatusMapping is the table for the reference gateway.
func DefaultStatusMapping() StatusMapping {
	return StatusMapping{
		Result: map[string]GatewayStatus{
			"0":  GatewayStatusSuccess,
			"1":  GatewayStatusPending,
			"11": GatewayStatusCancelled,
		},
		Success: map[string]GatewayStatus{
			"y": GatewayStatusSuccess,
			"n": GatewayStatusFailed,
		},
	}
}

// NewStatusMapping builds a mapping from configuration tables.
func NewStatusMapping(result, success map[string]string) (StatusMapping, error) {
	m := StatusMapping{
		Result:  make(map[string]GatewayStatus, len(result)),
		Success: make(map[string]GatewayStatus, len(success)),
	}
	for code, name := range result {
		st, err := parseGatewayStatus(name)
		if err != nil {
			return StatusMapping{}, fmt.Errorf("result mapping %q: %w", code, err)
		}
		m.Result[strings.ToLower(strings.TrimSpace(code))] = st
	}
	for flag, name := range success {
		st, err := parseGatewayStatus(name)
		if err != nil {
			return StatusMapping{}, fmt.Errorf("success mapping %q: %w", flag, err)
		}
		m.Success[strings.ToLower(strings.TrimSpace(flag))] = st
	}
	return m, nil
}

// Map resolves a reply: the result code wins, then the success flag.
func (m StatusMapping) Map(reply *GatewayReply) GatewayStatus {
	if reply == nil {
		return GatewayStatusUnknown
	}
	if st, ok := m.Result[strings.ToLower(strings.TrimSpace(reply.Result))]; ok && reply.Result != "" {
		return st
	}
	if st, ok := m.Success[strings.ToLower(strings.TrimSpace(reply.Success))]; ok && reply.Success != "" {
		return st
	}
	return GatewayStatusUnknown
}

func parseGatewayStatus(s string) (GatewayStatus, error) {
	st := GatewayStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case GatewayStatusPending, GatewayStatusSuccess, GatewayStatusFailed, GatewayStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown gateway status %q", s)
}

// PlacementResult is the outcome of submitting a new payment to the gateway.
type PlacementResult struct {
	Status      TransactionStatus
	Description string
	Response    *GatewayResponse
	Raw         json.RawMessage
}

// SignedRequest is an outbound field set carrying its signature.
type SignedRequest struct {
	Ref               MerchantKeyRef
	Scheme            string
	SignatureVersion  string
	Signature         string
	Fields            map[string]string
	GatewayMerchantID string
	GatewayURL        string
	APIKey            string
}

// RequestKind selects the signature scheme an outbound request is signed with.
type RequestKind string

const (
	RequestKindPayment RequestKind = "PAYMENT"
	RequestKindQuery   RequestKind = "QUERY"
)
