package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus represents the lifecycle state of a payment transaction.
type TransactionStatus string

const (
	TransactionStatusReceived         TransactionStatus = "RECEIVED"
	TransactionStatusPending          TransactionStatus = "PENDING"
	TransactionStatusAwaitingCallback TransactionStatus = "AWAITING_CALLBACK"
	TransactionStatusSuccess          TransactionStatus = "SUCCESS"
	TransactionStatusFailed           TransactionStatus = "FAILED"
	TransactionStatusCancelled        TransactionStatus = "CANCELLED"
	TransactionStatusQuerySuccess     TransactionStatus = "QUERY_SUCCESS"
	TransactionStatusQueryFailed      TransactionStatus = "QUERY_FAILED"
)

// Outcome groups terminal statuses that describe the same payment result,
// regardless of whether it was learned from a callback or a status query.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeFailure   Outcome = "FAILURE"
	OutcomeCancelled Outcome = "CANCELLED"
)

var forwardTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusReceived: {
		TransactionStatusPending, TransactionStatusAwaitingCallback,
		TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled,
		TransactionStatusQuerySuccess, TransactionStatusQueryFailed,
	},
	TransactionStatusPending: {
		TransactionStatusAwaitingCallback,
		TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled,
		TransactionStatusQuerySuccess, TransactionStatusQueryFailed,
	},
	TransactionStatusAwaitingCallback: {
		TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled,
		TransactionStatusQuerySuccess, TransactionStatusQueryFailed,
	},
}

// ParseTransactionStatus returns the status named by s.
func ParseTransactionStatus(s string) (TransactionStatus, bool) {
	st := TransactionStatus(s)
	switch st {
	case TransactionStatusReceived, TransactionStatusPending, TransactionStatusAwaitingCallback,
		TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled,
		TransactionStatusQuerySuccess, TransactionStatusQueryFailed:
		return st, true
	}
	return "", false
}

// IsTerminal returns true if no callback or query may move the status any further.
func (s TransactionStatus) IsTerminal() bool {
	return s.Outcome() != OutcomeNone
}

// IsReconcilable reports whether a gateway status query may be issued.
func (s TransactionStatus) IsReconcilable() bool {
	return s == TransactionStatusReceived ||
		s == TransactionStatusPending ||
		s == TransactionStatusAwaitingCallback
}

// Outcome returns the payment result a terminal status stands for.
func (s TransactionStatus) Outcome() Outcome {
	switch s {
	case TransactionStatusSuccess, TransactionStatusQuerySuccess:
		return OutcomeSuccess
	case TransactionStatusFailed, TransactionStatusQueryFailed:
		return OutcomeFailure
	case TransactionStatusCancelled:
		return OutcomeCancelled
	}
	return OutcomeNone
}

// CanTransitionTo reports whether next is a legal automatic transition.
// Staying in the same non-terminal status is allowed (e.g. a query that
// reports the payment as still pending).
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	for _, allowed := range forwardTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentTransaction is the record of one payment attempt. Rows are never deleted.
type PaymentTransaction struct {
	ID                   uuid.UUID         `json:"id"`
	OrderID              string            `json:"order_id"`
	MerchantID           string            `json:"merchant_id"`
	Mode                 MerchantMode      `json:"mode"`
	ClientID             string            `json:"client_id"`
	Amount               decimal.Decimal   `json:"amount"`
	Currency             string            `json:"currency"`
	Status               TransactionStatus `json:"status"`
	StatusDescription    string            `json:"status_description,omitempty"`
	GatewayTransactionID string            `json:"gateway_transaction_id,omitempty"`
	ReplyURL             string            `json:"reply_url,omitempty"`
	BackofficeURL        string            `json:"backoffice_url,omitempty"`

	RequestTimestamp   time.Time  `json:"request_timestamp"`
	CallbackTimestamp  *time.Time `json:"callback_timestamp,omitempty"`
	LastQueryTimestamp *time.Time `json:"last_query_timestamp,omitempty"`

	// Version is the optimistic lock counter, bumped on every write.
	Version int64 `json:"version"`

	RequestData         json.RawMessage `json:"request_data,omitempty"`
	InitialResponseData json.RawMessage `json:"initial_response_data,omitempty"`
	CallbackData        json.RawMessage `json:"callback_data,omitempty"`
	LastQueryData       json.RawMessage `json:"last_query_data,omitempty"`

	ManualOverride bool      `json:"manual_override"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *PaymentTransaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// KeyRef is the credential slot outbound requests for t are signed with.
func (t *PaymentTransaction) KeyRef() MerchantKeyRef {
	return MerchantKeyRef{MerchantID: t.MerchantID, Mode: t.Mode}
}

// SetGatewayTransactionID records the gateway's identifier. Once set it never
// changes; a different value is rejected and false is returned.
func (t *PaymentTransaction) SetGatewayTransactionID(id string) bool {
	if id == "" || id == t.GatewayTransactionID {
		return true
	}
	if t.GatewayTransactionID != "" {
		return false
	}
	t.GatewayTransactionID = id
	return true
}

// Clone returns a deep copy safe to mutate.
func (t *PaymentTransaction) Clone() *PaymentTransaction {
	c := *t
	c.CallbackTimestamp = cloneTime(t.CallbackTimestamp)
	c.LastQueryTimestamp = cloneTime(t.LastQueryTimestamp)
	c.RequestData = cloneRaw(t.RequestData)
	c.InitialResponseData = cloneRaw(t.InitialResponseData)
	c.CallbackData = cloneRaw(t.CallbackData)
	c.LastQueryData = cloneRaw(t.LastQueryData)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// StateChange is the result of applying an event to a transaction.
// Changed is false when the event was a duplicate and nothing was written.
type StateChange struct {
	Transaction *PaymentTransaction
	From        TransactionStatus
	Changed     bool
}
