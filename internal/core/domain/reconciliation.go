package domain

import "time"

// AttemptOutcome is the result of one gateway status query.
type AttemptOutcome string

const (
	AttemptOutcomeApplied          AttemptOutcome = "APPLIED"
	AttemptOutcomeTransportFailure AttemptOutcome = "TRANSPORT_FAILURE"
	AttemptOutcomeRejected         AttemptOutcome = "REJECTED"
	AttemptOutcomeSuperseded       AttemptOutcome = "SUPERSEDED"
)

// ReconciliationAttempt records one try of a QueryAndReconcile run.
type ReconciliationAttempt struct {
	Number      int            `json:"number"`
	StartedAt   time.Time      `json:"started_at"`
	Outcome     AttemptOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
}

// ReconciliationResult is what a QueryAndReconcile run produced.
type ReconciliationResult struct {
	Transaction   *PaymentTransaction     `json:"transaction"`
	GatewayStatus GatewayStatus           `json:"gateway_status,omitempty"`
	Attempts      []ReconciliationAttempt `json:"attempts"`
}
