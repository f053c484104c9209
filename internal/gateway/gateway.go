package gateway

import (
	"context"

	"github.com/yyogue/yoguepay/internal/domain"
)

// Outcome is the rail's answer for one attempt. Unknown is a first-class
// result (timeout, ambiguous response): the engine must never treat it as
// success or failure, only route it to reconciliation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeDeclined  Outcome = "DECLINED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeUnknown   Outcome = "UNKNOWN"
)

// Result carries the outcome and the rail's reference for the attempt.
type Result struct {
	Outcome   Outcome
	Reference string
}

// Gateway is the contract with the external funding/payout rail. The rail is
// idempotent keyed on idempotencyKey: retrying a call after a timeout cannot
// double-charge or double-pay. ChargeStatus and PayoutStatus are the
// authoritative lookups the reconciliation pass uses to resolve Unknown
// attempts.
type Gateway interface {
	Charge(ctx context.Context, amount domain.Money, methodRef, idempotencyKey string) (Result, error)
	Payout(ctx context.Context, amount domain.Money, destinationRef, idempotencyKey string) (Result, error)
	ChargeStatus(ctx context.Context, idempotencyKey string) (Outcome, error)
	PayoutStatus(ctx context.Context, idempotencyKey string) (Outcome, error)
}
