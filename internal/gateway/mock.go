package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/yyogue/yoguepay/internal/domain"
)

// MockGateway simulates the external rail. Outcomes can be scripted per call,
// and every decided attempt is recorded by idempotency key so that replays
// and status lookups return the original answer instead of re-executing.
type MockGateway struct {
	mu sync.Mutex

	// NextCharge/NextPayout override the outcome of the next attempts.
	// Empty means OutcomeSucceeded.
	NextCharge Outcome
	NextPayout Outcome

	charges map[string]Outcome
	payouts map[string]Outcome
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		charges: make(map[string]Outcome),
		payouts: make(map[string]Outcome),
	}
}

func (g *MockGateway) Charge(ctx context.Context, amount domain.Money, methodRef, idempotencyKey string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeUnknown}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if recorded, ok := g.charges[idempotencyKey]; ok && recorded != OutcomeUnknown {
		return Result{Outcome: recorded, Reference: reference(idempotencyKey)}, nil
	}

	outcome := g.NextCharge
	if outcome == "" {
		outcome = OutcomeSucceeded
	}
	g.charges[idempotencyKey] = outcome
	return Result{Outcome: outcome, Reference: reference(idempotencyKey)}, nil
}

func (g *MockGateway) Payout(ctx context.Context, amount domain.Money, destinationRef, idempotencyKey string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeUnknown}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if recorded, ok := g.payouts[idempotencyKey]; ok && recorded != OutcomeUnknown {
		return Result{Outcome: recorded, Reference: reference(idempotencyKey)}, nil
	}

	outcome := g.NextPayout
	if outcome == "" {
		outcome = OutcomeSucceeded
	}
	g.payouts[idempotencyKey] = outcome
	return Result{Outcome: outcome, Reference: reference(idempotencyKey)}, nil
}

func (g *MockGateway) ChargeStatus(_ context.Context, idempotencyKey string) (Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if outcome, ok := g.charges[idempotencyKey]; ok {
		return outcome, nil
	}
	return OutcomeUnknown, nil
}

func (g *MockGateway) PayoutStatus(_ context.Context, idempotencyKey string) (Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if outcome, ok := g.payouts[idempotencyKey]; ok {
		return outcome, nil
	}
	return OutcomeUnknown, nil
}

// SettleCharge records the rail-side resolution of a previously Unknown
// charge, as a later status lookup would observe it.
func (g *MockGateway) SettleCharge(idempotencyKey string, outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges[idempotencyKey] = outcome
}

// SettlePayout records the rail-side resolution of a previously Unknown payout.
func (g *MockGateway) SettlePayout(idempotencyKey string, outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts[idempotencyKey] = outcome
}

// ChargeAttempts reports how many distinct charge keys the rail has seen.
func (g *MockGateway) ChargeAttempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

// PayoutAttempts reports how many distinct payout keys the rail has seen.
func (g *MockGateway) PayoutAttempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payouts)
}

// Format: MOCK-YYYYMMDD-HHMMSS-XXXXX plus the key tail for traceability.
func reference(idempotencyKey string) string {
	tail := idempotencyKey
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return fmt.Sprintf("MOCK-%s-%05d-%s", time.Now().Format("20060102-150405"), rand.Intn(100000), tail)
}
