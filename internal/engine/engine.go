package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/gateway"
	"github.com/yyogue/yoguepay/internal/identity"
	"github.com/yyogue/yoguepay/internal/models"
	"github.com/yyogue/yoguepay/internal/store"
	"go.uber.org/zap"
)

// Engine orchestrates transfers, top-ups and withdrawals against the account
// store, the ledger and the external rail. Balances are mutated only through
// the account store's atomic deltas; every mutation leaves ledger entries
// behind.
type Engine struct {
	accounts store.AccountStore
	ledger   store.LedgerStore
	rail     gateway.Gateway
	resolver identity.Resolver

	maxRetries  int
	staleWindow time.Duration
}

func NewEngine(accounts store.AccountStore, ledger store.LedgerStore, rail gateway.Gateway, resolver identity.Resolver) *Engine {
	return &Engine{
		accounts:    accounts,
		ledger:      ledger,
		rail:        rail,
		resolver:    resolver,
		maxRetries:  5,
		staleWindow: 2 * time.Minute,
	}
}

// WithMaxRetries bounds how often a version conflict is retried before the
// operation surfaces as transient.
func (e *Engine) WithMaxRetries(n int) *Engine {
	if n > 0 {
		e.maxRetries = n
	}
	return e
}

// WithStaleWindow sets how old a pending external leg must be before the
// reconciliation pass touches it. Fresh legs belong to in-flight requests.
func (e *Engine) WithStaleWindow(d time.Duration) *Engine {
	if d > 0 {
		e.staleWindow = d
	}
	return e
}

// Result reports the terminal state of one operation. Replayed results are
// rebuilt from the ledger; their entries are the originally recorded legs.
type Result struct {
	OperationID            uuid.UUID               `json:"operation_id"`
	State                  string                  `json:"state"`
	ReconciliationRequired bool                    `json:"reconciliation_required,omitempty"`
	Replayed               bool                    `json:"replayed,omitempty"`
	Entries                []models.Transaction    `json:"entries"`
	Balances               map[string]domain.Money `json:"balances,omitempty"`
}

// GetBalance returns the authoritative stored balance for an account.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (models.Account, error) {
	return e.accounts.Get(ctx, accountID)
}

// History returns an account's ledger entries newest first. Entries carry
// their real status; a pending external leg is reported as pending.
func (e *Engine) History(ctx context.Context, accountID string, page, pageSize int) ([]models.Transaction, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return e.ledger.FindByAccount(ctx, accountID, pageSize, (page-1)*pageSize)
}

// replayResult rebuilds the recorded outcome for an idempotency key from its
// ledger legs, so a retried request observes the original effect instead of
// executing again.
func (e *Engine) replayResult(ctx context.Context, legs []models.Transaction) (*Result, error) {
	res := &Result{
		OperationID: legs[0].OperationID,
		Replayed:    true,
		Entries:     legs,
		Balances:    make(map[string]domain.Money),
	}

	pending, failed, payout := false, false, false
	for _, leg := range legs {
		switch leg.Status {
		case domain.EntryStatusPending:
			pending = true
		case domain.EntryStatusFailed:
			failed = true
		}
		if leg.Kind == domain.EntryKindPayout {
			payout = true
		}
	}

	switch {
	case pending:
		res.State = domain.OpStateReserved
		res.ReconciliationRequired = true
	case failed && payout:
		// A failed payout had already debited the account; the debit was
		// compensated when the failure was recorded.
		res.State = domain.OpStateCompensated
	case failed:
		// A declined charge never credited anything.
		res.State = domain.OpStateRejected
	default:
		res.State = domain.OpStateCommitted
	}

	for _, leg := range legs {
		for _, participant := range []string{leg.Sender, leg.Receiver} {
			if participant == domain.ExternalParticipant {
				continue
			}
			if _, seen := res.Balances[participant]; seen {
				continue
			}
			acc, err := e.accounts.Get(ctx, participant)
			if err != nil {
				continue
			}
			res.Balances[participant] = acc.Balance
		}
	}
	return res, nil
}

func (e *Engine) findReplay(ctx context.Context, key string) (*Result, error) {
	legs, err := e.ledger.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.replayResult(ctx, legs)
}

// acquireKey either finds the recorded outcome for the key, or claims the key
// for this request. Exactly one of the returns is set: a replay result, or a
// release func the caller must defer. Concurrent holders of the same key are
// waited out so the late request replays instead of executing twice.
func (e *Engine) acquireKey(ctx context.Context, key string) (*Result, func(), error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if res, err := e.findReplay(ctx, key); err == nil {
			return res, nil, nil
		} else if !errors.Is(err, domain.ErrEntryNotFound) {
			return nil, nil, fmt.Errorf("idempotency check: %w", err)
		}

		err := e.ledger.Reserve(ctx, key)
		if err == nil {
			// Re-check after winning the claim: the prior holder may have
			// recorded its legs between our lookup and the reserve.
			if res, rerr := e.findReplay(ctx, key); rerr == nil {
				_ = e.ledger.Release(ctx, key)
				return res, nil, nil
			} else if !errors.Is(rerr, domain.ErrEntryNotFound) {
				_ = e.ledger.Release(ctx, key)
				return nil, nil, fmt.Errorf("idempotency check: %w", rerr)
			}
			release := func() {
				if rerr := e.ledger.Release(context.WithoutCancel(ctx), key); rerr != nil {
					zap.L().Error("failed to release idempotency claim",
						zap.Error(rerr), zap.String("idempotency_key", key))
				}
			}
			return nil, release, nil
		}
		if !errors.Is(err, domain.ErrOperationInProgress) {
			return nil, nil, fmt.Errorf("reserve idempotency key: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// replayError restores the error a replayed result originally surfaced with,
// so a retried request observes the same HTTP outcome as the first attempt.
func replayError(res *Result) error {
	switch {
	case res.ReconciliationRequired:
		return domain.ErrReconciliationRequired
	case res.State == domain.OpStateCompensated:
		return domain.ErrRailFailed
	case res.State == domain.OpStateRejected:
		return domain.ErrRailDeclined
	default:
		return nil
	}
}

// replayMatches checks that the recorded legs for a key describe the same
// operation the caller is retrying. A key reused with different parameters is
// a client bug, not a retry.
func replayMatches(legs []models.Transaction, kind, sender, receiver string, amount domain.Money) bool {
	for _, leg := range legs {
		if leg.Kind == kind {
			return leg.Sender == sender && leg.Receiver == receiver && leg.Amount == amount
		}
	}
	return false
}
