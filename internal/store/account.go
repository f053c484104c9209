package store

import (
	"context"

	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/models"
)

// Delta is one balance mutation. ExpectedVersion guards against stale writes;
// zero skips the version check and is reserved for blind credits (the SYSTEM
// fee account, compensation credits), where a lost read cannot lose money.
type Delta struct {
	AccountID       string
	Delta           domain.Money
	ExpectedVersion uint64
}

// AccountStore is the sole mutation path for balances. A concurrent Get never
// observes a half-applied delta, and ApplyMultiDelta commits all deltas or
// none of them.
type AccountStore interface {
	Get(ctx context.Context, id string) (models.Account, error)
	Create(ctx context.Context, account models.Account) error

	// ApplyDelta applies a single balance mutation and bumps the version.
	// Returns domain.ErrInsufficientFunds when the delta would drive the
	// balance negative, domain.ErrVersionConflict on a stale
	// ExpectedVersion, and domain.ErrAccountNotFound for unknown accounts.
	ApplyDelta(ctx context.Context, d Delta) (models.Account, error)

	// ApplyMultiDelta applies every delta atomically. Accounts are locked in
	// ascending identifier order so that two operations touching the same
	// pair in opposite order cannot deadlock.
	ApplyMultiDelta(ctx context.Context, ds []Delta) ([]models.Account, error)
}
