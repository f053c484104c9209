package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/yyogue/yoguepay/internal/models"
)

// LedgerStore is the append-only audit record of every balance mutation.
// Entries are immutable apart from the single PENDING -> COMPLETED or
// PENDING -> FAILED status transition.
type LedgerStore interface {
	// Append stores a new entry. The caller assigns the entry ID and either
	// PENDING (external leg awaiting the rail) or COMPLETED (internal leg
	// written after the balance mutation) status.
	Append(ctx context.Context, entry models.Transaction) error

	// MarkStatus finalizes a pending entry. Transitioning a non-pending
	// entry returns domain.ErrEntryFinalized.
	MarkStatus(ctx context.Context, id uuid.UUID, status string) error

	// FindByAccount returns entries where the account is sender or receiver,
	// newest first. Safe to re-iterate with paging.
	FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error)

	// FindByIdempotencyKey returns every leg recorded under the key, oldest
	// first, or domain.ErrEntryNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) ([]models.Transaction, error)

	// ListPendingByKind returns pending entries of one kind, oldest first.
	// The reconciliation pass uses it to find stuck external legs.
	ListPendingByKind(ctx context.Context, kind string, limit int) ([]models.Transaction, error)

	// Reserve claims an idempotency key before its operation executes, so
	// two concurrent requests with the same key cannot both run. A claim
	// already held returns domain.ErrOperationInProgress until Release.
	Reserve(ctx context.Context, key string) error

	// Release frees a claim taken by Reserve.
	Release(ctx context.Context, key string) error
}

// entryTransitions is the only legal status edge set.
var entryTransitions = map[string]map[string]struct{}{
	"PENDING": {
		"COMPLETED": {},
		"FAILED":    {},
	},
}

func canTransition(current, next string) bool {
	nextStates, ok := entryTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}
