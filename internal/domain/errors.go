package domain

import "errors"

var (
	// ErrInvalidAmount rejects zero or negative amounts before any state is touched.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSelfTransfer rejects transfers where sender and receiver resolve to the same account.
	ErrSelfTransfer = errors.New("cannot transfer to the same account")

	// ErrMissingIdempotencyKey rejects money-moving requests without a caller-supplied key.
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")

	// ErrInvalidRequest rejects requests missing a required field, such as the
	// funding method or payout destination.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrOperationInProgress means another request holding the same
	// idempotency key is still executing.
	ErrOperationInProgress = errors.New("operation with this idempotency key is in progress")

	// ErrIdempotencyConflict rejects reuse of an idempotency key with a
	// different request.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")

	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")

	// ErrInsufficientFunds means the debit would drive the balance negative.
	// No state is touched.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrVersionConflict signals a stale-version write. Callers retry with
	// freshly read versions.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrTransient is surfaced when the bounded conflict-retry budget is
	// exhausted. The client may retry the whole operation.
	ErrTransient = errors.New("transient conflict, retry the operation")

	// ErrRailDeclined means the external rail definitively declined a charge.
	ErrRailDeclined = errors.New("external rail declined the charge")

	// ErrRailFailed means the external rail definitively failed a payout.
	// Internal state has been compensated.
	ErrRailFailed = errors.New("external rail failed the payout")

	// ErrReconciliationRequired means the rail outcome is unknown. The
	// operation stays reserved until the reconciliation pass resolves it;
	// it is never retried as a fresh charge or payout.
	ErrReconciliationRequired = errors.New("operation requires reconciliation")

	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrEntryFinalized rejects status transitions on a non-pending entry.
	ErrEntryFinalized = errors.New("ledger entry already finalized")
)
