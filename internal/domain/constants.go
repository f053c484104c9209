package domain

const (
	// SystemAccountID is the platform fee-collection account. The migrations
	// (or the in-memory store seed) create it with a zero balance; it is only
	// ever credited.
	SystemAccountID = "SYSTEM"

	// ExternalParticipant marks the non-custodial side of a deposit or payout
	// leg. It is a ledger sentinel, not an account.
	ExternalParticipant = "EXTERNAL"

	EntryKindTransfer = "transfer"
	EntryKindFee      = "fee"
	EntryKindDeposit  = "deposit"
	EntryKindPayout   = "payout"

	EntryStatusPending   = "PENDING"
	EntryStatusCompleted = "COMPLETED"
	EntryStatusFailed    = "FAILED"

	OpStateReceived    = "RECEIVED"
	OpStateValidated   = "VALIDATED"
	OpStateReserved    = "RESERVED"
	OpStateCommitted   = "COMMITTED"
	OpStateRejected    = "REJECTED"
	OpStateCompensated = "COMPENSATED"
)
