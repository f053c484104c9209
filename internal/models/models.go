package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/yyogue/yoguepay/internal/domain"
)

// Account holds a custodial balance. The identifier is issued by the identity
// provider and is opaque to this service. Version increases monotonically on
// every balance mutation and backs optimistic concurrency control.
type Account struct {
	ID        string       `json:"id"`
	Balance   domain.Money `json:"balance"`
	Version   uint64       `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
}

// Transaction is one immutable ledger entry (a leg of an operation).
// Sender or Receiver may be the EXTERNAL sentinel for funding/payout legs,
// or the SYSTEM account for fee legs. Once completed or failed an entry is
// never edited again.
type Transaction struct {
	ID             uuid.UUID    `json:"id"`
	OperationID    uuid.UUID    `json:"operation_id"`
	Sender         string       `json:"sender"`
	Receiver       string       `json:"receiver"`
	Amount         domain.Money `json:"amount"`
	Kind           string       `json:"kind"`
	Status         string       `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`
	CreatedAt      time.Time    `json:"created_at"`
}
