package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/models"
	"github.com/yyogue/yoguepay/internal/observability"
	"github.com/yyogue/yoguepay/internal/store"
	"go.uber.org/zap"
)

// SendRequest moves money between two custodial accounts. The receiver is a
// reference (handle or phone) resolved through the identity provider.
type SendRequest struct {
	SenderID       string
	ReceiverRef    string
	Amount         domain.Money
	IdempotencyKey string
}

// Send executes an internal transfer. The sender is debited amount + fee, the
// receiver credited the amount and the fee lands on the SYSTEM account, all
// in one atomic multi-delta. Ledger entries are appended already completed
// once the balances are durably applied.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*Result, error) {
	if req.IdempotencyKey == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}
	if !req.Amount.Positive() {
		return nil, domain.ErrInvalidAmount
	}

	receiverID, err := e.resolver.Resolve(ctx, req.ReceiverRef)
	if errors.Is(err, domain.ErrAccountNotFound) && req.ReceiverRef != "" {
		// The reference may be a bare account ID rather than a handle or
		// phone number.
		if _, accErr := e.accounts.Get(ctx, req.ReceiverRef); accErr == nil {
			receiverID, err = req.ReceiverRef, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve receiver %q: %w", req.ReceiverRef, err)
	}
	if receiverID == req.SenderID {
		return nil, domain.ErrSelfTransfer
	}
	if receiverID == domain.SystemAccountID {
		return nil, fmt.Errorf("%w: cannot transfer to the fee account", domain.ErrInvalidRequest)
	}

	replay, release, err := e.acquireKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		if !replayMatches(replay.Entries, domain.EntryKindTransfer, req.SenderID, receiverID, req.Amount) {
			return nil, domain.ErrIdempotencyConflict
		}
		observability.IncrementOperation(domain.EntryKindTransfer, "replayed")
		return replay, replayError(replay)
	}
	defer release()

	fee := req.Amount.Fee()
	total := req.Amount + fee

	var updated []models.Account
	for attempt := 0; ; attempt++ {
		if attempt >= e.maxRetries {
			observability.IncrementOperation(domain.EntryKindTransfer, "transient")
			return nil, domain.ErrTransient
		}

		sender, err := e.accounts.Get(ctx, req.SenderID)
		if err != nil {
			return nil, fmt.Errorf("load sender: %w", err)
		}
		receiver, err := e.accounts.Get(ctx, receiverID)
		if err != nil {
			return nil, fmt.Errorf("load receiver: %w", err)
		}

		updated, err = e.accounts.ApplyMultiDelta(ctx, []store.Delta{
			{AccountID: sender.ID, Delta: -total, ExpectedVersion: sender.Version},
			{AccountID: receiver.ID, Delta: req.Amount, ExpectedVersion: receiver.Version},
			{AccountID: domain.SystemAccountID, Delta: fee},
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, domain.ErrInsufficientFunds) {
			observability.IncrementOperation(domain.EntryKindTransfer, "rejected")
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("apply transfer deltas: %w", err)
		}
		break
	}

	opID := uuid.New()
	now := time.Now().UTC()
	entries := []models.Transaction{
		{
			ID:             uuid.New(),
			OperationID:    opID,
			Sender:         req.SenderID,
			Receiver:       receiverID,
			Amount:         req.Amount,
			Kind:           domain.EntryKindTransfer,
			Status:         domain.EntryStatusCompleted,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		},
		{
			ID:             uuid.New(),
			OperationID:    opID,
			Sender:         req.SenderID,
			Receiver:       domain.SystemAccountID,
			Amount:         fee,
			Kind:           domain.EntryKindFee,
			Status:         domain.EntryStatusCompleted,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		},
	}
	for _, entry := range entries {
		if err := e.ledger.Append(ctx, entry); err != nil {
			// Balances are the durability anchor: the transfer has committed.
			// Missing entries are surfaced for reconciliation, never rolled back.
			observability.IncrementLedgerAppendFailure()
			zap.L().Error("ledger append failed after balance commit",
				zap.Error(err),
				zap.String("operation_id", opID.String()),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
		}
	}

	observability.IncrementOperation(domain.EntryKindTransfer, "committed")
	return &Result{
		OperationID: opID,
		State:       domain.OpStateCommitted,
		Entries:     entries,
		Balances: map[string]domain.Money{
			req.SenderID: updated[0].Balance,
			receiverID:   updated[1].Balance,
		},
	}, nil
}
