package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/gateway"
	"github.com/yyogue/yoguepay/internal/models"
	"github.com/yyogue/yoguepay/internal/observability"
	"github.com/yyogue/yoguepay/internal/store"
	"go.uber.org/zap"
)

// WithdrawRequest moves money out of a custodial account to an external
// destination. The full amount is debited; the fee stays behind and the rail
// pays out amount minus fee.
type WithdrawRequest struct {
	AccountID      string
	DestinationRef string
	Amount         domain.Money
	IdempotencyKey string
}

// Withdraw debits the account first, then asks the rail to pay out. A
// definitive rail failure compensates the debit; an unknown outcome leaves the
// money reserved (debited, legs pending) until reconciliation resolves it. The
// fee is credited to the SYSTEM account only once the payout succeeds.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (*Result, error) {
	if req.IdempotencyKey == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}
	if !req.Amount.Positive() {
		return nil, domain.ErrInvalidAmount
	}
	if req.DestinationRef == "" {
		return nil, fmt.Errorf("%w: payout destination is required", domain.ErrInvalidRequest)
	}

	fee := req.Amount.Fee()
	payout := req.Amount - fee

	replay, release, err := e.acquireKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		if !replayMatches(replay.Entries, domain.EntryKindPayout, req.AccountID, domain.ExternalParticipant, payout) {
			return nil, domain.ErrIdempotencyConflict
		}
		observability.IncrementOperation(domain.EntryKindPayout, "replayed")
		return replay, replayError(replay)
	}
	defer release()

	var debited models.Account
	for attempt := 0; ; attempt++ {
		if attempt >= e.maxRetries {
			observability.IncrementOperation(domain.EntryKindPayout, "transient")
			return nil, domain.ErrTransient
		}

		acc, err := e.accounts.Get(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("load account: %w", err)
		}

		debited, err = e.accounts.ApplyDelta(ctx, store.Delta{
			AccountID:       req.AccountID,
			Delta:           -req.Amount,
			ExpectedVersion: acc.Version,
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, domain.ErrInsufficientFunds) {
			observability.IncrementOperation(domain.EntryKindPayout, "rejected")
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("debit account: %w", err)
		}
		break
	}

	opID := uuid.New()
	now := time.Now().UTC()
	legs := []models.Transaction{
		{
			ID:             uuid.New(),
			OperationID:    opID,
			Sender:         req.AccountID,
			Receiver:       domain.ExternalParticipant,
			Amount:         payout,
			Kind:           domain.EntryKindPayout,
			Status:         domain.EntryStatusPending,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		},
		{
			ID:             uuid.New(),
			OperationID:    opID,
			Sender:         req.AccountID,
			Receiver:       domain.SystemAccountID,
			Amount:         fee,
			Kind:           domain.EntryKindFee,
			Status:         domain.EntryStatusPending,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		},
	}
	for i, leg := range legs {
		if err := e.ledger.Append(ctx, leg); err != nil {
			// No payout was attempted yet, so the debit can be restored and
			// any already-appended legs closed out.
			if _, cerr := e.accounts.ApplyDelta(ctx, store.Delta{
				AccountID: req.AccountID,
				Delta:     req.Amount,
			}); cerr != nil {
				zap.L().Error("failed to restore debit after append failure",
					zap.Error(cerr), zap.String("operation_id", opID.String()))
			}
			for _, appended := range legs[:i] {
				if merr := e.ledger.MarkStatus(ctx, appended.ID, domain.EntryStatusFailed); merr != nil {
					zap.L().Error("failed to close out partial legs",
						zap.Error(merr), zap.String("entry_id", appended.ID.String()))
				}
			}
			return nil, fmt.Errorf("append pending legs: %w", err)
		}
	}

	res := &Result{OperationID: opID, Entries: legs}

	railRes, err := e.rail.Payout(ctx, payout, req.DestinationRef, req.IdempotencyKey)
	if err != nil || railRes.Outcome == gateway.OutcomeUnknown {
		// The rail may or may not have paid. The debit stands and the legs
		// stay pending; reconciliation decides whether to complete or
		// compensate. Retrying the payout here could pay twice.
		observability.IncrementOperation(domain.EntryKindPayout, "unknown")
		zap.L().Warn("payout outcome unknown, deferring to reconciliation",
			zap.Error(err),
			zap.String("operation_id", opID.String()),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		res.State = domain.OpStateReserved
		res.ReconciliationRequired = true
		res.Balances = map[string]domain.Money{req.AccountID: debited.Balance}
		return res, domain.ErrReconciliationRequired
	}

	if railRes.Outcome != gateway.OutcomeSucceeded {
		// Definitive failure: restore the debit. The blind credit cannot
		// conflict, so the compensation is not retried on version grounds.
		restored, cerr := e.accounts.ApplyDelta(ctx, store.Delta{
			AccountID: req.AccountID,
			Delta:     req.Amount,
		})
		if cerr != nil {
			observability.IncrementOperation(domain.EntryKindPayout, "compensation_failed")
			zap.L().Error("failed to compensate failed payout",
				zap.Error(cerr),
				zap.String("operation_id", opID.String()),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
			res.State = domain.OpStateReserved
			res.ReconciliationRequired = true
			return res, domain.ErrReconciliationRequired
		}
		for i := range legs {
			if err := e.ledger.MarkStatus(ctx, legs[i].ID, domain.EntryStatusFailed); err != nil {
				observability.IncrementLedgerFinalizeFailure()
				zap.L().Error("failed to finalize failed payout leg",
					zap.Error(err), zap.String("entry_id", legs[i].ID.String()))
			}
			legs[i].Status = domain.EntryStatusFailed
		}
		observability.IncrementOperation(domain.EntryKindPayout, "compensated")
		res.State = domain.OpStateCompensated
		res.Entries = legs
		res.Balances = map[string]domain.Money{req.AccountID: restored.Balance}
		return res, domain.ErrRailFailed
	}

	if _, err := e.accounts.ApplyDelta(ctx, store.Delta{
		AccountID: domain.SystemAccountID,
		Delta:     fee,
	}); err != nil {
		observability.IncrementOperation(domain.EntryKindPayout, "fee_credit_failed")
		zap.L().Error("failed to credit fee after payout",
			zap.Error(err), zap.String("operation_id", opID.String()))
	}

	for i := range legs {
		if err := e.ledger.MarkStatus(ctx, legs[i].ID, domain.EntryStatusCompleted); err != nil {
			observability.IncrementLedgerFinalizeFailure()
			zap.L().Error("failed to complete payout leg",
				zap.Error(err), zap.String("entry_id", legs[i].ID.String()))
		}
		legs[i].Status = domain.EntryStatusCompleted
	}

	observability.IncrementOperation(domain.EntryKindPayout, "committed")
	res.State = domain.OpStateCommitted
	res.Entries = legs
	res.Balances = map[string]domain.Money{req.AccountID: debited.Balance}
	return res, nil
}
