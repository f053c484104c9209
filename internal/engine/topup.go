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

// TopUpRequest funds a custodial account from an external method. The rail is
// charged the full amount; the fee is deducted before the credit lands.
type TopUpRequest struct {
	AccountID      string
	MethodRef      string
	Amount         domain.Money
	IdempotencyKey string
}

// AddMoney charges the external rail, then credits the account. The pending
// ledger legs are written before the charge so that a crash or an unknown rail
// outcome always leaves a reconcilable trace; money is only credited once the
// rail confirms the charge succeeded.
func (e *Engine) AddMoney(ctx context.Context, req TopUpRequest) (*Result, error) {
	if req.IdempotencyKey == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}
	if !req.Amount.Positive() {
		return nil, domain.ErrInvalidAmount
	}
	if req.MethodRef == "" {
		return nil, fmt.Errorf("%w: funding method is required", domain.ErrInvalidRequest)
	}

	fee := req.Amount.Fee()
	credited := req.Amount - fee

	replay, release, err := e.acquireKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		if !replayMatches(replay.Entries, domain.EntryKindDeposit, domain.ExternalParticipant, req.AccountID, credited) {
			return nil, domain.ErrIdempotencyConflict
		}
		observability.IncrementOperation(domain.EntryKindDeposit, "replayed")
		return replay, replayError(replay)
	}
	defer release()

	// First funding creates the account.
	if _, err := e.accounts.Get(ctx, req.AccountID); errors.Is(err, domain.ErrAccountNotFound) {
		err = e.accounts.Create(ctx, models.Account{ID: req.AccountID, CreatedAt: time.Now().UTC()})
		if err != nil && !errors.Is(err, domain.ErrAccountExists) {
			return nil, fmt.Errorf("create account: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	opID := uuid.New()
	now := time.Now().UTC()
	legs := []models.Transaction{
		{
			ID:             uuid.New(),
			OperationID:    opID,
			Sender:         domain.ExternalParticipant,
			Receiver:       req.AccountID,
			Amount:         credited,
			Kind:           domain.EntryKindDeposit,
			Status:         domain.EntryStatusPending,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		},
		{
			ID:             uuid.New(),
			OperationID:    opID,
			Sender:         domain.ExternalParticipant,
			Receiver:       domain.SystemAccountID,
			Amount:         fee,
			Kind:           domain.EntryKindFee,
			Status:         domain.EntryStatusPending,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		},
	}
	for _, leg := range legs {
		if err := e.ledger.Append(ctx, leg); err != nil {
			return nil, fmt.Errorf("append pending legs: %w", err)
		}
	}

	res := &Result{OperationID: opID, Entries: legs}

	railRes, err := e.rail.Charge(ctx, req.Amount, req.MethodRef, req.IdempotencyKey)
	if err != nil || railRes.Outcome == gateway.OutcomeUnknown {
		// No guess about the rail's side. The legs stay pending until the
		// reconciliation pass learns the real outcome.
		observability.IncrementOperation(domain.EntryKindDeposit, "unknown")
		zap.L().Warn("charge outcome unknown, deferring to reconciliation",
			zap.Error(err),
			zap.String("operation_id", opID.String()),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		res.State = domain.OpStateReserved
		res.ReconciliationRequired = true
		return res, domain.ErrReconciliationRequired
	}

	if railRes.Outcome != gateway.OutcomeSucceeded {
		for i := range legs {
			if err := e.ledger.MarkStatus(ctx, legs[i].ID, domain.EntryStatusFailed); err != nil {
				observability.IncrementLedgerFinalizeFailure()
				zap.L().Error("failed to finalize declined charge leg",
					zap.Error(err), zap.String("entry_id", legs[i].ID.String()))
			}
			legs[i].Status = domain.EntryStatusFailed
		}
		observability.IncrementOperation(domain.EntryKindDeposit, "declined")
		res.State = domain.OpStateRejected
		res.Entries = legs
		return res, domain.ErrRailDeclined
	}

	updated, err := e.accounts.ApplyMultiDelta(ctx, []store.Delta{
		{AccountID: req.AccountID, Delta: credited},
		{AccountID: domain.SystemAccountID, Delta: fee},
	})
	if err != nil {
		// The rail has taken the money but the credit did not land. Leave the
		// legs pending so reconciliation replays the credit.
		observability.IncrementOperation(domain.EntryKindDeposit, "credit_failed")
		zap.L().Error("charge succeeded but credit failed",
			zap.Error(err),
			zap.String("operation_id", opID.String()),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		res.State = domain.OpStateReserved
		res.ReconciliationRequired = true
		return res, domain.ErrReconciliationRequired
	}

	for i := range legs {
		if err := e.ledger.MarkStatus(ctx, legs[i].ID, domain.EntryStatusCompleted); err != nil {
			observability.IncrementLedgerFinalizeFailure()
			zap.L().Error("failed to complete deposit leg after credit",
				zap.Error(err), zap.String("entry_id", legs[i].ID.String()))
		}
		legs[i].Status = domain.EntryStatusCompleted
	}

	observability.IncrementOperation(domain.EntryKindDeposit, "committed")
	res.State = domain.OpStateCommitted
	res.Entries = legs
	res.Balances = map[string]domain.Money{req.AccountID: updated[0].Balance}
	return res, nil
}
