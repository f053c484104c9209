package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/gateway"
	"github.com/yyogue/yoguepay/internal/models"
	"github.com/yyogue/yoguepay/internal/observability"
	"github.com/yyogue/yoguepay/internal/store"
	"go.uber.org/zap"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Resolved int
	Pending  int
}

// Reconcile resolves stuck external legs by asking the rail's status lookups
// what really happened. Legs younger than the stale window are skipped; they
// belong to requests still in flight. Each leg is finalized in the ledger
// before its balance effect is applied, so a crashed or concurrent pass can
// never credit or compensate twice.
func (e *Engine) Reconcile(ctx context.Context, batchSize int) (ReconcileReport, error) {
	if batchSize < 1 {
		batchSize = 50
	}
	var report ReconcileReport
	cutoff := time.Now().UTC().Add(-e.staleWindow)

	payouts, err := e.ledger.ListPendingByKind(ctx, domain.EntryKindPayout, batchSize)
	if err != nil {
		return report, fmt.Errorf("list pending payouts: %w", err)
	}
	for _, leg := range payouts {
		if leg.CreatedAt.After(cutoff) {
			report.Pending++
			continue
		}
		if err := e.reconcilePayout(ctx, leg, &report); err != nil {
			zap.L().Error("payout reconciliation failed",
				zap.Error(err), zap.String("entry_id", leg.ID.String()))
			report.Pending++
		}
	}

	deposits, err := e.ledger.ListPendingByKind(ctx, domain.EntryKindDeposit, batchSize)
	if err != nil {
		return report, fmt.Errorf("list pending deposits: %w", err)
	}
	for _, leg := range deposits {
		if leg.CreatedAt.After(cutoff) {
			report.Pending++
			continue
		}
		if err := e.reconcileDeposit(ctx, leg, &report); err != nil {
			zap.L().Error("deposit reconciliation failed",
				zap.Error(err), zap.String("entry_id", leg.ID.String()))
			report.Pending++
		}
	}

	observability.SetReconciliationQueueSize(report.Pending)
	return report, nil
}

func (e *Engine) reconcilePayout(ctx context.Context, leg models.Transaction, report *ReconcileReport) error {
	outcome, err := e.rail.PayoutStatus(ctx, leg.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("payout status: %w", err)
	}

	switch outcome {
	case gateway.OutcomeSucceeded:
		if err := e.ledger.MarkStatus(ctx, leg.ID, domain.EntryStatusCompleted); err != nil {
			if errors.Is(err, domain.ErrEntryFinalized) {
				return nil
			}
			return err
		}
		fee := e.finalizeFeeLeg(ctx, leg.IdempotencyKey, domain.EntryStatusCompleted)
		if fee > 0 {
			if _, err := e.accounts.ApplyDelta(ctx, store.Delta{
				AccountID: domain.SystemAccountID,
				Delta:     fee,
			}); err != nil {
				zap.L().Error("failed to credit fee during payout reconciliation",
					zap.Error(err), zap.String("entry_id", leg.ID.String()))
			}
		}
		observability.IncrementOperation(domain.EntryKindPayout, "reconciled")
		report.Resolved++
		return nil

	case gateway.OutcomeDeclined, gateway.OutcomeFailed:
		if err := e.ledger.MarkStatus(ctx, leg.ID, domain.EntryStatusFailed); err != nil {
			if errors.Is(err, domain.ErrEntryFinalized) {
				return nil
			}
			return err
		}
		fee := e.finalizeFeeLeg(ctx, leg.IdempotencyKey, domain.EntryStatusFailed)
		// The debit took the payout plus the fee; restore both.
		if _, err := e.accounts.ApplyDelta(ctx, store.Delta{
			AccountID: leg.Sender,
			Delta:     leg.Amount + fee,
		}); err != nil {
			return fmt.Errorf("compensate payout debit: %w", err)
		}
		observability.IncrementOperation(domain.EntryKindPayout, "reconciled")
		report.Resolved++
		return nil

	default:
		// Still unknown on the rail's side. Leave it for the next pass.
		report.Pending++
		return nil
	}
}

func (e *Engine) reconcileDeposit(ctx context.Context, leg models.Transaction, report *ReconcileReport) error {
	outcome, err := e.rail.ChargeStatus(ctx, leg.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("charge status: %w", err)
	}

	switch outcome {
	case gateway.OutcomeSucceeded:
		if err := e.ledger.MarkStatus(ctx, leg.ID, domain.EntryStatusCompleted); err != nil {
			if errors.Is(err, domain.ErrEntryFinalized) {
				return nil
			}
			return err
		}
		fee := e.finalizeFeeLeg(ctx, leg.IdempotencyKey, domain.EntryStatusCompleted)
		deltas := []store.Delta{{AccountID: leg.Receiver, Delta: leg.Amount}}
		if fee > 0 {
			deltas = append(deltas, store.Delta{AccountID: domain.SystemAccountID, Delta: fee})
		}
		if _, err := e.accounts.ApplyMultiDelta(ctx, deltas); err != nil {
			return fmt.Errorf("credit reconciled deposit: %w", err)
		}
		observability.IncrementOperation(domain.EntryKindDeposit, "reconciled")
		report.Resolved++
		return nil

	case gateway.OutcomeDeclined, gateway.OutcomeFailed:
		if err := e.ledger.MarkStatus(ctx, leg.ID, domain.EntryStatusFailed); err != nil {
			if errors.Is(err, domain.ErrEntryFinalized) {
				return nil
			}
			return err
		}
		e.finalizeFeeLeg(ctx, leg.IdempotencyKey, domain.EntryStatusFailed)
		observability.IncrementOperation(domain.EntryKindDeposit, "reconciled")
		report.Resolved++
		return nil

	default:
		report.Pending++
		return nil
	}
}

// finalizeFeeLeg moves the pending fee leg recorded under the key to the given
// status and returns its amount. Zero means no pending fee leg was found.
func (e *Engine) finalizeFeeLeg(ctx context.Context, key, status string) domain.Money {
	legs, err := e.ledger.FindByIdempotencyKey(ctx, key)
	if err != nil {
		zap.L().Error("failed to load sibling legs", zap.Error(err), zap.String("idempotency_key", key))
		return 0
	}
	for _, sibling := range legs {
		if sibling.Kind != domain.EntryKindFee || sibling.Status != domain.EntryStatusPending {
			continue
		}
		if err := e.ledger.MarkStatus(ctx, sibling.ID, status); err != nil {
			zap.L().Error("failed to finalize fee leg",
				zap.Error(err), zap.String("entry_id", sibling.ID.String()))
			return 0
		}
		return sibling.Amount
	}
	return 0
}
