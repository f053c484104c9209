package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/gateway"
	"github.com/yyogue/yoguepay/internal/identity"
	"github.com/yyogue/yoguepay/internal/models"
	"github.com/yyogue/yoguepay/internal/store"
)

type testEnv struct {
	accounts *store.MemoryAccountStore
	ledger   *store.MemoryLedgerStore
	rail     *gateway.MockGateway
	dir      *identity.Directory
	engine   *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		accounts: store.NewMemoryAccountStore(),
		ledger:   store.NewMemoryLedgerStore(),
		rail:     gateway.NewMockGateway(),
		dir:      identity.NewDirectory(),
	}
	require.NoError(t, env.accounts.Create(context.Background(), models.Account{ID: domain.SystemAccountID}))
	env.engine = NewEngine(env.accounts, env.ledger, env.rail, env.dir)
	return env
}

func (env *testEnv) seed(t *testing.T, id, handle string, balance domain.Money) {
	t.Helper()
	require.NoError(t, env.accounts.Create(context.Background(), models.Account{ID: id, Balance: balance}))
	env.dir.Register(id, handle, "")
}

func (env *testEnv) balance(t *testing.T, id string) domain.Money {
	t.Helper()
	acc, err := env.accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func TestEngine_Send(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 1000)
	env.seed(t, "bob", "bob", 0)

	res, err := env.engine.Send(context.Background(), SendRequest{
		SenderID:       "alice",
		ReceiverRef:    "bob",
		Amount:         100,
		IdempotencyKey: "send-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OpStateCommitted, res.State)
	assert.Equal(t, domain.Money(898), env.balance(t, "alice"))
	assert.Equal(t, domain.Money(100), env.balance(t, "bob"))
	assert.Equal(t, domain.Money(2), env.balance(t, domain.SystemAccountID))

	require.Len(t, res.Entries, 2)
	assert.Equal(t, domain.EntryKindTransfer, res.Entries[0].Kind)
	assert.Equal(t, domain.EntryStatusCompleted, res.Entries[0].Status)
	assert.Equal(t, domain.EntryKindFee, res.Entries[1].Kind)
	assert.Equal(t, domain.Money(2), res.Entries[1].Amount)
}

func TestEngine_Send_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 50)
	env.seed(t, "bob", "bob", 0)

	_, err := env.engine.Send(context.Background(), SendRequest{
		SenderID:       "alice",
		ReceiverRef:    "bob",
		Amount:         100,
		IdempotencyKey: "send-broke",
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// Nothing moved and nothing was recorded.
	assert.Equal(t, domain.Money(50), env.balance(t, "alice"))
	assert.Equal(t, domain.Money(0), env.balance(t, "bob"))
	_, err = env.ledger.FindByIdempotencyKey(context.Background(), "send-broke")
	require.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestEngine_Send_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 1000)
	ctx := context.Background()

	_, err := env.engine.Send(ctx, SendRequest{SenderID: "alice", ReceiverRef: "alice", Amount: 10, IdempotencyKey: "k"})
	require.ErrorIs(t, err, domain.ErrSelfTransfer)

	_, err = env.engine.Send(ctx, SendRequest{SenderID: "alice", ReceiverRef: "alice", Amount: 10})
	require.ErrorIs(t, err, domain.ErrMissingIdempotencyKey)

	_, err = env.engine.Send(ctx, SendRequest{SenderID: "alice", ReceiverRef: "alice", Amount: 0, IdempotencyKey: "k"})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = env.engine.Send(ctx, SendRequest{SenderID: "alice", ReceiverRef: "ghost", Amount: 10, IdempotencyKey: "k"})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = env.engine.Send(ctx, SendRequest{SenderID: "alice", ReceiverRef: domain.SystemAccountID, Amount: 10, IdempotencyKey: "k"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestEngine_Send_ReceiverByAccountID(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 1000)
	require.NoError(t, env.accounts.Create(context.Background(), models.Account{ID: "unlisted"}))

	res, err := env.engine.Send(context.Background(), SendRequest{
		SenderID: "alice", ReceiverRef: "unlisted", Amount: 100, IdempotencyKey: "send-id",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OpStateCommitted, res.State)
	assert.Equal(t, domain.Money(100), env.balance(t, "unlisted"))
}

func TestEngine_Send_Replay(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 1000)
	env.seed(t, "bob", "bob", 0)
	ctx := context.Background()

	first, err := env.engine.Send(ctx, SendRequest{
		SenderID: "alice", ReceiverRef: "bob", Amount: 100, IdempotencyKey: "send-once",
	})
	require.NoError(t, err)

	second, err := env.engine.Send(ctx, SendRequest{
		SenderID: "alice", ReceiverRef: "bob", Amount: 100, IdempotencyKey: "send-once",
	})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.OperationID, second.OperationID)
	assert.Equal(t, domain.OpStateCommitted, second.State)

	// The retry had no additional effect.
	assert.Equal(t, domain.Money(898), env.balance(t, "alice"))
	assert.Equal(t, domain.Money(100), env.balance(t, "bob"))
}

// conflictingAccounts forces version conflicts on multi-delta writes to drive
// the engine's retry budget to exhaustion.
type conflictingAccounts struct {
	store.AccountStore
}

func (c *conflictingAccounts) ApplyMultiDelta(context.Context, []store.Delta) ([]models.Account, error) {
	return nil, domain.ErrVersionConflict
}

func TestEngine_Send_TransientAfterRetries(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 1000)
	env.seed(t, "bob", "bob", 0)

	eng := NewEngine(&conflictingAccounts{env.accounts}, env.ledger, env.rail, env.dir).WithMaxRetries(3)
	_, err := eng.Send(context.Background(), SendRequest{
		SenderID: "alice", ReceiverRef: "bob", Amount: 100, IdempotencyKey: "send-hot",
	})
	require.ErrorIs(t, err, domain.ErrTransient)
}

func TestEngine_Send_ConcurrentOppositePairs(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 100000)
	env.seed(t, "bob", "bob", 100000)
	eng := env.engine.WithMaxRetries(50)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		key := string(rune('a' + i))
		go func(k string) {
			defer wg.Done()
			_, err := eng.Send(context.Background(), SendRequest{
				SenderID: "alice", ReceiverRef: "bob", Amount: 100, IdempotencyKey: "ab-" + k,
			})
			assert.NoError(t, err)
		}(key)
		go func(k string) {
			defer wg.Done()
			_, err := eng.Send(context.Background(), SendRequest{
				SenderID: "bob", ReceiverRef: "alice", Amount: 100, IdempotencyKey: "ba-" + k,
			})
			assert.NoError(t, err)
		}(key)
	}
	wg.Wait()

	// Money is conserved across participants and the fee account.
	total := env.balance(t, "alice") + env.balance(t, "bob") + env.balance(t, domain.SystemAccountID)
	assert.Equal(t, domain.Money(200000), total)
	assert.Equal(t, domain.Money(40*2), env.balance(t, domain.SystemAccountID))
}

// slowAccounts widens the window between the idempotency lookup and the
// balance write, so concurrent requests sharing a key collide reliably.
type slowAccounts struct {
	store.AccountStore
}

func (s *slowAccounts) ApplyMultiDelta(ctx context.Context, deltas []store.Delta) ([]models.Account, error) {
	time.Sleep(25 * time.Millisecond)
	return s.AccountStore.ApplyMultiDelta(ctx, deltas)
}

func TestEngine_Send_ConcurrentDuplicateKey(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 1000)
	env.seed(t, "bob", "bob", 0)
	eng := NewEngine(&slowAccounts{env.accounts}, env.ledger, env.rail, env.dir)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Send(context.Background(), SendRequest{
				SenderID: "alice", ReceiverRef: "bob", Amount: 100, IdempotencyKey: "send-race",
			})
			assert.NoError(t, err)
			if assert.NotNil(t, res) {
				assert.Equal(t, domain.OpStateCommitted, res.State)
			}
		}()
	}
	wg.Wait()

	// The transfer executed exactly once; the losers replayed it.
	assert.Equal(t, domain.Money(898), env.balance(t, "alice"))
	assert.Equal(t, domain.Money(100), env.balance(t, "bob"))
	assert.Equal(t, domain.Money(2), env.balance(t, domain.SystemAccountID))

	legs, err := env.ledger.FindByIdempotencyKey(context.Background(), "send-race")
	require.NoError(t, err)
	assert.Len(t, legs, 2)
}

func TestEngine_KeyReuseWithDifferentRequest(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 1000)
	env.seed(t, "bob", "bob", 0)
	ctx := context.Background()

	_, err := env.engine.Send(ctx, SendRequest{
		SenderID: "alice", ReceiverRef: "bob", Amount: 100, IdempotencyKey: "reused",
	})
	require.NoError(t, err)

	// Same key, different amount.
	_, err = env.engine.Send(ctx, SendRequest{
		SenderID: "alice", ReceiverRef: "bob", Amount: 200, IdempotencyKey: "reused",
	})
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	// Same key, different operation kind.
	_, err = env.engine.AddMoney(ctx, TopUpRequest{
		AccountID: "alice", MethodRef: "card-42", Amount: 100, IdempotencyKey: "reused",
	})
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	// The original effect stands untouched.
	assert.Equal(t, domain.Money(898), env.balance(t, "alice"))
	assert.Equal(t, domain.Money(100), env.balance(t, "bob"))
}

func TestEngine_Replay_KeepsOriginalError(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "carol", "carol", 10)
	env.seed(t, "dave", "dave", 150)
	ctx := context.Background()

	env.rail.NextCharge = gateway.OutcomeDeclined
	_, err := env.engine.AddMoney(ctx, TopUpRequest{
		AccountID: "carol", MethodRef: "card-42", Amount: 100, IdempotencyKey: "top-ng",
	})
	require.ErrorIs(t, err, domain.ErrRailDeclined)

	replayTop, err := env.engine.AddMoney(ctx, TopUpRequest{
		AccountID: "carol", MethodRef: "card-42", Amount: 100, IdempotencyKey: "top-ng",
	})
	require.ErrorIs(t, err, domain.ErrRailDeclined)
	require.NotNil(t, replayTop)
	assert.True(t, replayTop.Replayed)
	assert.Equal(t, domain.OpStateRejected, replayTop.State)
	assert.Equal(t, 1, env.rail.ChargeAttempts())

	env.rail.NextPayout = gateway.OutcomeFailed
	_, err = env.engine.Withdraw(ctx, WithdrawRequest{
		AccountID: "dave", DestinationRef: "bank-99", Amount: 100, IdempotencyKey: "wd-ng",
	})
	require.ErrorIs(t, err, domain.ErrRailFailed)

	replayWd, err := env.engine.Withdraw(ctx, WithdrawRequest{
		AccountID: "dave", DestinationRef: "bank-99", Amount: 100, IdempotencyKey: "wd-ng",
	})
	require.ErrorIs(t, err, domain.ErrRailFailed)
	require.NotNil(t, replayWd)
	assert.True(t, replayWd.Replayed)
	assert.Equal(t, domain.OpStateCompensated, replayWd.State)
	assert.Equal(t, 1, env.rail.PayoutAttempts())
}

func TestEngine_AddMoney(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.AddMoney(context.Background(), TopUpRequest{
		AccountID:      "carol",
		MethodRef:      "card-42",
		Amount:         100,
		IdempotencyKey: "top-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OpStateCommitted, res.State)
	assert.Equal(t, domain.Money(98), env.balance(t, "carol"))
	assert.Equal(t, domain.Money(2), env.balance(t, domain.SystemAccountID))

	require.Len(t, res.Entries, 2)
	for _, entry := range res.Entries {
		assert.Equal(t, domain.EntryStatusCompleted, entry.Status)
		assert.Equal(t, domain.ExternalParticipant, entry.Sender)
	}
	assert.Equal(t, domain.EntryKindDeposit, res.Entries[0].Kind)
	assert.Equal(t, domain.Money(98), res.Entries[0].Amount)
	assert.Equal(t, domain.EntryKindFee, res.Entries[1].Kind)
}

func TestEngine_AddMoney_Declined(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "carol", "carol", 10)
	env.rail.NextCharge = gateway.OutcomeDeclined

	res, err := env.engine.AddMoney(context.Background(), TopUpRequest{
		AccountID:      "carol",
		MethodRef:      "card-42",
		Amount:         100,
		IdempotencyKey: "top-declined",
	})
	require.ErrorIs(t, err, domain.ErrRailDeclined)

	assert.Equal(t, domain.OpStateRejected, res.State)
	assert.Equal(t, domain.Money(10), env.balance(t, "carol"))
	for _, entry := range res.Entries {
		assert.Equal(t, domain.EntryStatusFailed, entry.Status)
	}
}

func TestEngine_AddMoney_UnknownGoesToReconciliation(t *testing.T) {
	env := newTestEnv(t)
	env.rail.NextCharge = gateway.OutcomeUnknown

	res, err := env.engine.AddMoney(context.Background(), TopUpRequest{
		AccountID:      "carol",
		MethodRef:      "card-42",
		Amount:         100,
		IdempotencyKey: "top-unknown",
	})
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)

	assert.Equal(t, domain.OpStateReserved, res.State)
	assert.True(t, res.ReconciliationRequired)
	// Nothing credited while the charge is in limbo.
	assert.Equal(t, domain.Money(0), env.balance(t, "carol"))

	legs, err := env.ledger.FindByIdempotencyKey(context.Background(), "top-unknown")
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, domain.EntryStatusPending, leg.Status)
	}
}

// flakyAccounts fails a fixed number of multi-delta writes before recovering.
type flakyAccounts struct {
	store.AccountStore
	mu       sync.Mutex
	failures int
}

func (f *flakyAccounts) ApplyMultiDelta(ctx context.Context, deltas []store.Delta) ([]models.Account, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("store unavailable")
	}
	f.mu.Unlock()
	return f.AccountStore.ApplyMultiDelta(ctx, deltas)
}

func TestEngine_AddMoney_CreditFailureReconciles(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyAccounts{AccountStore: env.accounts, failures: 1}
	eng := NewEngine(flaky, env.ledger, env.rail, env.dir)
	ctx := context.Background()

	// The rail takes the money but the credit does not land.
	res, err := eng.AddMoney(ctx, TopUpRequest{
		AccountID: "carol", MethodRef: "card-42", Amount: 100, IdempotencyKey: "top-flaky",
	})
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)
	assert.Equal(t, domain.OpStateReserved, res.State)
	assert.True(t, res.ReconciliationRequired)
	assert.Equal(t, domain.Money(0), env.balance(t, "carol"))
	assert.Equal(t, 1, env.rail.ChargeAttempts())

	legs, err := env.ledger.FindByIdempotencyKey(ctx, "top-flaky")
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, domain.EntryStatusPending, leg.Status)
	}

	// Reconciliation replays the credit without charging again.
	eng.WithStaleWindow(time.Nanosecond)
	time.Sleep(time.Millisecond)
	report, err := eng.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, domain.Money(98), env.balance(t, "carol"))
	assert.Equal(t, domain.Money(2), env.balance(t, domain.SystemAccountID))
	assert.Equal(t, 1, env.rail.ChargeAttempts())
}

func TestEngine_Withdraw(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "dave", "dave", 150)

	res, err := env.engine.Withdraw(context.Background(), WithdrawRequest{
		AccountID:      "dave",
		DestinationRef: "bank-99",
		Amount:         100,
		IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OpStateCommitted, res.State)
	assert.Equal(t, domain.Money(50), env.balance(t, "dave"))
	assert.Equal(t, domain.Money(2), env.balance(t, domain.SystemAccountID))

	require.Len(t, res.Entries, 2)
	assert.Equal(t, domain.EntryKindPayout, res.Entries[0].Kind)
	assert.Equal(t, domain.Money(98), res.Entries[0].Amount)
	assert.Equal(t, domain.EntryStatusCompleted, res.Entries[0].Status)
}

func TestEngine_Withdraw_RailFailureCompensates(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "dave", "dave", 150)
	env.rail.NextPayout = gateway.OutcomeFailed

	res, err := env.engine.Withdraw(context.Background(), WithdrawRequest{
		AccountID:      "dave",
		DestinationRef: "bank-99",
		Amount:         100,
		IdempotencyKey: "wd-failed",
	})
	require.ErrorIs(t, err, domain.ErrRailFailed)

	assert.Equal(t, domain.OpStateCompensated, res.State)
	// The debit was restored in full.
	assert.Equal(t, domain.Money(150), env.balance(t, "dave"))
	assert.Equal(t, domain.Money(0), env.balance(t, domain.SystemAccountID))
	for _, entry := range res.Entries {
		assert.Equal(t, domain.EntryStatusFailed, entry.Status)
	}
}

func TestEngine_Withdraw_UnknownStaysDebited(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "dave", "dave", 150)
	env.rail.NextPayout = gateway.OutcomeUnknown
	ctx := context.Background()

	res, err := env.engine.Withdraw(ctx, WithdrawRequest{
		AccountID:      "dave",
		DestinationRef: "bank-99",
		Amount:         100,
		IdempotencyKey: "wd-unknown",
	})
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)

	assert.Equal(t, domain.OpStateReserved, res.State)
	assert.True(t, res.ReconciliationRequired)
	// The money stays reserved, not restored and not paid again.
	assert.Equal(t, domain.Money(50), env.balance(t, "dave"))
	assert.Equal(t, 1, env.rail.PayoutAttempts())

	// Retrying the request replays the reserved outcome, with the same
	// error as the first attempt and without a second payout attempt.
	replay, err := env.engine.Withdraw(ctx, WithdrawRequest{
		AccountID:      "dave",
		DestinationRef: "bank-99",
		Amount:         100,
		IdempotencyKey: "wd-unknown",
	})
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)
	require.NotNil(t, replay)
	assert.True(t, replay.Replayed)
	assert.True(t, replay.ReconciliationRequired)
	assert.Equal(t, domain.OpStateReserved, replay.State)
	assert.Equal(t, 1, env.rail.PayoutAttempts())
}

func TestEngine_Reconcile_PayoutSucceeded(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "dave", "dave", 150)
	env.rail.NextPayout = gateway.OutcomeUnknown
	ctx := context.Background()

	_, err := env.engine.Withdraw(ctx, WithdrawRequest{
		AccountID: "dave", DestinationRef: "bank-99", Amount: 100, IdempotencyKey: "wd-rec-ok",
	})
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)

	env.rail.SettlePayout("wd-rec-ok", gateway.OutcomeSucceeded)
	env.engine.WithStaleWindow(time.Nanosecond)
	time.Sleep(time.Millisecond)

	report, err := env.engine.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	assert.Equal(t, domain.Money(50), env.balance(t, "dave"))
	assert.Equal(t, domain.Money(2), env.balance(t, domain.SystemAccountID))
	legs, err := env.ledger.FindByIdempotencyKey(ctx, "wd-rec-ok")
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, domain.EntryStatusCompleted, leg.Status)
	}
}

func TestEngine_Reconcile_PayoutFailedCompensates(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "dave", "dave", 150)
	env.rail.NextPayout = gateway.OutcomeUnknown
	ctx := context.Background()

	_, err := env.engine.Withdraw(ctx, WithdrawRequest{
		AccountID: "dave", DestinationRef: "bank-99", Amount: 100, IdempotencyKey: "wd-rec-bad",
	})
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)

	env.rail.SettlePayout("wd-rec-bad", gateway.OutcomeFailed)
	env.engine.WithStaleWindow(time.Nanosecond)
	time.Sleep(time.Millisecond)

	report, err := env.engine.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	assert.Equal(t, domain.Money(150), env.balance(t, "dave"))
	assert.Equal(t, domain.Money(0), env.balance(t, domain.SystemAccountID))
	legs, err := env.ledger.FindByIdempotencyKey(ctx, "wd-rec-bad")
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, domain.EntryStatusFailed, leg.Status)
	}
}

func TestEngine_Reconcile_ChargeSucceededCredits(t *testing.T) {
	env := newTestEnv(t)
	env.rail.NextCharge = gateway.OutcomeUnknown
	ctx := context.Background()

	_, err := env.engine.AddMoney(ctx, TopUpRequest{
		AccountID: "carol", MethodRef: "card-42", Amount: 100, IdempotencyKey: "top-rec",
	})
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)

	env.rail.SettleCharge("top-rec", gateway.OutcomeSucceeded)
	env.engine.WithStaleWindow(time.Nanosecond)
	time.Sleep(time.Millisecond)

	report, err := env.engine.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	assert.Equal(t, domain.Money(98), env.balance(t, "carol"))
	assert.Equal(t, domain.Money(2), env.balance(t, domain.SystemAccountID))
}

func TestEngine_Reconcile_SkipsFreshLegs(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "dave", "dave", 150)
	env.rail.NextPayout = gateway.OutcomeUnknown
	ctx := context.Background()

	_, err := env.engine.Withdraw(ctx, WithdrawRequest{
		AccountID: "dave", DestinationRef: "bank-99", Amount: 100, IdempotencyKey: "wd-fresh",
	})
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)
	env.rail.SettlePayout("wd-fresh", gateway.OutcomeSucceeded)

	// Default stale window is minutes; the leg is seconds old.
	report, err := env.engine.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resolved)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, domain.Money(50), env.balance(t, "dave"))
}

func TestEngine_Reconcile_StillUnknownStaysPending(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "dave", "dave", 150)
	env.rail.NextPayout = gateway.OutcomeUnknown
	ctx := context.Background()

	_, err := env.engine.Withdraw(ctx, WithdrawRequest{
		AccountID: "dave", DestinationRef: "bank-99", Amount: 100, IdempotencyKey: "wd-limbo",
	})
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)

	env.engine.WithStaleWindow(time.Nanosecond)
	time.Sleep(time.Millisecond)

	report, err := env.engine.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resolved)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, domain.Money(50), env.balance(t, "dave"))
}

func TestEngine_ConservationUnderMixedOperations(t *testing.T) {
	env := newTestEnv(t)
	ids := []string{"u0", "u1", "u2", "u3"}
	for _, id := range ids {
		env.seed(t, id, id, 10000)
	}
	ctx := context.Background()
	rng := rand.New(rand.NewSource(20260831))

	// expected tracks the total custodial money, including the fee account,
	// once every unknown rail outcome has been reconciled.
	expected := domain.Money(40000)
	type settlement struct {
		key     string
		payout  bool
		outcome gateway.Outcome
	}
	var settlements []settlement

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("mix-%d", i)
		amount := domain.Money(rng.Int63n(500) + 1)
		from := ids[rng.Intn(len(ids))]
		to := ids[rng.Intn(len(ids))]

		switch rng.Intn(3) {
		case 0:
			// Internal transfer, conserves the total.
			_, err := env.engine.Send(ctx, SendRequest{
				SenderID: from, ReceiverRef: to, Amount: amount, IdempotencyKey: key,
			})
			if err != nil {
				require.True(t,
					errors.Is(err, domain.ErrSelfTransfer) || errors.Is(err, domain.ErrInsufficientFunds),
					"unexpected transfer error: %v", err)
			}

		case 1:
			outcome := []gateway.Outcome{
				gateway.OutcomeSucceeded, gateway.OutcomeDeclined, gateway.OutcomeUnknown,
			}[rng.Intn(3)]
			env.rail.NextCharge = outcome
			_, err := env.engine.AddMoney(ctx, TopUpRequest{
				AccountID: from, MethodRef: "card-1", Amount: amount, IdempotencyKey: key,
			})
			env.rail.NextCharge = ""
			switch outcome {
			case gateway.OutcomeSucceeded:
				require.NoError(t, err)
				expected += amount
			case gateway.OutcomeDeclined:
				require.ErrorIs(t, err, domain.ErrRailDeclined)
			default:
				require.ErrorIs(t, err, domain.ErrReconciliationRequired)
				final := []gateway.Outcome{
					gateway.OutcomeSucceeded, gateway.OutcomeDeclined,
				}[rng.Intn(2)]
				settlements = append(settlements, settlement{key: key, outcome: final})
				if final == gateway.OutcomeSucceeded {
					expected += amount
				}
			}

		default:
			outcome := []gateway.Outcome{
				gateway.OutcomeSucceeded, gateway.OutcomeFailed, gateway.OutcomeUnknown,
			}[rng.Intn(3)]
			env.rail.NextPayout = outcome
			_, err := env.engine.Withdraw(ctx, WithdrawRequest{
				AccountID: from, DestinationRef: "bank-1", Amount: amount, IdempotencyKey: key,
			})
			env.rail.NextPayout = ""
			if errors.Is(err, domain.ErrInsufficientFunds) {
				continue
			}
			switch outcome {
			case gateway.OutcomeSucceeded:
				require.NoError(t, err)
				expected -= amount - amount.Fee()
			case gateway.OutcomeFailed:
				require.ErrorIs(t, err, domain.ErrRailFailed)
			default:
				require.ErrorIs(t, err, domain.ErrReconciliationRequired)
				final := []gateway.Outcome{
					gateway.OutcomeSucceeded, gateway.OutcomeFailed,
				}[rng.Intn(2)]
				settlements = append(settlements, settlement{key: key, payout: true, outcome: final})
				if final == gateway.OutcomeSucceeded {
					expected -= amount - amount.Fee()
				}
			}
		}
	}

	for _, s := range settlements {
		if s.payout {
			env.rail.SettlePayout(s.key, s.outcome)
		} else {
			env.rail.SettleCharge(s.key, s.outcome)
		}
	}
	env.engine.WithStaleWindow(time.Nanosecond)
	time.Sleep(time.Millisecond)

	report, err := env.engine.Reconcile(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Pending)
	assert.Equal(t, len(settlements), report.Resolved)

	total := env.balance(t, domain.SystemAccountID)
	for _, id := range ids {
		total += env.balance(t, id)
	}
	assert.Equal(t, expected, total)
}

func TestEngine_History(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 1000)
	env.seed(t, "bob", "bob", 0)
	ctx := context.Background()

	for _, key := range []string{"h-1", "h-2", "h-3"} {
		_, err := env.engine.Send(ctx, SendRequest{
			SenderID: "alice", ReceiverRef: "bob", Amount: 100, IdempotencyKey: key,
		})
		require.NoError(t, err)
	}

	history, err := env.engine.History(ctx, "bob", 1, 10)
	require.NoError(t, err)
	// Bob only sees the principal legs, newest first.
	require.Len(t, history, 3)
	assert.Equal(t, "h-3", history[0].IdempotencyKey)
	assert.Equal(t, "h-1", history[2].IdempotencyKey)

	// Alice additionally sees her fee legs.
	history, err = env.engine.History(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Len(t, history, 6)

	// Paging.
	page, err := env.engine.History(ctx, "alice", 2, 4)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestEngine_GetBalance(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "alice", "alice", 777)

	acc, err := env.engine.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(777), acc.Balance)

	_, err = env.engine.GetBalance(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}
