package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/models"
)

type memoryAccount struct {
	mu  sync.Mutex
	acc models.Account
}

// MemoryAccountStore keeps accounts in process memory. Each account carries
// its own mutex; multi-account mutations take the mutexes in ascending ID
// order.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]*memoryAccount)}
}

func (s *MemoryAccountStore) Get(_ context.Context, id string) (models.Account, error) {
	s.mu.RLock()
	entry, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return models.Account{}, domain.ErrAccountNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.acc, nil
}

func (s *MemoryAccountStore) Create(_ context.Context, account models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return domain.ErrAccountExists
	}
	if account.Version == 0 {
		account.Version = 1
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	s.accounts[account.ID] = &memoryAccount{acc: account}
	return nil
}

func (s *MemoryAccountStore) ApplyDelta(ctx context.Context, d Delta) (models.Account, error) {
	updated, err := s.ApplyMultiDelta(ctx, []Delta{d})
	if err != nil {
		return models.Account{}, err
	}
	return updated[0], nil
}

func (s *MemoryAccountStore) ApplyMultiDelta(_ context.Context, ds []Delta) ([]models.Account, error) {
	if len(ds) == 0 {
		return nil, nil
	}

	// Lock order is ascending account ID. Duplicate IDs would self-deadlock,
	// so they are rejected outright.
	order := make([]int, len(ds))
	for i := range ds {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return ds[order[a]].AccountID < ds[order[b]].AccountID
	})
	for i := 1; i < len(order); i++ {
		if ds[order[i]].AccountID == ds[order[i-1]].AccountID {
			return nil, fmt.Errorf("duplicate account %s in multi-delta", ds[order[i]].AccountID)
		}
	}

	s.mu.RLock()
	entries := make([]*memoryAccount, len(ds))
	for _, i := range order {
		entry, ok := s.accounts[ds[i].AccountID]
		if !ok {
			s.mu.RUnlock()
			return nil, fmt.Errorf("account %s: %w", ds[i].AccountID, domain.ErrAccountNotFound)
		}
		entries[i] = entry
	}
	s.mu.RUnlock()

	locked := make([]*memoryAccount, 0, len(ds))
	unlock := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
	for _, i := range order {
		entries[i].mu.Lock()
		locked = append(locked, entries[i])
	}
	defer unlock()

	// Validate every delta before touching any balance.
	for i, d := range ds {
		acc := entries[i].acc
		if d.ExpectedVersion != 0 && d.ExpectedVersion != acc.Version {
			return nil, fmt.Errorf("account %s: %w", d.AccountID, domain.ErrVersionConflict)
		}
		if acc.Balance+d.Delta < 0 {
			return nil, fmt.Errorf("account %s: %w", d.AccountID, domain.ErrInsufficientFunds)
		}
	}

	updated := make([]models.Account, len(ds))
	for i, d := range ds {
		entries[i].acc.Balance += d.Delta
		entries[i].acc.Version++
		updated[i] = entries[i].acc
	}
	return updated, nil
}
