package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/models"
)

// MemoryLedgerStore keeps the ledger in an in-process append-only slice.
type MemoryLedgerStore struct {
	mu      sync.RWMutex
	entries []models.Transaction
	byID    map[uuid.UUID]int
	byKey   map[string][]int
	claims  map[string]struct{}
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		byID:   make(map[uuid.UUID]int),
		byKey:  make(map[string][]int),
		claims: make(map[string]struct{}),
	}
}

func (s *MemoryLedgerStore) Append(_ context.Context, entry models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[entry.ID]; exists {
		return fmt.Errorf("entry %s already appended", entry.ID)
	}
	for _, idx := range s.byKey[entry.IdempotencyKey] {
		if s.entries[idx].Kind == entry.Kind {
			return fmt.Errorf("entry kind %s already recorded under key %s", entry.Kind, entry.IdempotencyKey)
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	idx := len(s.entries)
	s.entries = append(s.entries, entry)
	s.byID[entry.ID] = idx
	s.byKey[entry.IdempotencyKey] = append(s.byKey[entry.IdempotencyKey], idx)
	return nil
}

func (s *MemoryLedgerStore) MarkStatus(_ context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return domain.ErrEntryNotFound
	}
	current := s.entries[idx].Status
	if !canTransition(current, status) {
		return fmt.Errorf("%s -> %s: %w", current, status, domain.ErrEntryFinalized)
	}
	s.entries[idx].Status = status
	return nil
}

func (s *MemoryLedgerStore) FindByAccount(_ context.Context, accountID string, limit, offset int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Transaction
	// entries is append-ordered; walk backwards for newest first.
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.Sender == accountID || e.Receiver == accountID {
			matched = append(matched, e)
		}
	}

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]models.Transaction, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *MemoryLedgerStore) FindByIdempotencyKey(_ context.Context, key string) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs, ok := s.byKey[key]
	if !ok || len(idxs) == 0 {
		return nil, domain.ErrEntryNotFound
	}
	out := make([]models.Transaction, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, s.entries[idx])
	}
	return out, nil
}

func (s *MemoryLedgerStore) ListPendingByKind(_ context.Context, kind string, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Transaction
	for _, e := range s.entries {
		if e.Kind == kind && e.Status == domain.EntryStatusPending {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryLedgerStore) Reserve(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.claims[key]; held {
		return domain.ErrOperationInProgress
	}
	s.claims[key] = struct{}{}
	return nil
}

func (s *MemoryLedgerStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}
