package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/models"
)

// PostgresAccountStore persists accounts in PostgreSQL. Multi-account
// mutations run in a single transaction with SELECT ... FOR UPDATE taken in
// ascending ID order, mirroring the in-memory lock discipline.
type PostgresAccountStore struct {
	db *pgxpool.Pool
}

func NewPostgresAccountStore(db *pgxpool.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

func (s *PostgresAccountStore) Get(ctx context.Context, id string) (models.Account, error) {
	var acc models.Account
	err := s.db.QueryRow(ctx,
		`SELECT id, balance, version, created_at FROM accounts WHERE id = $1`, id,
	).Scan(&acc.ID, &acc.Balance, &acc.Version, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, domain.ErrAccountNotFound
		}
		return models.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (s *PostgresAccountStore) Create(ctx context.Context, account models.Account) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, balance, version, created_at)
		 VALUES ($1, $2, 1, NOW())
		 ON CONFLICT (id) DO NOTHING`,
		account.ID, account.Balance,
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountExists
	}
	return nil
}

func (s *PostgresAccountStore) ApplyDelta(ctx context.Context, d Delta) (models.Account, error) {
	updated, err := s.ApplyMultiDelta(ctx, []Delta{d})
	if err != nil {
		return models.Account{}, err
	}
	return updated[0], nil
}

func (s *PostgresAccountStore) ApplyMultiDelta(ctx context.Context, ds []Delta) ([]models.Account, error) {
	if len(ds) == 0 {
		return nil, nil
	}

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

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current := make([]models.Account, len(ds))
	for _, i := range order {
		var acc models.Account
		err := tx.QueryRow(ctx,
			`SELECT id, balance, version, created_at FROM accounts WHERE id = $1 FOR UPDATE`,
			ds[i].AccountID,
		).Scan(&acc.ID, &acc.Balance, &acc.Version, &acc.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("account %s: %w", ds[i].AccountID, domain.ErrAccountNotFound)
			}
			return nil, fmt.Errorf("lock account %s: %w", ds[i].AccountID, err)
		}
		current[i] = acc
	}

	for i, d := range ds {
		if d.ExpectedVersion != 0 && d.ExpectedVersion != current[i].Version {
			return nil, fmt.Errorf("account %s: %w", d.AccountID, domain.ErrVersionConflict)
		}
		if current[i].Balance+d.Delta < 0 {
			return nil, fmt.Errorf("account %s: %w", d.AccountID, domain.ErrInsufficientFunds)
		}
	}

	updated := make([]models.Account, len(ds))
	for i, d := range ds {
		var acc models.Account
		err := tx.QueryRow(ctx,
			`UPDATE accounts SET balance = balance + $1, version = version + 1
			 WHERE id = $2
			 RETURNING id, balance, version, created_at`,
			d.Delta, d.AccountID,
		).Scan(&acc.ID, &acc.Balance, &acc.Version, &acc.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("update account %s: %w", d.AccountID, err)
		}
		updated[i] = acc
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return updated, nil
}
