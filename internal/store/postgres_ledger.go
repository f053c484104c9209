package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/models"
)

// PostgresLedgerStore persists ledger entries in PostgreSQL.
type PostgresLedgerStore struct {
	db *pgxpool.Pool
}

func NewPostgresLedgerStore(db *pgxpool.Pool) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

const entryColumns = `id, operation_id, sender, receiver, amount, kind, status, idempotency_key, created_at`

func (s *PostgresLedgerStore) Append(ctx context.Context, entry models.Transaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO entries (id, operation_id, sender, receiver, amount, kind, status, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		entry.ID, entry.OperationID, entry.Sender, entry.Receiver,
		entry.Amount, entry.Kind, entry.Status, entry.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

func (s *PostgresLedgerStore) MarkStatus(ctx context.Context, id uuid.UUID, status string) error {
	if !canTransition(domain.EntryStatusPending, status) {
		return fmt.Errorf("PENDING -> %s: %w", status, domain.ErrEntryFinalized)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE entries SET status = $1 WHERE id = $2 AND status = $3`,
		status, id, domain.EntryStatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark entry status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the entry is unknown or it has already been finalized.
		var current string
		err := s.db.QueryRow(ctx, `SELECT status FROM entries WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrEntryNotFound
		}
		if err != nil {
			return fmt.Errorf("read entry status: %w", err)
		}
		return fmt.Errorf("%s -> %s: %w", current, status, domain.ErrEntryFinalized)
	}
	return nil
}

func (s *PostgresLedgerStore) FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM entries
		 WHERE sender = $1 OR receiver = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("find entries by account: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresLedgerStore) FindByIdempotencyKey(ctx context.Context, key string) ([]models.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM entries
		 WHERE idempotency_key = $1
		 ORDER BY created_at ASC, id ASC`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("find entries by idempotency key: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, domain.ErrEntryNotFound
	}
	return entries, nil
}

func (s *PostgresLedgerStore) ListPendingByKind(ctx context.Context, kind string, limit int) ([]models.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM entries
		 WHERE kind = $1 AND status = $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		kind, domain.EntryStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Reserve claims an idempotency key row. A claim left behind by a crashed
// process is stolen once it is older than a minute.
func (s *PostgresLedgerStore) Reserve(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO operation_claims (idempotency_key, claimed_at)
		 VALUES ($1, now())
		 ON CONFLICT (idempotency_key) DO UPDATE SET claimed_at = now()
		 WHERE operation_claims.claimed_at < now() - interval '1 minute'`,
		key,
	)
	if err != nil {
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOperationInProgress
	}
	return nil
}

func (s *PostgresLedgerStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM operation_claims WHERE idempotency_key = $1`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func scanEntries(rows pgx.Rows) ([]models.Transaction, error) {
	var entries []models.Transaction
	for rows.Next() {
		var e models.Transaction
		if err := rows.Scan(&e.ID, &e.OperationID, &e.Sender, &e.Receiver,
			&e.Amount, &e.Kind, &e.Status, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
