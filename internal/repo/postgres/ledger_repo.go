package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
)

var (
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")
	ErrLedgerImmutable     = errors.New("ledger entries are append-only")
	// ErrLedgerEntryConflict means the purchase already holds an entry of the
	// same type under a different idempotency key.
	ErrLedgerEntryConflict = errors.New("purchase already has a ledger entry of this type")
)

const ledgerColumns = `
	id,
	user_id,
	purchase_id,
	entry_type,
	asset,
	direction,
	amount,
	balance_after,
	source,
	idempotency_key,
	metadata,
	created_at`

// LedgerRepo only ever inserts. Updates and deletes are rejected by the
// trg_ledger_entries_append_only trigger regardless of the caller.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

func (r *LedgerRepo) GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (model.LedgerEntry, error) {
	if err := requireTx(tx); err != nil {
		return model.LedgerEntry{}, err
	}

	entry, err := scanLedgerEntry(tx.QueryRow(ctx, `SELECT`+ledgerColumns+`
FROM ledger_entries
WHERE idempotency_key = $1
`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerEntry{}, ErrLedgerEntryNotFound
		}
		return model.LedgerEntry{}, fmt.Errorf("get ledger entry: %w", mapLedgerError(err))
	}
	return entry, nil
}

// Append inserts the entry or returns the one already stored under its
// idempotency key. A conflict on the per-purchase credit or refund slot under
// another key returns ErrLedgerEntryConflict.
func (r *LedgerRepo) Append(ctx context.Context, tx pgx.Tx, entry model.LedgerEntry) (model.LedgerEntry, bool, error) {
	if err := requireTx(tx); err != nil {
		return model.LedgerEntry{}, false, err
	}

	metadata, err := marshalPayload(entry.Metadata)
	if err != nil {
		return model.LedgerEntry{}, false, err
	}

	out, created, err := InsertOrFetch(ctx,
		func(ctx context.Context) (model.LedgerEntry, error) {
			return scanLedgerEntry(tx.QueryRow(ctx, `
INSERT INTO ledger_entries (
	id,
	user_id,
	purchase_id,
	entry_type,
	asset,
	direction,
	amount,
	balance_after,
	source,
	idempotency_key,
	metadata,
	created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12)
ON CONFLICT DO NOTHING
RETURNING`+ledgerColumns,
				entry.ID, entry.UserID, entry.PurchaseID, string(entry.EntryType), string(entry.Asset),
				string(entry.Direction), entry.Amount, entry.BalanceAfter, entry.Source, entry.IdempotencyKey,
				metadata, entry.CreatedAt.UTC()))
		},
		func(ctx context.Context) (model.LedgerEntry, error) {
			return r.GetByIdempotencyKey(ctx, tx, entry.IdempotencyKey)
		},
	)
	if errors.Is(err, ErrLedgerEntryNotFound) {
		return model.LedgerEntry{}, false, ErrLedgerEntryConflict
	}
	if err != nil {
		return model.LedgerEntry{}, false, fmt.Errorf("append ledger entry: %w", mapLedgerError(err))
	}
	return out, created, nil
}

func (r *LedgerRepo) ListByPurchase(ctx context.Context, tx pgx.Tx, purchaseID string, entryType enums.LedgerEntryType) ([]model.LedgerEntry, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT`+ledgerColumns+`
FROM ledger_entries
WHERE purchase_id = $1
  AND entry_type = $2
ORDER BY created_at ASC
`, purchaseID, string(entryType))
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	out := make([]model.LedgerEntry, 0, 1)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger entries rows: %w", err)
	}
	return out, nil
}

func mapLedgerError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == raiseExceptionCode && strings.Contains(pgErr.Message, "append-only") {
		return fmt.Errorf("%w: %s", ErrLedgerImmutable, pgErr.Message)
	}
	return err
}

func scanLedgerEntry(row pgx.Row) (model.LedgerEntry, error) {
	var (
		entry     model.LedgerEntry
		entryType string
		asset     string
		direction string
		metadata  []byte
	)
	if err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.PurchaseID,
		&entryType,
		&asset,
		&direction,
		&entry.Amount,
		&entry.BalanceAfter,
		&entry.Source,
		&entry.IdempotencyKey,
		&metadata,
		&entry.CreatedAt,
	); err != nil {
		return model.LedgerEntry{}, err
	}
	entry.EntryType = enums.LedgerEntryType(entryType)
	entry.Asset = enums.LedgerAsset(asset)
	entry.Direction = enums.LedgerDirection(direction)
	entry.Metadata = decodePayload(metadata)
	return entry, nil
}
