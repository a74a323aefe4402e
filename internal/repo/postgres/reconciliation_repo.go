package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
)

var ErrReconciliationRunNotFound = errors.New("reconciliation run not found")

const sampleLimit = 50

type ReconciliationRepo struct {
	pool *pgxpool.Pool
}

func NewReconciliationRepo(pool *pgxpool.Pool) *ReconciliationRepo {
	return &ReconciliationRepo{pool: pool}
}

// Stats counts purchases paid before staleBefore and how many of those were
// credited, those stuck paid but uncredited since before staleBefore, and
// credited purchases whose credit entry is missing or disagrees with
// final_price. Payments still inside the credit grace window and purchases
// refunded before crediting are settled and left out of the paid count.
func (r *ReconciliationRepo) Stats(ctx context.Context, tx pgx.Tx, staleBefore time.Time) (model.ReconciliationStats, error) {
	if err := requireTx(tx); err != nil {
		return model.ReconciliationStats{}, err
	}

	var stats model.ReconciliationStats
	if err := tx.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE paid_at < $1 AND NOT (status = 'REFUNDED' AND credited_at IS NULL)),
	COUNT(*) FILTER (WHERE paid_at < $1 AND credited_at IS NOT NULL),
	COUNT(*) FILTER (WHERE status = 'PAID_UNCREDITED' AND COALESCE(paid_at, updated_at) < $1)
FROM purchases
`, staleBefore.UTC()).Scan(&stats.PaidCount, &stats.CreditedCount, &stats.StalePaidUncreditedCount); err != nil {
		return model.ReconciliationStats{}, fmt.Errorf("count purchases: %w", err)
	}

	if err := tx.QueryRow(ctx, `
SELECT COUNT(*)
FROM purchases p
LEFT JOIN ledger_entries le
	ON le.purchase_id = p.id
	AND le.entry_type = 'PURCHASE_CREDIT'
WHERE p.credited_at IS NOT NULL
  AND (le.id IS NULL OR le.amount <> p.final_price)
`).Scan(&stats.AmountMismatchCount); err != nil {
		return model.ReconciliationStats{}, fmt.Errorf("count amount mismatches: %w", err)
	}

	mismatched, err := collectIDs(ctx, tx, `
SELECT p.id::text
FROM purchases p
LEFT JOIN ledger_entries le
	ON le.purchase_id = p.id
	AND le.entry_type = 'PURCHASE_CREDIT'
WHERE p.credited_at IS NOT NULL
  AND (le.id IS NULL OR le.amount <> p.final_price)
ORDER BY p.credited_at DESC
LIMIT $1
`, sampleLimit)
	if err != nil {
		return model.ReconciliationStats{}, fmt.Errorf("sample amount mismatches: %w", err)
	}
	stats.MismatchedPurchaseIDs = mismatched

	stale, err := collectIDs(ctx, tx, `
SELECT id::text
FROM purchases
WHERE status = 'PAID_UNCREDITED'
  AND COALESCE(paid_at, updated_at) < $2
ORDER BY paid_at ASC
LIMIT $1
`, sampleLimit, staleBefore.UTC())
	if err != nil {
		return model.ReconciliationStats{}, fmt.Errorf("sample stale purchases: %w", err)
	}
	stats.StalePurchaseIDs = stale

	return stats, nil
}

func (r *ReconciliationRepo) InsertRun(ctx context.Context, tx pgx.Tx, run model.ReconciliationRun) (model.ReconciliationRun, error) {
	if err := requireTx(tx); err != nil {
		return model.ReconciliationRun{}, err
	}

	details, err := marshalPayload(run.Details)
	if err != nil {
		return model.ReconciliationRun{}, err
	}

	out, err := scanReconciliationRun(tx.QueryRow(ctx, `
INSERT INTO reconciliation_runs (
	started_at,
	finished_at,
	status,
	paid_count,
	credited_count,
	stale_paid_uncredited_count,
	amount_mismatch_count,
	diff_count,
	details
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
RETURNING id, started_at, finished_at, status, paid_count, credited_count,
	stale_paid_uncredited_count, amount_mismatch_count, diff_count, details
`, run.StartedAt.UTC(), run.FinishedAt.UTC(), string(run.Status), run.PaidCount, run.CreditedCount,
		run.StalePaidUncreditedCount, run.AmountMismatchCount, run.DiffCount, details))
	if err != nil {
		return model.ReconciliationRun{}, fmt.Errorf("insert reconciliation run: %w", err)
	}
	return out, nil
}

func (r *ReconciliationRepo) LatestRun(ctx context.Context, tx pgx.Tx) (model.ReconciliationRun, error) {
	if err := requireTx(tx); err != nil {
		return model.ReconciliationRun{}, err
	}

	out, err := scanReconciliationRun(tx.QueryRow(ctx, `
SELECT id, started_at, finished_at, status, paid_count, credited_count,
	stale_paid_uncredited_count, amount_mismatch_count, diff_count, details
FROM reconciliation_runs
ORDER BY finished_at DESC, id DESC
LIMIT 1
`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ReconciliationRun{}, ErrReconciliationRunNotFound
		}
		return model.ReconciliationRun{}, fmt.Errorf("latest reconciliation run: %w", err)
	}
	return out, nil
}

func collectIDs(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanReconciliationRun(row pgx.Row) (model.ReconciliationRun, error) {
	var (
		run     model.ReconciliationRun
		status  string
		details []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.PaidCount,
		&run.CreditedCount,
		&run.StalePaidUncreditedCount,
		&run.AmountMismatchCount,
		&run.DiffCount,
		&details,
	); err != nil {
		return model.ReconciliationRun{}, err
	}
	run.Status = enums.ReconciliationStatus(status)
	run.Details = decodePayload(details)
	return run, nil
}

// DeleteOlderThan prunes finished runs, always keeping the latest one.
func (r *ReconciliationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
DELETE FROM reconciliation_runs
WHERE finished_at < $1
	AND id <> (SELECT MAX(id) FROM reconciliation_runs)
`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old reconciliation runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
