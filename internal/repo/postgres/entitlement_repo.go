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

var (
	ErrEntitlementNotFound = errors.New("entitlement not found")
	ErrModeAccessNotFound  = errors.New("mode access not found")
)

const entitlementColumns = `
	id,
	user_id,
	scope,
	status,
	starts_at,
	ends_at,
	revoked_at,
	source_purchase_id,
	idempotency_key,
	created_at`

const modeAccessColumns = `
	id,
	user_id,
	mode_code,
	source,
	status,
	starts_at,
	ends_at,
	revoked_at,
	source_purchase_id,
	idempotency_key,
	created_at`

type EntitlementRepo struct {
	pool *pgxpool.Pool
}

func NewEntitlementRepo(pool *pgxpool.Pool) *EntitlementRepo {
	return &EntitlementRepo{pool: pool}
}

// LockCurrentPremium returns the user's ACTIVE or SCHEDULED entitlement, if any.
func (r *EntitlementRepo) LockCurrentPremium(ctx context.Context, tx pgx.Tx, userID int64) (model.Entitlement, error) {
	return r.getEntitlement(ctx, tx, `
WHERE user_id = $1
  AND status IN ('ACTIVE', 'SCHEDULED')
FOR UPDATE`, userID)
}

// GetCurrentPremium is LockCurrentPremium without the row lock, for reads.
func (r *EntitlementRepo) GetCurrentPremium(ctx context.Context, tx pgx.Tx, userID int64) (model.Entitlement, error) {
	return r.getEntitlement(ctx, tx, `
WHERE user_id = $1
  AND status IN ('ACTIVE', 'SCHEDULED')`, userID)
}

func (r *EntitlementRepo) GetEntitlementByKey(ctx context.Context, tx pgx.Tx, key string) (model.Entitlement, error) {
	return r.getEntitlement(ctx, tx, `WHERE idempotency_key = $1`, key)
}

func (r *EntitlementRepo) InsertEntitlement(ctx context.Context, tx pgx.Tx, e model.Entitlement) (model.Entitlement, bool, error) {
	if err := requireTx(tx); err != nil {
		return model.Entitlement{}, false, err
	}

	out, created, err := InsertOrFetch(ctx,
		func(ctx context.Context) (model.Entitlement, error) {
			return scanEntitlement(tx.QueryRow(ctx, `
INSERT INTO entitlements (
	user_id,
	scope,
	status,
	starts_at,
	ends_at,
	source_purchase_id,
	idempotency_key,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING`+entitlementColumns,
				e.UserID, string(e.Scope), string(e.Status), e.StartsAt.UTC(), e.EndsAt.UTC(),
				e.SourcePurchaseID, e.IdempotencyKey, e.CreatedAt.UTC()))
		},
		func(ctx context.Context) (model.Entitlement, error) {
			return r.GetEntitlementByKey(ctx, tx, e.IdempotencyKey)
		},
	)
	if err != nil {
		return model.Entitlement{}, false, fmt.Errorf("insert entitlement: %w", err)
	}
	return out, created, nil
}

func (r *EntitlementRepo) UpdateEntitlement(ctx context.Context, tx pgx.Tx, e model.Entitlement) (model.Entitlement, error) {
	if err := requireTx(tx); err != nil {
		return model.Entitlement{}, err
	}

	out, err := scanEntitlement(tx.QueryRow(ctx, `
UPDATE entitlements
SET
	status = $2,
	ends_at = $3,
	revoked_at = $4,
	updated_at = NOW()
WHERE id = $1
RETURNING`+entitlementColumns, e.ID, string(e.Status), e.EndsAt.UTC(), e.RevokedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entitlement{}, ErrEntitlementNotFound
		}
		return model.Entitlement{}, fmt.Errorf("update entitlement: %w", err)
	}
	return out, nil
}

func (r *EntitlementRepo) LockEntitlementsByPurchase(ctx context.Context, tx pgx.Tx, purchaseID string) ([]model.Entitlement, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT`+entitlementColumns+`
FROM entitlements
WHERE source_purchase_id = $1
ORDER BY id ASC
FOR UPDATE
`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("lock entitlements by purchase: %w", err)
	}
	defer rows.Close()

	out := make([]model.Entitlement, 0, 1)
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *EntitlementRepo) GetModeAccessByKey(ctx context.Context, tx pgx.Tx, key string) (model.ModeAccess, error) {
	if err := requireTx(tx); err != nil {
		return model.ModeAccess{}, err
	}

	m, err := scanModeAccess(tx.QueryRow(ctx, `SELECT`+modeAccessColumns+`
FROM mode_access
WHERE idempotency_key = $1
`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ModeAccess{}, ErrModeAccessNotFound
		}
		return model.ModeAccess{}, fmt.Errorf("get mode access: %w", err)
	}
	return m, nil
}

// LatestActiveModeEnd locks the (user, mode, source) grants and returns the
// furthest end among those still running at now.
func (r *EntitlementRepo) LatestActiveModeEnd(
	ctx context.Context,
	tx pgx.Tx,
	userID int64,
	modeCode string,
	source enums.ModeAccessSource,
	now time.Time,
) (*time.Time, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT ends_at
FROM mode_access
WHERE user_id = $1
  AND mode_code = $2
  AND source = $3
  AND status = 'ACTIVE'
  AND ends_at > $4
FOR UPDATE
`, userID, modeCode, string(source), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("latest active mode access: %w", err)
	}
	defer rows.Close()

	var latest *time.Time
	for rows.Next() {
		var endsAt time.Time
		if err := rows.Scan(&endsAt); err != nil {
			return nil, fmt.Errorf("scan mode access end: %w", err)
		}
		if latest == nil || endsAt.After(*latest) {
			end := endsAt
			latest = &end
		}
	}
	return latest, rows.Err()
}

func (r *EntitlementRepo) InsertModeAccess(ctx context.Context, tx pgx.Tx, m model.ModeAccess) (model.ModeAccess, bool, error) {
	if err := requireTx(tx); err != nil {
		return model.ModeAccess{}, false, err
	}

	out, created, err := InsertOrFetch(ctx,
		func(ctx context.Context) (model.ModeAccess, error) {
			return scanModeAccess(tx.QueryRow(ctx, `
INSERT INTO mode_access (
	user_id,
	mode_code,
	source,
	status,
	starts_at,
	ends_at,
	source_purchase_id,
	idempotency_key,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING`+modeAccessColumns,
				m.UserID, m.ModeCode, string(m.Source), string(m.Status), m.StartsAt.UTC(), m.EndsAt.UTC(),
				m.SourcePurchaseID, m.IdempotencyKey, m.CreatedAt.UTC()))
		},
		func(ctx context.Context) (model.ModeAccess, error) {
			return r.GetModeAccessByKey(ctx, tx, m.IdempotencyKey)
		},
	)
	if err != nil {
		return model.ModeAccess{}, false, fmt.Errorf("insert mode access: %w", err)
	}
	return out, created, nil
}

func (r *EntitlementRepo) UpdateModeAccess(ctx context.Context, tx pgx.Tx, m model.ModeAccess) (model.ModeAccess, error) {
	if err := requireTx(tx); err != nil {
		return model.ModeAccess{}, err
	}

	out, err := scanModeAccess(tx.QueryRow(ctx, `
UPDATE mode_access
SET
	status = $2,
	ends_at = $3,
	revoked_at = $4,
	updated_at = NOW()
WHERE id = $1
RETURNING`+modeAccessColumns, m.ID, string(m.Status), m.EndsAt.UTC(), m.RevokedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ModeAccess{}, ErrModeAccessNotFound
		}
		return model.ModeAccess{}, fmt.Errorf("update mode access: %w", err)
	}
	return out, nil
}

func (r *EntitlementRepo) LockModeAccessByPurchase(ctx context.Context, tx pgx.Tx, purchaseID string) ([]model.ModeAccess, error) {
	return r.listModeAccess(ctx, tx, `
WHERE source_purchase_id = $1
ORDER BY id ASC
FOR UPDATE`, purchaseID)
}

func (r *EntitlementRepo) ListActiveModeAccess(ctx context.Context, tx pgx.Tx, userID int64, now time.Time) ([]model.ModeAccess, error) {
	return r.listModeAccess(ctx, tx, `
WHERE user_id = $1
  AND status = 'ACTIVE'
  AND ends_at > $2
ORDER BY mode_code ASC, starts_at ASC`, userID, now.UTC())
}

func (r *EntitlementRepo) getEntitlement(ctx context.Context, tx pgx.Tx, where string, args ...any) (model.Entitlement, error) {
	if err := requireTx(tx); err != nil {
		return model.Entitlement{}, err
	}

	e, err := scanEntitlement(tx.QueryRow(ctx, `SELECT`+entitlementColumns+`
FROM entitlements
`+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entitlement{}, ErrEntitlementNotFound
		}
		return model.Entitlement{}, fmt.Errorf("get entitlement: %w", err)
	}
	return e, nil
}

func (r *EntitlementRepo) listModeAccess(ctx context.Context, tx pgx.Tx, where string, args ...any) ([]model.ModeAccess, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT`+modeAccessColumns+`
FROM mode_access
`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list mode access: %w", err)
	}
	defer rows.Close()

	out := make([]model.ModeAccess, 0)
	for rows.Next() {
		m, err := scanModeAccess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mode access: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanEntitlement(row pgx.Row) (model.Entitlement, error) {
	var (
		e      model.Entitlement
		scope  string
		status string
	)
	if err := row.Scan(
		&e.ID,
		&e.UserID,
		&scope,
		&status,
		&e.StartsAt,
		&e.EndsAt,
		&e.RevokedAt,
		&e.SourcePurchaseID,
		&e.IdempotencyKey,
		&e.CreatedAt,
	); err != nil {
		return model.Entitlement{}, err
	}
	e.Scope = enums.PremiumTier(scope)
	e.Status = enums.EntitlementStatus(status)
	return e, nil
}

func scanModeAccess(row pgx.Row) (model.ModeAccess, error) {
	var (
		m      model.ModeAccess
		source string
		status string
	)
	if err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.ModeCode,
		&source,
		&status,
		&m.StartsAt,
		&m.EndsAt,
		&m.RevokedAt,
		&m.SourcePurchaseID,
		&m.IdempotencyKey,
		&m.CreatedAt,
	); err != nil {
		return model.ModeAccess{}, err
	}
	m.Source = enums.ModeAccessSource(source)
	m.Status = enums.ModeAccessStatus(status)
	return m, nil
}
