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
	ErrPromoCodeNotFound       = errors.New("promo code not found")
	ErrPromoRedemptionNotFound = errors.New("promo redemption not found")
	ErrRedemptionAlreadyBound  = errors.New("promo redemption already bound to another purchase")
)

const promoRedemptionColumns = `
	id,
	promo_code_id,
	user_id,
	status,
	reserved_until,
	reserved_for_purchase_id,
	applied_at,
	created_at,
	updated_at`

type PromoRepo struct {
	pool *pgxpool.Pool
}

func NewPromoRepo(pool *pgxpool.Pool) *PromoRepo {
	return &PromoRepo{pool: pool}
}

func (r *PromoRepo) LockRedemption(ctx context.Context, tx pgx.Tx, redemptionID string) (model.PromoRedemption, error) {
	return r.getRedemption(ctx, tx, `WHERE id = $1 FOR UPDATE`, redemptionID)
}

func (r *PromoRepo) LockRedemptionByPurchase(ctx context.Context, tx pgx.Tx, purchaseID string) (model.PromoRedemption, error) {
	return r.getRedemption(ctx, tx, `WHERE reserved_for_purchase_id = $1 FOR UPDATE`, purchaseID)
}

func (r *PromoRepo) LockCode(ctx context.Context, tx pgx.Tx, codeID int64) (model.PromoCode, error) {
	return r.getCode(ctx, tx, `WHERE id = $1 FOR UPDATE`, codeID)
}

func (r *PromoRepo) GetCodeByCode(ctx context.Context, tx pgx.Tx, code string) (model.PromoCode, error) {
	return r.getCode(ctx, tx, `WHERE UPPER(code) = UPPER($1)`, code)
}

func (r *PromoRepo) getCode(ctx context.Context, tx pgx.Tx, where string, args ...any) (model.PromoCode, error) {
	if err := requireTx(tx); err != nil {
		return model.PromoCode{}, err
	}

	var (
		code   model.PromoCode
		status string
	)
	err := tx.QueryRow(ctx, `
SELECT id, code, discount_percent, applies_to, status, valid_from, valid_until, max_total_uses, used_total
FROM promo_codes
`+where, args...).Scan(
		&code.ID,
		&code.Code,
		&code.DiscountPercent,
		&code.AppliesTo,
		&status,
		&code.ValidFrom,
		&code.ValidUntil,
		&code.MaxTotalUses,
		&code.UsedTotal,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PromoCode{}, ErrPromoCodeNotFound
		}
		return model.PromoCode{}, fmt.Errorf("get promo code: %w", err)
	}
	code.Status = enums.PromoCodeStatus(status)
	return code, nil
}

func (r *PromoRepo) UpdateRedemption(ctx context.Context, tx pgx.Tx, redemption model.PromoRedemption) (model.PromoRedemption, error) {
	if err := requireTx(tx); err != nil {
		return model.PromoRedemption{}, err
	}

	out, err := scanPromoRedemption(tx.QueryRow(ctx, `
UPDATE promo_redemptions
SET
	status = $2,
	reserved_until = $3,
	reserved_for_purchase_id = $4,
	applied_at = $5,
	updated_at = $6
WHERE id = $1
RETURNING`+promoRedemptionColumns,
		redemption.ID, string(redemption.Status), redemption.ReservedUntil, redemption.ReservedForPurchaseID,
		redemption.AppliedAt, redemption.UpdatedAt.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PromoRedemption{}, ErrPromoRedemptionNotFound
		}
		if IsUniqueViolation(err) {
			return model.PromoRedemption{}, ErrRedemptionAlreadyBound
		}
		return model.PromoRedemption{}, fmt.Errorf("update promo redemption: %w", err)
	}
	return out, nil
}

func (r *PromoRepo) IncrementUsage(ctx context.Context, tx pgx.Tx, codeID int64) error {
	if err := requireTx(tx); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
UPDATE promo_codes
SET used_total = used_total + 1
WHERE id = $1
`, codeID)
	if err != nil {
		return fmt.Errorf("increment promo usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPromoCodeNotFound
	}
	return nil
}

// ListRollbackCandidates returns reservations whose purchase ended without
// crediting, so the discount can never be applied.
func (r *PromoRepo) ListRollbackCandidates(ctx context.Context, tx pgx.Tx, limit int) ([]model.PromoRedemption, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT
	pr.id,
	pr.promo_code_id,
	pr.user_id,
	pr.status,
	pr.reserved_until,
	pr.reserved_for_purchase_id,
	pr.applied_at,
	pr.created_at,
	pr.updated_at
FROM promo_redemptions pr
JOIN purchases p ON p.id = pr.reserved_for_purchase_id
WHERE pr.status = 'RESERVED'
  AND p.status IN ('REFUNDED', 'FAILED')
ORDER BY pr.updated_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list promo rollback candidates: %w", err)
	}
	defer rows.Close()

	out := make([]model.PromoRedemption, 0)
	for rows.Next() {
		redemption, err := scanPromoRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promo redemption: %w", err)
		}
		out = append(out, redemption)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list promo rollback candidates rows: %w", err)
	}
	return out, nil
}

func (r *PromoRepo) CreateRedemption(ctx context.Context, tx pgx.Tx, redemption model.PromoRedemption) (model.PromoRedemption, error) {
	if err := requireTx(tx); err != nil {
		return model.PromoRedemption{}, err
	}
	now := time.Now().UTC()
	if redemption.CreatedAt.IsZero() {
		redemption.CreatedAt = now
	}

	out, err := scanPromoRedemption(tx.QueryRow(ctx, `
INSERT INTO promo_redemptions (id, promo_code_id, user_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING`+promoRedemptionColumns,
		redemption.ID, redemption.PromoCodeID, redemption.UserID, string(redemption.Status), redemption.CreatedAt.UTC()))
	if err != nil {
		return model.PromoRedemption{}, fmt.Errorf("create promo redemption: %w", err)
	}
	return out, nil
}

func (r *PromoRepo) getRedemption(ctx context.Context, tx pgx.Tx, where string, args ...any) (model.PromoRedemption, error) {
	if err := requireTx(tx); err != nil {
		return model.PromoRedemption{}, err
	}

	redemption, err := scanPromoRedemption(tx.QueryRow(ctx, `SELECT`+promoRedemptionColumns+`
FROM promo_redemptions
`+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PromoRedemption{}, ErrPromoRedemptionNotFound
		}
		return model.PromoRedemption{}, fmt.Errorf("get promo redemption: %w", err)
	}
	return redemption, nil
}

func scanPromoRedemption(row pgx.Row) (model.PromoRedemption, error) {
	var (
		redemption model.PromoRedemption
		status     string
	)
	if err := row.Scan(
		&redemption.ID,
		&redemption.PromoCodeID,
		&redemption.UserID,
		&status,
		&redemption.ReservedUntil,
		&redemption.ReservedForPurchaseID,
		&redemption.AppliedAt,
		&redemption.CreatedAt,
		&redemption.UpdatedAt,
	); err != nil {
		return model.PromoRedemption{}, err
	}
	redemption.Status = enums.PromoRedemptionStatus(status)
	return redemption, nil
}
