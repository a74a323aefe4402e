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
	ErrPurchaseNotFound = errors.New("purchase not found")
	ErrChargeConflict   = errors.New("payment charge already attached to another purchase")
)

const purchaseColumns = `
	id,
	user_id,
	product_code,
	product_type,
	base_price,
	discount_price,
	final_price,
	currency,
	status,
	applied_promo_code_id,
	idempotency_key,
	invoice_payload,
	telegram_payment_charge_id,
	raw_successful_payment,
	created_at,
	paid_at,
	credited_at,
	refunded_at,
	updated_at`

type PurchaseRepo struct {
	pool *pgxpool.Pool
}

func NewPurchaseRepo(pool *pgxpool.Pool) *PurchaseRepo {
	return &PurchaseRepo{pool: pool}
}

func (r *PurchaseRepo) GetByID(ctx context.Context, tx pgx.Tx, purchaseID string) (model.Purchase, error) {
	return r.getOne(ctx, tx, "get purchase by id", `WHERE id = $1`, purchaseID)
}

func (r *PurchaseRepo) GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (model.Purchase, error) {
	return r.getOne(ctx, tx, "get purchase by idempotency key", `WHERE idempotency_key = $1`, key)
}

func (r *PurchaseRepo) FindOpen(ctx context.Context, tx pgx.Tx, userID int64, productCode string) (model.Purchase, error) {
	return r.getOne(ctx, tx, "find open purchase", `
WHERE user_id = $1
  AND product_code = $2
  AND status IN ('CREATED', 'INVOICE_SENT', 'PRECHECKOUT_OK')`, userID, productCode)
}

func (r *PurchaseRepo) LockByID(ctx context.Context, tx pgx.Tx, purchaseID string) (model.Purchase, error) {
	return r.getOne(ctx, tx, "lock purchase by id", `WHERE id = $1 FOR UPDATE`, purchaseID)
}

func (r *PurchaseRepo) LockByInvoicePayload(ctx context.Context, tx pgx.Tx, payload string) (model.Purchase, error) {
	return r.getOne(ctx, tx, "lock purchase by invoice payload", `WHERE invoice_payload = $1 FOR UPDATE`, payload)
}

// CreateOrGetOpen inserts p unless its idempotency key or the open
// (user, product) slot is already taken, in which case the holder is returned.
func (r *PurchaseRepo) CreateOrGetOpen(ctx context.Context, tx pgx.Tx, p model.Purchase) (model.Purchase, bool, error) {
	if err := requireTx(tx); err != nil {
		return model.Purchase{}, false, err
	}

	out, created, err := InsertOrFetch(ctx,
		func(ctx context.Context) (model.Purchase, error) {
			return scanPurchase(tx.QueryRow(ctx, `
INSERT INTO purchases (
	id,
	user_id,
	product_code,
	product_type,
	base_price,
	discount_price,
	final_price,
	currency,
	status,
	applied_promo_code_id,
	idempotency_key,
	invoice_payload,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
ON CONFLICT DO NOTHING
RETURNING`+purchaseColumns,
				p.ID, p.UserID, p.ProductCode, string(p.ProductType), p.BasePrice, p.DiscountPrice, p.FinalPrice,
				p.Currency, string(p.Status), p.AppliedPromoCodeID, p.IdempotencyKey, p.InvoicePayload, p.CreatedAt.UTC()))
		},
		func(ctx context.Context) (model.Purchase, error) {
			existing, err := r.GetByIdempotencyKey(ctx, tx, p.IdempotencyKey)
			if err == nil || !errors.Is(err, ErrPurchaseNotFound) {
				return existing, err
			}
			return r.FindOpen(ctx, tx, p.UserID, p.ProductCode)
		},
	)
	if err != nil {
		return model.Purchase{}, false, fmt.Errorf("create purchase: %w", err)
	}
	return out, created, nil
}

// Update persists the mutable lifecycle columns of a locked purchase.
func (r *PurchaseRepo) Update(ctx context.Context, tx pgx.Tx, p model.Purchase) (model.Purchase, error) {
	if err := requireTx(tx); err != nil {
		return model.Purchase{}, err
	}

	var raw *string
	if p.RawSuccessfulPayment != nil {
		encoded, err := marshalPayload(p.RawSuccessfulPayment)
		if err != nil {
			return model.Purchase{}, err
		}
		raw = &encoded
	}

	out, err := scanPurchase(tx.QueryRow(ctx, `
UPDATE purchases
SET
	status = $2,
	telegram_payment_charge_id = $3,
	raw_successful_payment = $4::jsonb,
	paid_at = $5,
	credited_at = $6,
	refunded_at = $7,
	updated_at = $8
WHERE id = $1
RETURNING`+purchaseColumns,
		p.ID, string(p.Status), p.TelegramPaymentChargeID, raw, p.PaidAt, p.CreditedAt, p.RefundedAt, p.UpdatedAt.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		if IsUniqueViolation(err) {
			return model.Purchase{}, ErrChargeConflict
		}
		return model.Purchase{}, fmt.Errorf("update purchase: %w", err)
	}
	return out, nil
}

func (r *PurchaseRepo) LastCreditedAt(ctx context.Context, tx pgx.Tx, userID int64, productCode string) (*time.Time, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}

	var last *time.Time
	if err := tx.QueryRow(ctx, `
SELECT MAX(credited_at)
FROM purchases
WHERE user_id = $1
  AND product_code = $2
  AND credited_at IS NOT NULL
  AND status = 'CREDITED'
`, userID, productCode).Scan(&last); err != nil {
		return nil, fmt.Errorf("last credited purchase: %w", err)
	}
	return last, nil
}

func (r *PurchaseRepo) ListPaidUncreditedBefore(ctx context.Context, tx pgx.Tx, paidBefore time.Time, limit int) ([]model.Purchase, error) {
	return r.list(ctx, tx, "list stale paid purchases", `
WHERE status = 'PAID_UNCREDITED'
  AND COALESCE(paid_at, updated_at) < $1
ORDER BY paid_at ASC
LIMIT $2`, paidBefore.UTC(), limit)
}

func (r *PurchaseRepo) ListOpenCreatedBefore(ctx context.Context, tx pgx.Tx, createdBefore time.Time, limit int) ([]model.Purchase, error) {
	return r.list(ctx, tx, "list stale open purchases", `
WHERE status IN ('CREATED', 'INVOICE_SENT', 'PRECHECKOUT_OK')
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2`, createdBefore.UTC(), limit)
}

func (r *PurchaseRepo) getOne(ctx context.Context, tx pgx.Tx, op, where string, args ...any) (model.Purchase, error) {
	if err := requireTx(tx); err != nil {
		return model.Purchase{}, err
	}

	p, err := scanPurchase(tx.QueryRow(ctx, `SELECT`+purchaseColumns+`
FROM purchases
`+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		return model.Purchase{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

func (r *PurchaseRepo) list(ctx context.Context, tx pgx.Tx, op, where string, args ...any) ([]model.Purchase, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT`+purchaseColumns+`
FROM purchases
`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]model.Purchase, 0)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return out, nil
}

func scanPurchase(row pgx.Row) (model.Purchase, error) {
	var (
		p           model.Purchase
		productType string
		status      string
		raw         []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.ProductCode,
		&productType,
		&p.BasePrice,
		&p.DiscountPrice,
		&p.FinalPrice,
		&p.Currency,
		&status,
		&p.AppliedPromoCodeID,
		&p.IdempotencyKey,
		&p.InvoicePayload,
		&p.TelegramPaymentChargeID,
		&raw,
		&p.CreatedAt,
		&p.PaidAt,
		&p.CreditedAt,
		&p.RefundedAt,
		&p.UpdatedAt,
	); err != nil {
		return model.Purchase{}, err
	}
	p.ProductType = enums.ProductType(productType)
	p.Status = enums.PurchaseStatus(status)
	if raw != nil {
		p.RawSuccessfulPayment = decodePayload(raw)
	}
	return p, nil
}
