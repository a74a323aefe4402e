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
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/rules"
)

var ErrUnknownWalletAsset = errors.New("unknown wallet asset")

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

func (r *WalletRepo) Get(ctx context.Context, tx pgx.Tx, userID int64) (model.Wallet, error) {
	if err := requireTx(tx); err != nil {
		return model.Wallet{}, err
	}

	w, err := scanWallet(tx.QueryRow(ctx, `
SELECT user_id, paid_energy, streak_saver_tokens, version, updated_at
FROM wallets
WHERE user_id = $1
`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Wallet{UserID: userID}, nil
		}
		return model.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// ApplyOperation changes one wallet balance at most once per idempotency key.
// Debits are clamped so balances never go negative; the clamped delta is what
// gets recorded. The bool reports whether this call applied the change.
func (r *WalletRepo) ApplyOperation(ctx context.Context, tx pgx.Tx, op model.WalletOperation) (model.Wallet, bool, error) {
	if err := requireTx(tx); err != nil {
		return model.Wallet{}, false, err
	}

	column, err := walletColumn(op.Asset)
	if err != nil {
		return model.Wallet{}, false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM wallet_operations WHERE idempotency_key = $1)
`, op.IdempotencyKey).Scan(&exists); err != nil {
		return model.Wallet{}, false, fmt.Errorf("check wallet operation: %w", err)
	}
	if exists {
		w, err := r.Get(ctx, tx, op.UserID)
		return w, false, err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO wallets (user_id, updated_at) VALUES ($1, NOW())
ON CONFLICT (user_id) DO NOTHING
`, op.UserID); err != nil {
		return model.Wallet{}, false, fmt.Errorf("ensure wallet: %w", err)
	}

	current, err := scanWallet(tx.QueryRow(ctx, `
SELECT user_id, paid_energy, streak_saver_tokens, version, updated_at
FROM wallets
WHERE user_id = $1
FOR UPDATE
`, op.UserID))
	if err != nil {
		return model.Wallet{}, false, fmt.Errorf("lock wallet: %w", err)
	}

	applied := rules.ClampWalletDelta(current.Balance(op.Asset), op.Delta)
	tag, err := tx.Exec(ctx, `
INSERT INTO wallet_operations (idempotency_key, user_id, asset, delta, applied_delta, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (idempotency_key) DO NOTHING
`, op.IdempotencyKey, op.UserID, string(op.Asset), op.Delta, applied, op.CreatedAt.UTC())
	if err != nil {
		return model.Wallet{}, false, fmt.Errorf("record wallet operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return current, false, nil
	}

	updated, err := scanWallet(tx.QueryRow(ctx, `
UPDATE wallets
SET `+column+` = `+column+` + $2,
	version = version + 1,
	updated_at = NOW()
WHERE user_id = $1
  AND version = $3
RETURNING user_id, paid_energy, streak_saver_tokens, version, updated_at
`, op.UserID, applied, current.Version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Wallet{}, false, fmt.Errorf("wallet version moved during update")
		}
		return model.Wallet{}, false, fmt.Errorf("update wallet: %w", err)
	}
	return updated, true, nil
}

func walletColumn(asset enums.WalletAsset) (string, error) {
	switch asset {
	case enums.WalletAssetPaidEnergy:
		return "paid_energy", nil
	case enums.WalletAssetStreakSaverTokens:
		return "streak_saver_tokens", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownWalletAsset, asset)
	}
}

func scanWallet(row pgx.Row) (model.Wallet, error) {
	var (
		w         model.Wallet
		updatedAt time.Time
	)
	if err := row.Scan(&w.UserID, &w.PaidEnergy, &w.StreakSaverTokens, &w.Version, &updatedAt); err != nil {
		return model.Wallet{}, err
	}
	w.UpdatedAt = updatedAt
	return w, nil
}
