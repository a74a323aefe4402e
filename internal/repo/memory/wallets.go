package memory

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/rules"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
)

type WalletStore struct {
	s *Store
}

func (w *WalletStore) Get(_ context.Context, _ pgx.Tx, userID int64) (model.Wallet, error) {
	wallet, ok := w.s.st.wallets[userID]
	if !ok {
		return model.Wallet{UserID: userID}, nil
	}
	return wallet, nil
}

func (w *WalletStore) ApplyOperation(_ context.Context, _ pgx.Tx, op model.WalletOperation) (model.Wallet, bool, error) {
	wallet, ok := w.s.st.wallets[op.UserID]
	if !ok {
		wallet = model.Wallet{UserID: op.UserID}
	}
	if _, done := w.s.st.walletOps[op.IdempotencyKey]; done {
		return wallet, false, nil
	}

	applied := rules.ClampWalletDelta(wallet.Balance(op.Asset), op.Delta)
	switch op.Asset {
	case enums.WalletAssetPaidEnergy:
		wallet.PaidEnergy += applied
	case enums.WalletAssetStreakSaverTokens:
		wallet.StreakSaverTokens += applied
	default:
		return model.Wallet{}, false, pgrepo.ErrUnknownWalletAsset
	}
	wallet.Version++
	wallet.UpdatedAt = op.CreatedAt
	w.s.st.wallets[op.UserID] = wallet
	w.s.st.walletOps[op.IdempotencyKey] = applied
	return wallet, true, nil
}

// Wallet reads a wallet outside any transaction.
func (w *WalletStore) Wallet(userID int64) model.Wallet {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	wallet, ok := w.s.st.wallets[userID]
	if !ok {
		return model.Wallet{UserID: userID}
	}
	return wallet
}
