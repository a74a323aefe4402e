package model

import (
	"time"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
)

type Wallet struct {
	UserID            int64     `json:"user_id"`
	PaidEnergy        int       `json:"paid_energy"`
	StreakSaverTokens int       `json:"streak_saver_tokens"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (w Wallet) Balance(asset enums.WalletAsset) int {
	switch asset {
	case enums.WalletAssetPaidEnergy:
		return w.PaidEnergy
	case enums.WalletAssetStreakSaverTokens:
		return w.StreakSaverTokens
	default:
		return 0
	}
}

// WalletOperation is one keyed balance change. Delta is negative for debits.
type WalletOperation struct {
	IdempotencyKey string            `json:"idempotency_key"`
	UserID         int64             `json:"user_id"`
	Asset          enums.WalletAsset `json:"asset"`
	Delta          int               `json:"delta"`
	CreatedAt      time.Time         `json:"created_at"`
}
