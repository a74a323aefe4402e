package model

import (
	"time"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
)

type LedgerEntry struct {
	ID             string                `json:"id"`
	UserID         int64                 `json:"user_id"`
	PurchaseID     *string               `json:"purchase_id,omitempty"`
	EntryType      enums.LedgerEntryType `json:"entry_type"`
	Asset          enums.LedgerAsset     `json:"asset"`
	Direction      enums.LedgerDirection `json:"direction"`
	Amount         int                   `json:"amount"`
	BalanceAfter   *int                  `json:"balance_after,omitempty"`
	Source         string                `json:"source"`
	IdempotencyKey string                `json:"idempotency_key"`
	Metadata       map[string]any        `json:"metadata"`
	CreatedAt      time.Time             `json:"created_at"`
}

// Breakdown is the per-asset record of what a purchase actually granted.
type Breakdown map[string]int

const (
	BreakdownPaidEnergy        = "paid_energy"
	BreakdownPremiumDays       = "premium_days"
	BreakdownStreakSaverTokens = "streak_saver_tokens"
	breakdownModePrefix        = "mode_access_days:"
)

func ModeAccessBreakdownKey(modeCode string) string {
	return breakdownModePrefix + modeCode
}

// ModeAccessDays returns the mode codes granted by the breakdown with their durations.
func (b Breakdown) ModeAccessDays() map[string]int {
	out := make(map[string]int)
	for key, days := range b {
		if len(key) > len(breakdownModePrefix) && key[:len(breakdownModePrefix)] == breakdownModePrefix {
			out[key[len(breakdownModePrefix):]] = days
		}
	}
	return out
}

// BreakdownFromMetadata decodes the breakdown stored in a ledger entry's metadata.
func BreakdownFromMetadata(metadata map[string]any) Breakdown {
	raw, ok := metadata["breakdown"].(map[string]any)
	if !ok {
		if typed, ok := metadata["breakdown"].(Breakdown); ok {
			return typed
		}
		return Breakdown{}
	}
	out := make(Breakdown, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case int:
			out[key] = v
		case int64:
			out[key] = int(v)
		case float64:
			out[key] = int(v)
		}
	}
	return out
}
