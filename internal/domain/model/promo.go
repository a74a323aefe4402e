package model

import (
	"time"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
)

type PromoCode struct {
	ID              int64                 `json:"id"`
	Code            string                `json:"code"`
	DiscountPercent int                   `json:"discount_percent"`
	AppliesTo       []string              `json:"applies_to"`
	Status          enums.PromoCodeStatus `json:"status"`
	ValidFrom       *time.Time            `json:"valid_from,omitempty"`
	ValidUntil      *time.Time            `json:"valid_until,omitempty"`
	MaxTotalUses    *int                  `json:"max_total_uses,omitempty"`
	UsedTotal       int                   `json:"used_total"`
}

type PromoRedemption struct {
	ID                    string                      `json:"id"`
	PromoCodeID           int64                       `json:"promo_code_id"`
	UserID                int64                       `json:"user_id"`
	Status                enums.PromoRedemptionStatus `json:"status"`
	ReservedUntil         *time.Time                  `json:"reserved_until,omitempty"`
	ReservedForPurchaseID *string                     `json:"reserved_for_purchase_id,omitempty"`
	AppliedAt             *time.Time                  `json:"applied_at,omitempty"`
	CreatedAt             time.Time                   `json:"created_at"`
	UpdatedAt             time.Time                   `json:"updated_at"`
}
