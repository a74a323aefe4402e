package dto

import "time"

type PurchaseCreateRequest struct {
	ProductCode       string `json:"product_code"`
	IdempotencyKey    string `json:"idempotency_key"`
	PromoRedemptionID string `json:"promo_redemption_id,omitempty"`
}

type PurchaseResponse struct {
	PurchaseID     string     `json:"purchase_id"`
	UserID         int64      `json:"user_id"`
	ProductCode    string     `json:"product_code"`
	ProductType    string     `json:"product_type"`
	BasePrice      int        `json:"base_price"`
	DiscountPrice  int        `json:"discount_price"`
	FinalPrice     int        `json:"final_price"`
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	InvoicePayload string     `json:"invoice_payload"`
	CreatedAt      time.Time  `json:"created_at"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	CreditedAt     *time.Time `json:"credited_at,omitempty"`
	RefundedAt     *time.Time `json:"refunded_at,omitempty"`
}

type PurchaseCreateResponse struct {
	Purchase   PurchaseResponse `json:"purchase"`
	Idempotent bool             `json:"idempotent"`
}

type PromoRedeemRequest struct {
	Code string `json:"code"`
}

type PromoRedeemResponse struct {
	RedemptionID string `json:"redemption_id"`
	PromoCode    string `json:"promo_code"`
	Status       string `json:"status"`
}

type EntitlementsResponse struct {
	UserID            int64                `json:"user_id"`
	PremiumActive     bool                 `json:"premium_active"`
	PremiumTier       string               `json:"premium_tier,omitempty"`
	PremiumUntil      *time.Time           `json:"premium_until,omitempty"`
	Modes             map[string]time.Time `json:"modes"`
	PaidEnergy        int                  `json:"paid_energy"`
	StreakSaverTokens int                  `json:"streak_saver_tokens"`
}
