package model

import (
	"time"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
)

type Purchase struct {
	ID                      string               `json:"id"`
	UserID                  int64                `json:"user_id"`
	ProductCode             string               `json:"product_code"`
	ProductType             enums.ProductType    `json:"product_type"`
	BasePrice               int                  `json:"base_price"`
	DiscountPrice           int                  `json:"discount_price"`
	FinalPrice              int                  `json:"final_price"`
	Currency                string               `json:"currency"`
	Status                  enums.PurchaseStatus `json:"status"`
	AppliedPromoCodeID      *int64               `json:"applied_promo_code_id,omitempty"`
	IdempotencyKey          string               `json:"idempotency_key"`
	InvoicePayload          string               `json:"invoice_payload"`
	TelegramPaymentChargeID *string              `json:"telegram_payment_charge_id,omitempty"`
	RawSuccessfulPayment    map[string]any       `json:"raw_successful_payment,omitempty"`
	CreatedAt               time.Time            `json:"created_at"`
	PaidAt                  *time.Time           `json:"paid_at,omitempty"`
	CreditedAt              *time.Time           `json:"credited_at,omitempty"`
	RefundedAt              *time.Time           `json:"refunded_at,omitempty"`
	UpdatedAt               time.Time            `json:"updated_at"`
}

// RecoveryMetaKey holds the recovery worker's bookkeeping inside the stored
// gateway payload so that it survives restarts.
const RecoveryMetaKey = "_recovery"

// RecoveryFailures returns the persisted recovery failure counter.
func (p Purchase) RecoveryFailures() int {
	meta, ok := p.RawSuccessfulPayment[RecoveryMetaKey].(map[string]any)
	if !ok {
		return 0
	}
	switch v := meta["failures"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// HasStoredPayment reports whether the gateway data needed to replay crediting
// was persisted.
func (p Purchase) HasStoredPayment() bool {
	if p.TelegramPaymentChargeID == nil || *p.TelegramPaymentChargeID == "" {
		return false
	}
	for key := range p.RawSuccessfulPayment {
		if key != RecoveryMetaKey {
			return true
		}
	}
	return false
}

// GatewayPayload returns the stored payload without recovery bookkeeping.
func (p Purchase) GatewayPayload() map[string]any {
	out := make(map[string]any, len(p.RawSuccessfulPayment))
	for key, value := range p.RawSuccessfulPayment {
		if key == RecoveryMetaKey {
			continue
		}
		out[key] = value
	}
	return out
}
