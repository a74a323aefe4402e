package model

import (
	"time"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
)

type Entitlement struct {
	ID               int64                   `json:"id"`
	UserID           int64                   `json:"user_id"`
	Scope            enums.PremiumTier       `json:"scope"`
	Status           enums.EntitlementStatus `json:"status"`
	StartsAt         time.Time               `json:"starts_at"`
	EndsAt           time.Time               `json:"ends_at"`
	RevokedAt        *time.Time              `json:"revoked_at,omitempty"`
	SourcePurchaseID *string                 `json:"source_purchase_id,omitempty"`
	IdempotencyKey   string                  `json:"idempotency_key"`
	CreatedAt        time.Time               `json:"created_at"`
}

func (e Entitlement) ActiveAt(at time.Time) bool {
	return e.Status == enums.EntitlementActive && !e.StartsAt.After(at) && e.EndsAt.After(at)
}

type ModeAccess struct {
	ID               int64                  `json:"id"`
	UserID           int64                  `json:"user_id"`
	ModeCode         string                 `json:"mode_code"`
	Source           enums.ModeAccessSource `json:"source"`
	Status           enums.ModeAccessStatus `json:"status"`
	StartsAt         time.Time              `json:"starts_at"`
	EndsAt           time.Time              `json:"ends_at"`
	RevokedAt        *time.Time             `json:"revoked_at,omitempty"`
	SourcePurchaseID *string                `json:"source_purchase_id,omitempty"`
	IdempotencyKey   string                 `json:"idempotency_key"`
	CreatedAt        time.Time              `json:"created_at"`
}

func (m ModeAccess) ActiveAt(at time.Time) bool {
	return m.Status == enums.ModeAccessActive && !m.StartsAt.After(at) && m.EndsAt.After(at)
}
