package model

import (
	"time"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
)

type ReconciliationRun struct {
	ID                       int64                      `json:"id"`
	StartedAt                time.Time                  `json:"started_at"`
	FinishedAt               time.Time                  `json:"finished_at"`
	Status                   enums.ReconciliationStatus `json:"status"`
	PaidCount                int64                      `json:"paid_count"`
	CreditedCount            int64                      `json:"credited_count"`
	StalePaidUncreditedCount int64                      `json:"stale_paid_uncredited_count"`
	AmountMismatchCount      int64                      `json:"amount_mismatch_count"`
	DiffCount                int64                      `json:"diff_count"`
	Details                  map[string]any             `json:"details,omitempty"`
}

// ReconciliationStats are the raw counters a run is computed from.
type ReconciliationStats struct {
	PaidCount                int64    `json:"paid_count"`
	CreditedCount            int64    `json:"credited_count"`
	StalePaidUncreditedCount int64    `json:"stale_paid_uncredited_count"`
	AmountMismatchCount      int64    `json:"amount_mismatch_count"`
	MismatchedPurchaseIDs    []string `json:"mismatched_purchase_ids,omitempty"`
	StalePurchaseIDs         []string `json:"stale_purchase_ids,omitempty"`
}
