package dto

import "time"

type RefundResponse struct {
	Purchase            PurchaseResponse `json:"purchase"`
	RefundEntryID       string           `json:"refund_entry_id,omitempty"`
	RevokedEntitlements int              `json:"revoked_entitlements"`
	RevokedModeAccess   int              `json:"revoked_mode_access"`
	Idempotent          bool             `json:"idempotent"`
}

type ReconciliationRunResponse struct {
	ID                       int64          `json:"id"`
	StartedAt                time.Time      `json:"started_at"`
	FinishedAt               time.Time      `json:"finished_at"`
	Status                   string         `json:"status"`
	PaidCount                int64          `json:"paid_count"`
	CreditedCount            int64          `json:"credited_count"`
	StalePaidUncreditedCount int64          `json:"stale_paid_uncredited_count"`
	AmountMismatchCount      int64          `json:"amount_mismatch_count"`
	DiffCount                int64          `json:"diff_count"`
	Details                  map[string]any `json:"details,omitempty"`
}
