package memory

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
)

type ReconciliationStore struct {
	s *Store
}

func (r *ReconciliationStore) Stats(_ context.Context, _ pgx.Tx, staleBefore time.Time) (model.ReconciliationStats, error) {
	credits := make(map[string]model.LedgerEntry)
	for _, entry := range r.s.st.ledger {
		if entry.EntryType == enums.LedgerEntryPurchaseCredit && entry.PurchaseID != nil {
			credits[*entry.PurchaseID] = entry
		}
	}

	ids := make([]string, 0, len(r.s.st.purchases))
	for id := range r.s.st.purchases {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stats model.ReconciliationStats
	for _, id := range ids {
		p := r.s.st.purchases[id]
		if p.PaidAt != nil && p.PaidAt.Before(staleBefore) {
			refundedUncredited := p.Status == enums.PurchaseStatusRefunded && p.CreditedAt == nil
			if !refundedUncredited {
				stats.PaidCount++
			}
			if p.CreditedAt != nil {
				stats.CreditedCount++
			}
		}
		if p.CreditedAt != nil {
			credit, ok := credits[p.ID]
			if !ok || credit.Amount != p.FinalPrice {
				stats.AmountMismatchCount++
				stats.MismatchedPurchaseIDs = append(stats.MismatchedPurchaseIDs, p.ID)
			}
		}
		if p.Status == enums.PurchaseStatusPaidUncredited {
			at := p.UpdatedAt
			if p.PaidAt != nil {
				at = *p.PaidAt
			}
			if at.Before(staleBefore) {
				stats.StalePaidUncreditedCount++
				stats.StalePurchaseIDs = append(stats.StalePurchaseIDs, p.ID)
			}
		}
	}
	return stats, nil
}

func (r *ReconciliationStore) InsertRun(_ context.Context, _ pgx.Tx, run model.ReconciliationRun) (model.ReconciliationRun, error) {
	run.ID = r.s.st.nextRunID
	r.s.st.nextRunID++
	run.Details = cloneMap(run.Details)
	r.s.st.runs = append(r.s.st.runs, run)
	return run, nil
}

func (r *ReconciliationStore) LatestRun(_ context.Context, _ pgx.Tx) (model.ReconciliationRun, error) {
	if len(r.s.st.runs) == 0 {
		return model.ReconciliationRun{}, pgrepo.ErrReconciliationRunNotFound
	}
	return r.s.st.runs[len(r.s.st.runs)-1], nil
}

func (r *ReconciliationStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if len(r.s.st.runs) == 0 {
		return 0, nil
	}
	last := len(r.s.st.runs) - 1
	kept := make([]model.ReconciliationRun, 0, len(r.s.st.runs))
	var deleted int64
	for i, run := range r.s.st.runs {
		if i != last && run.FinishedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, run)
	}
	r.s.st.runs = kept
	return deleted, nil
}
