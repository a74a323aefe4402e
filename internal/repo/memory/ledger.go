package memory

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
)

// LedgerStore can only append, mirroring the database trigger.
type LedgerStore struct {
	s *Store
}

func (l *LedgerStore) GetByIdempotencyKey(_ context.Context, _ pgx.Tx, key string) (model.LedgerEntry, error) {
	for _, entry := range l.s.st.ledger {
		if entry.IdempotencyKey == key {
			return cloneEntry(entry), nil
		}
	}
	return model.LedgerEntry{}, pgrepo.ErrLedgerEntryNotFound
}

func (l *LedgerStore) Append(ctx context.Context, tx pgx.Tx, entry model.LedgerEntry) (model.LedgerEntry, bool, error) {
	if existing, err := l.GetByIdempotencyKey(ctx, tx, entry.IdempotencyKey); err == nil {
		return existing, false, nil
	}
	if entry.PurchaseID != nil && (entry.EntryType == enums.LedgerEntryPurchaseCredit || entry.EntryType == enums.LedgerEntryPurchaseRefund) {
		for _, existing := range l.s.st.ledger {
			if existing.PurchaseID != nil && *existing.PurchaseID == *entry.PurchaseID && existing.EntryType == entry.EntryType {
				return model.LedgerEntry{}, false, pgrepo.ErrLedgerEntryConflict
			}
		}
	}
	l.s.st.ledger = append(l.s.st.ledger, cloneEntry(entry))
	return cloneEntry(entry), true, nil
}

func (l *LedgerStore) ListByPurchase(_ context.Context, _ pgx.Tx, purchaseID string, entryType enums.LedgerEntryType) ([]model.LedgerEntry, error) {
	out := make([]model.LedgerEntry, 0, 1)
	for _, entry := range l.s.st.ledger {
		if entry.PurchaseID != nil && *entry.PurchaseID == purchaseID && entry.EntryType == entryType {
			out = append(out, cloneEntry(entry))
		}
	}
	return out, nil
}

// Entries returns a copy of the whole ledger.
func (l *LedgerStore) Entries() []model.LedgerEntry {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	out := make([]model.LedgerEntry, 0, len(l.s.st.ledger))
	for _, entry := range l.s.st.ledger {
		out = append(out, cloneEntry(entry))
	}
	return out
}

// ForceAppend bypasses the per-purchase uniqueness rules to reproduce a
// corrupted ledger.
func (l *LedgerStore) ForceAppend(entry model.LedgerEntry) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.st.ledger = append(l.s.st.ledger, cloneEntry(entry))
}

func cloneEntry(entry model.LedgerEntry) model.LedgerEntry {
	entry.Metadata = cloneMap(entry.Metadata)
	return entry
}
