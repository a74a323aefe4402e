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

type PurchaseStore struct {
	s *Store
}

func (p *PurchaseStore) GetByID(_ context.Context, _ pgx.Tx, purchaseID string) (model.Purchase, error) {
	purchase, ok := p.s.st.purchases[purchaseID]
	if !ok {
		return model.Purchase{}, pgrepo.ErrPurchaseNotFound
	}
	return clonePurchase(purchase), nil
}

func (p *PurchaseStore) GetByIdempotencyKey(_ context.Context, _ pgx.Tx, key string) (model.Purchase, error) {
	for _, purchase := range p.s.st.purchases {
		if purchase.IdempotencyKey == key {
			return clonePurchase(purchase), nil
		}
	}
	return model.Purchase{}, pgrepo.ErrPurchaseNotFound
}

func (p *PurchaseStore) FindOpen(_ context.Context, _ pgx.Tx, userID int64, productCode string) (model.Purchase, error) {
	for _, purchase := range p.s.st.purchases {
		if purchase.UserID == userID && purchase.ProductCode == productCode && purchase.Status.IsOpen() {
			return clonePurchase(purchase), nil
		}
	}
	return model.Purchase{}, pgrepo.ErrPurchaseNotFound
}

func (p *PurchaseStore) LockByID(ctx context.Context, tx pgx.Tx, purchaseID string) (model.Purchase, error) {
	return p.GetByID(ctx, tx, purchaseID)
}

func (p *PurchaseStore) LockByInvoicePayload(_ context.Context, _ pgx.Tx, payload string) (model.Purchase, error) {
	for _, purchase := range p.s.st.purchases {
		if purchase.InvoicePayload == payload {
			return clonePurchase(purchase), nil
		}
	}
	return model.Purchase{}, pgrepo.ErrPurchaseNotFound
}

func (p *PurchaseStore) CreateOrGetOpen(ctx context.Context, tx pgx.Tx, purchase model.Purchase) (model.Purchase, bool, error) {
	if existing, err := p.GetByIdempotencyKey(ctx, tx, purchase.IdempotencyKey); err == nil {
		return existing, false, nil
	}
	if purchase.Status.IsOpen() {
		if existing, err := p.FindOpen(ctx, tx, purchase.UserID, purchase.ProductCode); err == nil {
			return existing, false, nil
		}
	}
	if purchase.UpdatedAt.IsZero() {
		purchase.UpdatedAt = purchase.CreatedAt
	}
	p.s.st.purchases[purchase.ID] = clonePurchase(purchase)
	return clonePurchase(purchase), true, nil
}

func (p *PurchaseStore) Update(_ context.Context, _ pgx.Tx, purchase model.Purchase) (model.Purchase, error) {
	current, ok := p.s.st.purchases[purchase.ID]
	if !ok {
		return model.Purchase{}, pgrepo.ErrPurchaseNotFound
	}
	if purchase.TelegramPaymentChargeID != nil {
		for id, other := range p.s.st.purchases {
			if id != purchase.ID && other.TelegramPaymentChargeID != nil && *other.TelegramPaymentChargeID == *purchase.TelegramPaymentChargeID {
				return model.Purchase{}, pgrepo.ErrChargeConflict
			}
		}
	}

	current.Status = purchase.Status
	current.TelegramPaymentChargeID = purchase.TelegramPaymentChargeID
	current.RawSuccessfulPayment = cloneMap(purchase.RawSuccessfulPayment)
	current.PaidAt = purchase.PaidAt
	current.CreditedAt = purchase.CreditedAt
	current.RefundedAt = purchase.RefundedAt
	current.UpdatedAt = purchase.UpdatedAt
	p.s.st.purchases[purchase.ID] = current
	return clonePurchase(current), nil
}

func (p *PurchaseStore) LastCreditedAt(_ context.Context, _ pgx.Tx, userID int64, productCode string) (*time.Time, error) {
	var last *time.Time
	for _, purchase := range p.s.st.purchases {
		if purchase.UserID != userID || purchase.ProductCode != productCode {
			continue
		}
		if purchase.Status != enums.PurchaseStatusCredited || purchase.CreditedAt == nil {
			continue
		}
		if last == nil || purchase.CreditedAt.After(*last) {
			at := *purchase.CreditedAt
			last = &at
		}
	}
	return last, nil
}

func (p *PurchaseStore) ListPaidUncreditedBefore(_ context.Context, _ pgx.Tx, paidBefore time.Time, limit int) ([]model.Purchase, error) {
	return p.filter(limit, func(purchase model.Purchase) bool {
		if purchase.Status != enums.PurchaseStatusPaidUncredited {
			return false
		}
		at := purchase.UpdatedAt
		if purchase.PaidAt != nil {
			at = *purchase.PaidAt
		}
		return at.Before(paidBefore)
	}), nil
}

func (p *PurchaseStore) ListOpenCreatedBefore(_ context.Context, _ pgx.Tx, createdBefore time.Time, limit int) ([]model.Purchase, error) {
	return p.filter(limit, func(purchase model.Purchase) bool {
		return purchase.Status.IsOpen() && purchase.CreatedAt.Before(createdBefore)
	}), nil
}

// Count returns the number of stored purchases.
func (p *PurchaseStore) Count() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return len(p.s.st.purchases)
}

func (p *PurchaseStore) filter(limit int, keep func(model.Purchase) bool) []model.Purchase {
	out := make([]model.Purchase, 0)
	for _, purchase := range p.s.st.purchases {
		if keep(purchase) {
			out = append(out, clonePurchase(purchase))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clonePurchase(p model.Purchase) model.Purchase {
	p.RawSuccessfulPayment = cloneMap(p.RawSuccessfulPayment)
	return p
}
