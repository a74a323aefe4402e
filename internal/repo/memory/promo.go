package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
)

type PromoStore struct {
	s *Store
}

func (p *PromoStore) LockRedemption(_ context.Context, _ pgx.Tx, redemptionID string) (model.PromoRedemption, error) {
	redemption, ok := p.s.st.redemptions[redemptionID]
	if !ok {
		return model.PromoRedemption{}, pgrepo.ErrPromoRedemptionNotFound
	}
	return redemption, nil
}

func (p *PromoStore) LockRedemptionByPurchase(_ context.Context, _ pgx.Tx, purchaseID string) (model.PromoRedemption, error) {
	for _, redemption := range p.s.st.redemptions {
		if redemption.ReservedForPurchaseID != nil && *redemption.ReservedForPurchaseID == purchaseID {
			return redemption, nil
		}
	}
	return model.PromoRedemption{}, pgrepo.ErrPromoRedemptionNotFound
}

func (p *PromoStore) LockCode(_ context.Context, _ pgx.Tx, codeID int64) (model.PromoCode, error) {
	code, ok := p.s.st.promoCodes[codeID]
	if !ok {
		return model.PromoCode{}, pgrepo.ErrPromoCodeNotFound
	}
	return cloneCode(code), nil
}

func (p *PromoStore) GetCodeByCode(_ context.Context, _ pgx.Tx, code string) (model.PromoCode, error) {
	for _, promo := range p.s.st.promoCodes {
		if strings.EqualFold(promo.Code, code) {
			return cloneCode(promo), nil
		}
	}
	return model.PromoCode{}, pgrepo.ErrPromoCodeNotFound
}

func (p *PromoStore) UpdateRedemption(_ context.Context, _ pgx.Tx, redemption model.PromoRedemption) (model.PromoRedemption, error) {
	if _, ok := p.s.st.redemptions[redemption.ID]; !ok {
		return model.PromoRedemption{}, pgrepo.ErrPromoRedemptionNotFound
	}
	if redemption.ReservedForPurchaseID != nil {
		for id, other := range p.s.st.redemptions {
			if id != redemption.ID && other.ReservedForPurchaseID != nil && *other.ReservedForPurchaseID == *redemption.ReservedForPurchaseID {
				return model.PromoRedemption{}, pgrepo.ErrRedemptionAlreadyBound
			}
		}
	}
	p.s.st.redemptions[redemption.ID] = redemption
	return redemption, nil
}

func (p *PromoStore) IncrementUsage(_ context.Context, _ pgx.Tx, codeID int64) error {
	code, ok := p.s.st.promoCodes[codeID]
	if !ok {
		return pgrepo.ErrPromoCodeNotFound
	}
	code.UsedTotal++
	p.s.st.promoCodes[codeID] = code
	return nil
}

func (p *PromoStore) ListRollbackCandidates(_ context.Context, _ pgx.Tx, limit int) ([]model.PromoRedemption, error) {
	out := make([]model.PromoRedemption, 0)
	for _, redemption := range p.s.st.redemptions {
		if redemption.Status != enums.PromoRedemptionReserved || redemption.ReservedForPurchaseID == nil {
			continue
		}
		purchase, ok := p.s.st.purchases[*redemption.ReservedForPurchaseID]
		if !ok || !purchase.Status.In(enums.PurchaseStatusRefunded, enums.PurchaseStatusFailed) {
			continue
		}
		out = append(out, redemption)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *PromoStore) CreateRedemption(_ context.Context, _ pgx.Tx, redemption model.PromoRedemption) (model.PromoRedemption, error) {
	if redemption.CreatedAt.IsZero() {
		redemption.CreatedAt = p.s.now().UTC()
	}
	redemption.UpdatedAt = redemption.CreatedAt
	p.s.st.redemptions[redemption.ID] = redemption
	return redemption, nil
}

// PutCode stores a promo code outside any transaction.
func (p *PromoStore) PutCode(code model.PromoCode) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.st.promoCodes[code.ID] = cloneCode(code)
}

// PutRedemption stores a redemption outside any transaction.
func (p *PromoStore) PutRedemption(redemption model.PromoRedemption) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.st.redemptions[redemption.ID] = redemption
}

func (p *PromoStore) Code(codeID int64) (model.PromoCode, bool) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	code, ok := p.s.st.promoCodes[codeID]
	return cloneCode(code), ok
}

func (p *PromoStore) Redemption(redemptionID string) (model.PromoRedemption, bool) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	redemption, ok := p.s.st.redemptions[redemptionID]
	return redemption, ok
}

func cloneCode(code model.PromoCode) model.PromoCode {
	code.AppliesTo = append([]string(nil), code.AppliesTo...)
	return code
}
