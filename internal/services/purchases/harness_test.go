package purchases

import (
	"context"
	"testing"
	"time"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/repo/memory"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/analytics"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/catalog"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/entitlements"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/promo"
)

var testNow = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	store *memory.Store
	svc   *Service
	promo *promo.Service
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	events := analytics.NewService(store, nil)
	promoSvc := promo.NewService(promo.Dependencies{Tx: store, Store: store.Promo(), Events: events}, promo.Config{})
	grantSvc := entitlements.NewService(entitlements.Dependencies{Tx: store, Store: store.Grants(), Wallets: store.Wallets()})

	h := &harness{store: store, promo: promoSvc, now: testNow}
	h.svc = NewService(Dependencies{
		Tx:        store,
		Purchases: store.Purchases(),
		Ledger:    store.Ledger(),
		Wallets:   store.Wallets(),
		Catalog:   catalog.Default(),
		Promo:     promoSvc,
		Grantor:   grantSvc,
		Events:    events,
	}, Config{})
	h.svc.now = func() time.Time { return h.now }

	store.Promo().PutCode(model.PromoCode{
		ID:              1,
		Code:            "HALF",
		DiscountPercent: 50,
		Status:          enums.PromoCodeActive,
	})
	return h
}

func (h *harness) init(t *testing.T, userID int64, productCode, key, redemptionID string) InitResult {
	t.Helper()
	result, err := h.svc.Init(context.Background(), InitInput{
		UserID:            userID,
		ProductCode:       productCode,
		IdempotencyKey:    key,
		PromoRedemptionID: redemptionID,
	})
	if err != nil {
		t.Fatalf("init %s: %v", productCode, err)
	}
	return result
}

func (h *harness) pay(purchase model.Purchase, chargeID string) (PaymentResult, error) {
	return h.svc.ApplySuccessfulPayment(context.Background(), PaymentInput{
		UserID:         purchase.UserID,
		InvoicePayload: purchase.InvoicePayload,
		ChargeID:       chargeID,
		RawPayload: map[string]any{
			"currency":                   "XTR",
			"total_amount":               purchase.FinalPrice,
			"telegram_payment_charge_id": chargeID,
		},
		Now: h.now,
	})
}

func (h *harness) buy(t *testing.T, userID int64, productCode, key string) model.Purchase {
	t.Helper()
	result := h.init(t, userID, productCode, key, "")
	paid, err := h.pay(result.Purchase, "charge-"+key)
	if err != nil {
		t.Fatalf("pay %s: %v", productCode, err)
	}
	if paid.Purchase.Status != enums.PurchaseStatusCredited {
		t.Fatalf("expected CREDITED, got %s", paid.Purchase.Status)
	}
	return paid.Purchase
}

func (h *harness) purchase(t *testing.T, purchaseID string) model.Purchase {
	t.Helper()
	purchase, err := h.svc.Get(context.Background(), purchaseID)
	if err != nil {
		t.Fatalf("get purchase: %v", err)
	}
	return purchase
}

func (h *harness) ledgerFor(purchaseID string, entryType enums.LedgerEntryType) []model.LedgerEntry {
	out := make([]model.LedgerEntry, 0, 1)
	for _, entry := range h.store.Ledger().Entries() {
		if entry.PurchaseID != nil && *entry.PurchaseID == purchaseID && entry.EntryType == entryType {
			out = append(out, entry)
		}
	}
	return out
}
