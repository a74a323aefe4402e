package refunds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/repo/memory"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/analytics"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/catalog"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/entitlements"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/promo"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/purchases"
)

var (
	paidAt   = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	refundAt = paidAt.Add(48 * time.Hour)
)

type fixture struct {
	store     *memory.Store
	purchases *purchases.Service
	refunds   *Service
}

func newFixture() *fixture {
	store := memory.New()
	events := analytics.NewService(store, nil)
	grants := entitlements.NewService(entitlements.Dependencies{Tx: store, Store: store.Grants(), Wallets: store.Wallets()})
	promoSvc := promo.NewService(promo.Dependencies{Tx: store, Store: store.Promo(), Events: events}, promo.Config{})

	purchaseSvc := purchases.NewService(purchases.Dependencies{
		Tx:        store,
		Purchases: store.Purchases(),
		Ledger:    store.Ledger(),
		Wallets:   store.Wallets(),
		Catalog:   catalog.Default(),
		Promo:     promoSvc,
		Grantor:   grants,
		Events:    events,
	}, purchases.Config{})

	refundSvc := NewService(Dependencies{
		Tx:        store,
		Purchases: store.Purchases(),
		Ledger:    store.Ledger(),
		Wallets:   store.Wallets(),
		Grants:    grants,
		Events:    events,
	})
	refundSvc.now = func() time.Time { return refundAt }

	return &fixture{store: store, purchases: purchaseSvc, refunds: refundSvc}
}

func (f *fixture) initPurchase(t *testing.T, productCode string) model.Purchase {
	t.Helper()
	result, err := f.purchases.Init(context.Background(), purchases.InitInput{
		UserID:         7,
		ProductCode:    productCode,
		IdempotencyKey: "key-" + productCode,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return result.Purchase
}

func (f *fixture) buy(t *testing.T, productCode string) model.Purchase {
	t.Helper()
	p := f.initPurchase(t, productCode)
	paid, err := f.purchases.ApplySuccessfulPayment(context.Background(), purchases.PaymentInput{
		UserID:         p.UserID,
		InvoicePayload: p.InvoicePayload,
		ChargeID:       "charge-" + productCode,
		RawPayload:     map[string]any{"total_amount": p.FinalPrice},
		Now:            paidAt,
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	return paid.Purchase
}

func (f *fixture) entries(purchaseID string, entryType enums.LedgerEntryType) []model.LedgerEntry {
	out := make([]model.LedgerEntry, 0, 1)
	for _, entry := range f.store.Ledger().Entries() {
		if entry.PurchaseID != nil && *entry.PurchaseID == purchaseID && entry.EntryType == entryType {
			out = append(out, entry)
		}
	}
	return out
}

func TestRefundPremiumRevokesEntitlement(t *testing.T) {
	f := newFixture()
	p := f.buy(t, "PREMIUM_MONTH")

	result, err := f.refunds.Refund(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.Purchase.Status != enums.PurchaseStatusRefunded || result.Purchase.RefundedAt == nil {
		t.Fatalf("unexpected purchase after refund: %+v", result.Purchase)
	}
	if result.Revoked.Entitlements != 1 {
		t.Fatalf("expected one revoked entitlement, got %+v", result.Revoked)
	}

	for _, e := range f.store.Grants().Entitlements(7) {
		if e.Status != enums.EntitlementRevoked || e.EndsAt.After(refundAt) {
			t.Fatalf("expected entitlement revoked by %s, got %+v", refundAt, e)
		}
	}

	refundsWritten := f.entries(p.ID, enums.LedgerEntryPurchaseRefund)
	if len(refundsWritten) != 1 {
		t.Fatalf("expected one refund entry, got %d", len(refundsWritten))
	}
	credit := f.entries(p.ID, enums.LedgerEntryPurchaseCredit)[0]
	entry := refundsWritten[0]
	if entry.Direction != enums.LedgerDirectionDebit || entry.Asset != credit.Asset || entry.Amount != credit.Amount {
		t.Fatalf("refund entry does not mirror credit: %+v vs %+v", entry, credit)
	}
	if entry.IdempotencyKey != RefundKey(p.ID) {
		t.Fatalf("unexpected refund key %q", entry.IdempotencyKey)
	}
}

func TestRefundTwiceWritesOneEntry(t *testing.T) {
	f := newFixture()
	p := f.buy(t, "ENERGY_50")

	first, err := f.refunds.Refund(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("first refund: %v", err)
	}
	second, err := f.refunds.Refund(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if !second.Idempotent || !second.Purchase.RefundedAt.Equal(*first.Purchase.RefundedAt) {
		t.Fatalf("expected replay with the original refunded_at, got %+v", second)
	}
	if got := len(f.entries(p.ID, enums.LedgerEntryPurchaseRefund)); got != 1 {
		t.Fatalf("expected one refund entry, got %d", got)
	}
	if got := f.store.EventCount(analytics.EventPurchaseRefunded); got != 1 {
		t.Fatalf("expected one refund event, got %d", got)
	}
}

func TestRefundClampsSpentBalanceAtZero(t *testing.T) {
	f := newFixture()
	p := f.buy(t, "ENERGY_10")

	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		_, _, err := f.store.Wallets().ApplyOperation(ctx, tx, model.WalletOperation{
			IdempotencyKey: "spend:1",
			UserID:         7,
			Asset:          enums.WalletAssetPaidEnergy,
			Delta:          -7,
			CreatedAt:      paidAt.Add(time.Hour),
		})
		return err
	})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}

	if _, err := f.refunds.Refund(context.Background(), p.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := f.store.Wallets().Wallet(7).PaidEnergy; got != 0 {
		t.Fatalf("expected balance clamped at 0, got %d", got)
	}
}

func TestRefundPaidUncreditedWritesNoLedgerEntry(t *testing.T) {
	f := newFixture()
	p := f.initPurchase(t, "ENERGY_10")
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		locked, err := f.store.Purchases().LockByID(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		charge := "charge-x"
		locked.Status = enums.PurchaseStatusPaidUncredited
		locked.TelegramPaymentChargeID = &charge
		locked.PaidAt = &paidAt
		_, err = f.store.Purchases().Update(ctx, tx, locked)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := f.refunds.Refund(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.RefundEntry != nil || len(f.store.Ledger().Entries()) != 0 {
		t.Fatalf("expected no ledger writes for an uncredited refund")
	}
	if result.Purchase.Status != enums.PurchaseStatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", result.Purchase.Status)
	}
}

func TestRefundRejectsUnpaidPurchase(t *testing.T) {
	f := newFixture()
	p := f.initPurchase(t, "ENERGY_10")

	_, err := f.refunds.Refund(context.Background(), p.ID)
	if !errors.Is(err, purchases.ErrRefundStatus) {
		t.Fatalf("expected ErrRefundStatus, got %v", err)
	}
	if _, err := f.refunds.Refund(context.Background(), "missing"); !errors.Is(err, purchases.ErrPurchaseNotFound) {
		t.Fatalf("expected ErrPurchaseNotFound, got %v", err)
	}
}

func TestRefundBlockedByLedgerInvariant(t *testing.T) {
	f := newFixture()
	p := f.buy(t, "ENERGY_10")
	purchaseID := p.ID
	f.store.Ledger().ForceAppend(model.LedgerEntry{
		ID:             "dup",
		UserID:         7,
		PurchaseID:     &purchaseID,
		EntryType:      enums.LedgerEntryPurchaseCredit,
		Asset:          enums.LedgerAssetPaidEnergy,
		Direction:      enums.LedgerDirectionCredit,
		Amount:         10,
		IdempotencyKey: "credit:purchase:dup",
		CreatedAt:      paidAt,
	})

	_, err := f.refunds.Refund(context.Background(), p.ID)
	if !errors.Is(err, purchases.ErrLedgerInvariant) {
		t.Fatalf("expected ErrLedgerInvariant, got %v", err)
	}
	if purchases.Classify(err) != purchases.ClassRefundInvariant {
		t.Fatalf("expected refund_invariant class")
	}
	if got := len(f.entries(p.ID, enums.LedgerEntryPurchaseRefund)); got != 0 {
		t.Fatalf("expected no refund entry, got %d", got)
	}
	if got := f.store.Wallets().Wallet(7).PaidEnergy; got != 10 {
		t.Fatalf("expected wallet untouched, got %d", got)
	}
}
