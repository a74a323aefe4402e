package purchases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/repo/memory"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/analytics"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/promo"
)

func TestInitReplaysByIdempotencyKey(t *testing.T) {
	h := newHarness(t)

	first := h.init(t, 7, "energy_10", "key-1", "")
	if first.Idempotent {
		t.Fatalf("expected first init to create a purchase")
	}
	p := first.Purchase
	if p.Status != enums.PurchaseStatusCreated || p.FinalPrice != 10 || p.Currency != DefaultCurrency {
		t.Fatalf("unexpected purchase: %+v", p)
	}
	if p.InvoicePayload != InvoicePayload(p.ID) {
		t.Fatalf("unexpected invoice payload %q", p.InvoicePayload)
	}

	second := h.init(t, 7, "ENERGY_10", "key-1", "")
	if !second.Idempotent || second.Purchase.ID != p.ID {
		t.Fatalf("expected replay of %s, got %+v", p.ID, second)
	}
	if got := h.store.Purchases().Count(); got != 1 {
		t.Fatalf("expected one purchase row, got %d", got)
	}
	if got := h.store.EventCount(analytics.EventPurchaseInitCreated); got != 1 {
		t.Fatalf("expected one init event, got %d", got)
	}
}

func TestInitReturnsOpenPurchaseForNewKey(t *testing.T) {
	h := newHarness(t)
	first := h.init(t, 7, "ENERGY_10", "key-1", "")
	second := h.init(t, 7, "ENERGY_10", "key-2", "")
	if !second.Idempotent || second.Purchase.ID != first.Purchase.ID {
		t.Fatalf("expected open purchase %s to be returned, got %+v", first.Purchase.ID, second)
	}
}

func TestInitRejectsForeignIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.init(t, 7, "ENERGY_10", "key-1", "")

	_, err := h.svc.Init(context.Background(), InitInput{UserID: 8, ProductCode: "ENERGY_10", IdempotencyKey: "key-1"})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestInitValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		in   InitInput
		want error
	}{
		{"missing user", InitInput{ProductCode: "ENERGY_10", IdempotencyKey: "k"}, ErrValidation},
		{"missing key", InitInput{UserID: 7, ProductCode: "ENERGY_10"}, ErrValidation},
		{"key with space", InitInput{UserID: 7, ProductCode: "ENERGY_10", IdempotencyKey: "a b"}, ErrValidation},
		{"unknown product", InitInput{UserID: 7, ProductCode: "GOLD_BAR", IdempotencyKey: "k"}, ErrProductNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.Init(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestInitRejectsPremiumDowngrade(t *testing.T) {
	h := newHarness(t)
	h.buy(t, 7, "PREMIUM_YEAR", "year")

	for _, code := range []string{"PREMIUM_MONTH", "PREMIUM_YEAR"} {
		_, err := h.svc.Init(context.Background(), InitInput{UserID: 7, ProductCode: code, IdempotencyKey: "again-" + code})
		if !errors.Is(err, ErrPremiumDowngrade) {
			t.Fatalf("%s: expected ErrPremiumDowngrade, got %v", code, err)
		}
	}
	if got := h.store.Purchases().Count(); got != 1 {
		t.Fatalf("expected no new purchase rows, got %d", got)
	}
}

func TestInitAllowsPremiumUpgrade(t *testing.T) {
	h := newHarness(t)
	h.buy(t, 7, "PREMIUM_STARTER", "starter")
	h.now = h.now.Add(24 * time.Hour)
	upgraded := h.buy(t, 7, "PREMIUM_MONTH", "month")

	entitlementsByPurchase := map[string]model.Entitlement{}
	for _, e := range h.store.Grants().Entitlements(7) {
		entitlementsByPurchase[*e.SourcePurchaseID] = e
	}
	month := entitlementsByPurchase[upgraded.ID]
	want := testNow.Add(7 * 24 * time.Hour).Add(30 * 24 * time.Hour)
	if month.Status != enums.EntitlementActive || !month.EndsAt.Equal(want) {
		t.Fatalf("expected active MONTH until %s, got %+v", want, month)
	}
}

func TestInitEnforcesRepeatCooldown(t *testing.T) {
	h := newHarness(t)
	h.buy(t, 7, "STREAK_SAVER", "saver-1")

	h.now = h.now.Add(24 * time.Hour)
	_, err := h.svc.Init(context.Background(), InitInput{UserID: 7, ProductCode: "STREAK_SAVER", IdempotencyKey: "saver-2"})
	if !errors.Is(err, ErrPurchaseLimit) {
		t.Fatalf("expected ErrPurchaseLimit, got %v", err)
	}

	h.now = h.now.Add(7 * 24 * time.Hour)
	if result := h.init(t, 7, "STREAK_SAVER", "saver-3", ""); result.Idempotent {
		t.Fatalf("expected a new purchase after cooldown")
	}
}

func TestConcurrentInitCreatesOneRow(t *testing.T) {
	for _, sameKey := range []bool{true, false} {
		t.Run(fmt.Sprintf("same_key=%v", sameKey), func(t *testing.T) {
			h := newHarness(t)
			const workers = 8

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				results []InitResult
				errs    []error
			)
			for i := 0; i < workers; i++ {
				key := "key"
				if !sameKey {
					key = fmt.Sprintf("key-%d", i)
				}
				wg.Add(1)
				go func(key string) {
					defer wg.Done()
					result, err := h.svc.Init(context.Background(), InitInput{UserID: 7, ProductCode: "ENERGY_50", IdempotencyKey: key})
					mu.Lock()
					defer mu.Unlock()
					results = append(results, result)
					errs = append(errs, err)
				}(key)
			}
			wg.Wait()

			created := 0
			for i, result := range results {
				if errs[i] != nil {
					t.Fatalf("init: %v", errs[i])
				}
				if result.Purchase.ID != results[0].Purchase.ID {
					t.Fatalf("expected every caller to get the same purchase")
				}
				if !result.Idempotent {
					created++
				}
			}
			if created != 1 {
				t.Fatalf("expected exactly one creator, got %d", created)
			}
			if got := h.store.Purchases().Count(); got != 1 {
				t.Fatalf("expected one purchase row, got %d", got)
			}
		})
	}
}

// staleOpenLookup hides open purchases from FindOpen, as a concurrent insert
// that committed after the lookup would.
type staleOpenLookup struct {
	*memory.PurchaseStore
}

func (staleOpenLookup) FindOpen(context.Context, pgx.Tx, int64, string) (model.Purchase, error) {
	return model.Purchase{}, pgrepo.ErrPurchaseNotFound
}

func TestInitLosingInsertRaceReturnsWinner(t *testing.T) {
	h := newHarness(t)
	winner := h.init(t, 7, "ENERGY_10", "key-1", "").Purchase

	redemption, err := h.promo.Redeem(context.Background(), 7, "HALF")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	h.svc.purchases = staleOpenLookup{PurchaseStore: h.store.Purchases()}

	result, err := h.svc.Init(context.Background(), InitInput{
		UserID:            7,
		ProductCode:       "ENERGY_10",
		IdempotencyKey:    "key-2",
		PromoRedemptionID: redemption.ID,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !result.Idempotent || result.Purchase.ID != winner.ID {
		t.Fatalf("expected replay of winner %s, got %+v", winner.ID, result)
	}
	if got := h.store.Purchases().Count(); got != 1 {
		t.Fatalf("expected one purchase row, got %d", got)
	}
	if got := h.store.EventCount(analytics.EventPurchaseInitCreated); got != 1 {
		t.Fatalf("expected only the winner's init event, got %d", got)
	}
	stored, _ := h.store.Promo().Redemption(redemption.ID)
	if stored.Status != redemption.Status || stored.ReservedForPurchaseID != nil {
		t.Fatalf("expected the reservation to roll back, got %+v", stored)
	}
}

func TestMarkInvoiceSent(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, 7, "ENERGY_10", "key-1", "").Purchase

	sent, err := h.svc.MarkInvoiceSent(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("mark invoice sent: %v", err)
	}
	if sent.Status != enums.PurchaseStatusInvoiceSent {
		t.Fatalf("expected INVOICE_SENT, got %s", sent.Status)
	}

	if _, err := h.svc.MarkInvoiceSent(context.Background(), "missing"); !errors.Is(err, ErrPurchaseNotFound) {
		t.Fatalf("expected ErrPurchaseNotFound, got %v", err)
	}
}

func TestValidatePrecheckout(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, 7, "ENERGY_10", "key-1", "").Purchase

	cases := []struct {
		name string
		in   PrecheckoutInput
		want error
	}{
		{"wrong user", PrecheckoutInput{UserID: 8, InvoicePayload: p.InvoicePayload, TotalAmount: 10}, ErrPrecheckoutUserMismatch},
		{"wrong amount", PrecheckoutInput{UserID: 7, InvoicePayload: p.InvoicePayload, TotalAmount: 9}, ErrPrecheckoutAmountMismatch},
		{"unknown payload", PrecheckoutInput{UserID: 7, InvoicePayload: "purchase:missing", TotalAmount: 10}, ErrPurchaseNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.ValidatePrecheckout(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	in := PrecheckoutInput{UserID: 7, InvoicePayload: p.InvoicePayload, TotalAmount: 10}
	for i := 0; i < 2; i++ {
		ok, err := h.svc.ValidatePrecheckout(context.Background(), in)
		if err != nil {
			t.Fatalf("precheckout #%d: %v", i, err)
		}
		if ok.Status != enums.PurchaseStatusPrecheckoutOK {
			t.Fatalf("expected PRECHECKOUT_OK, got %s", ok.Status)
		}
	}
	if got := h.store.EventCount(analytics.EventPurchasePrecheckoutOK); got != 1 {
		t.Fatalf("expected one precheckout event, got %d", got)
	}

	h.buyExisting(t, p)
	if _, err := h.svc.ValidatePrecheckout(context.Background(), in); !errors.Is(err, ErrPrecheckoutStatus) {
		t.Fatalf("expected ErrPrecheckoutStatus after crediting, got %v", err)
	}
}

func (h *harness) buyExisting(t *testing.T, p model.Purchase) {
	t.Helper()
	if _, err := h.pay(p, "charge-"+p.ID); err != nil {
		t.Fatalf("pay: %v", err)
	}
}

func TestApplySuccessfulPaymentCreditsOnce(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, 7, "ENERGY_10", "key-1", "").Purchase

	first, err := h.pay(p, "charge-1")
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if first.Idempotent || first.Purchase.Status != enums.PurchaseStatusCredited || first.Purchase.CreditedAt == nil {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := h.pay(p, "charge-1")
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if !second.Idempotent {
		t.Fatalf("expected second payment to be a replay")
	}

	credits := h.ledgerFor(p.ID, enums.LedgerEntryPurchaseCredit)
	if len(credits) != 1 {
		t.Fatalf("expected one credit entry, got %d", len(credits))
	}
	entry := credits[0]
	if entry.IdempotencyKey != CreditKey(p.ID) || entry.Amount != 10 || entry.Asset != enums.LedgerAssetPaidEnergy {
		t.Fatalf("unexpected credit entry: %+v", entry)
	}
	if got := h.store.Wallets().Wallet(7).PaidEnergy; got != 10 {
		t.Fatalf("expected 10 paid energy, got %d", got)
	}
	if got := h.store.EventCount(analytics.EventPurchaseCredited); got != 1 {
		t.Fatalf("expected one credited event, got %d", got)
	}
}

func TestApplySuccessfulPaymentRejectsOtherCharge(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, 7, "ENERGY_10", "key-1", "").Purchase
	if _, err := h.pay(p, "charge-1"); err != nil {
		t.Fatalf("pay: %v", err)
	}

	other := h.init(t, 7, "ENERGY_50", "key-2", "").Purchase
	if _, err := h.pay(other, "charge-1"); !errors.Is(err, ErrDuplicateCharge) {
		t.Fatalf("expected ErrDuplicateCharge, got %v", err)
	}

	_, err := h.svc.ApplySuccessfulPayment(context.Background(), PaymentInput{
		UserID:         8,
		InvoicePayload: other.InvoicePayload,
		ChargeID:       "charge-2",
	})
	if !errors.Is(err, ErrPaymentUserMismatch) {
		t.Fatalf("expected ErrPaymentUserMismatch, got %v", err)
	}
}

func TestBundleCreditGrantsEveryAsset(t *testing.T) {
	h := newHarness(t)
	p := h.buy(t, 7, "OFFER_STARTER_BUNDLE", "bundle")

	wallet := h.store.Wallets().Wallet(7)
	if wallet.PaidEnergy != 30 || wallet.StreakSaverTokens != 1 {
		t.Fatalf("unexpected wallet: %+v", wallet)
	}
	modes := h.store.Grants().ModeAccess(7)
	if len(modes) != 2 {
		t.Fatalf("expected two mode access grants, got %d", len(modes))
	}
	for _, m := range modes {
		if !m.EndsAt.Equal(testNow.Add(7 * 24 * time.Hour)) {
			t.Fatalf("unexpected mode access window: %+v", m)
		}
	}

	credits := h.ledgerFor(p.ID, enums.LedgerEntryPurchaseCredit)
	if len(credits) != 1 || credits[0].Asset != enums.LedgerAssetBundle || credits[0].Amount != 49 {
		t.Fatalf("unexpected credit entries: %+v", credits)
	}
	breakdown := model.BreakdownFromMetadata(credits[0].Metadata)
	if breakdown[model.BreakdownPaidEnergy] != 30 || breakdown[model.ModeAccessBreakdownKey("CASES_PRACTICE")] != 7 {
		t.Fatalf("unexpected breakdown: %v", breakdown)
	}
}

func TestPromoPurchaseEndToEnd(t *testing.T) {
	h := newHarness(t)
	redemption, err := h.promo.Redeem(context.Background(), 7, "HALF")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	p := h.init(t, 7, "ENERGY_10", "key-1", redemption.ID).Purchase
	if p.DiscountPrice != 5 || p.FinalPrice != 5 || p.AppliedPromoCodeID == nil {
		t.Fatalf("unexpected promo pricing: %+v", p)
	}
	if _, err := h.svc.ValidatePrecheckout(context.Background(), PrecheckoutInput{UserID: 7, InvoicePayload: p.InvoicePayload, TotalAmount: 5}); err != nil {
		t.Fatalf("precheckout: %v", err)
	}
	if _, err := h.pay(p, "charge-1"); err != nil {
		t.Fatalf("pay: %v", err)
	}

	credits := h.ledgerFor(p.ID, enums.LedgerEntryPurchaseCredit)
	if len(credits) != 1 || credits[0].Amount != 5 {
		t.Fatalf("unexpected credit entries: %+v", credits)
	}
	if got := model.BreakdownFromMetadata(credits[0].Metadata)[model.BreakdownPaidEnergy]; got != 10 {
		t.Fatalf("expected breakdown paid_energy 10, got %d", got)
	}
	stored, _ := h.store.Promo().Redemption(redemption.ID)
	if stored.Status != enums.PromoRedemptionApplied {
		t.Fatalf("expected APPLIED redemption, got %s", stored.Status)
	}
	code, _ := h.store.Promo().Code(1)
	if code.UsedTotal != 1 {
		t.Fatalf("expected used_total 1, got %d", code.UsedTotal)
	}

	if _, err := h.pay(p, "charge-1"); err != nil {
		t.Fatalf("replayed payment: %v", err)
	}
	if code, _ := h.store.Promo().Code(1); code.UsedTotal != 1 {
		t.Fatalf("expected used_total to stay 1, got %d", code.UsedTotal)
	}
}

func TestExpiredPromoBlocksPrecheckoutAndCredit(t *testing.T) {
	h := newHarness(t)
	redemption, err := h.promo.Redeem(context.Background(), 7, "HALF")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	p := h.init(t, 7, "ENERGY_10", "key-1", redemption.ID).Purchase

	h.now = h.now.Add(16 * time.Minute)
	_, err = h.svc.ValidatePrecheckout(context.Background(), PrecheckoutInput{UserID: 7, InvoicePayload: p.InvoicePayload, TotalAmount: 5})
	if !errors.Is(err, promo.ErrPromoReservationExpired) {
		t.Fatalf("expected ErrPromoReservationExpired at precheckout, got %v", err)
	}

	if _, err := h.pay(p, "charge-1"); !errors.Is(err, promo.ErrPromoReservationExpired) {
		t.Fatalf("expected ErrPromoReservationExpired at credit, got %v", err)
	}
	if got := h.purchase(t, p.ID).Status; got != enums.PurchaseStatusPaidUncredited {
		t.Fatalf("expected PAID_UNCREDITED, got %s", got)
	}
	if got := len(h.ledgerFor(p.ID, enums.LedgerEntryPurchaseCredit)); got != 0 {
		t.Fatalf("expected no credit entry, got %d", got)
	}
	stored, _ := h.store.Promo().Redemption(redemption.ID)
	if stored.Status != enums.PromoRedemptionReserved {
		t.Fatalf("expected redemption to stay RESERVED, got %s", stored.Status)
	}
	if got := Classify(err); got != ClassValidation {
		t.Fatalf("expected validation class, got %s", got)
	}
}

func TestRecoveryFailuresEscalateAfterThreeAttempts(t *testing.T) {
	h := newHarness(t)
	redemption, _ := h.promo.Redeem(context.Background(), 7, "HALF")
	p := h.init(t, 7, "ENERGY_10", "key-1", redemption.ID).Purchase
	h.now = h.now.Add(time.Hour)
	if _, err := h.pay(p, "charge-1"); err == nil {
		t.Fatalf("expected credit to fail")
	}

	for attempt := 1; attempt <= 3; attempt++ {
		stored := h.purchase(t, p.ID)
		_, err := h.svc.ApplySuccessfulPayment(context.Background(), PaymentInput{
			UserID:         stored.UserID,
			InvoicePayload: stored.InvoicePayload,
			ChargeID:       *stored.TelegramPaymentChargeID,
			RawPayload:     stored.GatewayPayload(),
			Now:            h.now,
		})
		if err == nil {
			t.Fatalf("attempt %d: expected credit to fail", attempt)
		}
		updated, escalated, err := h.svc.RecordRecoveryFailure(context.Background(), p.ID, err.Error(), DefaultRecoveryAttempts)
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
		if updated.RecoveryFailures() != attempt {
			t.Fatalf("expected %d failures, got %d", attempt, updated.RecoveryFailures())
		}
		if escalated != (attempt == 3) {
			t.Fatalf("attempt %d: unexpected escalation %v", attempt, escalated)
		}
		if updated.RawSuccessfulPayment["telegram_payment_charge_id"] != "charge-1" {
			t.Fatalf("expected gateway payload to be kept: %v", updated.RawSuccessfulPayment)
		}
	}

	if got := h.purchase(t, p.ID).Status; got != enums.PurchaseStatusFailedCreditPendingReview {
		t.Fatalf("expected FAILED_CREDIT_PENDING_REVIEW, got %s", got)
	}
	if _, err := h.pay(p, "charge-1"); !errors.Is(err, ErrRecoveryExhausted) {
		t.Fatalf("expected ErrRecoveryExhausted, got %v", err)
	}
	if got := h.store.EventCount(analytics.EventPurchaseCreditNeedsReview); got != 1 {
		t.Fatalf("expected one review event, got %d", got)
	}
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, 7, "ENERGY_10", "key-1", "").Purchase

	expired, err := h.svc.ExpireStale(context.Background(), p.ID, testNow)
	if err != nil || expired {
		t.Fatalf("expected fresh purchase to survive, got %v, %v", expired, err)
	}

	expired, err = h.svc.ExpireStale(context.Background(), p.ID, testNow.Add(25*time.Hour))
	if err != nil || !expired {
		t.Fatalf("expected stale purchase to expire, got %v, %v", expired, err)
	}
	if got := h.purchase(t, p.ID).Status; got != enums.PurchaseStatusFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}

	if result := h.init(t, 7, "ENERGY_10", "key-2", ""); result.Idempotent {
		t.Fatalf("expected the open slot to be free after expiry")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{fmt.Errorf("wrap: %w", ErrPurchaseNotFound), ClassNotFound},
		{promo.ErrPromoRedemptionNotFound, ClassNotFound},
		{ErrPrecheckoutAmountMismatch, ClassValidation},
		{ErrPrecheckoutStatus, ClassValidation},
		{promo.ErrPromoReservationExpired, ClassValidation},
		{fmt.Errorf("%w: CREDITED to CREATED", ErrPurchaseState), ClassBusinessRule},
		{ErrPremiumDowngrade, ClassBusinessRule},
		{promo.ErrPromoExhausted, ClassBusinessRule},
		{ErrLedgerInvariant, ClassRefundInvariant},
		{ErrRecoveryExhausted, ClassRecoveryExhausted},
		{errors.New("boom"), ClassInternal},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
