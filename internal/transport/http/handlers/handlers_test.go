package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/jobs/reconcile"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/repo/memory"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/analytics"
	authsvc "github.com/Valerii-S84/quiz-arena-sub002/internal/services/auth"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/catalog"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/entitlements"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/promo"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/purchases"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/refunds"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/dto"
	httperrors "github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/errors"
)

type handlerFixture struct {
	store    *memory.Store
	purchase *PurchaseHandler
	gateway  *GatewayHandler
	admin    *AdminHandler
	job      *reconcile.Job
}

func newHandlerFixture() *handlerFixture {
	store := memory.New()
	events := analytics.NewService(store, nil)
	promoSvc := promo.NewService(promo.Dependencies{Tx: store, Store: store.Promo(), Events: events}, promo.Config{})
	grants := entitlements.NewService(entitlements.Dependencies{Tx: store, Store: store.Grants(), Wallets: store.Wallets()})
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
	refundSvc := refunds.NewService(refunds.Dependencies{
		Tx:        store,
		Purchases: store.Purchases(),
		Ledger:    store.Ledger(),
		Wallets:   store.Wallets(),
		Grants:    grants,
		Events:    events,
	})
	job := reconcile.New(store, store.Reconciliation(), 10*time.Minute, nil)

	store.Promo().PutCode(model.PromoCode{ID: 1, Code: "HALF", DiscountPercent: 50, Status: enums.PromoCodeActive})

	return &handlerFixture{
		store:    store,
		purchase: NewPurchaseHandler(purchaseSvc, promoSvc, grants, nil),
		gateway:  NewGatewayHandler(purchaseSvc, nil),
		admin:    NewAdminHandler(refundSvc, job, nil),
		job:      job,
	}
}

func (f *handlerFixture) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/purchases", f.purchase.Create)
	r.Post("/v1/promo-redemptions", f.purchase.RedeemPromo)
	r.Get("/v1/entitlements", f.purchase.Entitlements)
	r.Post("/v1/gateway/invoice-sent", f.gateway.InvoiceSent)
	r.Post("/v1/gateway/precheckout", f.gateway.Precheckout)
	r.Post("/v1/gateway/successful-payment", f.gateway.SuccessfulPayment)
	r.Post("/v1/admin/purchases/{id}/refund", f.admin.Refund)
	r.Get("/v1/admin/reconciliation/latest", f.admin.LatestReconciliation)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, userID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID > 0 {
		req = req.WithContext(authsvc.WithIdentity(req.Context(), authsvc.Identity{UserID: userID, Role: authsvc.RoleSupport}))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func (f *handlerFixture) createPurchase(t *testing.T, h http.Handler, userID int64, productCode, key string) dto.PurchaseResponse {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/v1/purchases", userID, dto.PurchaseCreateRequest{ProductCode: productCode, IdempotencyKey: key})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create purchase: status %d body %s", rr.Code, rr.Body.String())
	}
	var resp dto.PurchaseCreateResponse
	decodeBody(t, rr, &resp)
	return resp.Purchase
}

func TestCreatePurchaseAndReplay(t *testing.T) {
	f := newHandlerFixture()
	h := f.router()

	created := f.createPurchase(t, h, 7, "ENERGY_10", "key-1")
	if created.Status != string(enums.PurchaseStatusCreated) || created.FinalPrice != 10 || created.Currency != "XTR" {
		t.Fatalf("unexpected purchase: %+v", created)
	}

	rr := doJSON(t, h, http.MethodPost, "/v1/purchases", 7, dto.PurchaseCreateRequest{ProductCode: "ENERGY_10", IdempotencyKey: "key-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("replay: status %d body %s", rr.Code, rr.Body.String())
	}
	var replay dto.PurchaseCreateResponse
	decodeBody(t, rr, &replay)
	if !replay.Idempotent || replay.Purchase.PurchaseID != created.PurchaseID {
		t.Fatalf("expected idempotent replay of %s, got %+v", created.PurchaseID, replay)
	}
}

func TestCreatePurchaseErrors(t *testing.T) {
	f := newHandlerFixture()
	h := f.router()

	tests := []struct {
		name   string
		userID int64
		body   any
		status int
		code   string
	}{
		{"unauthenticated", 0, dto.PurchaseCreateRequest{ProductCode: "ENERGY_10", IdempotencyKey: "k"}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown product", 7, dto.PurchaseCreateRequest{ProductCode: "NOPE", IdempotencyKey: "k"}, http.StatusNotFound, "PRODUCT_NOT_FOUND"},
		{"missing key", 7, dto.PurchaseCreateRequest{ProductCode: "ENERGY_10"}, http.StatusUnprocessableEntity, "VALIDATION"},
		{"unknown field", 7, map[string]any{"sku": "ENERGY_10"}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, h, http.MethodPost, "/v1/purchases", tt.userID, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status: got %d want %d (%s)", rr.Code, tt.status, rr.Body.String())
			}
			var apiErr httperrors.APIError
			decodeBody(t, rr, &apiErr)
			if apiErr.Code != tt.code {
				t.Fatalf("code: got %s want %s", apiErr.Code, tt.code)
			}
		})
	}
}

type limiterStub struct {
	allowed bool
	err     error
}

func (l limiterStub) Allow(_ context.Context, _ string, _ int64) (int64, bool, error) {
	return 42, l.allowed, l.err
}

func TestCreatePurchaseRateLimited(t *testing.T) {
	f := newHandlerFixture()
	f.purchase.AttachRateLimiter(limiterStub{allowed: false})

	rr := doJSON(t, f.router(), http.MethodPost, "/v1/purchases", 7, dto.PurchaseCreateRequest{ProductCode: "ENERGY_10", IdempotencyKey: "k"})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "42" {
		t.Fatalf("unexpected Retry-After: %q", rr.Header().Get("Retry-After"))
	}
	if f.store.Purchases().Count() != 0 {
		t.Fatalf("rate limited request must not create a purchase")
	}
}

func TestPromoRedemptionThenDiscountedPurchase(t *testing.T) {
	f := newHandlerFixture()
	h := f.router()

	rr := doJSON(t, h, http.MethodPost, "/v1/promo-redemptions", 7, dto.PromoRedeemRequest{Code: "HALF"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("redeem: status %d body %s", rr.Code, rr.Body.String())
	}
	var redeemed dto.PromoRedeemResponse
	decodeBody(t, rr, &redeemed)
	if redeemed.Status != string(enums.PromoRedemptionValidated) {
		t.Fatalf("expected VALIDATED redemption, got %q", redeemed.Status)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/purchases", 7, dto.PurchaseCreateRequest{
		ProductCode:       "ENERGY_10",
		IdempotencyKey:    "key-1",
		PromoRedemptionID: redeemed.RedemptionID,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rr.Code, rr.Body.String())
	}
	var created dto.PurchaseCreateResponse
	decodeBody(t, rr, &created)
	if created.Purchase.FinalPrice != 5 || created.Purchase.DiscountPrice != 5 {
		t.Fatalf("expected discounted price 5, got %+v", created.Purchase)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/promo-redemptions", 7, dto.PromoRedeemRequest{Code: "MISSING"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown promo, got %d", rr.Code)
	}
}

func TestGatewayFlowCreditsPurchase(t *testing.T) {
	f := newHandlerFixture()
	h := f.router()
	p := f.createPurchase(t, h, 7, "ENERGY_10", "key-1")

	rr := doJSON(t, h, http.MethodPost, "/v1/gateway/invoice-sent", 0, dto.InvoiceSentRequest{PurchaseID: p.PurchaseID})
	if rr.Code != http.StatusOK {
		t.Fatalf("invoice sent: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/gateway/precheckout", 0, dto.PrecheckoutRequest{UserID: 7, InvoicePayload: p.InvoicePayload, TotalAmount: 9})
	var rejected dto.PrecheckoutResponse
	decodeBody(t, rr, &rejected)
	if rr.Code != http.StatusOK || rejected.OK || rejected.Code != "PRECHECKOUT_AMOUNT_MISMATCH" {
		t.Fatalf("expected amount mismatch rejection, got %d %+v", rr.Code, rejected)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/gateway/precheckout", 0, dto.PrecheckoutRequest{UserID: 7, InvoicePayload: p.InvoicePayload, TotalAmount: 10})
	var accepted dto.PrecheckoutResponse
	decodeBody(t, rr, &accepted)
	if !accepted.OK || accepted.PurchaseID != p.PurchaseID {
		t.Fatalf("expected precheckout ok, got %+v", accepted)
	}

	payment := dto.SuccessfulPaymentRequest{UserID: 7, InvoicePayload: p.InvoicePayload, TelegramPaymentChargeID: "charge-1"}
	for i := 0; i < 2; i++ {
		rr = doJSON(t, h, http.MethodPost, "/v1/gateway/successful-payment", 0, payment)
		if rr.Code != http.StatusOK {
			t.Fatalf("payment %d: status %d body %s", i, rr.Code, rr.Body.String())
		}
		var paid dto.SuccessfulPaymentResponse
		decodeBody(t, rr, &paid)
		if paid.Purchase.Status != string(enums.PurchaseStatusCredited) || paid.Idempotent != (i == 1) {
			t.Fatalf("payment %d: unexpected response %+v", i, paid)
		}
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/entitlements", 7, nil)
	var snapshot dto.EntitlementsResponse
	decodeBody(t, rr, &snapshot)
	if snapshot.PaidEnergy != 10 {
		t.Fatalf("expected 10 paid energy credited once, got %+v", snapshot)
	}
}

func TestAdminRefundAndReconciliation(t *testing.T) {
	f := newHandlerFixture()
	h := f.router()

	rr := doJSON(t, h, http.MethodGet, "/v1/admin/reconciliation/latest", 1, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", rr.Code)
	}

	p := f.createPurchase(t, h, 7, "ENERGY_10", "key-1")
	doJSON(t, h, http.MethodPost, "/v1/gateway/successful-payment", 0, dto.SuccessfulPaymentRequest{
		UserID:                  7,
		InvoicePayload:          p.InvoicePayload,
		TelegramPaymentChargeID: "charge-1",
	})

	for i := 0; i < 2; i++ {
		rr = doJSON(t, h, http.MethodPost, "/v1/admin/purchases/"+p.PurchaseID+"/refund", 1, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("refund %d: status %d body %s", i, rr.Code, rr.Body.String())
		}
		var refunded dto.RefundResponse
		decodeBody(t, rr, &refunded)
		if refunded.Purchase.Status != string(enums.PurchaseStatusRefunded) || refunded.Idempotent != (i == 1) {
			t.Fatalf("refund %d: unexpected response %+v", i, refunded)
		}
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/admin/purchases/unknown/refund", 1, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown purchase, got %d", rr.Code)
	}

	if _, err := f.job.Run(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/admin/reconciliation/latest", 1, nil)
	var run dto.ReconciliationRunResponse
	decodeBody(t, rr, &run)
	// The purchase was paid moments ago, inside the credit grace window.
	if rr.Code != http.StatusOK || run.Status != string(enums.ReconciliationOK) || run.PaidCount != 0 {
		t.Fatalf("unexpected latest run: %d %+v", rr.Code, run)
	}
}

func TestErrorCodeFallsBackToClass(t *testing.T) {
	if got := ErrorCode(purchases.ErrValidation); got != "VALIDATION" {
		t.Fatalf("unexpected code: %s", got)
	}
	if got := ErrorCode(context.DeadlineExceeded); got != "INTERNAL_ERROR" {
		t.Fatalf("unexpected code: %s", got)
	}
}

func TestWriteServiceErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{purchases.ErrPrecheckoutStatus, http.StatusUnprocessableEntity},
		{promo.ErrPromoReservationExpired, http.StatusUnprocessableEntity},
		{purchases.ErrPremiumDowngrade, http.StatusConflict},
		{purchases.ErrPurchaseNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeServiceError(rec, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}
