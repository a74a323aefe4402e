package purchases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/rules"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/pkg/validate"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/analytics"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/catalog"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/entitlements"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/promo"
)

const (
	DefaultCurrency         = "XTR"
	DefaultRecoveryAttempts = 3

	invoicePayloadPrefix = "purchase:"
	ledgerSourcePurchase = "purchase"
)

// errLostRace rolls back an Init whose insert lost to a concurrent request.
var errLostRace = errors.New("purchase created concurrently")

type TxRunner interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

type PurchaseStore interface {
	GetByID(ctx context.Context, tx pgx.Tx, purchaseID string) (model.Purchase, error)
	GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (model.Purchase, error)
	FindOpen(ctx context.Context, tx pgx.Tx, userID int64, productCode string) (model.Purchase, error)
	LockByID(ctx context.Context, tx pgx.Tx, purchaseID string) (model.Purchase, error)
	LockByInvoicePayload(ctx context.Context, tx pgx.Tx, payload string) (model.Purchase, error)
	CreateOrGetOpen(ctx context.Context, tx pgx.Tx, p model.Purchase) (model.Purchase, bool, error)
	Update(ctx context.Context, tx pgx.Tx, p model.Purchase) (model.Purchase, error)
	LastCreditedAt(ctx context.Context, tx pgx.Tx, userID int64, productCode string) (*time.Time, error)
	ListPaidUncreditedBefore(ctx context.Context, tx pgx.Tx, paidBefore time.Time, limit int) ([]model.Purchase, error)
	ListOpenCreatedBefore(ctx context.Context, tx pgx.Tx, createdBefore time.Time, limit int) ([]model.Purchase, error)
}

type LedgerStore interface {
	GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (model.LedgerEntry, error)
	Append(ctx context.Context, tx pgx.Tx, entry model.LedgerEntry) (model.LedgerEntry, bool, error)
	ListByPurchase(ctx context.Context, tx pgx.Tx, purchaseID string, entryType enums.LedgerEntryType) ([]model.LedgerEntry, error)
}

type WalletStore interface {
	ApplyOperation(ctx context.Context, tx pgx.Tx, op model.WalletOperation) (model.Wallet, bool, error)
}

type Catalog interface {
	Get(code string) (catalog.Product, bool)
}

type PromoReserver interface {
	Reserve(ctx context.Context, tx pgx.Tx, in promo.ReserveInput) (promo.Reservation, error)
	Revalidate(ctx context.Context, tx pgx.Tx, purchaseID string, now time.Time) error
	MarkApplied(ctx context.Context, tx pgx.Tx, purchaseID string, now time.Time) (bool, error)
}

type Grantor interface {
	CurrentPremium(ctx context.Context, tx pgx.Tx, userID int64, now time.Time) (*model.Entitlement, error)
	GrantPremium(ctx context.Context, tx pgx.Tx, in entitlements.PremiumGrant) (model.Entitlement, error)
	GrantModeAccess(ctx context.Context, tx pgx.Tx, in entitlements.ModeGrant) (model.ModeAccess, error)
}

type Emitter interface {
	Emit(ctx context.Context, userID int64, name string, payload map[string]any)
}

type Metrics interface {
	ObservePurchaseTransition(status string)
}

type Config struct {
	Currency string
}

type Service struct {
	tx        TxRunner
	purchases PurchaseStore
	ledger    LedgerStore
	wallets   WalletStore
	catalog   Catalog
	promo     PromoReserver
	grantor   Grantor
	events    Emitter
	metrics   Metrics
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

type Dependencies struct {
	Tx        TxRunner
	Purchases PurchaseStore
	Ledger    LedgerStore
	Wallets   WalletStore
	Catalog   Catalog
	Promo     PromoReserver
	Grantor   Grantor
	Events    Emitter
	Metrics   Metrics
	Logger    *zap.Logger
}

type InitInput struct {
	UserID            int64
	ProductCode       string
	IdempotencyKey    string
	PromoRedemptionID string
}

type InitResult struct {
	Purchase   model.Purchase
	Product    catalog.Product
	Idempotent bool
}

type PrecheckoutInput struct {
	UserID         int64
	InvoicePayload string
	TotalAmount    int
}

type PaymentInput struct {
	UserID         int64
	InvoicePayload string
	ChargeID       string
	RawPayload     map[string]any
	Now            time.Time
}

type PaymentResult struct {
	Purchase   model.Purchase
	Idempotent bool
}

func NewService(deps Dependencies, cfg Config) *Service {
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = DefaultCurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tx:        deps.Tx,
		purchases: deps.Purchases,
		ledger:    deps.Ledger,
		wallets:   deps.Wallets,
		catalog:   deps.Catalog,
		promo:     deps.Promo,
		grantor:   deps.Grantor,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

func InvoicePayload(purchaseID string) string {
	return invoicePayloadPrefix + purchaseID
}

func CreditKey(purchaseID string) string {
	return "credit:purchase:" + purchaseID
}

func WalletCreditKey(purchaseID string, asset enums.WalletAsset) string {
	return "wallet:credit:" + purchaseID + ":" + string(asset)
}

func (s *Service) Get(ctx context.Context, purchaseID string) (model.Purchase, error) {
	var out model.Purchase
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		var err error
		out, err = s.purchases.GetByID(txCtx, tx, purchaseID)
		return mapNotFound(err)
	})
	return out, err
}

// Init creates the purchase for (user, product) or returns the one already
// created for the same idempotency key or still open.
func (s *Service) Init(ctx context.Context, in InitInput) (InitResult, error) {
	in.ProductCode = strings.TrimSpace(in.ProductCode)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	in.PromoRedemptionID = strings.TrimSpace(in.PromoRedemptionID)
	if in.UserID <= 0 || in.ProductCode == "" || !validate.Key(in.IdempotencyKey) {
		return InitResult{}, ErrValidation
	}

	product, ok := s.catalog.Get(in.ProductCode)
	if !ok {
		return InitResult{}, ErrProductNotFound
	}

	now := s.now().UTC()
	result := InitResult{Product: product}
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		existing, err := s.purchases.GetByIdempotencyKey(txCtx, tx, in.IdempotencyKey)
		switch {
		case err == nil:
			if existing.UserID != in.UserID || existing.ProductCode != product.Code {
				return ErrIdempotencyConflict
			}
			result.Purchase = existing
			result.Idempotent = true
			return nil
		case !errors.Is(err, pgrepo.ErrPurchaseNotFound):
			return err
		}

		if err := s.checkGuards(txCtx, tx, in.UserID, product, now); err != nil {
			return err
		}

		open, err := s.purchases.FindOpen(txCtx, tx, in.UserID, product.Code)
		switch {
		case err == nil:
			result.Purchase = open
			result.Idempotent = true
			return nil
		case !errors.Is(err, pgrepo.ErrPurchaseNotFound):
			return err
		}

		purchaseID := uuid.NewString()
		purchase := model.Purchase{
			ID:             purchaseID,
			UserID:         in.UserID,
			ProductCode:    product.Code,
			ProductType:    product.Type,
			BasePrice:      product.PriceStars,
			Currency:       s.cfg.Currency,
			Status:         enums.PurchaseStatusCreated,
			IdempotencyKey: in.IdempotencyKey,
			InvoicePayload: InvoicePayload(purchaseID),
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if in.PromoRedemptionID != "" {
			reservation, err := s.promo.Reserve(txCtx, tx, promo.ReserveInput{
				RedemptionID: in.PromoRedemptionID,
				UserID:       in.UserID,
				ProductCode:  product.Code,
				ProductType:  product.Type,
				BasePrice:    product.PriceStars,
				PurchaseID:   purchaseID,
				Now:          now,
			})
			if err != nil {
				return err
			}
			codeID := reservation.PromoCodeID
			purchase.DiscountPrice = reservation.Discount
			purchase.AppliedPromoCodeID = &codeID
		}
		purchase.FinalPrice = rules.FinalPrice(purchase.BasePrice, purchase.DiscountPrice)

		stored, created, err := s.purchases.CreateOrGetOpen(txCtx, tx, purchase)
		if err != nil {
			return err
		}
		result.Purchase = stored
		if !created {
			result.Idempotent = true
			return errLostRace
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		return result, nil
	}
	if err != nil {
		return InitResult{}, err
	}

	if !result.Idempotent {
		s.observe(enums.PurchaseStatusCreated)
		s.emit(ctx, result.Purchase, analytics.EventPurchaseInitCreated, map[string]any{
			"base_price":  result.Purchase.BasePrice,
			"final_price": result.Purchase.FinalPrice,
			"promo":       result.Purchase.AppliedPromoCodeID != nil,
		})
	}
	return result, nil
}

func (s *Service) checkGuards(ctx context.Context, tx pgx.Tx, userID int64, product catalog.Product, now time.Time) error {
	if product.IsPremium() {
		current, err := s.grantor.CurrentPremium(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		if current != nil && current.Scope.Rank() >= product.PremiumTier.Rank() {
			return ErrPremiumDowngrade
		}
	}
	if product.RepeatCooldown > 0 {
		last, err := s.purchases.LastCreditedAt(ctx, tx, userID, product.Code)
		if err != nil {
			return err
		}
		if rules.InCooldown(last, product.RepeatCooldown, now) {
			return ErrPurchaseLimit
		}
	}
	return nil
}

// MarkInvoiceSent records that the gateway invoice went out. Any status other
// than CREATED is left unchanged.
func (s *Service) MarkInvoiceSent(ctx context.Context, purchaseID string) (model.Purchase, error) {
	now := s.now().UTC()
	var out model.Purchase
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		purchase, err := s.purchases.LockByID(txCtx, tx, purchaseID)
		if err != nil {
			return mapNotFound(err)
		}
		from := purchase.Status
		out = purchase
		if purchase.Status != enums.PurchaseStatusCreated {
			return nil
		}
		purchase.Status = enums.PurchaseStatusInvoiceSent
		purchase.UpdatedAt = now
		out, err = s.save(txCtx, tx, from, purchase)
		return err
	})
	if err != nil {
		return model.Purchase{}, err
	}
	return out, nil
}

func (s *Service) ValidatePrecheckout(ctx context.Context, in PrecheckoutInput) (model.Purchase, error) {
	if in.UserID <= 0 || !validate.Required(in.InvoicePayload) {
		return model.Purchase{}, ErrValidation
	}

	now := s.now().UTC()
	var (
		out          model.Purchase
		transitioned bool
	)
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		purchase, err := s.purchases.LockByInvoicePayload(txCtx, tx, in.InvoicePayload)
		if err != nil {
			return mapNotFound(err)
		}
		from := purchase.Status
		if purchase.UserID != in.UserID {
			return ErrPrecheckoutUserMismatch
		}
		if purchase.FinalPrice != in.TotalAmount {
			return ErrPrecheckoutAmountMismatch
		}
		if !purchase.Status.IsOpen() {
			return ErrPrecheckoutStatus
		}
		if purchase.AppliedPromoCodeID != nil {
			if err := s.promo.Revalidate(txCtx, tx, purchase.ID, now); err != nil {
				return err
			}
		}

		out = purchase
		if purchase.Status == enums.PurchaseStatusPrecheckoutOK {
			return nil
		}
		purchase.Status = enums.PurchaseStatusPrecheckoutOK
		purchase.UpdatedAt = now
		out, err = s.save(txCtx, tx, from, purchase)
		transitioned = err == nil
		return err
	})
	if err != nil {
		return model.Purchase{}, err
	}

	if transitioned {
		s.observe(enums.PurchaseStatusPrecheckoutOK)
		s.emit(ctx, out, analytics.EventPurchasePrecheckoutOK, nil)
	}
	return out, nil
}

// ApplySuccessfulPayment records the gateway payment and credits the purchase.
// The payment is committed before crediting starts, so a failed credit leaves
// the purchase PAID_UNCREDITED for recovery.
func (s *Service) ApplySuccessfulPayment(ctx context.Context, in PaymentInput) (PaymentResult, error) {
	in.ChargeID = strings.TrimSpace(in.ChargeID)
	if in.UserID <= 0 || !validate.Required(in.InvoicePayload) || !validate.Required(in.ChargeID) {
		return PaymentResult{}, ErrValidation
	}
	now := in.Now
	if now.IsZero() {
		now = s.now().UTC()
	}

	recorded, replay, err := s.recordPayment(ctx, in, now)
	if err != nil {
		return PaymentResult{}, err
	}
	if replay {
		return PaymentResult{Purchase: recorded, Idempotent: true}, nil
	}

	credited, didCredit, err := s.credit(ctx, recorded.ID, now)
	if err != nil {
		s.logger.Warn("purchase credit failed",
			zap.String("purchase_id", recorded.ID),
			zap.Int64("user_id", recorded.UserID),
			zap.Error(err),
		)
		return PaymentResult{Purchase: recorded}, err
	}
	return PaymentResult{Purchase: credited, Idempotent: !didCredit}, nil
}

func (s *Service) recordPayment(ctx context.Context, in PaymentInput, now time.Time) (model.Purchase, bool, error) {
	var (
		out          model.Purchase
		replay       bool
		transitioned bool
	)
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		purchase, err := s.purchases.LockByInvoicePayload(txCtx, tx, in.InvoicePayload)
		if err != nil {
			return mapNotFound(err)
		}
		from := purchase.Status
		if purchase.UserID != in.UserID {
			return ErrPaymentUserMismatch
		}

		switch {
		case purchase.Status == enums.PurchaseStatusCredited:
			out = purchase
			replay = true
			return nil
		case purchase.Status == enums.PurchaseStatusFailedCreditPendingReview:
			return ErrRecoveryExhausted
		case !purchase.Status.IsOpen() && purchase.Status != enums.PurchaseStatusPaidUncredited:
			return ErrPurchaseState
		}
		if purchase.TelegramPaymentChargeID != nil && *purchase.TelegramPaymentChargeID != in.ChargeID {
			return ErrPurchaseState
		}

		raw := make(map[string]any, len(in.RawPayload)+1)
		for key, value := range in.RawPayload {
			if key != model.RecoveryMetaKey {
				raw[key] = value
			}
		}
		if meta, ok := purchase.RawSuccessfulPayment[model.RecoveryMetaKey]; ok {
			raw[model.RecoveryMetaKey] = meta
		}

		chargeID := in.ChargeID
		purchase.TelegramPaymentChargeID = &chargeID
		purchase.RawSuccessfulPayment = raw
		if purchase.PaidAt == nil {
			purchase.PaidAt = &now
		}
		if purchase.Status != enums.PurchaseStatusPaidUncredited {
			purchase.Status = enums.PurchaseStatusPaidUncredited
			transitioned = true
		}
		purchase.UpdatedAt = now

		out, err = s.save(txCtx, tx, from, purchase)
		if errors.Is(err, pgrepo.ErrChargeConflict) {
			return ErrDuplicateCharge
		}
		return err
	})
	if err != nil {
		return model.Purchase{}, false, err
	}

	if transitioned {
		s.observe(enums.PurchaseStatusPaidUncredited)
		s.emit(ctx, out, analytics.EventPurchasePaidUncredited, map[string]any{"charge_id": in.ChargeID})
	}
	return out, replay, nil
}

// credit writes the credit ledger entry, applies every granted asset and
// marks the purchase CREDITED in one transaction.
func (s *Service) credit(ctx context.Context, purchaseID string, now time.Time) (model.Purchase, bool, error) {
	var (
		out      model.Purchase
		credited bool
	)
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		purchase, err := s.purchases.LockByID(txCtx, tx, purchaseID)
		if err != nil {
			return mapNotFound(err)
		}
		from := purchase.Status
		out = purchase
		switch purchase.Status {
		case enums.PurchaseStatusCredited:
			return nil
		case enums.PurchaseStatusPaidUncredited:
		case enums.PurchaseStatusFailedCreditPendingReview:
			return ErrRecoveryExhausted
		default:
			return ErrPurchaseState
		}

		product, ok := s.catalog.Get(purchase.ProductCode)
		if !ok {
			return ErrProductNotFound
		}
		breakdown := product.Breakdown()

		key := CreditKey(purchase.ID)
		_, err = s.ledger.GetByIdempotencyKey(txCtx, tx, key)
		switch {
		case errors.Is(err, pgrepo.ErrLedgerEntryNotFound):
			if err := s.writeCredit(txCtx, tx, purchase, product, breakdown, now); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if err := s.applyAssets(txCtx, tx, purchase, product, breakdown, now); err != nil {
			return err
		}

		purchase.Status = enums.PurchaseStatusCredited
		purchase.CreditedAt = &now
		purchase.UpdatedAt = now
		out, err = s.save(txCtx, tx, from, purchase)
		credited = err == nil
		return err
	})
	if err != nil {
		return model.Purchase{}, false, err
	}

	if credited {
		s.observe(enums.PurchaseStatusCredited)
		s.emit(ctx, out, analytics.EventPurchaseCredited, map[string]any{
			"final_price": out.FinalPrice,
			"currency":    out.Currency,
		})
	}
	return out, credited, nil
}

func (s *Service) writeCredit(
	ctx context.Context,
	tx pgx.Tx,
	purchase model.Purchase,
	product catalog.Product,
	breakdown model.Breakdown,
	now time.Time,
) error {
	if purchase.AppliedPromoCodeID != nil {
		if err := s.promo.Revalidate(ctx, tx, purchase.ID, now); err != nil {
			return err
		}
	}

	purchaseID := purchase.ID
	_, created, err := s.ledger.Append(ctx, tx, model.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         purchase.UserID,
		PurchaseID:     &purchaseID,
		EntryType:      enums.LedgerEntryPurchaseCredit,
		Asset:          product.LedgerAsset(),
		Direction:      enums.LedgerDirectionCredit,
		Amount:         purchase.FinalPrice,
		Source:         ledgerSourcePurchase,
		IdempotencyKey: CreditKey(purchase.ID),
		Metadata: map[string]any{
			"product_code": product.Code,
			"breakdown":    breakdownMetadata(breakdown),
		},
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("append credit entry: %w", err)
	}

	if created && purchase.AppliedPromoCodeID != nil {
		if _, err := s.promo.MarkApplied(ctx, tx, purchase.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyAssets(
	ctx context.Context,
	tx pgx.Tx,
	purchase model.Purchase,
	product catalog.Product,
	breakdown model.Breakdown,
	now time.Time,
) error {
	walletAssets := []struct {
		asset enums.WalletAsset
		key   string
	}{
		{enums.WalletAssetPaidEnergy, model.BreakdownPaidEnergy},
		{enums.WalletAssetStreakSaverTokens, model.BreakdownStreakSaverTokens},
	}
	for _, wa := range walletAssets {
		amount := breakdown[wa.key]
		if amount <= 0 {
			continue
		}
		if _, _, err := s.wallets.ApplyOperation(ctx, tx, model.WalletOperation{
			IdempotencyKey: WalletCreditKey(purchase.ID, wa.asset),
			UserID:         purchase.UserID,
			Asset:          wa.asset,
			Delta:          amount,
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("credit %s: %w", wa.asset, err)
		}
	}

	if days := breakdown[model.BreakdownPremiumDays]; days > 0 {
		if _, err := s.grantor.GrantPremium(ctx, tx, entitlements.PremiumGrant{
			UserID:     purchase.UserID,
			PurchaseID: purchase.ID,
			Tier:       product.PremiumTier,
			Days:       days,
			Now:        now,
		}); err != nil {
			return err
		}
	}

	modes := breakdown.ModeAccessDays()
	codes := make([]string, 0, len(modes))
	for code := range modes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if _, err := s.grantor.GrantModeAccess(ctx, tx, entitlements.ModeGrant{
			UserID:     purchase.UserID,
			PurchaseID: purchase.ID,
			ModeCode:   code,
			Days:       modes[code],
			Source:     enums.ModeAccessSourceBundle,
			Now:        now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// RecordRecoveryFailure bumps the persisted recovery counter of a
// PAID_UNCREDITED purchase and parks it for manual review once maxAttempts is
// reached. It reports whether the purchase was escalated.
func (s *Service) RecordRecoveryFailure(ctx context.Context, purchaseID, reason string, maxAttempts int) (model.Purchase, bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRecoveryAttempts
	}
	now := s.now().UTC()

	var (
		out       model.Purchase
		escalated bool
	)
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		purchase, err := s.purchases.LockByID(txCtx, tx, purchaseID)
		if err != nil {
			return mapNotFound(err)
		}
		from := purchase.Status
		out = purchase
		if purchase.Status != enums.PurchaseStatusPaidUncredited {
			return nil
		}

		failures := purchase.RecoveryFailures() + 1
		raw := purchase.GatewayPayload()
		raw[model.RecoveryMetaKey] = map[string]any{
			"failures":        failures,
			"last_error":      reason,
			"last_attempt_at": now.Format(time.RFC3339),
		}
		purchase.RawSuccessfulPayment = raw
		if failures >= maxAttempts {
			purchase.Status = enums.PurchaseStatusFailedCreditPendingReview
			escalated = true
		}
		purchase.UpdatedAt = now
		out, err = s.save(txCtx, tx, from, purchase)
		return err
	})
	if err != nil {
		return model.Purchase{}, false, err
	}

	if escalated {
		s.observe(enums.PurchaseStatusFailedCreditPendingReview)
		s.logger.Error("purchase credit escalated to review",
			zap.String("purchase_id", out.ID),
			zap.Int64("user_id", out.UserID),
			zap.String("reason", reason),
		)
		s.emit(ctx, out, analytics.EventPurchaseCreditNeedsReview, map[string]any{"reason": reason})
	}
	return out, escalated, nil
}

// ExpireStale fails an unpaid purchase created before cutoff.
func (s *Service) ExpireStale(ctx context.Context, purchaseID string, cutoff time.Time) (bool, error) {
	now := s.now().UTC()
	var (
		out     model.Purchase
		expired bool
	)
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		purchase, err := s.purchases.LockByID(txCtx, tx, purchaseID)
		if err != nil {
			return mapNotFound(err)
		}
		from := purchase.Status
		if !purchase.Status.IsOpen() || !purchase.CreatedAt.Before(cutoff) {
			return nil
		}
		purchase.Status = enums.PurchaseStatusFailed
		purchase.UpdatedAt = now
		out, err = s.save(txCtx, tx, from, purchase)
		expired = err == nil
		return err
	})
	if err != nil {
		return false, err
	}

	if expired {
		s.observe(enums.PurchaseStatusFailed)
		s.emit(ctx, out, analytics.EventPurchaseExpired, nil)
	}
	return expired, nil
}

func (s *Service) ListPaidUncredited(ctx context.Context, paidBefore time.Time, limit int) ([]model.Purchase, error) {
	var out []model.Purchase
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		var err error
		out, err = s.purchases.ListPaidUncreditedBefore(txCtx, tx, paidBefore, limit)
		return err
	})
	return out, err
}

func (s *Service) ListStaleOpen(ctx context.Context, createdBefore time.Time, limit int) ([]model.Purchase, error) {
	var out []model.Purchase
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		var err error
		out, err = s.purchases.ListOpenCreatedBefore(txCtx, tx, createdBefore, limit)
		return err
	})
	return out, err
}

func (s *Service) observe(status enums.PurchaseStatus) {
	if s.metrics != nil {
		s.metrics.ObservePurchaseTransition(string(status))
	}
}

func (s *Service) emit(ctx context.Context, purchase model.Purchase, name string, extra map[string]any) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"purchase_id":  purchase.ID,
		"product_code": purchase.ProductCode,
		"status":       string(purchase.Status),
	}
	for key, value := range extra {
		payload[key] = value
	}
	s.events.Emit(ctx, purchase.UserID, name, payload)
}

func breakdownMetadata(breakdown model.Breakdown) map[string]any {
	out := make(map[string]any, len(breakdown))
	for key, value := range breakdown {
		out[key] = value
	}
	return out
}

// save writes p after checking that leaving the locked status is a lifecycle
// edge. Rewriting the same status is allowed.
func (s *Service) save(ctx context.Context, tx pgx.Tx, from enums.PurchaseStatus, p model.Purchase) (model.Purchase, error) {
	if p.Status != from && !from.CanTransitionTo(p.Status) {
		return model.Purchase{}, fmt.Errorf("%w: %s to %s", ErrPurchaseState, from, p.Status)
	}
	return s.purchases.Update(ctx, tx, p)
}

func mapNotFound(err error) error {
	if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
		return ErrPurchaseNotFound
	}
	return err
}
