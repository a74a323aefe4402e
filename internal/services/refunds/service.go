package refunds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/analytics"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/entitlements"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/purchases"
)

const ledgerSourceRefund = "refund"

type TxRunner interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

type PurchaseStore interface {
	LockByID(ctx context.Context, tx pgx.Tx, purchaseID string) (model.Purchase, error)
	Update(ctx context.Context, tx pgx.Tx, p model.Purchase) (model.Purchase, error)
}

type LedgerStore interface {
	GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (model.LedgerEntry, error)
	Append(ctx context.Context, tx pgx.Tx, entry model.LedgerEntry) (model.LedgerEntry, bool, error)
	ListByPurchase(ctx context.Context, tx pgx.Tx, purchaseID string, entryType enums.LedgerEntryType) ([]model.LedgerEntry, error)
}

type WalletStore interface {
	ApplyOperation(ctx context.Context, tx pgx.Tx, op model.WalletOperation) (model.Wallet, bool, error)
}

type Revoker interface {
	RevokeForPurchase(ctx context.Context, tx pgx.Tx, purchaseID string, now time.Time) (entitlements.RevokeResult, error)
}

type Emitter interface {
	Emit(ctx context.Context, userID int64, name string, payload map[string]any)
}

type Service struct {
	tx        TxRunner
	purchases PurchaseStore
	ledger    LedgerStore
	wallets   WalletStore
	grants    Revoker
	events    Emitter
	metrics   purchases.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

type Dependencies struct {
	Tx        TxRunner
	Purchases PurchaseStore
	Ledger    LedgerStore
	Wallets   WalletStore
	Grants    Revoker
	Events    Emitter
	Metrics   purchases.Metrics
	Logger    *zap.Logger
}

type Result struct {
	Purchase    model.Purchase
	RefundEntry *model.LedgerEntry
	Revoked     entitlements.RevokeResult
	Idempotent  bool
}

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tx:        deps.Tx,
		purchases: deps.Purchases,
		ledger:    deps.Ledger,
		wallets:   deps.Wallets,
		grants:    deps.Grants,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func RefundKey(purchaseID string) string {
	return "refund:" + purchaseID
}

func WalletRefundKey(purchaseID string, asset enums.WalletAsset) string {
	return "wallet:refund:" + purchaseID + ":" + string(asset)
}

// Refund reverses a credited or paid purchase. Repeating it for a refunded
// purchase returns the stored state without writing anything.
func (s *Service) Refund(ctx context.Context, purchaseID string) (Result, error) {
	if purchaseID == "" {
		return Result{}, purchases.ErrValidation
	}

	now := s.now().UTC()
	var (
		out      Result
		refunded bool
	)
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		purchase, err := s.purchases.LockByID(txCtx, tx, purchaseID)
		if err != nil {
			if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
				return purchases.ErrPurchaseNotFound
			}
			return err
		}

		if purchase.Status == enums.PurchaseStatusRefunded {
			out = Result{Purchase: purchase, Idempotent: true}
			return nil
		}
		if !purchase.Status.CanTransitionTo(enums.PurchaseStatusRefunded) {
			return purchases.ErrRefundStatus
		}
		if purchase.Status == enums.PurchaseStatusCredited {
			entry, err := s.reverseCredit(txCtx, tx, purchase, now)
			if err != nil {
				return err
			}
			out.RefundEntry = &entry
		}

		out.Revoked, err = s.grants.RevokeForPurchase(txCtx, tx, purchase.ID, now)
		if err != nil {
			return fmt.Errorf("revoke grants: %w", err)
		}

		purchase.Status = enums.PurchaseStatusRefunded
		if purchase.RefundedAt == nil {
			purchase.RefundedAt = &now
		}
		purchase.UpdatedAt = now
		out.Purchase, err = s.purchases.Update(txCtx, tx, purchase)
		refunded = err == nil
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if refunded {
		if s.metrics != nil {
			s.metrics.ObservePurchaseTransition(string(enums.PurchaseStatusRefunded))
		}
		s.logger.Info("purchase refunded",
			zap.String("purchase_id", out.Purchase.ID),
			zap.Int64("user_id", out.Purchase.UserID),
			zap.Int("revoked_entitlements", out.Revoked.Entitlements),
			zap.Int("revoked_mode_access", out.Revoked.ModeAccess),
		)
		if s.events != nil {
			s.events.Emit(ctx, out.Purchase.UserID, analytics.EventPurchaseRefunded, map[string]any{
				"purchase_id":  out.Purchase.ID,
				"product_code": out.Purchase.ProductCode,
				"final_price":  out.Purchase.FinalPrice,
			})
		}
	}
	return out, nil
}

// reverseCredit debits what the single credit entry granted and writes the
// matching refund entry, unless the refund entry already exists.
func (s *Service) reverseCredit(ctx context.Context, tx pgx.Tx, purchase model.Purchase, now time.Time) (model.LedgerEntry, error) {
	credits, err := s.ledger.ListByPurchase(ctx, tx, purchase.ID, enums.LedgerEntryPurchaseCredit)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if len(credits) != 1 {
		s.logger.Error("refund blocked by ledger invariant",
			zap.String("purchase_id", purchase.ID),
			zap.Int("credit_entries", len(credits)),
		)
		return model.LedgerEntry{}, purchases.ErrLedgerInvariant
	}
	credit := credits[0]

	key := RefundKey(purchase.ID)
	if existing, err := s.ledger.GetByIdempotencyKey(ctx, tx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgrepo.ErrLedgerEntryNotFound) {
		return model.LedgerEntry{}, err
	}

	breakdown := model.BreakdownFromMetadata(credit.Metadata)
	balances := make(map[string]any, 2)
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
		wallet, _, err := s.wallets.ApplyOperation(ctx, tx, model.WalletOperation{
			IdempotencyKey: WalletRefundKey(purchase.ID, wa.asset),
			UserID:         purchase.UserID,
			Asset:          wa.asset,
			Delta:          -amount,
			CreatedAt:      now,
		})
		if err != nil {
			return model.LedgerEntry{}, fmt.Errorf("debit %s: %w", wa.asset, err)
		}
		balances[wa.key] = wallet.Balance(wa.asset)
	}

	metadata := map[string]any{
		"credit_entry_id": credit.ID,
		"breakdown":       breakdownMetadata(breakdown),
	}
	if len(balances) > 0 {
		metadata["balances_after"] = balances
	}

	purchaseID := purchase.ID
	entry, _, err := s.ledger.Append(ctx, tx, model.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         purchase.UserID,
		PurchaseID:     &purchaseID,
		EntryType:      enums.LedgerEntryPurchaseRefund,
		Asset:          credit.Asset,
		Direction:      enums.LedgerDirectionDebit,
		Amount:         credit.Amount,
		Source:         ledgerSourceRefund,
		IdempotencyKey: key,
		Metadata:       metadata,
		CreatedAt:      now,
	})
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("append refund entry: %w", err)
	}
	return entry, nil
}

func breakdownMetadata(breakdown model.Breakdown) map[string]any {
	out := make(map[string]any, len(breakdown))
	for key, value := range breakdown {
		out[key] = value
	}
	return out
}
