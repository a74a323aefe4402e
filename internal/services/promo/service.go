package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/rules"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/analytics"
)

var (
	ErrValidation              = errors.New("validation error")
	ErrPromoNotFound           = errors.New("promo code not found")
	ErrPromoRedemptionNotFound = errors.New("promo redemption not found")
	ErrPromoNotOwned           = errors.New("promo redemption belongs to another user")
	ErrPromoAlreadyBound       = errors.New("promo redemption already reserved for another purchase")
	ErrPromoNotReservable      = errors.New("promo redemption cannot be reserved in its current status")
	ErrPromoReservationExpired = errors.New("promo reservation expired")
	ErrPromoNotReserved        = errors.New("promo redemption is not reserved for this purchase")
	ErrPromoInactive           = errors.New("promo code is not active")
	ErrPromoNotApplicable      = errors.New("promo code does not apply to this product")
	ErrPromoExhausted          = errors.New("promo code usage limit reached")
)

type TxRunner interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

type Store interface {
	LockRedemption(ctx context.Context, tx pgx.Tx, redemptionID string) (model.PromoRedemption, error)
	LockRedemptionByPurchase(ctx context.Context, tx pgx.Tx, purchaseID string) (model.PromoRedemption, error)
	LockCode(ctx context.Context, tx pgx.Tx, codeID int64) (model.PromoCode, error)
	GetCodeByCode(ctx context.Context, tx pgx.Tx, code string) (model.PromoCode, error)
	CreateRedemption(ctx context.Context, tx pgx.Tx, redemption model.PromoRedemption) (model.PromoRedemption, error)
	UpdateRedemption(ctx context.Context, tx pgx.Tx, redemption model.PromoRedemption) (model.PromoRedemption, error)
	IncrementUsage(ctx context.Context, tx pgx.Tx, codeID int64) error
	ListRollbackCandidates(ctx context.Context, tx pgx.Tx, limit int) ([]model.PromoRedemption, error)
}

type Emitter interface {
	Emit(ctx context.Context, userID int64, name string, payload map[string]any)
}

type Config struct {
	ReservationTTL time.Duration
}

type Service struct {
	tx     TxRunner
	store  Store
	events Emitter
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

type Dependencies struct {
	Tx     TxRunner
	Store  Store
	Events Emitter
	Logger *zap.Logger
}

type ReserveInput struct {
	RedemptionID string
	UserID       int64
	ProductCode  string
	ProductType  enums.ProductType
	BasePrice    int
	PurchaseID   string
	Now          time.Time
}

type Reservation struct {
	RedemptionID    string
	PromoCodeID     int64
	DiscountPercent int
	Discount        int
	ReservedUntil   time.Time
}

func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = rules.PromoReservationWindow
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tx:     deps.Tx,
		store:  deps.Store,
		events: deps.Events,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Redeem opens a VALIDATED redemption of code for userID that a later purchase
// can reserve.
func (s *Service) Redeem(ctx context.Context, userID int64, code string) (model.PromoRedemption, error) {
	code = strings.TrimSpace(code)
	if userID <= 0 || code == "" {
		return model.PromoRedemption{}, ErrValidation
	}

	now := s.now().UTC()
	var out model.PromoRedemption
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		promo, err := s.store.GetCodeByCode(txCtx, tx, code)
		if err != nil {
			if errors.Is(err, pgrepo.ErrPromoCodeNotFound) {
				return ErrPromoNotFound
			}
			return err
		}
		if err := checkCodeUsable(promo, now); err != nil {
			return err
		}
		if exhausted(promo) {
			return ErrPromoExhausted
		}

		out, err = s.store.CreateRedemption(txCtx, tx, model.PromoRedemption{
			ID:          uuid.NewString(),
			PromoCodeID: promo.ID,
			UserID:      userID,
			Status:      enums.PromoRedemptionValidated,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		return err
	})
	if err != nil {
		return model.PromoRedemption{}, err
	}
	return out, nil
}

// Reserve binds the redemption to purchaseID for the reservation window and
// returns the discount to embed in the purchase.
func (s *Service) Reserve(ctx context.Context, tx pgx.Tx, in ReserveInput) (Reservation, error) {
	now := in.Now
	if now.IsZero() {
		now = s.now().UTC()
	}

	redemption, err := s.store.LockRedemption(ctx, tx, in.RedemptionID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPromoRedemptionNotFound) {
			return Reservation{}, ErrPromoRedemptionNotFound
		}
		return Reservation{}, err
	}

	if redemption.UserID != in.UserID {
		return Reservation{}, ErrPromoNotOwned
	}
	if redemption.ReservedForPurchaseID != nil && *redemption.ReservedForPurchaseID != in.PurchaseID {
		return Reservation{}, ErrPromoAlreadyBound
	}
	if redemption.Status != enums.PromoRedemptionValidated && redemption.Status != enums.PromoRedemptionReserved {
		return Reservation{}, ErrPromoNotReservable
	}
	if redemption.Status == enums.PromoRedemptionReserved && lapsed(redemption, now) {
		return Reservation{}, ErrPromoReservationExpired
	}

	code, err := s.store.LockCode(ctx, tx, redemption.PromoCodeID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPromoCodeNotFound) {
			return Reservation{}, ErrPromoNotFound
		}
		return Reservation{}, err
	}
	if err := checkCodeUsable(code, now); err != nil {
		return Reservation{}, err
	}
	if !appliesTo(code, in.ProductCode, in.ProductType) {
		return Reservation{}, ErrPromoNotApplicable
	}
	if exhausted(code) {
		return Reservation{}, ErrPromoExhausted
	}

	until := now.Add(s.cfg.ReservationTTL)
	purchaseID := in.PurchaseID
	redemption.Status = enums.PromoRedemptionReserved
	redemption.ReservedUntil = &until
	redemption.ReservedForPurchaseID = &purchaseID
	redemption.UpdatedAt = now
	if _, err := s.store.UpdateRedemption(ctx, tx, redemption); err != nil {
		if errors.Is(err, pgrepo.ErrRedemptionAlreadyBound) {
			return Reservation{}, ErrPromoAlreadyBound
		}
		return Reservation{}, fmt.Errorf("reserve promo redemption: %w", err)
	}

	return Reservation{
		RedemptionID:    redemption.ID,
		PromoCodeID:     code.ID,
		DiscountPercent: code.DiscountPercent,
		Discount:        rules.PromoDiscount(in.BasePrice, code.DiscountPercent),
		ReservedUntil:   until,
	}, nil
}

// Revalidate re-checks the reservation held by purchaseID. A lapsed
// reservation is reported but left RESERVED for the rollback job.
func (s *Service) Revalidate(ctx context.Context, tx pgx.Tx, purchaseID string, now time.Time) error {
	redemption, err := s.store.LockRedemptionByPurchase(ctx, tx, purchaseID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPromoRedemptionNotFound) {
			return ErrPromoNotReserved
		}
		return err
	}
	if redemption.Status != enums.PromoRedemptionReserved {
		return ErrPromoNotReserved
	}
	if lapsed(redemption, now) {
		return ErrPromoReservationExpired
	}

	code, err := s.store.LockCode(ctx, tx, redemption.PromoCodeID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPromoCodeNotFound) {
			return ErrPromoInactive
		}
		return err
	}
	return checkCodeUsable(code, now)
}

// MarkApplied moves the reservation to APPLIED and counts one use of the code.
// It reports false when the redemption was already applied.
func (s *Service) MarkApplied(ctx context.Context, tx pgx.Tx, purchaseID string, now time.Time) (bool, error) {
	redemption, err := s.store.LockRedemptionByPurchase(ctx, tx, purchaseID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPromoRedemptionNotFound) {
			return false, ErrPromoNotReserved
		}
		return false, err
	}

	switch redemption.Status {
	case enums.PromoRedemptionApplied:
		return false, nil
	case enums.PromoRedemptionReserved:
	default:
		return false, ErrPromoNotReserved
	}

	redemption.Status = enums.PromoRedemptionApplied
	redemption.AppliedAt = &now
	redemption.UpdatedAt = now
	if _, err := s.store.UpdateRedemption(ctx, tx, redemption); err != nil {
		return false, fmt.Errorf("mark promo applied: %w", err)
	}
	if err := s.store.IncrementUsage(ctx, tx, redemption.PromoCodeID); err != nil {
		return false, fmt.Errorf("increment promo usage: %w", err)
	}
	return true, nil
}

// RollbackAbandoned revokes reservations whose purchase was refunded or failed
// before crediting. Usage counters are left untouched.
func (s *Service) RollbackAbandoned(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var candidates []model.PromoRedemption
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		var err error
		candidates, err = s.store.ListRollbackCandidates(txCtx, tx, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list promo rollback candidates: %w", err)
	}

	revoked := 0
	for _, candidate := range candidates {
		done, err := s.revoke(ctx, candidate.ID)
		if err != nil {
			s.logger.Warn("promo rollback failed", zap.String("redemption_id", candidate.ID), zap.Error(err))
			continue
		}
		if done {
			revoked++
			s.emit(ctx, candidate)
		}
	}
	return revoked, nil
}

func (s *Service) revoke(ctx context.Context, redemptionID string) (bool, error) {
	now := s.now().UTC()
	revoked := false
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		redemption, err := s.store.LockRedemption(txCtx, tx, redemptionID)
		if err != nil {
			return err
		}
		if redemption.Status != enums.PromoRedemptionReserved {
			return nil
		}
		redemption.Status = enums.PromoRedemptionRevoked
		redemption.UpdatedAt = now
		if _, err := s.store.UpdateRedemption(txCtx, tx, redemption); err != nil {
			return err
		}
		revoked = true
		return nil
	})
	return revoked, err
}

func (s *Service) emit(ctx context.Context, redemption model.PromoRedemption) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"redemption_id": redemption.ID,
		"promo_code_id": redemption.PromoCodeID,
	}
	if redemption.ReservedForPurchaseID != nil {
		payload["purchase_id"] = *redemption.ReservedForPurchaseID
	}
	s.events.Emit(ctx, redemption.UserID, analytics.EventPromoReservationRevoked, payload)
}

func lapsed(redemption model.PromoRedemption, now time.Time) bool {
	return redemption.ReservedUntil == nil || !redemption.ReservedUntil.After(now)
}

func checkCodeUsable(code model.PromoCode, now time.Time) error {
	if code.Status != enums.PromoCodeActive {
		return ErrPromoInactive
	}
	if code.ValidFrom != nil && now.Before(*code.ValidFrom) {
		return ErrPromoInactive
	}
	if code.ValidUntil != nil && !now.Before(*code.ValidUntil) {
		return ErrPromoInactive
	}
	return nil
}

func exhausted(code model.PromoCode) bool {
	return code.MaxTotalUses != nil && code.UsedTotal >= *code.MaxTotalUses
}

func appliesTo(code model.PromoCode, productCode string, productType enums.ProductType) bool {
	if len(code.AppliesTo) == 0 {
		return true
	}
	for _, scope := range code.AppliesTo {
		scope = strings.TrimSpace(scope)
		if strings.EqualFold(scope, productCode) || strings.EqualFold(scope, string(productType)) {
			return true
		}
	}
	return false
}
