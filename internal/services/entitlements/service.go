package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/rules"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
)

var ErrValidation = errors.New("validation error")

type TxRunner interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

type Store interface {
	LockCurrentPremium(ctx context.Context, tx pgx.Tx, userID int64) (model.Entitlement, error)
	GetCurrentPremium(ctx context.Context, tx pgx.Tx, userID int64) (model.Entitlement, error)
	GetEntitlementByKey(ctx context.Context, tx pgx.Tx, key string) (model.Entitlement, error)
	InsertEntitlement(ctx context.Context, tx pgx.Tx, e model.Entitlement) (model.Entitlement, bool, error)
	UpdateEntitlement(ctx context.Context, tx pgx.Tx, e model.Entitlement) (model.Entitlement, error)
	LockEntitlementsByPurchase(ctx context.Context, tx pgx.Tx, purchaseID string) ([]model.Entitlement, error)

	GetModeAccessByKey(ctx context.Context, tx pgx.Tx, key string) (model.ModeAccess, error)
	LatestActiveModeEnd(ctx context.Context, tx pgx.Tx, userID int64, modeCode string, source enums.ModeAccessSource, now time.Time) (*time.Time, error)
	InsertModeAccess(ctx context.Context, tx pgx.Tx, m model.ModeAccess) (model.ModeAccess, bool, error)
	UpdateModeAccess(ctx context.Context, tx pgx.Tx, m model.ModeAccess) (model.ModeAccess, error)
	LockModeAccessByPurchase(ctx context.Context, tx pgx.Tx, purchaseID string) ([]model.ModeAccess, error)
	ListActiveModeAccess(ctx context.Context, tx pgx.Tx, userID int64, now time.Time) ([]model.ModeAccess, error)
}

type WalletReader interface {
	Get(ctx context.Context, tx pgx.Tx, userID int64) (model.Wallet, error)
}

type Service struct {
	tx      TxRunner
	store   Store
	wallets WalletReader
	logger  *zap.Logger
	now     func() time.Time
}

type Dependencies struct {
	Tx      TxRunner
	Store   Store
	Wallets WalletReader
	Logger  *zap.Logger
}

type PremiumGrant struct {
	UserID     int64
	PurchaseID string
	Tier       enums.PremiumTier
	Days       int
	Now        time.Time
}

type ModeGrant struct {
	UserID     int64
	PurchaseID string
	ModeCode   string
	Days       int
	Source     enums.ModeAccessSource
	Now        time.Time
}

type RevokeResult struct {
	Entitlements int
	ModeAccess   int
}

type Snapshot struct {
	UserID            int64
	PremiumActive     bool
	PremiumTier       enums.PremiumTier
	PremiumUntil      *time.Time
	Modes             map[string]time.Time
	PaidEnergy        int
	StreakSaverTokens int
}

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tx:      deps.Tx,
		store:   deps.Store,
		wallets: deps.Wallets,
		logger:  logger,
		now:     time.Now,
	}
}

func EntitlementKey(purchaseID string) string {
	return "entitlement:" + purchaseID
}

func ModeAccessKey(purchaseID, modeCode string) string {
	return "mode_access:" + purchaseID + ":" + modeCode
}

// CurrentPremium returns the user's running entitlement, or nil.
func (s *Service) CurrentPremium(ctx context.Context, tx pgx.Tx, userID int64, now time.Time) (*model.Entitlement, error) {
	current, err := s.store.LockCurrentPremium(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrEntitlementNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if current.Status == enums.EntitlementActive && !current.EndsAt.After(now) {
		return nil, nil
	}
	return &current, nil
}

// GrantPremium replaces the running entitlement with one of tier in.Tier and
// carries its unexpired time forward. Repeating the call for the same
// purchase returns the entitlement created the first time.
func (s *Service) GrantPremium(ctx context.Context, tx pgx.Tx, in PremiumGrant) (model.Entitlement, error) {
	if in.UserID <= 0 || in.PurchaseID == "" || in.Days <= 0 || in.Tier.Rank() == 0 {
		return model.Entitlement{}, ErrValidation
	}

	key := EntitlementKey(in.PurchaseID)
	if existing, err := s.store.GetEntitlementByKey(ctx, tx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgrepo.ErrEntitlementNotFound) {
		return model.Entitlement{}, err
	}

	now := in.Now
	tier := in.Tier
	var previousEnd *time.Time

	current, err := s.store.LockCurrentPremium(ctx, tx, in.UserID)
	switch {
	case err == nil:
		if current.Status == enums.EntitlementActive && !current.EndsAt.After(now) {
			current.Status = enums.EntitlementExpired
		} else {
			end := current.EndsAt
			previousEnd = &end
			if current.Scope.Rank() > tier.Rank() {
				tier = current.Scope
			}
			current.Status = enums.EntitlementRevoked
			current.RevokedAt = &now
		}
		if _, err := s.store.UpdateEntitlement(ctx, tx, current); err != nil {
			return model.Entitlement{}, fmt.Errorf("retire current entitlement: %w", err)
		}
	case errors.Is(err, pgrepo.ErrEntitlementNotFound):
	default:
		return model.Entitlement{}, err
	}

	purchaseID := in.PurchaseID
	created, _, err := s.store.InsertEntitlement(ctx, tx, model.Entitlement{
		UserID:           in.UserID,
		Scope:            tier,
		Status:           enums.EntitlementActive,
		StartsAt:         now,
		EndsAt:           rules.PremiumEndsAt(now, previousEnd, in.Days),
		SourcePurchaseID: &purchaseID,
		IdempotencyKey:   key,
		CreatedAt:        now,
	})
	if err != nil {
		return model.Entitlement{}, fmt.Errorf("grant premium: %w", err)
	}
	return created, nil
}

// GrantModeAccess stacks a new grant after the latest running one for the same
// mode and source.
func (s *Service) GrantModeAccess(ctx context.Context, tx pgx.Tx, in ModeGrant) (model.ModeAccess, error) {
	in.ModeCode = strings.ToUpper(strings.TrimSpace(in.ModeCode))
	if in.UserID <= 0 || in.PurchaseID == "" || in.ModeCode == "" || in.Days <= 0 {
		return model.ModeAccess{}, ErrValidation
	}
	if in.Source == "" {
		in.Source = enums.ModeAccessSourceBundle
	}

	key := ModeAccessKey(in.PurchaseID, in.ModeCode)
	if existing, err := s.store.GetModeAccessByKey(ctx, tx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgrepo.ErrModeAccessNotFound) {
		return model.ModeAccess{}, err
	}

	latest, err := s.store.LatestActiveModeEnd(ctx, tx, in.UserID, in.ModeCode, in.Source, in.Now)
	if err != nil {
		return model.ModeAccess{}, err
	}
	startsAt := rules.ModeAccessStartsAt(in.Now, latest)

	purchaseID := in.PurchaseID
	created, _, err := s.store.InsertModeAccess(ctx, tx, model.ModeAccess{
		UserID:           in.UserID,
		ModeCode:         in.ModeCode,
		Source:           in.Source,
		Status:           enums.ModeAccessActive,
		StartsAt:         startsAt,
		EndsAt:           startsAt.Add(time.Duration(in.Days) * 24 * time.Hour),
		SourcePurchaseID: &purchaseID,
		IdempotencyKey:   key,
		CreatedAt:        in.Now,
	})
	if err != nil {
		return model.ModeAccess{}, fmt.Errorf("grant mode access: %w", err)
	}
	return created, nil
}

// RevokeForPurchase revokes every running grant created by purchaseID and
// clamps its end to now.
func (s *Service) RevokeForPurchase(ctx context.Context, tx pgx.Tx, purchaseID string, now time.Time) (RevokeResult, error) {
	var result RevokeResult

	grants, err := s.store.LockEntitlementsByPurchase(ctx, tx, purchaseID)
	if err != nil {
		return RevokeResult{}, err
	}
	for _, e := range grants {
		if e.Status != enums.EntitlementActive && e.Status != enums.EntitlementScheduled {
			continue
		}
		e.Status = enums.EntitlementRevoked
		e.RevokedAt = &now
		e.EndsAt = rules.ClampEnd(e.EndsAt, now)
		if _, err := s.store.UpdateEntitlement(ctx, tx, e); err != nil {
			return RevokeResult{}, fmt.Errorf("revoke entitlement %d: %w", e.ID, err)
		}
		result.Entitlements++
	}

	modes, err := s.store.LockModeAccessByPurchase(ctx, tx, purchaseID)
	if err != nil {
		return RevokeResult{}, err
	}
	for _, m := range modes {
		if m.Status != enums.ModeAccessActive {
			continue
		}
		m.Status = enums.ModeAccessRevoked
		m.RevokedAt = &now
		m.EndsAt = rules.ClampEnd(m.EndsAt, now)
		if _, err := s.store.UpdateModeAccess(ctx, tx, m); err != nil {
			return RevokeResult{}, fmt.Errorf("revoke mode access %d: %w", m.ID, err)
		}
		result.ModeAccess++
	}

	return result, nil
}

func (s *Service) IsPremiumActive(ctx context.Context, userID int64) (bool, error) {
	snapshot, err := s.Snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	return snapshot.PremiumActive, nil
}

func (s *Service) HasModeAccess(ctx context.Context, userID int64, modeCode string) (bool, error) {
	snapshot, err := s.Snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := snapshot.Modes[strings.ToUpper(strings.TrimSpace(modeCode))]
	return ok, nil
}

// Snapshot is the read model used by gameplay gating and offers. It takes no
// row locks.
func (s *Service) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	if userID <= 0 {
		return Snapshot{}, ErrValidation
	}
	if s.tx == nil || s.store == nil {
		return Snapshot{}, fmt.Errorf("entitlement store is nil")
	}

	now := s.now().UTC()
	out := Snapshot{UserID: userID, Modes: map[string]time.Time{}}
	err := s.tx.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		current, err := s.store.GetCurrentPremium(txCtx, tx, userID)
		switch {
		case err == nil:
			if current.ActiveAt(now) {
				out.PremiumActive = true
				out.PremiumTier = current.Scope
				until := current.EndsAt
				out.PremiumUntil = &until
			}
		case errors.Is(err, pgrepo.ErrEntitlementNotFound):
		default:
			return err
		}

		modes, err := s.store.ListActiveModeAccess(txCtx, tx, userID, now)
		if err != nil {
			return err
		}
		for _, m := range modes {
			if m.ActiveAt(now) {
				out.Modes[m.ModeCode] = m.EndsAt
			}
		}
		// Stacked grants extend a running mode.
		for _, m := range modes {
			if end, running := out.Modes[m.ModeCode]; running && m.EndsAt.After(end) {
				out.Modes[m.ModeCode] = m.EndsAt
			}
		}

		if s.wallets != nil {
			wallet, err := s.wallets.Get(txCtx, tx, userID)
			if err != nil {
				return err
			}
			out.PaidEnergy = wallet.PaidEnergy
			out.StreakSaverTokens = wallet.StreakSaverTokens
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("entitlement snapshot: %w", err)
	}
	return out, nil
}
