package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
)

var errActiveEntitlementExists = errors.New("memory store: user already has an active entitlement")

type GrantStore struct {
	s *Store
}

func (g *GrantStore) LockCurrentPremium(_ context.Context, _ pgx.Tx, userID int64) (model.Entitlement, error) {
	for _, e := range g.s.st.entitlements {
		if e.UserID == userID && (e.Status == enums.EntitlementActive || e.Status == enums.EntitlementScheduled) {
			return e, nil
		}
	}
	return model.Entitlement{}, pgrepo.ErrEntitlementNotFound
}

func (g *GrantStore) GetCurrentPremium(ctx context.Context, tx pgx.Tx, userID int64) (model.Entitlement, error) {
	return g.LockCurrentPremium(ctx, tx, userID)
}

func (g *GrantStore) GetEntitlementByKey(_ context.Context, _ pgx.Tx, key string) (model.Entitlement, error) {
	for _, e := range g.s.st.entitlements {
		if e.IdempotencyKey == key {
			return e, nil
		}
	}
	return model.Entitlement{}, pgrepo.ErrEntitlementNotFound
}

func (g *GrantStore) InsertEntitlement(ctx context.Context, tx pgx.Tx, e model.Entitlement) (model.Entitlement, bool, error) {
	if existing, err := g.GetEntitlementByKey(ctx, tx, e.IdempotencyKey); err == nil {
		return existing, false, nil
	}
	if e.Status == enums.EntitlementActive || e.Status == enums.EntitlementScheduled {
		if _, err := g.LockCurrentPremium(ctx, tx, e.UserID); err == nil {
			return model.Entitlement{}, false, errActiveEntitlementExists
		}
	}
	e.ID = g.s.st.nextGrantID
	g.s.st.nextGrantID++
	g.s.st.entitlements[e.ID] = e
	return e, true, nil
}

func (g *GrantStore) UpdateEntitlement(_ context.Context, _ pgx.Tx, e model.Entitlement) (model.Entitlement, error) {
	current, ok := g.s.st.entitlements[e.ID]
	if !ok {
		return model.Entitlement{}, pgrepo.ErrEntitlementNotFound
	}
	current.Status = e.Status
	current.EndsAt = e.EndsAt
	current.RevokedAt = e.RevokedAt
	g.s.st.entitlements[e.ID] = current
	return current, nil
}

func (g *GrantStore) LockEntitlementsByPurchase(_ context.Context, _ pgx.Tx, purchaseID string) ([]model.Entitlement, error) {
	out := make([]model.Entitlement, 0, 1)
	for _, e := range g.s.st.entitlements {
		if e.SourcePurchaseID != nil && *e.SourcePurchaseID == purchaseID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *GrantStore) GetModeAccessByKey(_ context.Context, _ pgx.Tx, key string) (model.ModeAccess, error) {
	for _, m := range g.s.st.modeAccess {
		if m.IdempotencyKey == key {
			return m, nil
		}
	}
	return model.ModeAccess{}, pgrepo.ErrModeAccessNotFound
}

func (g *GrantStore) LatestActiveModeEnd(
	_ context.Context,
	_ pgx.Tx,
	userID int64,
	modeCode string,
	source enums.ModeAccessSource,
	now time.Time,
) (*time.Time, error) {
	var latest *time.Time
	for _, m := range g.s.st.modeAccess {
		if m.UserID != userID || m.ModeCode != modeCode || m.Source != source {
			continue
		}
		if m.Status != enums.ModeAccessActive || !m.EndsAt.After(now) {
			continue
		}
		if latest == nil || m.EndsAt.After(*latest) {
			end := m.EndsAt
			latest = &end
		}
	}
	return latest, nil
}

func (g *GrantStore) InsertModeAccess(ctx context.Context, tx pgx.Tx, m model.ModeAccess) (model.ModeAccess, bool, error) {
	if existing, err := g.GetModeAccessByKey(ctx, tx, m.IdempotencyKey); err == nil {
		return existing, false, nil
	}
	m.ID = g.s.st.nextGrantID
	g.s.st.nextGrantID++
	g.s.st.modeAccess[m.ID] = m
	return m, true, nil
}

func (g *GrantStore) UpdateModeAccess(_ context.Context, _ pgx.Tx, m model.ModeAccess) (model.ModeAccess, error) {
	current, ok := g.s.st.modeAccess[m.ID]
	if !ok {
		return model.ModeAccess{}, pgrepo.ErrModeAccessNotFound
	}
	current.Status = m.Status
	current.EndsAt = m.EndsAt
	current.RevokedAt = m.RevokedAt
	g.s.st.modeAccess[m.ID] = current
	return current, nil
}

func (g *GrantStore) LockModeAccessByPurchase(_ context.Context, _ pgx.Tx, purchaseID string) ([]model.ModeAccess, error) {
	return g.filterModeAccess(func(m model.ModeAccess) bool {
		return m.SourcePurchaseID != nil && *m.SourcePurchaseID == purchaseID
	}), nil
}

func (g *GrantStore) ListActiveModeAccess(_ context.Context, _ pgx.Tx, userID int64, now time.Time) ([]model.ModeAccess, error) {
	return g.filterModeAccess(func(m model.ModeAccess) bool {
		return m.UserID == userID && m.Status == enums.ModeAccessActive && m.EndsAt.After(now)
	}), nil
}

// Entitlements returns every stored entitlement for userID.
func (g *GrantStore) Entitlements(userID int64) []model.Entitlement {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()

	out := make([]model.Entitlement, 0)
	for _, e := range g.s.st.entitlements {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ModeAccess returns every stored mode access grant for userID.
func (g *GrantStore) ModeAccess(userID int64) []model.ModeAccess {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	return g.filterModeAccess(func(m model.ModeAccess) bool { return m.UserID == userID })
}

func (g *GrantStore) filterModeAccess(keep func(model.ModeAccess) bool) []model.ModeAccess {
	out := make([]model.ModeAccess, 0)
	for _, m := range g.s.st.modeAccess {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
