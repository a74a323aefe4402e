package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/jobs/reconcile"
	authsvc "github.com/Valerii-S84/quiz-arena-sub002/internal/services/auth"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/refunds"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/dto"
	httperrors "github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/errors"
)

type ReconciliationReader interface {
	Latest(ctx context.Context) (model.ReconciliationRun, error)
}

type AdminHandler struct {
	refunds        *refunds.Service
	reconciliation ReconciliationReader
	logger         *zap.Logger
}

func NewAdminHandler(refundSvc *refunds.Service, reconciliation ReconciliationReader, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		refunds:        refundSvc,
		reconciliation: reconciliation,
		logger:         logger,
	}
}

func (h *AdminHandler) Refund(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.refunds == nil {
		writeInternal(w, "REFUNDS_SERVICE_UNAVAILABLE", "refunds service is unavailable")
		return
	}

	purchaseID := chi.URLParam(r, "id")
	result, err := h.refunds.Refund(r.Context(), purchaseID)
	if err != nil {
		h.logger.Warn("admin refund failed",
			zap.Int64("actor_user_id", identity.UserID),
			zap.String("purchase_id", purchaseID),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}

	h.logger.Info("admin refund",
		zap.Int64("actor_user_id", identity.UserID),
		zap.String("actor_role", identity.Role),
		zap.String("purchase_id", purchaseID),
		zap.Bool("idempotent", result.Idempotent),
	)

	resp := dto.RefundResponse{
		Purchase:            toPurchaseResponse(result.Purchase),
		RevokedEntitlements: result.Revoked.Entitlements,
		RevokedModeAccess:   result.Revoked.ModeAccess,
		Idempotent:          result.Idempotent,
	}
	if result.RefundEntry != nil {
		resp.RefundEntryID = result.RefundEntry.ID
	}
	httperrors.Write(w, http.StatusOK, resp)
}

func (h *AdminHandler) LatestReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.reconciliation == nil {
		writeInternal(w, "RECONCILIATION_UNAVAILABLE", "reconciliation is unavailable")
		return
	}

	run, err := h.reconciliation.Latest(r.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrNoRuns) {
			httperrors.Error(w, http.StatusNotFound, "RECONCILIATION_NOT_FOUND", "no reconciliation runs yet")
			return
		}
		h.logger.Error("load latest reconciliation run", zap.Error(err))
		writeInternal(w, "INTERNAL_ERROR", "failed to load reconciliation run")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.ReconciliationRunResponse{
		ID:                       run.ID,
		StartedAt:                run.StartedAt,
		FinishedAt:               run.FinishedAt,
		Status:                   string(run.Status),
		PaidCount:                run.PaidCount,
		CreditedCount:            run.CreditedCount,
		StalePaidUncreditedCount: run.StalePaidUncreditedCount,
		AmountMismatchCount:      run.AmountMismatchCount,
		DiffCount:                run.DiffCount,
		Details:                  run.Details,
	})
}

type HealthHandler struct {
	ready func(ctx context.Context) error
}

func NewHealthHandler(ready func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{ready: ready}
}

func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			httperrors.Write(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	httperrors.Write(w, http.StatusOK, map[string]any{"ok": true})
}
