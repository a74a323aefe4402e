package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	authsvc "github.com/Valerii-S84/quiz-arena-sub002/internal/services/auth"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/entitlements"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/promo"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/purchases"
	ratesvc "github.com/Valerii-S84/quiz-arena-sub002/internal/services/rate"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/dto"
	httperrors "github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/errors"
)

type RateLimiter interface {
	Allow(ctx context.Context, action string, userID int64) (int64, bool, error)
}

type PurchaseHandler struct {
	purchases    *purchases.Service
	promo        *promo.Service
	entitlements *entitlements.Service
	limiter      RateLimiter
	logger       *zap.Logger
}

func NewPurchaseHandler(purchaseSvc *purchases.Service, promoSvc *promo.Service, entitlementSvc *entitlements.Service, logger *zap.Logger) *PurchaseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PurchaseHandler{
		purchases:    purchaseSvc,
		promo:        promoSvc,
		entitlements: entitlementSvc,
		logger:       logger,
	}
}

func (h *PurchaseHandler) AttachRateLimiter(limiter RateLimiter) {
	h.limiter = limiter
}

func (h *PurchaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.purchases == nil {
		writeInternal(w, "PURCHASES_SERVICE_UNAVAILABLE", "purchases service is unavailable")
		return
	}

	var req dto.PurchaseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	if h.limiter != nil {
		retryAfter, allowed, err := h.limiter.Allow(r.Context(), ratesvc.ActionPurchaseInit, identity.UserID)
		if err != nil {
			// The limiter fails open.
			h.logger.Warn("purchase init rate check failed", zap.Int64("user_id", identity.UserID), zap.Error(err))
		} else if !allowed {
			httperrors.WriteRateLimited(w, retryAfter)
			return
		}
	}

	result, err := h.purchases.Init(r.Context(), purchases.InitInput{
		UserID:            identity.UserID,
		ProductCode:       req.ProductCode,
		IdempotencyKey:    req.IdempotencyKey,
		PromoRedemptionID: req.PromoRedemptionID,
	})
	if err != nil {
		h.logFailure("purchase init failed", identity.UserID, err)
		writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	httperrors.Write(w, status, dto.PurchaseCreateResponse{
		Purchase:   toPurchaseResponse(result.Purchase),
		Idempotent: result.Idempotent,
	})
}

func (h *PurchaseHandler) RedeemPromo(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.promo == nil {
		writeInternal(w, "PROMO_SERVICE_UNAVAILABLE", "promo service is unavailable")
		return
	}

	var req dto.PromoRedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	redemption, err := h.promo.Redeem(r.Context(), identity.UserID, req.Code)
	if err != nil {
		h.logFailure("promo redeem failed", identity.UserID, err)
		writeServiceError(w, err)
		return
	}

	httperrors.Write(w, http.StatusCreated, dto.PromoRedeemResponse{
		RedemptionID: redemption.ID,
		PromoCode:    req.Code,
		Status:       string(redemption.Status),
	})
}

func (h *PurchaseHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.entitlements == nil {
		writeInternal(w, "ENTITLEMENTS_SERVICE_UNAVAILABLE", "entitlements service is unavailable")
		return
	}

	snapshot, err := h.entitlements.Snapshot(r.Context(), identity.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, dto.EntitlementsResponse{
		UserID:            snapshot.UserID,
		PremiumActive:     snapshot.PremiumActive,
		PremiumTier:       string(snapshot.PremiumTier),
		PremiumUntil:      snapshot.PremiumUntil,
		Modes:             snapshot.Modes,
		PaidEnergy:        snapshot.PaidEnergy,
		StreakSaverTokens: snapshot.StreakSaverTokens,
	})
}

func (h *PurchaseHandler) logFailure(msg string, userID int64, err error) {
	if purchases.Classify(err) == purchases.ClassInternal {
		h.logger.Error(msg, zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	h.logger.Debug(msg, zap.Int64("user_id", userID), zap.Error(err))
}
