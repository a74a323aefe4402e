package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/pkg/validate"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/purchases"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/dto"
	httperrors "github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/errors"
)

// GatewayHandler receives payment callbacks relayed by the Stars gateway.
type GatewayHandler struct {
	purchases *purchases.Service
	logger    *zap.Logger
}

func NewGatewayHandler(purchaseSvc *purchases.Service, logger *zap.Logger) *GatewayHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayHandler{purchases: purchaseSvc, logger: logger}
}

func (h *GatewayHandler) InvoiceSent(w http.ResponseWriter, r *http.Request) {
	if h.purchases == nil {
		writeInternal(w, "PURCHASES_SERVICE_UNAVAILABLE", "purchases service is unavailable")
		return
	}

	var req dto.InvoiceSentRequest
	if err := decodeJSON(r, &req); err != nil || !validate.Required(req.PurchaseID) {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	purchase, err := h.purchases.MarkInvoiceSent(r.Context(), req.PurchaseID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httperrors.Write(w, http.StatusOK, toPurchaseResponse(purchase))
}

// Precheckout answers with ok=false for rejections the gateway should relay to
// the payer; only unexpected failures produce an error status.
func (h *GatewayHandler) Precheckout(w http.ResponseWriter, r *http.Request) {
	if h.purchases == nil {
		writeInternal(w, "PURCHASES_SERVICE_UNAVAILABLE", "purchases service is unavailable")
		return
	}

	var req dto.PrecheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	purchase, err := h.purchases.ValidatePrecheckout(r.Context(), purchases.PrecheckoutInput{
		UserID:         req.UserID,
		InvoicePayload: req.InvoicePayload,
		TotalAmount:    req.TotalAmount,
	})
	if err != nil {
		if purchases.Classify(err) == purchases.ClassInternal {
			h.logger.Error("precheckout validation failed", zap.String("invoice_payload", req.InvoicePayload), zap.Error(err))
			writeServiceError(w, err)
			return
		}
		h.logger.Info("precheckout rejected",
			zap.Int64("user_id", req.UserID),
			zap.String("invoice_payload", req.InvoicePayload),
			zap.Error(err),
		)
		httperrors.Write(w, http.StatusOK, dto.PrecheckoutResponse{
			OK:      false,
			Code:    ErrorCode(err),
			Message: err.Error(),
		})
		return
	}

	httperrors.Write(w, http.StatusOK, dto.PrecheckoutResponse{OK: true, PurchaseID: purchase.ID})
}

func (h *GatewayHandler) SuccessfulPayment(w http.ResponseWriter, r *http.Request) {
	if h.purchases == nil {
		writeInternal(w, "PURCHASES_SERVICE_UNAVAILABLE", "purchases service is unavailable")
		return
	}

	var req dto.SuccessfulPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	raw := req.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	if _, ok := raw["telegram_payment_charge_id"]; !ok {
		raw["telegram_payment_charge_id"] = req.TelegramPaymentChargeID
	}
	if _, ok := raw["invoice_payload"]; !ok {
		raw["invoice_payload"] = req.InvoicePayload
	}

	result, err := h.purchases.ApplySuccessfulPayment(r.Context(), purchases.PaymentInput{
		UserID:         req.UserID,
		InvoicePayload: req.InvoicePayload,
		ChargeID:       req.TelegramPaymentChargeID,
		RawPayload:     raw,
	})
	if err != nil {
		h.logger.Warn("successful payment not credited",
			zap.Int64("user_id", req.UserID),
			zap.String("invoice_payload", req.InvoicePayload),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, dto.SuccessfulPaymentResponse{
		Purchase:   toPurchaseResponse(result.Purchase),
		Idempotent: result.Idempotent,
	})
}
