package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/promo"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/purchases"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/dto"
	httperrors "github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/errors"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{purchases.ErrProductNotFound, "PRODUCT_NOT_FOUND"},
	{purchases.ErrPurchaseNotFound, "PURCHASE_NOT_FOUND"},
	{purchases.ErrIdempotencyConflict, "IDEMPOTENCY_CONFLICT"},
	{purchases.ErrPremiumDowngrade, "PREMIUM_DOWNGRADE"},
	{purchases.ErrPurchaseLimit, "PURCHASE_LIMIT"},
	{purchases.ErrPrecheckoutUserMismatch, "PRECHECKOUT_USER_MISMATCH"},
	{purchases.ErrPrecheckoutAmountMismatch, "PRECHECKOUT_AMOUNT_MISMATCH"},
	{purchases.ErrPrecheckoutStatus, "PRECHECKOUT_STATUS"},
	{purchases.ErrPaymentUserMismatch, "PAYMENT_USER_MISMATCH"},
	{purchases.ErrDuplicateCharge, "DUPLICATE_CHARGE"},
	{purchases.ErrPurchaseState, "PURCHASE_STATE"},
	{purchases.ErrRefundStatus, "REFUND_STATUS"},
	{purchases.ErrLedgerInvariant, "LEDGER_INVARIANT"},
	{purchases.ErrRecoveryExhausted, "CREDIT_PENDING_REVIEW"},
	{promo.ErrPromoNotFound, "PROMO_NOT_FOUND"},
	{promo.ErrPromoRedemptionNotFound, "PROMO_REDEMPTION_NOT_FOUND"},
	{promo.ErrPromoNotOwned, "PROMO_NOT_OWNED"},
	{promo.ErrPromoAlreadyBound, "PROMO_ALREADY_BOUND"},
	{promo.ErrPromoReservationExpired, "PROMO_RESERVATION_EXPIRED"},
	{promo.ErrPromoInactive, "PROMO_INACTIVE"},
	{promo.ErrPromoNotApplicable, "PROMO_NOT_APPLICABLE"},
	{promo.ErrPromoExhausted, "PROMO_EXHAUSTED"},
}

// ErrorCode returns the stable API code for a service error.
func ErrorCode(err error) string {
	for _, candidate := range errorCodes {
		if errors.Is(err, candidate.err) {
			return candidate.code
		}
	}
	class := purchases.Classify(err)
	if class == "" || class == purchases.ClassInternal {
		return "INTERNAL_ERROR"
	}
	return strings.ToUpper(string(class))
}

func statusFor(class purchases.ErrorClass) int {
	switch class {
	case purchases.ClassNotFound:
		return http.StatusNotFound
	case purchases.ClassValidation:
		return http.StatusUnprocessableEntity
	case purchases.ClassBusinessRule, purchases.ClassRecoveryExhausted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	class := purchases.Classify(err)
	status := statusFor(class)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	httperrors.Error(w, status, ErrorCode(err), message)
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	httperrors.Error(w, http.StatusBadRequest, code, message)
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	httperrors.Error(w, http.StatusUnauthorized, code, message)
}

func writeInternal(w http.ResponseWriter, code, message string) {
	httperrors.Error(w, http.StatusInternalServerError, code, message)
}

func toPurchaseResponse(p model.Purchase) dto.PurchaseResponse {
	return dto.PurchaseResponse{
		PurchaseID:     p.ID,
		UserID:         p.UserID,
		ProductCode:    p.ProductCode,
		ProductType:    string(p.ProductType),
		BasePrice:      p.BasePrice,
		DiscountPrice:  p.DiscountPrice,
		FinalPrice:     p.FinalPrice,
		Currency:       p.Currency,
		Status:         string(p.Status),
		InvoicePayload: p.InvoicePayload,
		CreatedAt:      p.CreatedAt,
		PaidAt:         p.PaidAt,
		CreditedAt:     p.CreditedAt,
		RefundedAt:     p.RefundedAt,
	}
}
