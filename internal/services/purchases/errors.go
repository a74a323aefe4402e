package purchases

import (
	"errors"

	pgrepo "github.com/Valerii-S84/quiz-arena-sub002/internal/repo/postgres"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/entitlements"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/promo"
)

var (
	ErrValidation                = errors.New("validation error")
	ErrProductNotFound           = errors.New("product not found")
	ErrPurchaseNotFound          = errors.New("purchase not found")
	ErrIdempotencyConflict       = errors.New("idempotency key belongs to another purchase")
	ErrPremiumDowngrade          = errors.New("active premium tier is equal or higher")
	ErrPurchaseLimit             = errors.New("product was purchased too recently")
	ErrPrecheckoutUserMismatch   = errors.New("precheckout user does not own the purchase")
	ErrPrecheckoutAmountMismatch = errors.New("precheckout amount does not match final price")
	ErrPrecheckoutStatus         = errors.New("purchase is not awaiting payment")
	ErrPaymentUserMismatch       = errors.New("payment user does not own the purchase")
	ErrPurchaseState             = errors.New("purchase status does not allow this operation")
	ErrDuplicateCharge           = errors.New("payment charge already attached to another purchase")
	ErrRefundStatus              = errors.New("purchase status does not allow refund")
	ErrLedgerInvariant           = errors.New("purchase ledger does not hold exactly one credit entry")
	ErrRecoveryExhausted         = errors.New("purchase crediting is pending manual review")
)

type ErrorClass string

const (
	ClassNotFound          ErrorClass = "not_found"
	ClassValidation        ErrorClass = "validation"
	ClassBusinessRule      ErrorClass = "business_rule"
	ClassRefundInvariant   ErrorClass = "refund_invariant"
	ClassRecoveryExhausted ErrorClass = "recovery_exhausted"
	ClassInternal          ErrorClass = "internal"
)

var errorClasses = []struct {
	class ErrorClass
	errs  []error
}{
	{ClassNotFound, []error{
		ErrProductNotFound,
		ErrPurchaseNotFound,
		pgrepo.ErrPurchaseNotFound,
		promo.ErrPromoNotFound,
		promo.ErrPromoRedemptionNotFound,
	}},
	{ClassValidation, []error{
		ErrValidation,
		promo.ErrValidation,
		entitlements.ErrValidation,
		ErrPrecheckoutUserMismatch,
		ErrPrecheckoutAmountMismatch,
		ErrPaymentUserMismatch,
		ErrPrecheckoutStatus,
		promo.ErrPromoReservationExpired,
	}},
	{ClassBusinessRule, []error{
		ErrIdempotencyConflict,
		ErrPremiumDowngrade,
		ErrPurchaseLimit,
		ErrPurchaseState,
		ErrDuplicateCharge,
		ErrRefundStatus,
		promo.ErrPromoNotOwned,
		promo.ErrPromoAlreadyBound,
		promo.ErrPromoNotReservable,
		promo.ErrPromoNotReserved,
		promo.ErrPromoInactive,
		promo.ErrPromoNotApplicable,
		promo.ErrPromoExhausted,
	}},
	{ClassRefundInvariant, []error{ErrLedgerInvariant}},
	{ClassRecoveryExhausted, []error{ErrRecoveryExhausted}},
}

// Classify maps an error returned by the purchase, promo or refund flows to
// the class callers translate into responses.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	for _, group := range errorClasses {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.class
			}
		}
	}
	return ClassInternal
}
