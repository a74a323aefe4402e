package enums

type PurchaseStatus string

const (
	PurchaseStatusCreated                   PurchaseStatus = "CREATED"
	PurchaseStatusInvoiceSent               PurchaseStatus = "INVOICE_SENT"
	PurchaseStatusPrecheckoutOK             PurchaseStatus = "PRECHECKOUT_OK"
	PurchaseStatusPaidUncredited            PurchaseStatus = "PAID_UNCREDITED"
	PurchaseStatusCredited                  PurchaseStatus = "CREDITED"
	PurchaseStatusFailed                    PurchaseStatus = "FAILED"
	PurchaseStatusFailedCreditPendingReview PurchaseStatus = "FAILED_CREDIT_PENDING_REVIEW"
	PurchaseStatusRefunded                  PurchaseStatus = "REFUNDED"
)

// OpenPurchaseStatuses hold the per-user/product uniqueness slot.
var OpenPurchaseStatuses = []PurchaseStatus{
	PurchaseStatusCreated,
	PurchaseStatusInvoiceSent,
	PurchaseStatusPrecheckoutOK,
}

var purchaseTransitions = map[PurchaseStatus][]PurchaseStatus{
	PurchaseStatusCreated: {
		PurchaseStatusInvoiceSent,
		PurchaseStatusPrecheckoutOK,
		PurchaseStatusPaidUncredited,
		PurchaseStatusFailed,
	},
	PurchaseStatusInvoiceSent: {
		PurchaseStatusPrecheckoutOK,
		PurchaseStatusPaidUncredited,
		PurchaseStatusFailed,
	},
	PurchaseStatusPrecheckoutOK: {
		PurchaseStatusPaidUncredited,
		PurchaseStatusFailed,
	},
	PurchaseStatusPaidUncredited: {
		PurchaseStatusCredited,
		PurchaseStatusFailedCreditPendingReview,
		PurchaseStatusRefunded,
	},
	PurchaseStatusCredited: {
		PurchaseStatusRefunded,
	},
}

func (s PurchaseStatus) IsOpen() bool {
	for _, open := range OpenPurchaseStatuses {
		if s == open {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a forward edge of
// the purchase lifecycle. Staying in the same status is not a transition.
func (s PurchaseStatus) CanTransitionTo(next PurchaseStatus) bool {
	for _, allowed := range purchaseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PurchaseStatus) In(statuses ...PurchaseStatus) bool {
	for _, status := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
