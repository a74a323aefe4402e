package enums

import "testing"

func TestPurchaseStatusTransitions(t *testing.T) {
	cases := []struct {
		from PurchaseStatus
		to   PurchaseStatus
		want bool
	}{
		{PurchaseStatusCreated, PurchaseStatusInvoiceSent, true},
		{PurchaseStatusCreated, PurchaseStatusPrecheckoutOK, true},
		{PurchaseStatusCreated, PurchaseStatusPaidUncredited, true},
		{PurchaseStatusCreated, PurchaseStatusFailed, true},
		{PurchaseStatusInvoiceSent, PurchaseStatusPrecheckoutOK, true},
		{PurchaseStatusInvoiceSent, PurchaseStatusFailed, true},
		{PurchaseStatusPrecheckoutOK, PurchaseStatusPaidUncredited, true},
		{PurchaseStatusPrecheckoutOK, PurchaseStatusFailed, true},
		{PurchaseStatusPaidUncredited, PurchaseStatusCredited, true},
		{PurchaseStatusPaidUncredited, PurchaseStatusFailedCreditPendingReview, true},
		{PurchaseStatusPaidUncredited, PurchaseStatusRefunded, true},
		{PurchaseStatusCredited, PurchaseStatusRefunded, true},

		{PurchaseStatusInvoiceSent, PurchaseStatusCreated, false},
		{PurchaseStatusPrecheckoutOK, PurchaseStatusInvoiceSent, false},
		{PurchaseStatusPrecheckoutOK, PurchaseStatusCredited, false},
		{PurchaseStatusPaidUncredited, PurchaseStatusPrecheckoutOK, false},
		{PurchaseStatusPaidUncredited, PurchaseStatusFailed, false},
		{PurchaseStatusCredited, PurchaseStatusPaidUncredited, false},
		{PurchaseStatusCredited, PurchaseStatusFailed, false},
		{PurchaseStatusCreated, PurchaseStatusRefunded, false},
		{PurchaseStatusCreated, PurchaseStatusCredited, false},
		{PurchaseStatusFailed, PurchaseStatusCreated, false},
		{PurchaseStatusFailed, PurchaseStatusPaidUncredited, false},
		{PurchaseStatusFailedCreditPendingReview, PurchaseStatusCredited, false},
		{PurchaseStatusRefunded, PurchaseStatusCredited, false},
		{PurchaseStatusCredited, PurchaseStatusCredited, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	all := []PurchaseStatus{
		PurchaseStatusCreated,
		PurchaseStatusInvoiceSent,
		PurchaseStatusPrecheckoutOK,
		PurchaseStatusPaidUncredited,
		PurchaseStatusCredited,
		PurchaseStatusFailed,
		PurchaseStatusFailedCreditPendingReview,
		PurchaseStatusRefunded,
	}
	for _, terminal := range []PurchaseStatus{PurchaseStatusFailed, PurchaseStatusFailedCreditPendingReview, PurchaseStatusRefunded} {
		for _, next := range all {
			if terminal.CanTransitionTo(next) {
				t.Fatalf("terminal %s must not move to %s", terminal, next)
			}
		}
	}
}
