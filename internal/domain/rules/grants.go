package rules

import "time"

// PremiumEndsAt carries unexpired time of the replaced entitlement forward.
func PremiumEndsAt(now time.Time, previousEnd *time.Time, days int) time.Time {
	start := now
	if previousEnd != nil && previousEnd.After(now) {
		start = *previousEnd
	}
	return start.Add(time.Duration(days) * 24 * time.Hour)
}

// ModeAccessStartsAt stacks a new grant after the latest active one.
func ModeAccessStartsAt(now time.Time, latestActiveEnd *time.Time) time.Time {
	if latestActiveEnd != nil && latestActiveEnd.After(now) {
		return *latestActiveEnd
	}
	return now
}

// ClampEnd returns the end time a revoked grant keeps.
func ClampEnd(endsAt, now time.Time) time.Time {
	if endsAt.After(now) {
		return now
	}
	return endsAt
}

// ClampWalletDelta keeps a debit from taking the balance below zero.
func ClampWalletDelta(balance, delta int) int {
	if delta < 0 && balance+delta < 0 {
		return -balance
	}
	return delta
}
