package rules

import "time"

const (
	MinFinalPrice          = 1
	PromoReservationWindow = 15 * time.Minute
)

// FinalPrice never drops below one star.
func FinalPrice(basePrice, discount int) int {
	if discount < 0 {
		discount = 0
	}
	final := basePrice - discount
	if final < MinFinalPrice {
		return MinFinalPrice
	}
	return final
}

// PromoDiscount returns base - max(1, ceil(base*(100-percent)/100)).
// Small prices round towards a smaller discount; keep it that way.
func PromoDiscount(basePrice, percent int) int {
	if basePrice <= 0 || percent <= 0 {
		return 0
	}
	if percent > 100 {
		percent = 100
	}
	discounted := (basePrice*(100-percent) + 99) / 100
	if discounted < MinFinalPrice {
		discounted = MinFinalPrice
	}
	discount := basePrice - discounted
	if discount < 0 {
		return 0
	}
	return discount
}

func InCooldown(lastCreditedAt *time.Time, cooldown time.Duration, now time.Time) bool {
	if lastCreditedAt == nil || cooldown <= 0 {
		return false
	}
	return now.Before(lastCreditedAt.Add(cooldown))
}
