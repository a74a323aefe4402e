package enums

type ProductType string

const (
	ProductTypeMicro   ProductType = "MICRO"
	ProductTypePremium ProductType = "PREMIUM"
	ProductTypeOffer   ProductType = "OFFER"
)

type PremiumTier string

const (
	PremiumTierStarter PremiumTier = "STARTER"
	PremiumTierMonth   PremiumTier = "MONTH"
	PremiumTierSeason  PremiumTier = "SEASON"
	PremiumTierYear    PremiumTier = "YEAR"
)

// Rank orders premium tiers; unknown tiers rank 0.
func (t PremiumTier) Rank() int {
	switch t {
	case PremiumTierStarter:
		return 1
	case PremiumTierMonth:
		return 2
	case PremiumTierSeason:
		return 3
	case PremiumTierYear:
		return 4
	default:
		return 0
	}
}
