package catalog

import (
	"time"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
)

const (
	ModeArtikelSprint = "ARTIKEL_SPRINT"
	ModeCasesPractice = "CASES_PRACTICE"
)

func defaultProducts() []Product {
	return []Product{
		{
			Code:       "ENERGY_10",
			Type:       enums.ProductTypeMicro,
			Title:      "+10 energy",
			PriceStars: 10,
			PaidEnergy: 10,
		},
		{
			Code:       "ENERGY_50",
			Type:       enums.ProductTypeMicro,
			Title:      "+50 energy",
			PriceStars: 45,
			PaidEnergy: 50,
		},
		{
			Code:              "STREAK_SAVER",
			Type:              enums.ProductTypeMicro,
			Title:             "Streak saver",
			PriceStars:        20,
			StreakSaverTokens: 1,
			RepeatCooldown:    7 * 24 * time.Hour,
		},
		{
			Code:        "PREMIUM_STARTER",
			Type:        enums.ProductTypePremium,
			Title:       "Premium Starter",
			PriceStars:  29,
			PremiumTier: enums.PremiumTierStarter,
			PremiumDays: 7,
		},
		{
			Code:        "PREMIUM_MONTH",
			Type:        enums.ProductTypePremium,
			Title:       "Premium Month",
			PriceStars:  99,
			PremiumTier: enums.PremiumTierMonth,
			PremiumDays: 30,
		},
		{
			Code:        "PREMIUM_SEASON",
			Type:        enums.ProductTypePremium,
			Title:       "Premium Season",
			PriceStars:  249,
			PremiumTier: enums.PremiumTierSeason,
			PremiumDays: 90,
		},
		{
			Code:        "PREMIUM_YEAR",
			Type:        enums.ProductTypePremium,
			Title:       "Premium Year",
			PriceStars:  799,
			PremiumTier: enums.PremiumTierYear,
			PremiumDays: 365,
		},
		{
			Code:           "MODE_ARTIKEL_7D",
			Type:           enums.ProductTypeMicro,
			Title:          "Artikel Sprint for 7 days",
			PriceStars:     15,
			ModeAccessDays: map[string]int{ModeArtikelSprint: 7},
		},
		{
			Code:       "OFFER_STARTER_BUNDLE",
			Type:       enums.ProductTypeOffer,
			Title:      "Starter bundle",
			PriceStars: 49,
			PaidEnergy: 30,
			ModeAccessDays: map[string]int{
				ModeArtikelSprint: 7,
				ModeCasesPractice: 7,
			},
			StreakSaverTokens: 1,
		},
	}
}
