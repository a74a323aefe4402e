package enums

type PromoRedemptionStatus string

const (
	PromoRedemptionCreated   PromoRedemptionStatus = "CREATED"
	PromoRedemptionValidated PromoRedemptionStatus = "VALIDATED"
	PromoRedemptionReserved  PromoRedemptionStatus = "RESERVED"
	PromoRedemptionApplied   PromoRedemptionStatus = "APPLIED"
	PromoRedemptionExpired   PromoRedemptionStatus = "EXPIRED"
	PromoRedemptionRejected  PromoRedemptionStatus = "REJECTED"
	PromoRedemptionRevoked   PromoRedemptionStatus = "REVOKED"
)

type PromoCodeStatus string

const (
	PromoCodeActive  PromoCodeStatus = "ACTIVE"
	PromoCodePaused  PromoCodeStatus = "PAUSED"
	PromoCodeExpired PromoCodeStatus = "EXPIRED"
)
