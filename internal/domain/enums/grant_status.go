package enums

type EntitlementStatus string

const (
	EntitlementActive    EntitlementStatus = "ACTIVE"
	EntitlementScheduled EntitlementStatus = "SCHEDULED"
	EntitlementRevoked   EntitlementStatus = "REVOKED"
	EntitlementExpired   EntitlementStatus = "EXPIRED"
)

type ModeAccessStatus string

const (
	ModeAccessActive  ModeAccessStatus = "ACTIVE"
	ModeAccessRevoked ModeAccessStatus = "REVOKED"
	ModeAccessExpired ModeAccessStatus = "EXPIRED"
)

type ModeAccessSource string

const (
	ModeAccessSourceBundle ModeAccessSource = "BUNDLE"
	ModeAccessSourcePromo  ModeAccessSource = "PROMO"
)

type ReconciliationStatus string

const (
	ReconciliationOK   ReconciliationStatus = "OK"
	ReconciliationDiff ReconciliationStatus = "DIFF"
)
