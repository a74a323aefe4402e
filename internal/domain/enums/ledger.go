package enums

type LedgerEntryType string

const (
	LedgerEntryPurchaseCredit LedgerEntryType = "PURCHASE_CREDIT"
	LedgerEntryPurchaseRefund LedgerEntryType = "PURCHASE_REFUND"
	LedgerEntryPromoGrant     LedgerEntryType = "PROMO_GRANT"
)

type LedgerDirection string

const (
	LedgerDirectionCredit LedgerDirection = "CREDIT"
	LedgerDirectionDebit  LedgerDirection = "DEBIT"
)

type LedgerAsset string

const (
	LedgerAssetPaidEnergy  LedgerAsset = "PAID_ENERGY"
	LedgerAssetPremium     LedgerAsset = "PREMIUM"
	LedgerAssetModeAccess  LedgerAsset = "MODE_ACCESS"
	LedgerAssetStreakSaver LedgerAsset = "STREAK_SAVER"
	LedgerAssetBundle      LedgerAsset = "BUNDLE"
)

type WalletAsset string

const (
	WalletAssetPaidEnergy        WalletAsset = "paid_energy"
	WalletAssetStreakSaverTokens WalletAsset = "streak_saver_tokens"
)
