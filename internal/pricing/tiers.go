package pricing

// Customer tiers and their percentage discounts. Tier assignment itself
// lives in the customer catalog; this table only maps tier to discount.
const (
	TierStandard = "Standard"
	TierSilver   = "Silver"
	TierGold     = "Gold"
	TierPlatinum = "Platinum"
)

var tierDiscounts = map[string]float64{
	TierStandard: 0,
	TierSilver:   5,
	TierGold:     10,
	TierPlatinum: 15,
}

// TierDiscountPercent returns the percentage discount for a customer tier.
// Unknown tiers get no discount.
func TierDiscountPercent(tier string) float64 {
	return tierDiscounts[tier]
}
