package pricing

import (
	"github.com/carserv/carserv-platform/pkg/money"
)

// PromotionKind distinguishes percentage promotions from fixed-amount ones.
type PromotionKind string

const (
	PromotionPercent PromotionKind = "Percent"
	PromotionFixed   PromotionKind = "Fixed"
)

// Promotion is a resolved promotion code.
type Promotion struct {
	Code  string
	Kind  PromotionKind
	Value float64
}

// Quote is the priced result for a single service line.
type Quote struct {
	OriginalPrice  float64
	DiscountAmount float64
	FinalPrice     float64
}

// Price computes the final price of a service line. The customer-tier
// percentage discount applies first, then the promotion applies to the
// tier-discounted amount. The final price never drops below zero.
func Price(basePrice float64, tierPercent float64, promo *Promotion) Quote {
	original := money.Round2(basePrice)

	priced := original
	if tierPercent > 0 {
		priced = priced * (1 - tierPercent/100)
	}

	if promo != nil {
		switch promo.Kind {
		case PromotionPercent:
			priced = priced * (1 - promo.Value/100)
		case PromotionFixed:
			priced = priced - promo.Value
		}
	}

	final := money.Round2(priced)
	if final < 0 {
		final = 0
	}

	return Quote{
		OriginalPrice:  original,
		DiscountAmount: money.Round2(original - final),
		FinalPrice:     final,
	}
}
