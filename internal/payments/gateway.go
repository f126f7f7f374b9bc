package payments

import "context"

// GatewayPayment is the provider-side view of a payment, fetched when a
// callback needs verification.
type GatewayPayment struct {
	Ref        string
	Status     string
	Amount     float64
	Currency   string
	IntentCode string
}

// Gateway abstracts the payment provider. The settlement core only ever
// reads provider state; collection itself happens on the provider's
// hosted surface.
type Gateway interface {
	Name() string
	LookupPayment(ctx context.Context, ref string) (*GatewayPayment, error)
}
