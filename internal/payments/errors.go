package payments

import "errors"

var (
	// ErrIntentNotFound is returned when an intent id or code is unknown
	ErrIntentNotFound = errors.New("payment intent not found")

	// ErrNothingToPay is returned when the appointment has no outstanding balance
	ErrNothingToPay = errors.New("appointment has no outstanding balance")

	// ErrAmountExceedsOutstanding is returned when the requested amount is above the balance
	ErrAmountExceedsOutstanding = errors.New("amount exceeds outstanding balance")

	// ErrVelocityExceeded is returned when a customer opens too many intents in the window
	ErrVelocityExceeded = errors.New("too many payment attempts, try again later")

	// ErrGatewayNotConfigured is returned when a provider client is missing credentials
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")
)
