package subscriptions

import "errors"

var (
	// ErrSubscriptionNotFound is returned when the subscription id is unknown
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInsufficientQuota is returned when a usage row has no remaining quantity
	ErrInsufficientQuota = errors.New("insufficient subscription quota")
)
