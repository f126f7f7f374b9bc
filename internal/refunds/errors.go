package refunds

import "errors"

var (
	// ErrRefundNotFound is returned when the refund id is unknown
	ErrRefundNotFound = errors.New("refund not found")

	// ErrInvalidRefundTransition is returned for moves outside the legality table
	ErrInvalidRefundTransition = errors.New("invalid refund status transition")

	// ErrRefundExceedsPaid is returned when the requested amount is above the captured total
	ErrRefundExceedsPaid = errors.New("refund amount exceeds captured payment")

	// ErrReasonRequired is returned for refund requests without a reason
	ErrReasonRequired = errors.New("refund reason is required")
)
