package slots

import "errors"

var (
	// ErrSlotUnavailable is returned when a slot is blocked, full, or in the past
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrSlotNotFound is returned when the slot id is unknown
	ErrSlotNotFound = errors.New("slot not found")
)
