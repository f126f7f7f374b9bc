package slots

import (
	"time"

	"github.com/google/uuid"
)

// TimeSlot is a bookable time window at a service center.
type TimeSlot struct {
	ID              uuid.UUID `json:"id"`
	CenterID        uuid.UUID `json:"center_id"`
	SlotDate        time.Time `json:"slot_date"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	MaxBookings     int       `json:"max_bookings"`
	CurrentBookings int       `json:"current_bookings"`
	IsAvailable     bool      `json:"is_available"`
	IsBlocked       bool      `json:"is_blocked"`
}

// Window is the comparable (date, start, end) tuple of a slot, used for
// conflict detection across slots.
type Window struct {
	Date  time.Time
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two windows on the same date share any time.
func (w Window) Overlaps(other Window) bool {
	if !sameDay(w.Date, other.Date) {
		return false
	}
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Adjacent reports whether one window starts exactly when the other ends.
func (w Window) Adjacent(other Window) bool {
	if !sameDay(w.Date, other.Date) {
		return false
	}
	return w.End.Equal(other.Start) || other.End.Equal(w.Start)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Window returns the slot's comparable window.
func (s *TimeSlot) Window() Window {
	return Window{Date: s.SlotDate, Start: s.StartTime, End: s.EndTime}
}
