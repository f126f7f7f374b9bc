package appointments

// Status is the appointment lifecycle state.
type Status string

const (
	StatusPending                    Status = "Pending"
	StatusConfirmed                  Status = "Confirmed"
	StatusCheckedIn                  Status = "CheckedIn"
	StatusInProgress                 Status = "InProgress"
	StatusCompleted                  Status = "Completed"
	StatusCompletedWithUnpaidBalance Status = "CompletedWithUnpaidBalance"
	StatusCancelled                  Status = "Cancelled"
	StatusRescheduled                Status = "Rescheduled"
	StatusNoShow                     Status = "NoShow"
)

// transitions is the full legality table. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled, StatusRescheduled},
	StatusConfirmed:  {StatusCheckedIn, StatusCancelled, StatusRescheduled, StatusNoShow},
	StatusCheckedIn:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCompletedWithUnpaidBalance},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCheckedIn, StatusInProgress,
		StatusCompleted, StatusCompletedWithUnpaidBalance,
		StatusCancelled, StatusRescheduled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithUnpaidBalance,
		StatusCancelled, StatusRescheduled, StatusNoShow:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// releasesReservations reports whether entering this status frees the slot
// and rolls back reserved-but-uncommitted subscription usage.
func (s Status) releasesReservations() bool {
	switch s {
	case StatusCancelled, StatusRescheduled, StatusNoShow:
		return true
	}
	return false
}

// Payment status values derived from paid vs cost.
const (
	PaymentStatusPending   = "Pending"
	PaymentStatusCompleted = "Completed"
)
