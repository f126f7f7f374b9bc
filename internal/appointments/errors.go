package appointments

import "errors"

var (
	// ErrAppointmentNotFound is returned when the appointment id is unknown
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrInvalidStatusTransition is returned for transitions outside the legality table
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrServiceLineNotFound is returned when a service line id is unknown
	ErrServiceLineNotFound = errors.New("appointment service line not found")

	// ErrNoServicesRequested is returned for a booking with an empty service list
	ErrNoServicesRequested = errors.New("at least one service is required")

	// ErrVehicleConflict is returned when the vehicle already has an overlapping booking
	ErrVehicleConflict = errors.New("vehicle already booked for an overlapping slot")

	// ErrAdjustReasonTooShort is returned when a service-source override lacks a usable reason
	ErrAdjustReasonTooShort = errors.New("adjustment reason must be at least 10 characters")

	// ErrConcurrentUpdate is returned when a transition lost a race and the retry failed
	ErrConcurrentUpdate = errors.New("appointment was modified concurrently")
)
