package appointments

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carserv/carserv-platform/pkg/money"
)

// ServiceSource tags how a service line is billed.
type ServiceSource string

const (
	SourceRegular      ServiceSource = "Regular"
	SourceExtra        ServiceSource = "Extra"
	SourceSubscription ServiceSource = "Subscription"
)

// Appointment is one booking instance.
type Appointment struct {
	ID                    uuid.UUID  `json:"id"`
	CustomerID            uuid.UUID  `json:"customer_id"`
	VehicleID             uuid.UUID  `json:"vehicle_id"`
	CenterID              uuid.UUID  `json:"center_id"`
	SlotID                *uuid.UUID `json:"slot_id,omitempty"`
	Status                Status     `json:"status"`
	EstimatedCost         float64    `json:"estimated_cost"`
	FinalCost             *float64   `json:"final_cost,omitempty"`
	PaidAmount            float64    `json:"paid_amount"`
	PaymentStatus         string     `json:"payment_status"`
	DiscountAmount        float64    `json:"discount_amount"`
	DiscountType          string     `json:"discount_type,omitempty"`
	Priority              string     `json:"priority,omitempty"`
	Source                string     `json:"source,omitempty"`
	Notes                 string     `json:"notes,omitempty"`
	CancellationReason    *string    `json:"cancellation_reason,omitempty"`
	RescheduledFromID     *uuid.UUID `json:"rescheduled_from_id,omitempty"`
	PaymentIntentCount    int        `json:"payment_intent_count"`
	LatestPaymentIntentID *uuid.UUID `json:"latest_payment_intent_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Cost returns the final cost when set, otherwise the estimate.
func (a *Appointment) Cost() float64 {
	if a.FinalCost != nil {
		return *a.FinalCost
	}
	return a.EstimatedCost
}

// Outstanding is cost minus paid, floored at zero.
func (a *Appointment) Outstanding() float64 {
	return money.Outstanding(a.Cost(), a.PaidAmount)
}

// ServiceLine is one service within an appointment.
type ServiceLine struct {
	ID                  uuid.UUID     `json:"id"`
	AppointmentID       uuid.UUID     `json:"appointment_id"`
	ServiceID           uuid.UUID     `json:"service_id"`
	Source              ServiceSource `json:"source"`
	SubscriptionID      *uuid.UUID    `json:"subscription_id,omitempty"`
	SubscriptionUsageID *uuid.UUID    `json:"subscription_usage_id,omitempty"`
	OriginalPrice       float64       `json:"original_price"`
	Price               float64       `json:"price"`
	DiscountAmount      float64       `json:"discount_amount"`
	EstimatedMinutes    int           `json:"estimated_minutes"`
}

// BookingRequest is the input for creating an appointment.
type BookingRequest struct {
	CustomerID    uuid.UUID   `json:"customer_id"`
	VehicleID     uuid.UUID   `json:"vehicle_id"`
	CenterID      uuid.UUID   `json:"center_id"`
	SlotID        *uuid.UUID  `json:"slot_id,omitempty"`
	ServiceIDs    []uuid.UUID `json:"service_ids"`
	PromotionCode string      `json:"promotion_code,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	Priority      string      `json:"priority,omitempty"`
	Source        string      `json:"source,omitempty"`
}

// Validate rejects malformed booking requests before any state mutation.
func (r *BookingRequest) Validate() error {
	if r.CustomerID == uuid.Nil {
		return errRequired("customer_id")
	}
	if r.VehicleID == uuid.Nil {
		return errRequired("vehicle_id")
	}
	if r.CenterID == uuid.Nil {
		return errRequired("center_id")
	}
	if len(r.ServiceIDs) == 0 {
		return ErrNoServicesRequested
	}
	return nil
}

// ValidationError carries the offending field for 4xx responses.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return e.Field + " is required"
}

func errRequired(field string) error {
	return &ValidationError{Field: field}
}

// BookingResult is the computed outcome returned to the caller.
type BookingResult struct {
	Appointment *Appointment  `json:"appointment"`
	Services    []ServiceLine `json:"services"`
}

// AdjustServiceRequest is a manual staff override of a service line's
// source and price.
type AdjustServiceRequest struct {
	NewSource    ServiceSource `json:"new_source"`
	NewPrice     float64       `json:"new_price"`
	Reason       string        `json:"reason"`
	RefundIssued bool          `json:"refund_issued"`
	StaffID      uuid.UUID     `json:"staff_id"`
}

const adjustReasonMinLen = 10

// Validate enforces the audit-trail quality bar on overrides.
func (r *AdjustServiceRequest) Validate() error {
	if len(strings.TrimSpace(r.Reason)) < adjustReasonMinLen {
		return ErrAdjustReasonTooShort
	}
	if r.NewSource != SourceRegular && r.NewSource != SourceExtra && r.NewSource != SourceSubscription {
		return errRequired("new_source")
	}
	if r.NewPrice < 0 {
		return errRequired("new_price")
	}
	if r.StaffID == uuid.Nil {
		return errRequired("staff_id")
	}
	return nil
}

// SourceAuditEntry is one immutable record of a service-source override.
type SourceAuditEntry struct {
	ID            uuid.UUID     `json:"id"`
	AppointmentID uuid.UUID     `json:"appointment_id"`
	ServiceLineID uuid.UUID     `json:"service_line_id"`
	OldSource     ServiceSource `json:"old_source"`
	NewSource     ServiceSource `json:"new_source"`
	OldPrice      float64       `json:"old_price"`
	NewPrice      float64       `json:"new_price"`
	Reason        string        `json:"reason"`
	RefundIssued  bool          `json:"refund_issued"`
	StaffID       uuid.UUID     `json:"staff_id"`
	CreatedAt     time.Time     `json:"created_at"`
}
