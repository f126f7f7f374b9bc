package events

import "time"

// Event type names carried on outbox rows. Versioned so the notification
// consumer can evolve payloads without breaking replays.
const (
	TypeAppointmentCreated   = "appointment.created.v1"
	TypeAppointmentConfirmed = "appointment.confirmed.v1"
	TypeAppointmentCompleted = "appointment.completed.v1"
	TypeAppointmentCancelled = "appointment.cancelled.v1"
	TypePaymentCompleted     = "payment.completed.v1"
	TypePaymentFailed        = "payment.failed.v1"
	TypeRefundCompleted      = "refund.completed.v1"
)

type AppointmentCreatedV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	CustomerID    string    `json:"customer_id"`
	VehicleID     string    `json:"vehicle_id"`
	CenterID      string    `json:"center_id"`
	EstimatedCost float64   `json:"estimated_cost"`
	CreatedAt     time.Time `json:"created_at"`
}

type AppointmentStatusChangedV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	CustomerID    string    `json:"customer_id"`
	FromStatus    string    `json:"from_status"`
	ToStatus      string    `json:"to_status"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type PaymentCompletedV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	IntentCode    string    `json:"intent_code"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Gateway       string    `json:"gateway"`
	GatewayRef    string    `json:"gateway_ref,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type PaymentFailedV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	IntentCode    string    `json:"intent_code"`
	Amount        float64   `json:"amount"`
	Gateway       string    `json:"gateway"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type RefundCompletedV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	RefundID      string    `json:"refund_id"`
	Amount        float64   `json:"amount"`
	Method        string    `json:"method"`
	OccurredAt    time.Time `json:"occurred_at"`
}
