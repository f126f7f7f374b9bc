package refunds

import (
	"time"

	"github.com/google/uuid"
)

// Refund status values.
const (
	StatusPending    = "Pending"
	StatusProcessing = "Processing"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
	StatusCancelled  = "Cancelled"
)

// transitions is the refund legality table. Completed, Failed, and
// Cancelled are terminal.
var transitions = map[string][]string{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a refund may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Refund method values.
const (
	MethodOriginalPayment = "original_payment"
	MethodManual          = "manual"
)

// Refund is one request to return captured money to the customer.
type Refund struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	IntentID      *uuid.UUID `json:"intent_id,omitempty"`
	Amount        float64    `json:"amount"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason"`
	FailureReason string     `json:"failure_reason,omitempty"`
	GatewayRef    string     `json:"gateway_ref,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RequestRefund is the input for opening a refund manually.
type RequestRefund struct {
	AppointmentID uuid.UUID  `json:"appointment_id"`
	IntentID      *uuid.UUID `json:"intent_id,omitempty"`
	Amount        float64    `json:"amount"`
	Method        string     `json:"method,omitempty"`
	Reason        string     `json:"reason"`
}
