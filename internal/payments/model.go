package payments

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Intent status values. Completed, Failed, Cancelled, and Expired are
// terminal; a terminal intent never moves again.
const (
	StatusPending   = "Pending"
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
	StatusCancelled = "Cancelled"
	StatusExpired   = "Expired"
)

// TerminalStatus reports whether an intent status is final.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// PaymentIntent is one tracked attempt to collect part or all of an
// appointment's outstanding balance.
type PaymentIntent struct {
	ID             uuid.UUID  `json:"id"`
	Code           string     `json:"code"`
	AppointmentID  uuid.UUID  `json:"appointment_id"`
	CustomerID     uuid.UUID  `json:"customer_id"`
	Amount         float64    `json:"amount"`
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	Gateway        string     `json:"gateway"`
	GatewayRef     string     `json:"gateway_ref,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Expired reports whether the intent's collection window has lapsed.
func (i *PaymentIntent) Expired(now time.Time) bool {
	return i.Status == StatusPending && now.After(i.ExpiresAt)
}

// PaymentTransaction is the immutable record of one gateway interaction
// against an intent, successful or not.
type PaymentTransaction struct {
	ID           uuid.UUID       `json:"id"`
	IntentID     uuid.UUID       `json:"intent_id"`
	Gateway      string          `json:"gateway"`
	GatewayRef   string          `json:"gateway_ref,omitempty"`
	Status       string          `json:"status"`
	Amount       float64         `json:"amount"`
	Currency     string          `json:"currency"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RawPayload   json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CreateIntentRequest is the input for opening a payment intent. A nil
// amount collects the full outstanding balance.
type CreateIntentRequest struct {
	AppointmentID  uuid.UUID `json:"appointment_id"`
	Amount         *float64  `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// CallbackResult is a gateway notification normalized to the local status
// vocabulary.
type CallbackResult struct {
	Gateway    string
	EventID    string
	IntentCode string
	GatewayRef string
	Status     string
	Amount     float64
	Currency   string
	ErrorCode  string
	ErrorMsg   string
	RawPayload json.RawMessage
}

// NormalizeGatewayStatus maps a provider status string onto the intent
// vocabulary. Unrecognized and in-flight provider statuses map to Pending
// so the callback handler leaves the intent untouched.
func NormalizeGatewayStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "approved", "accredited", "authorized":
		return StatusCompleted
	case "rejected", "charged_back", "cc_rejected":
		return StatusFailed
	case "cancelled", "expired":
		return StatusCancelled
	default:
		return StatusPending
	}
}
