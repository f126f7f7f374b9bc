package subscriptions

import (
	"time"

	"github.com/google/uuid"
)

// Subscription status values.
const (
	StatusActive    = "Active"
	StatusSuspended = "Suspended"
	StatusExpired   = "Expired"
	StatusCancelled = "Cancelled"
	StatusFullyUsed = "FullyUsed"
)

// Subscription is a customer's purchased package instance, scoped to one
// vehicle.
type Subscription struct {
	ID           uuid.UUID      `json:"id"`
	CustomerID   uuid.UUID      `json:"customer_id"`
	VehicleID    uuid.UUID      `json:"vehicle_id"`
	PackageID    uuid.UUID      `json:"package_id"`
	Status       string         `json:"status"`
	PurchaseDate time.Time      `json:"purchase_date"`
	StartDate    time.Time      `json:"start_date"`
	ExpiryDate   *time.Time     `json:"expiry_date,omitempty"`
	MileageLimit *int           `json:"mileage_limit,omitempty"`
	PricePaid    float64        `json:"price_paid"`
	Usages       []ServiceUsage `json:"usages"`
}

// ServiceUsage is the per-service quota tracker inside a subscription.
type ServiceUsage struct {
	ID                    uuid.UUID  `json:"id"`
	SubscriptionID        uuid.UUID  `json:"subscription_id"`
	ServiceID             uuid.UUID  `json:"service_id"`
	TotalAllowedQuantity  int        `json:"total_allowed_quantity"`
	UsedQuantity          int        `json:"used_quantity"`
	LastUsedDate          *time.Time `json:"last_used_date,omitempty"`
	LastUsedAppointmentID *uuid.UUID `json:"last_used_appointment_id,omitempty"`
}

// Remaining is the derived unspent quota of a usage row.
func (u ServiceUsage) Remaining() int {
	return u.TotalAllowedQuantity - u.UsedQuantity
}

// Usable reports whether the subscription can cover any service right now.
func (s *Subscription) Usable(now time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	if s.ExpiryDate != nil && !s.ExpiryDate.After(now) {
		return false
	}
	for _, u := range s.Usages {
		if u.Remaining() > 0 {
			return true
		}
	}
	return false
}

// usageFor finds the usage row covering a service, nil when not covered.
func (s *Subscription) usageFor(serviceID uuid.UUID) *ServiceUsage {
	for i := range s.Usages {
		if s.Usages[i].ServiceID == serviceID {
			return &s.Usages[i]
		}
	}
	return nil
}
