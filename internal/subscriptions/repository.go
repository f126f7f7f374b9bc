package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx so quota mutations can
// join the booking transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository persists package subscriptions and their usage rows.
type Repository struct {
	db Querier
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("subscriptions: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithQuerier allows injecting mocks for tests.
func NewRepositoryWithQuerier(q Querier) *Repository {
	if q == nil {
		panic("subscriptions: querier required")
	}
	return &Repository{db: q}
}

// ListUsableForVehicle loads the customer's active, unexpired subscriptions
// for a vehicle together with their usage rows. Rows come back oldest
// purchase first; the allocator applies its own expiry ordering.
func (r *Repository) ListUsableForVehicle(ctx context.Context, q Querier, customerID, vehicleID uuid.UUID) ([]*Subscription, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT s.id, s.customer_id, s.vehicle_id, s.package_id, s.status,
		       s.purchase_date, s.start_date, s.expiry_date, s.mileage_limit, s.price_paid,
		       u.id, u.service_id, u.total_allowed_quantity, u.used_quantity,
		       u.last_used_date, u.last_used_appointment_id
		FROM customer_package_subscriptions s
		JOIN package_service_usages u ON u.subscription_id = s.id
		WHERE s.customer_id = $1
		  AND s.vehicle_id = $2
		  AND s.status = 'Active'
		  AND (s.expiry_date IS NULL OR s.expiry_date > now())
		ORDER BY s.purchase_date, u.service_id
	`
	rows, err := q.Query(ctx, query, customerID, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: list usable: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*Subscription)
	var ordered []*Subscription
	for rows.Next() {
		var (
			sub   Subscription
			usage ServiceUsage
		)
		if err := rows.Scan(
			&sub.ID, &sub.CustomerID, &sub.VehicleID, &sub.PackageID, &sub.Status,
			&sub.PurchaseDate, &sub.StartDate, &sub.ExpiryDate, &sub.MileageLimit, &sub.PricePaid,
			&usage.ID, &usage.ServiceID, &usage.TotalAllowedQuantity, &usage.UsedQuantity,
			&usage.LastUsedDate, &usage.LastUsedAppointmentID,
		); err != nil {
			return nil, fmt.Errorf("subscriptions: scan usable: %w", err)
		}
		existing, ok := byID[sub.ID]
		if !ok {
			existing = &sub
			byID[sub.ID] = existing
			ordered = append(ordered, existing)
		}
		usage.SubscriptionID = existing.ID
		existing.Usages = append(existing.Usages, usage)
	}
	return ordered, rows.Err()
}

// ReserveUsage spends one unit of a usage row. The quota check sits in the
// WHERE clause so two concurrent bookings cannot both take the last unit.
func (r *Repository) ReserveUsage(ctx context.Context, q Querier, usageID uuid.UUID) error {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE package_service_usages
		SET used_quantity = used_quantity + 1
		WHERE id = $1 AND used_quantity < total_allowed_quantity
	`
	ct, err := q.Exec(ctx, query, usageID)
	if err != nil {
		return fmt.Errorf("subscriptions: reserve usage: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrInsufficientQuota
	}
	return nil
}

// ReleaseUsage returns one unit to a usage row, never past zero used.
func (r *Repository) ReleaseUsage(ctx context.Context, q Querier, usageID uuid.UUID) error {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE package_service_usages
		SET used_quantity = used_quantity - 1
		WHERE id = $1 AND used_quantity > 0
	`
	if _, err := q.Exec(ctx, query, usageID); err != nil {
		return fmt.Errorf("subscriptions: release usage: %w", err)
	}
	return nil
}

// StampUsage records when and by which appointment a usage row was last
// consumed. Called at appointment completion.
func (r *Repository) StampUsage(ctx context.Context, q Querier, usageID, appointmentID uuid.UUID, when time.Time) error {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE package_service_usages
		SET last_used_date = $2, last_used_appointment_id = $3
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, usageID, when, appointmentID); err != nil {
		return fmt.Errorf("subscriptions: stamp usage: %w", err)
	}
	return nil
}

// MarkFullyUsedIfDrained flips the subscription to FullyUsed once every
// usage row has zero remaining quantity. Idempotent.
func (r *Repository) MarkFullyUsedIfDrained(ctx context.Context, q Querier, subscriptionID uuid.UUID) (bool, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE customer_package_subscriptions s
		SET status = 'FullyUsed'
		WHERE s.id = $1
		  AND s.status = 'Active'
		  AND NOT EXISTS (
			SELECT 1 FROM package_service_usages u
			WHERE u.subscription_id = s.id
			  AND u.used_quantity < u.total_allowed_quantity
		  )
	`
	ct, err := q.Exec(ctx, query, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("subscriptions: mark fully used: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Get loads one subscription with usage rows.
func (r *Repository) Get(ctx context.Context, q Querier, id uuid.UUID) (*Subscription, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT id, customer_id, vehicle_id, package_id, status,
		       purchase_date, start_date, expiry_date, mileage_limit, price_paid
		FROM customer_package_subscriptions
		WHERE id = $1
	`
	var sub Subscription
	err := q.QueryRow(ctx, query, id).Scan(
		&sub.ID, &sub.CustomerID, &sub.VehicleID, &sub.PackageID, &sub.Status,
		&sub.PurchaseDate, &sub.StartDate, &sub.ExpiryDate, &sub.MileageLimit, &sub.PricePaid,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("subscriptions: load: %w", err)
	}

	usageQuery := `
		SELECT id, service_id, total_allowed_quantity, used_quantity,
		       last_used_date, last_used_appointment_id
		FROM package_service_usages
		WHERE subscription_id = $1
		ORDER BY service_id
	`
	rows, err := q.Query(ctx, usageQuery, id)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: load usages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u ServiceUsage
		if err := rows.Scan(&u.ID, &u.ServiceID, &u.TotalAllowedQuantity, &u.UsedQuantity, &u.LastUsedDate, &u.LastUsedAppointmentID); err != nil {
			return nil, fmt.Errorf("subscriptions: scan usage: %w", err)
		}
		u.SubscriptionID = sub.ID
		sub.Usages = append(sub.Usages, u)
	}
	return &sub, rows.Err()
}
