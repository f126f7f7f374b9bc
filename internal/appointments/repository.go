package appointments

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

// Querier is satisfied by *pgxpool.Pool and pgx.Tx so appointment writes
// can share the booking unit of work.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository persists appointments, service lines, and the override audit
// trail.
type Repository struct {
	db Querier
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithQuerier allows injecting mocks for tests.
func NewRepositoryWithQuerier(q Querier) *Repository {
	if q == nil {
		panic("appointments: querier required")
	}
	return &Repository{db: q}
}

const appointmentColumns = `
	id, customer_id, vehicle_id, center_id, slot_id, status,
	estimated_cost, final_cost, paid_amount, payment_status,
	discount_amount, discount_type, priority, source, notes,
	cancellation_reason, rescheduled_from_id,
	payment_intent_count, latest_payment_intent_id,
	created_at, updated_at`

// Insert writes a new appointment row.
func (r *Repository) Insert(ctx context.Context, q Querier, a *Appointment) error {
	if q == nil {
		q = r.db
	}
	query := `
		INSERT INTO appointments (
			id, customer_id, vehicle_id, center_id, slot_id, status,
			estimated_cost, paid_amount, payment_status,
			discount_amount, discount_type, priority, source, notes,
			rescheduled_from_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`
	err := q.QueryRow(ctx, query,
		a.ID, a.CustomerID, a.VehicleID, a.CenterID, a.SlotID, a.Status,
		a.EstimatedCost, a.PaidAmount, a.PaymentStatus,
		a.DiscountAmount, a.DiscountType, a.Priority, a.Source, a.Notes,
		a.RescheduledFromID,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("appointments: insert: %w", err)
	}
	return nil
}

// InsertServiceLine writes one service line owned by its appointment.
func (r *Repository) InsertServiceLine(ctx context.Context, q Querier, line *ServiceLine) error {
	if q == nil {
		q = r.db
	}
	query := `
		INSERT INTO appointment_services (
			id, appointment_id, service_id, source,
			subscription_id, subscription_usage_id,
			original_price, price, discount_amount, estimated_minutes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.Exec(ctx, query,
		line.ID, line.AppointmentID, line.ServiceID, line.Source,
		line.SubscriptionID, line.SubscriptionUsageID,
		line.OriginalPrice, line.Price, line.DiscountAmount, line.EstimatedMinutes,
	)
	if err != nil {
		return fmt.Errorf("appointments: insert service line: %w", err)
	}
	return nil
}

// Get loads an appointment row.
func (r *Repository) Get(ctx context.Context, q Querier, id uuid.UUID) (*Appointment, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	a, err := scanAppointment(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("appointments: load: %w", err)
	}
	return a, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID, &a.CustomerID, &a.VehicleID, &a.CenterID, &a.SlotID, &a.Status,
		&a.EstimatedCost, &a.FinalCost, &a.PaidAmount, &a.PaymentStatus,
		&a.DiscountAmount, &a.DiscountType, &a.Priority, &a.Source, &a.Notes,
		&a.CancellationReason, &a.RescheduledFromID,
		&a.PaymentIntentCount, &a.LatestPaymentIntentID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListServiceLines returns the appointment's service lines.
func (r *Repository) ListServiceLines(ctx context.Context, q Querier, appointmentID uuid.UUID) ([]ServiceLine, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT id, appointment_id, service_id, source,
		       subscription_id, subscription_usage_id,
		       original_price, price, discount_amount, estimated_minutes
		FROM appointment_services
		WHERE appointment_id = $1
		ORDER BY id
	`
	rows, err := q.Query(ctx, query, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("appointments: list service lines: %w", err)
	}
	defer rows.Close()

	var lines []ServiceLine
	for rows.Next() {
		var l ServiceLine
		if err := rows.Scan(
			&l.ID, &l.AppointmentID, &l.ServiceID, &l.Source,
			&l.SubscriptionID, &l.SubscriptionUsageID,
			&l.OriginalPrice, &l.Price, &l.DiscountAmount, &l.EstimatedMinutes,
		); err != nil {
			return nil, fmt.Errorf("appointments: scan service line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// GetServiceLine loads one service line.
func (r *Repository) GetServiceLine(ctx context.Context, q Querier, lineID uuid.UUID) (*ServiceLine, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT id, appointment_id, service_id, source,
		       subscription_id, subscription_usage_id,
		       original_price, price, discount_amount, estimated_minutes
		FROM appointment_services
		WHERE id = $1
	`
	var l ServiceLine
	err := q.QueryRow(ctx, query, lineID).Scan(
		&l.ID, &l.AppointmentID, &l.ServiceID, &l.Source,
		&l.SubscriptionID, &l.SubscriptionUsageID,
		&l.OriginalPrice, &l.Price, &l.DiscountAmount, &l.EstimatedMinutes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceLineNotFound
		}
		return nil, fmt.Errorf("appointments: load service line: %w", err)
	}
	return &l, nil
}

// TransitionStatus moves the appointment from one status to another. The
// expected from-status sits in the WHERE clause so a lost race affects
// zero rows instead of clobbering a concurrent transition.
func (r *Repository) TransitionStatus(ctx context.Context, q Querier, id uuid.UUID, from, to Status) (bool, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE appointments
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`
	ct, err := q.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("appointments: transition: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// SetCancellation is TransitionStatus plus the recorded reason.
func (r *Repository) SetCancellation(ctx context.Context, q Querier, id uuid.UUID, from, to Status, reason string) (bool, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE appointments
		SET status = $3, cancellation_reason = $4, updated_at = now()
		WHERE id = $1 AND status = $2
	`
	ct, err := q.Exec(ctx, query, id, from, to, reason)
	if err != nil {
		return false, fmt.Errorf("appointments: cancel transition: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Complete finalizes the appointment with its final cost and the derived
// completion status.
func (r *Repository) Complete(ctx context.Context, q Querier, id uuid.UUID, to Status, finalCost float64) (bool, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE appointments
		SET status = $2, final_cost = $3,
		    payment_status = CASE WHEN paid_amount >= $3 THEN 'Completed' ELSE 'Pending' END,
		    updated_at = now()
		WHERE id = $1 AND status = 'InProgress'
	`
	ct, err := q.Exec(ctx, query, id, to, finalCost)
	if err != nil {
		return false, fmt.Errorf("appointments: complete: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ApplyPayment adds a captured amount to the appointment. The LEAST guard
// keeps paid_amount within cost even if a gateway over-reports.
func (r *Repository) ApplyPayment(ctx context.Context, q Querier, id uuid.UUID, amount float64, intentID uuid.UUID) (*Appointment, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE appointments
		SET paid_amount = LEAST(paid_amount + $2, COALESCE(final_cost, estimated_cost)),
		    payment_status = CASE
			WHEN paid_amount + $2 >= COALESCE(final_cost, estimated_cost) THEN 'Completed'
			ELSE 'Pending'
		    END,
		    payment_intent_count = payment_intent_count + 1,
		    latest_payment_intent_id = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + appointmentColumns + `
	`
	a, err := scanAppointment(q.QueryRow(ctx, query, id, amount, intentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("appointments: apply payment: %w", err)
	}
	return a, nil
}

// DeductPaid removes a refunded amount from the appointment, floored at
// zero, and re-derives the payment status.
func (r *Repository) DeductPaid(ctx context.Context, q Querier, id uuid.UUID, amount float64) error {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE appointments
		SET paid_amount = GREATEST(paid_amount - $2, 0),
		    payment_status = CASE
			WHEN GREATEST(paid_amount - $2, 0) >= COALESCE(final_cost, estimated_cost) THEN 'Completed'
			ELSE 'Pending'
		    END,
		    updated_at = now()
		WHERE id = $1
	`
	ct, err := q.Exec(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("appointments: deduct paid: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// OverrideServiceLine applies a staff source/price override to a line.
func (r *Repository) OverrideServiceLine(ctx context.Context, q Querier, lineID uuid.UUID, source ServiceSource, price, discount float64, clearSubscription bool) error {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE appointment_services
		SET source = $2,
		    price = $3,
		    discount_amount = $4,
		    subscription_id = CASE WHEN $5 THEN NULL ELSE subscription_id END,
		    subscription_usage_id = CASE WHEN $5 THEN NULL ELSE subscription_usage_id END
		WHERE id = $1
	`
	ct, err := q.Exec(ctx, query, lineID, source, price, discount, clearSubscription)
	if err != nil {
		return fmt.Errorf("appointments: override service line: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrServiceLineNotFound
	}
	return nil
}

// AddToEstimatedCost shifts the appointment estimate after an override.
func (r *Repository) AddToEstimatedCost(ctx context.Context, q Querier, id uuid.UUID, delta, discountDelta float64) error {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE appointments
		SET estimated_cost = GREATEST(estimated_cost + $2, 0),
		    discount_amount = GREATEST(discount_amount + $3, 0),
		    updated_at = now()
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, id, delta, discountDelta); err != nil {
		return fmt.Errorf("appointments: adjust estimate: %w", err)
	}
	return nil
}

// InsertAuditEntry appends one immutable override record.
func (r *Repository) InsertAuditEntry(ctx context.Context, q Querier, e *SourceAuditEntry) error {
	if q == nil {
		q = r.db
	}
	query := `
		INSERT INTO service_source_audit_logs (
			id, appointment_id, service_line_id,
			old_source, new_source, old_price, new_price,
			reason, refund_issued, staff_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.Exec(ctx, query,
		e.ID, e.AppointmentID, e.ServiceLineID,
		e.OldSource, e.NewSource, e.OldPrice, e.NewPrice,
		e.Reason, e.RefundIssued, e.StaffID,
	)
	if err != nil {
		return fmt.Errorf("appointments: insert audit entry: %w", err)
	}
	return nil
}

// ListStalePending returns unpaid Pending appointments created before the
// cutoff, for the reconciliation sweep.
func (r *Repository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*Appointment, error) {
	query := `SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE status = 'Pending'
		  AND paid_amount = 0
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list stale pending: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan stale pending: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
