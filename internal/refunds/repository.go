package refunds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carserv/carserv-platform/pkg/money"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository persists refunds.
type Repository struct {
	db Querier
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("refunds: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithQuerier allows injecting mocks for tests.
func NewRepositoryWithQuerier(q Querier) *Repository {
	if q == nil {
		panic("refunds: querier required")
	}
	return &Repository{db: q}
}

const refundColumns = `
	id, appointment_id, intent_id, amount, method, status, reason,
	failure_reason, gateway_ref, processed_at, created_at, updated_at`

// RequestTx opens a Pending refund inside the caller's transaction. The
// cancellation and adjustment flows use this so the refund commits with
// the state change that caused it.
func (r *Repository) RequestTx(ctx context.Context, tx pgx.Tx, appointmentID uuid.UUID, amount float64, reason string) (uuid.UUID, error) {
	refund := &Refund{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		Amount:        money.Round2(amount),
		Method:        MethodOriginalPayment,
		Status:        StatusPending,
		Reason:        reason,
	}
	if err := r.Insert(ctx, tx, refund); err != nil {
		return uuid.Nil, err
	}
	return refund.ID, nil
}

// Insert writes a new refund row.
func (r *Repository) Insert(ctx context.Context, q Querier, ref *Refund) error {
	if q == nil {
		q = r.db
	}
	query := `
		INSERT INTO refunds (
			id, appointment_id, intent_id, amount, method, status, reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := q.QueryRow(ctx, query,
		ref.ID, ref.AppointmentID, ref.IntentID, ref.Amount, ref.Method, ref.Status, ref.Reason,
	).Scan(&ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return fmt.Errorf("refunds: insert: %w", err)
	}
	return nil
}

func scanRefund(row pgx.Row) (*Refund, error) {
	var (
		ref           Refund
		failureReason *string
		gatewayRef    *string
	)
	err := row.Scan(
		&ref.ID, &ref.AppointmentID, &ref.IntentID, &ref.Amount, &ref.Method,
		&ref.Status, &ref.Reason, &failureReason, &gatewayRef, &ref.ProcessedAt,
		&ref.CreatedAt, &ref.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if failureReason != nil {
		ref.FailureReason = *failureReason
	}
	if gatewayRef != nil {
		ref.GatewayRef = *gatewayRef
	}
	return &ref, nil
}

// Get loads a refund by id.
func (r *Repository) Get(ctx context.Context, q Querier, id uuid.UUID) (*Refund, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1`
	ref, err := scanRefund(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("refunds: load: %w", err)
	}
	return ref, nil
}

// ListForAppointment returns all refunds of an appointment.
func (r *Repository) ListForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE appointment_id = $1 ORDER BY created_at`
	return r.list(ctx, query, appointmentID)
}

// ListByStatus returns refunds in a status, oldest first, for the sweep.
func (r *Repository) ListByStatus(ctx context.Context, status string, limit int) ([]*Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE status = $1 ORDER BY created_at LIMIT $2`
	return r.list(ctx, query, status, limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*Refund, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("refunds: list: %w", err)
	}
	defer rows.Close()

	var out []*Refund
	for rows.Next() {
		ref, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("refunds: scan: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Transition moves the refund between statuses with the expected
// from-status guarding the update.
func (r *Repository) Transition(ctx context.Context, q Querier, id uuid.UUID, from, to string) (bool, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE refunds
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`
	ct, err := q.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("refunds: transition: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkCompleted finalizes a processing refund.
func (r *Repository) MarkCompleted(ctx context.Context, q Querier, id uuid.UUID, gatewayRef string, processedAt time.Time) (bool, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE refunds
		SET status = 'Completed', gateway_ref = $2, processed_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'Processing'
	`
	ct, err := q.Exec(ctx, query, id, nullableString(gatewayRef), processedAt)
	if err != nil {
		return false, fmt.Errorf("refunds: mark completed: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed records a refund the gateway could not process.
func (r *Repository) MarkFailed(ctx context.Context, q Querier, id uuid.UUID, failureReason string) (bool, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE refunds
		SET status = 'Failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'Processing'
	`
	ct, err := q.Exec(ctx, query, id, failureReason)
	if err != nil {
		return false, fmt.Errorf("refunds: mark failed: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
