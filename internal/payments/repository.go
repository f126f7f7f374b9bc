package payments

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

// Querier is satisfied by *pgxpool.Pool and pgx.Tx so intent updates can
// commit atomically with the appointment balance they settle.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository persists payment intents and their transaction trail.
type Repository struct {
	db Querier
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithQuerier allows injecting mocks for tests.
func NewRepositoryWithQuerier(q Querier) *Repository {
	if q == nil {
		panic("payments: querier required")
	}
	return &Repository{db: q}
}

const intentColumns = `
	id, code, appointment_id, customer_id, amount, currency, status,
	gateway, gateway_ref, idempotency_key, expires_at, completed_at,
	created_at, updated_at`

// InsertIntent writes a new pending intent.
func (r *Repository) InsertIntent(ctx context.Context, q Querier, i *PaymentIntent) error {
	if q == nil {
		q = r.db
	}
	query := `
		INSERT INTO payment_intents (
			id, code, appointment_id, customer_id, amount, currency,
			status, gateway, idempotency_key, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := q.QueryRow(ctx, query,
		i.ID, i.Code, i.AppointmentID, i.CustomerID, i.Amount, i.Currency,
		i.Status, i.Gateway, nullableString(i.IdempotencyKey), i.ExpiresAt,
	).Scan(&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payments: insert intent: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanIntent(row pgx.Row) (*PaymentIntent, error) {
	var (
		i          PaymentIntent
		gatewayRef *string
		idemKey    *string
	)
	err := row.Scan(
		&i.ID, &i.Code, &i.AppointmentID, &i.CustomerID, &i.Amount, &i.Currency, &i.Status,
		&i.Gateway, &gatewayRef, &idemKey, &i.ExpiresAt, &i.CompletedAt,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if gatewayRef != nil {
		i.GatewayRef = *gatewayRef
	}
	if idemKey != nil {
		i.IdempotencyKey = *idemKey
	}
	return &i, nil
}

// GetByCode loads an intent by its public code.
func (r *Repository) GetByCode(ctx context.Context, q Querier, code string) (*PaymentIntent, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE code = $1`
	i, err := scanIntent(q.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("payments: load intent by code: %w", err)
	}
	return i, nil
}

// Get loads an intent by id.
func (r *Repository) Get(ctx context.Context, q Querier, id uuid.UUID) (*PaymentIntent, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	i, err := scanIntent(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("payments: load intent: %w", err)
	}
	return i, nil
}

// FindPendingByIdempotencyKey returns the open intent for a retried
// request, nil when no match exists.
func (r *Repository) FindPendingByIdempotencyKey(ctx context.Context, q Querier, appointmentID uuid.UUID, key string) (*PaymentIntent, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE appointment_id = $1 AND idempotency_key = $2 AND status = 'Pending'
	`
	i, err := scanIntent(q.QueryRow(ctx, query, appointmentID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("payments: find by idempotency key: %w", err)
	}
	return i, nil
}

// CompleteIfPending finalizes the intent when it is still open. The
// status guard makes duplicate gateway callbacks harmless.
func (r *Repository) CompleteIfPending(ctx context.Context, q Querier, id uuid.UUID, gatewayRef string, completedAt time.Time) (bool, error) {
	query := `
		UPDATE payment_intents
		SET status = 'Completed', gateway_ref = $2, completed_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'Pending'
	`
	return r.updateIfPending(ctx, q, query, id, gatewayRef, completedAt)
}

// MarkFailedIfPending records a rejected payment attempt.
func (r *Repository) MarkFailedIfPending(ctx context.Context, q Querier, id uuid.UUID, gatewayRef string) (bool, error) {
	query := `
		UPDATE payment_intents
		SET status = 'Failed', gateway_ref = $2, updated_at = now()
		WHERE id = $1 AND status = 'Pending'
	`
	return r.updateIfPending(ctx, q, query, id, gatewayRef)
}

// CancelIfPending voids an open intent.
func (r *Repository) CancelIfPending(ctx context.Context, q Querier, id uuid.UUID) (bool, error) {
	query := `
		UPDATE payment_intents
		SET status = 'Cancelled', updated_at = now()
		WHERE id = $1 AND status = 'Pending'
	`
	return r.updateIfPending(ctx, q, query, id)
}

func (r *Repository) updateIfPending(ctx context.Context, q Querier, query string, id uuid.UUID, extra ...any) (bool, error) {
	if q == nil {
		q = r.db
	}
	args := append([]any{id}, extra...)
	ct, err := q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("payments: update intent: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ExpireStale moves pending intents past their expiry to Expired and
// returns how many were closed.
func (r *Repository) ExpireStale(ctx context.Context, now time.Time, limit int) (int64, error) {
	query := `
		UPDATE payment_intents
		SET status = 'Expired', updated_at = now()
		WHERE id IN (
			SELECT id FROM payment_intents
			WHERE status = 'Pending' AND expires_at < $1
			ORDER BY expires_at
			LIMIT $2
		)
	`
	ct, err := r.db.Exec(ctx, query, now, limit)
	if err != nil {
		return 0, fmt.Errorf("payments: expire stale intents: %w", err)
	}
	return ct.RowsAffected(), nil
}

// SumCompletedForAppointment totals captured payments for reconciliation
// against the appointment's paid_amount.
func (r *Repository) SumCompletedForAppointment(ctx context.Context, appointmentID uuid.UUID) (float64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM payment_intents
		WHERE appointment_id = $1 AND status = 'Completed'
	`
	var total float64
	if err := r.db.QueryRow(ctx, query, appointmentID).Scan(&total); err != nil {
		return 0, fmt.Errorf("payments: sum completed: %w", err)
	}
	return total, nil
}

// CountOpenForCustomer counts the customer's pending intents, the
// database-backed half of the velocity check.
func (r *Repository) CountOpenForCustomer(ctx context.Context, customerID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM payment_intents WHERE customer_id = $1 AND status = 'Pending'`
	var n int
	if err := r.db.QueryRow(ctx, query, customerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("payments: count open intents: %w", err)
	}
	return n, nil
}

// InsertTransaction appends one gateway interaction record.
func (r *Repository) InsertTransaction(ctx context.Context, q Querier, t *PaymentTransaction) error {
	if q == nil {
		q = r.db
	}
	query := `
		INSERT INTO payment_transactions (
			id, intent_id, gateway, gateway_ref, status, amount, currency,
			error_code, error_message, raw_payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	err := q.QueryRow(ctx, query,
		t.ID, t.IntentID, t.Gateway, nullableString(t.GatewayRef),
		t.Status, t.Amount, t.Currency,
		nullableString(t.ErrorCode), nullableString(t.ErrorMessage), t.RawPayload,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("payments: insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the interaction trail for an intent.
func (r *Repository) ListTransactions(ctx context.Context, intentID uuid.UUID) ([]PaymentTransaction, error) {
	query := `
		SELECT id, intent_id, gateway, gateway_ref, status, amount, currency,
			error_code, error_message, raw_payload, created_at
		FROM payment_transactions
		WHERE intent_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, intentID)
	if err != nil {
		return nil, fmt.Errorf("payments: list transactions: %w", err)
	}
	defer rows.Close()

	var out []PaymentTransaction
	for rows.Next() {
		var (
			t          PaymentTransaction
			gatewayRef *string
			errCode    *string
			errMsg     *string
		)
		if err := rows.Scan(&t.ID, &t.IntentID, &t.Gateway, &gatewayRef, &t.Status, &t.Amount, &t.Currency, &errCode, &errMsg, &t.RawPayload, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("payments: scan transaction: %w", err)
		}
		if gatewayRef != nil {
			t.GatewayRef = *gatewayRef
		}
		if errCode != nil {
			t.ErrorCode = *errCode
		}
		if errMsg != nil {
			t.ErrorMessage = *errMsg
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
