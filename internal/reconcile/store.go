package reconcile

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store owns the cross-aggregate repair queries that no single domain
// repository should carry.
type Store struct {
	db Querier
}

// NewStore creates the reconciliation store.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("reconcile: pgx pool required")
	}
	return &Store{db: pool}
}

// NewStoreWithQuerier allows injecting mocks for tests.
func NewStoreWithQuerier(q Querier) *Store {
	if q == nil {
		panic("reconcile: querier required")
	}
	return &Store{db: q}
}

// RepairPaymentDrift resets appointments whose paid_amount disagrees with
// the sum of their completed intents. Drift appears when a crash lands
// between the intent closing and the balance update; the intent ledger is
// the source of truth.
func (s *Store) RepairPaymentDrift(ctx context.Context, limit int) (int64, error) {
	query := `
		WITH captured AS (
			SELECT appointment_id, COALESCE(SUM(amount), 0) AS total
			FROM payment_intents
			WHERE status = 'Completed'
			GROUP BY appointment_id
		),
		drifted AS (
			SELECT a.id, c.total
			FROM appointments a
			JOIN captured c ON c.appointment_id = a.id
			WHERE a.paid_amount <> c.total
			LIMIT $1
		)
		UPDATE appointments a
		SET paid_amount = d.total,
		    payment_status = CASE
			WHEN d.total >= COALESCE(a.final_cost, a.estimated_cost) THEN 'Completed'
			ELSE 'Pending'
		    END,
		    updated_at = now()
		FROM drifted d
		WHERE a.id = d.id
	`
	ct, err := s.db.Exec(ctx, query, limit)
	if err != nil {
		return 0, fmt.Errorf("reconcile: repair payment drift: %w", err)
	}
	return ct.RowsAffected(), nil
}
