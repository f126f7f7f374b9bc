package slots

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx so ledger mutations can
// join a wider booking transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Ledger tracks per-slot booking counts with conditional updates.
type Ledger struct {
	db Querier
}

// NewLedger creates a ledger backed by a pgx pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	if pool == nil {
		panic("slots: pgx pool required")
	}
	return &Ledger{db: pool}
}

// NewLedgerWithQuerier allows injecting mocks for tests.
func NewLedgerWithQuerier(q Querier) *Ledger {
	if q == nil {
		panic("slots: querier required")
	}
	return &Ledger{db: q}
}

// Reserve increments the slot's booking counter if and only if the slot is
// open, not blocked, below capacity, and starts in the future. Zero rows
// affected means the slot cannot take this booking.
func (l *Ledger) Reserve(ctx context.Context, q Querier, slotID uuid.UUID) error {
	if q == nil {
		q = l.db
	}
	query := `
		UPDATE time_slots
		SET current_bookings = current_bookings + 1
		WHERE id = $1
		  AND is_available
		  AND NOT is_blocked
		  AND current_bookings < max_bookings
		  AND start_time > now()
	`
	ct, err := q.Exec(ctx, query, slotID)
	if err != nil {
		return fmt.Errorf("slots: reserve: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := l.Get(ctx, q, slotID); errors.Is(err, ErrSlotNotFound) {
			return ErrSlotNotFound
		}
		return ErrSlotUnavailable
	}
	return nil
}

// Release decrements the slot's booking counter, never below zero.
func (l *Ledger) Release(ctx context.Context, q Querier, slotID uuid.UUID) error {
	if q == nil {
		q = l.db
	}
	query := `
		UPDATE time_slots
		SET current_bookings = current_bookings - 1
		WHERE id = $1 AND current_bookings > 0
	`
	if _, err := q.Exec(ctx, query, slotID); err != nil {
		return fmt.Errorf("slots: release: %w", err)
	}
	return nil
}

// Get loads a slot row.
func (l *Ledger) Get(ctx context.Context, q Querier, slotID uuid.UUID) (*TimeSlot, error) {
	if q == nil {
		q = l.db
	}
	query := `
		SELECT id, center_id, slot_date, start_time, end_time,
		       max_bookings, current_bookings, is_available, is_blocked
		FROM time_slots
		WHERE id = $1
	`
	var s TimeSlot
	err := q.QueryRow(ctx, query, slotID).Scan(
		&s.ID,
		&s.CenterID,
		&s.SlotDate,
		&s.StartTime,
		&s.EndTime,
		&s.MaxBookings,
		&s.CurrentBookings,
		&s.IsAvailable,
		&s.IsBlocked,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("slots: load: %w", err)
	}
	return &s, nil
}

// BookedWindowsForVehicle returns the slot windows of the vehicle's live
// appointments, used to reject overlapping bookings across slots.
func (l *Ledger) BookedWindowsForVehicle(ctx context.Context, q Querier, vehicleID uuid.UUID) ([]Window, error) {
	if q == nil {
		q = l.db
	}
	query := `
		SELECT ts.slot_date, ts.start_time, ts.end_time
		FROM appointments a
		JOIN time_slots ts ON ts.id = a.slot_id
		WHERE a.vehicle_id = $1
		  AND a.status IN ('Pending', 'Confirmed', 'CheckedIn', 'InProgress')
	`
	rows, err := q.Query(ctx, query, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("slots: vehicle windows: %w", err)
	}
	defer rows.Close()

	var windows []Window
	for rows.Next() {
		var w Window
		if err := rows.Scan(&w.Date, &w.Start, &w.End); err != nil {
			return nil, fmt.Errorf("slots: scan window: %w", err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// ConflictsWithAny reports whether the candidate window overlaps any of the
// existing ones.
func ConflictsWithAny(candidate Window, existing []Window) bool {
	for _, w := range existing {
		if candidate.Overlaps(w) {
			return true
		}
	}
	return false
}
