package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProcessedStore records gateway callbacks that were already handled, so a
// re-delivered webhook cannot be applied twice.
type ProcessedStore struct {
	db Querier
}

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{db: pool}
}

func newProcessedStoreWithQuerier(q Querier) *ProcessedStore {
	if q == nil {
		panic("events: querier required")
	}
	return &ProcessedStore{db: q}
}

// AlreadyProcessed checks if we've seen this gateway event id.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, gateway, eventID string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE gateway = $1 AND event_id = $2`
	var exists int
	if err := s.db.QueryRow(ctx, query, gateway, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed inserts an event id for the gateway, returning false if it
// already exists.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, gateway, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_events (gateway, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.db.Exec(ctx, query, gateway, eventID)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
