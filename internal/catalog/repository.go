package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carserv/carserv-platform/internal/pricing"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var (
	// ErrServiceNotFound is returned when a requested service id is unknown
	ErrServiceNotFound = errors.New("service not found")

	// ErrCustomerNotFound is returned when the customer id is unknown
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrPromotionNotFound is returned for unknown or inactive promotion codes
	ErrPromotionNotFound = errors.New("promotion not found")
)

// ServiceInfo is the read-side view of a catalog service used by booking.
type ServiceInfo struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	BasePrice        float64   `json:"base_price"`
	EstimatedMinutes int       `json:"estimated_minutes"`
}

// Repository exposes catalog lookups. Catalog CRUD lives elsewhere; the
// settlement core only reads.
type Repository struct {
	pool querier
}

// NewRepository creates a read-only catalog repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("catalog: pgx pool required")
	}
	return &Repository{pool: pool}
}

func newRepositoryWithQuerier(q querier) *Repository {
	if q == nil {
		panic("catalog: querier required")
	}
	return &Repository{pool: q}
}

// GetServices loads the requested services keyed by id. A missing id is an
// error so bookings never silently drop a line.
func (r *Repository) GetServices(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ServiceInfo, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]ServiceInfo{}, nil
	}
	query := `
		SELECT id, name, base_price, estimated_minutes
		FROM services
		WHERE id = ANY($1)
	`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("catalog: load services: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]ServiceInfo, len(ids))
	for rows.Next() {
		var s ServiceInfo
		if err := rows.Scan(&s.ID, &s.Name, &s.BasePrice, &s.EstimatedMinutes); err != nil {
			return nil, fmt.Errorf("catalog: scan service: %w", err)
		}
		out[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("catalog: service %s: %w", id, ErrServiceNotFound)
		}
	}
	return out, nil
}

// GetCustomerTier returns the customer's pricing tier.
func (r *Repository) GetCustomerTier(ctx context.Context, customerID uuid.UUID) (string, error) {
	query := `SELECT tier FROM customers WHERE id = $1`
	var tier string
	if err := r.pool.QueryRow(ctx, query, customerID).Scan(&tier); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrCustomerNotFound
		}
		return "", fmt.Errorf("catalog: load customer tier: %w", err)
	}
	return tier, nil
}

// GetPromotion resolves an active promotion code.
func (r *Repository) GetPromotion(ctx context.Context, code string) (*pricing.Promotion, error) {
	query := `
		SELECT code, kind, value
		FROM promotions
		WHERE code = $1
		  AND is_active
		  AND (valid_until IS NULL OR valid_until > now())
	`
	var p pricing.Promotion
	if err := r.pool.QueryRow(ctx, query, code).Scan(&p.Code, &p.Kind, &p.Value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPromotionNotFound
		}
		return nil, fmt.Errorf("catalog: load promotion: %w", err)
	}
	return &p, nil
}
