package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carserv/carserv-platform/pkg/logging"
)

// VelocityConfig bounds how many intents one customer can open per window.
type VelocityConfig struct {
	Enabled        bool
	MaxPerCustomer int
	Window         time.Duration
}

// DefaultVelocityConfig returns the stock limits.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		Enabled:        true,
		MaxPerCustomer: 5,
		Window:         time.Hour,
	}
}

// VelocityChecker rate-limits intent creation per customer using a redis
// counter. Redis being down fails open so an outage never blocks payment.
type VelocityChecker struct {
	redis  *redis.Client
	config VelocityConfig
	logger *logging.Logger
}

// NewVelocityChecker creates a checker; a nil redis client disables it.
func NewVelocityChecker(client *redis.Client, config VelocityConfig, logger *logging.Logger) *VelocityChecker {
	if logger == nil {
		logger = logging.Default()
	}
	return &VelocityChecker{redis: client, config: config, logger: logger.WithComponent("velocity")}
}

// Allow reports whether the customer may open another intent right now.
func (v *VelocityChecker) Allow(ctx context.Context, customerID string) (bool, error) {
	if v == nil || !v.config.Enabled || v.redis == nil {
		return true, nil
	}

	key := fmt.Sprintf("velocity:intent:%s", customerID)
	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		v.logger.Error("velocity check failed", "error", err, "key", key)
		return true, nil
	}
	if count == 1 {
		if err := v.redis.Expire(ctx, key, v.config.Window).Err(); err != nil {
			v.logger.Error("velocity window expire failed", "error", err, "key", key)
		}
	}

	allowed := count <= int64(v.config.MaxPerCustomer)
	if !allowed {
		v.logger.Warn("intent velocity exceeded",
			"customer_id", customerID,
			"count", count,
			"max", v.config.MaxPerCustomer,
		)
	}
	return allowed, nil
}
