package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string

	// Payment settlement
	DefaultCurrency        string
	PaymentIntentExpiry    time.Duration
	GatewayProvider        string
	MercadoPagoAccessToken string
	PaymentVelocityEnabled bool
	MaxIntentsPerCustomer  int
	IntentVelocityWindow   time.Duration

	// Reconciliation sweeps
	ReconcileInterval     time.Duration
	PendingBookingTimeout time.Duration
	ReconcileBatchSize    int
	OutboxDeliverInterval time.Duration
	NotificationQueueURL  string
	AWSRegion             string
	AWSAccessKeyID        string
	AWSSecretAccessKey    string
	AWSEndpointOverride   string

	// Redis (velocity guard)
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		DefaultCurrency:        strings.ToUpper(strings.TrimSpace(getEnv("DEFAULT_CURRENCY", "VND"))),
		PaymentIntentExpiry:    getEnvAsDuration("PAYMENT_INTENT_EXPIRY", 24*time.Hour),
		GatewayProvider:        strings.ToLower(strings.TrimSpace(getEnv("PAYMENT_GATEWAY", "mercadopago"))),
		MercadoPagoAccessToken: getEnv("MERCADOPAGO_ACCESS_TOKEN", ""),
		PaymentVelocityEnabled: getEnvAsBool("PAYMENT_VELOCITY_ENABLED", true),
		MaxIntentsPerCustomer:  getEnvAsInt("MAX_INTENTS_PER_CUSTOMER", 5),
		IntentVelocityWindow:   getEnvAsDuration("INTENT_VELOCITY_WINDOW", time.Hour),

		ReconcileInterval:     getEnvAsDuration("RECONCILE_INTERVAL", time.Hour),
		PendingBookingTimeout: getEnvAsDuration("PENDING_BOOKING_TIMEOUT", 48*time.Hour),
		ReconcileBatchSize:    getEnvAsInt("RECONCILE_BATCH_SIZE", 100),
		OutboxDeliverInterval: getEnvAsDuration("OUTBOX_DELIVER_INTERVAL", 2*time.Second),
		NotificationQueueURL:  getEnv("NOTIFICATION_QUEUE_URL", ""),
		AWSRegion:             getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:        getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:   getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
