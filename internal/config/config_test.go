package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DEFAULT_CURRENCY", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.DefaultCurrency != "VND" {
		t.Fatalf("expected default currency VND, got %s", cfg.DefaultCurrency)
	}
	if cfg.PaymentIntentExpiry != 24*time.Hour {
		t.Fatalf("expected default intent expiry 24h, got %s", cfg.PaymentIntentExpiry)
	}
	if cfg.ReconcileInterval != time.Hour {
		t.Fatalf("expected default reconcile interval 1h, got %s", cfg.ReconcileInterval)
	}
	if !cfg.PaymentVelocityEnabled {
		t.Fatalf("expected velocity guard enabled by default")
	}
	if cfg.CORSAllowedOrigins != nil {
		t.Fatalf("expected no CORS origins by default, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("DEFAULT_CURRENCY", "usd")
	t.Setenv("PAYMENT_INTENT_EXPIRY", "6h")
	t.Setenv("PENDING_BOOKING_TIMEOUT", "72h")
	t.Setenv("MAX_INTENTS_PER_CUSTOMER", "3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.DefaultCurrency != "USD" {
		t.Fatalf("expected currency upper-cased, got %s", cfg.DefaultCurrency)
	}
	if cfg.PaymentIntentExpiry != 6*time.Hour {
		t.Fatalf("expected intent expiry override, got %s", cfg.PaymentIntentExpiry)
	}
	if cfg.PendingBookingTimeout != 72*time.Hour {
		t.Fatalf("expected pending timeout override, got %s", cfg.PendingBookingTimeout)
	}
	if cfg.MaxIntentsPerCustomer != 3 {
		t.Fatalf("expected intent cap override, got %d", cfg.MaxIntentsPerCustomer)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("expected parsed CORS origins, got %v", cfg.CORSAllowedOrigins)
	}
}
