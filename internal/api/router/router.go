package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carserv/carserv-platform/internal/appointments"
	httpmiddleware "github.com/carserv/carserv-platform/internal/http/middleware"
	"github.com/carserv/carserv-platform/internal/payments"
	"github.com/carserv/carserv-platform/internal/refunds"
	"github.com/carserv/carserv-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger              *logging.Logger
	AppointmentsHandler *appointments.Handler
	PaymentsHandler     *payments.Handler
	PaymentsWebhook     *payments.WebhookHandler
	RefundsHandler      *refunds.Handler
	MetricsHandler      http.Handler
	CORSAllowedOrigins  []string
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.PaymentsWebhook != nil {
		r.Post("/webhooks/mercadopago", cfg.PaymentsWebhook.Handle)
	}

	r.Route("/api/v1", func(api chi.Router) {
		if cfg.AppointmentsHandler != nil {
			api.Route("/appointments", cfg.AppointmentsHandler.Routes)
		}
		if cfg.PaymentsHandler != nil {
			api.Route("/payment-intents", cfg.PaymentsHandler.Routes)
		}
		if cfg.RefundsHandler != nil {
			api.Route("/refunds", cfg.RefundsHandler.Routes)
		}
	})

	return r
}
