package payments

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carserv/carserv-platform/internal/api/respond"
	"github.com/carserv/carserv-platform/internal/appointments"
	"github.com/carserv/carserv-platform/pkg/logging"
)

// Handler exposes the payment intent ledger over HTTP.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates the payments HTTP handler.
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger.WithComponent("payments_http")}
}

// Routes mounts the payment intent endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.CreateIntent)
	r.Get("/{code}", h.GetIntent)
}

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request body")
		return
	}
	intent, err := h.service.CreateIntent(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, intent)
}

func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.service.GetIntent(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, intent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var vErr *appointments.ValidationError
	switch {
	case errors.As(err, &vErr):
		respond.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", vErr.Error())
	case errors.Is(err, ErrIntentNotFound),
		errors.Is(err, appointments.ErrAppointmentNotFound):
		respond.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrNothingToPay):
		respond.Error(w, http.StatusUnprocessableEntity, "NOTHING_TO_PAY", err.Error())
	case errors.Is(err, ErrAmountExceedsOutstanding):
		respond.Error(w, http.StatusUnprocessableEntity, "AMOUNT_EXCEEDS_OUTSTANDING", err.Error())
	case errors.Is(err, ErrVelocityExceeded):
		respond.Error(w, http.StatusTooManyRequests, "VELOCITY_EXCEEDED", err.Error())
	default:
		h.logger.Error("payment request failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
