package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carserv/carserv-platform/internal/api/respond"
	"github.com/carserv/carserv-platform/internal/catalog"
	"github.com/carserv/carserv-platform/internal/slots"
	"github.com/carserv/carserv-platform/internal/subscriptions"
	"github.com/carserv/carserv-platform/pkg/logging"
)

// Handler exposes the appointment lifecycle over HTTP.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates the appointments HTTP handler.
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger.WithComponent("appointments_http")}
}

// Routes mounts the appointment endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/confirm", h.Confirm)
	r.Post("/{id}/check-in", h.CheckIn)
	r.Post("/{id}/start", h.Start)
	r.Post("/{id}/complete", h.Complete)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/no-show", h.NoShow)
	r.Post("/{id}/reschedule", h.Reschedule)
	r.Patch("/{id}/services/{lineID}", h.AdjustService)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request body")
		return
	}
	result, err := h.service.CreateBooking(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, result)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.GetAppointment(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, result)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Confirm)
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CheckIn)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.StartService)
}

func (h *Handler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.MarkNoShow)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) (*Appointment, error)) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	a, err := fn(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, a)
}

type completeRequest struct {
	FinalCost *float64 `json:"final_cost,omitempty"`
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	var req completeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request body")
			return
		}
	}
	a, err := h.service.Complete(r.Context(), id, req.FinalCost)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by customer"
	}
	a, err := h.service.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, a)
}

func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	var req BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request body")
		return
	}
	result, err := h.service.Reschedule(r.Context(), id, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, result)
}

func (h *Handler) AdjustService(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.parseID(w, r, "lineID")
	if !ok {
		return
	}
	var req AdjustServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request body")
		return
	}
	entry, err := h.service.AdjustServiceSource(r.Context(), id, lineID, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, entry)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "INVALID_ID", param+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		respond.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", vErr.Error())
	case errors.Is(err, ErrNoServicesRequested):
		respond.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, ErrAdjustReasonTooShort):
		respond.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, ErrAppointmentNotFound),
		errors.Is(err, ErrServiceLineNotFound),
		errors.Is(err, slots.ErrSlotNotFound),
		errors.Is(err, catalog.ErrServiceNotFound),
		errors.Is(err, catalog.ErrCustomerNotFound),
		errors.Is(err, catalog.ErrPromotionNotFound):
		respond.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, slots.ErrSlotUnavailable):
		respond.Error(w, http.StatusConflict, "SLOT_UNAVAILABLE", err.Error())
	case errors.Is(err, subscriptions.ErrInsufficientQuota):
		respond.Error(w, http.StatusConflict, "INSUFFICIENT_QUOTA", err.Error())
	case errors.Is(err, ErrVehicleConflict):
		respond.Error(w, http.StatusConflict, "VEHICLE_CONFLICT", err.Error())
	case errors.Is(err, ErrConcurrentUpdate):
		respond.Error(w, http.StatusConflict, "CONCURRENT_UPDATE", err.Error())
	case errors.Is(err, ErrInvalidStatusTransition):
		respond.Error(w, http.StatusUnprocessableEntity, "INVALID_STATUS_TRANSITION", err.Error())
	default:
		h.logger.Error("appointment request failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
