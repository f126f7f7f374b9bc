package refunds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carserv/carserv-platform/internal/api/respond"
	"github.com/carserv/carserv-platform/internal/appointments"
	"github.com/carserv/carserv-platform/pkg/logging"
)

// Handler exposes the refund workflow over HTTP.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates the refunds HTTP handler.
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger.WithComponent("refunds_http")}
}

// Routes mounts the refund endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Request)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/process", h.StartProcessing)
	r.Post("/{id}/complete", h.Complete)
	r.Post("/{id}/fail", h.Fail)
	r.Post("/{id}/cancel", h.Cancel)
}

func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	var req RequestRefund
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request body")
		return
	}
	ref, err := h.service.Request(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, ref)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	ref, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, ref)
}

func (h *Handler) StartProcessing(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.service.StartProcessing)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.service.Cancel)
}

func (h *Handler) move(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) (*Refund, error)) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	ref, err := fn(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, ref)
}

type completeRequest struct {
	GatewayRef string `json:"gateway_ref,omitempty"`
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
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
	ref, err := h.service.Complete(r.Context(), id, req.GatewayRef)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, ref)
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req failRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "gateway rejection"
	}
	ref, err := h.service.Fail(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, ref)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "INVALID_ID", "id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var vErr *appointments.ValidationError
	switch {
	case errors.As(err, &vErr):
		respond.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", vErr.Error())
	case errors.Is(err, ErrReasonRequired):
		respond.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, ErrRefundNotFound),
		errors.Is(err, appointments.ErrAppointmentNotFound):
		respond.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrRefundExceedsPaid):
		respond.Error(w, http.StatusUnprocessableEntity, "REFUND_EXCEEDS_PAID", err.Error())
	case errors.Is(err, ErrInvalidRefundTransition):
		respond.Error(w, http.StatusUnprocessableEntity, "INVALID_STATUS_TRANSITION", err.Error())
	case errors.Is(err, appointments.ErrConcurrentUpdate):
		respond.Error(w, http.StatusConflict, "CONCURRENT_UPDATE", err.Error())
	default:
		h.logger.Error("refund request failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
