package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/carserv/carserv-platform/internal/api/respond"
	"github.com/carserv/carserv-platform/internal/events"
	"github.com/carserv/carserv-platform/pkg/logging"
)

type processedStore interface {
	AlreadyProcessed(ctx context.Context, gateway, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, gateway, eventID string) (bool, error)
}

// WebhookHandler receives Mercado Pago payment notifications, verifies
// them against the provider API, and forwards the result to the intent
// ledger. Every notification the provider retries lands here, so the
// handler is idempotent at two layers: the processed-event store and the
// intent's own status guard.
type WebhookHandler struct {
	service   *Service
	gateway   Gateway
	processed processedStore
	logger    *logging.Logger
}

// NewWebhookHandler creates the webhook endpoint.
func NewWebhookHandler(service *Service, gateway Gateway, processed *events.ProcessedStore, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		service:   service,
		gateway:   gateway,
		processed: processed,
		logger:    logger.WithComponent("payments_webhook"),
	}
}

// mercadopago notification envelope
type webhookNotification struct {
	ID     json.Number `json:"id"`
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Data   struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// Handle processes one POSTed notification. Non-payment notification
// types are acknowledged and dropped. Errors return 5xx so the provider
// retries later.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "unreadable body")
		return
	}
	var note webhookNotification
	if err := json.Unmarshal(body, &note); err != nil {
		respond.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid notification")
		return
	}
	if note.Type != "payment" || note.Data.ID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	eventID := note.ID.String()
	if eventID == "" {
		eventID = note.Data.ID.String()
	}
	seen, err := h.processed.AlreadyProcessed(ctx, h.gateway.Name(), eventID)
	if err != nil {
		h.logger.Error("processed-event lookup failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}
	if seen {
		w.WriteHeader(http.StatusOK)
		return
	}

	gp, err := h.gateway.LookupPayment(ctx, note.Data.ID.String())
	if err != nil {
		h.logger.Error("gateway verification failed", "error", err, "ref", note.Data.ID)
		respond.Error(w, http.StatusBadGateway, "GATEWAY_ERROR", "payment verification failed")
		return
	}
	if gp.IntentCode == "" {
		h.logger.Warn("gateway payment carries no intent reference", "ref", gp.Ref)
		w.WriteHeader(http.StatusOK)
		return
	}

	result := &CallbackResult{
		Gateway:    h.gateway.Name(),
		EventID:    eventID,
		IntentCode: gp.IntentCode,
		GatewayRef: gp.Ref,
		Status:     NormalizeGatewayStatus(gp.Status),
		Amount:     gp.Amount,
		Currency:   gp.Currency,
		RawPayload: body,
	}
	if _, err := h.service.ApplyCallback(ctx, result); err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			h.logger.Warn("callback for unknown intent", "intent_code", gp.IntentCode)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Error("callback processing failed", "error", err, "intent_code", gp.IntentCode)
		respond.Error(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}

	if _, err := h.processed.MarkProcessed(ctx, h.gateway.Name(), eventID); err != nil {
		// Settlement already committed; a replay hits the status guard.
		h.logger.Error("failed to mark event processed", "error", err, "event_id", eventID)
	}
	w.WriteHeader(http.StatusOK)
}
