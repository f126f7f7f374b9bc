package refunds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carserv/carserv-platform/internal/appointments"
	"github.com/carserv/carserv-platform/internal/events"
	"github.com/carserv/carserv-platform/internal/observability/metrics"
	"github.com/carserv/carserv-platform/internal/payments"
	"github.com/carserv/carserv-platform/pkg/logging"
	"github.com/carserv/carserv-platform/pkg/money"
)

var refundsTracer = otel.Tracer("carserv.internal.refunds")

type refundStore interface {
	Insert(ctx context.Context, q Querier, ref *Refund) error
	Get(ctx context.Context, q Querier, id uuid.UUID) (*Refund, error)
	ListForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Refund, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*Refund, error)
	Transition(ctx context.Context, q Querier, id uuid.UUID, from, to string) (bool, error)
	MarkCompleted(ctx context.Context, q Querier, id uuid.UUID, gatewayRef string, processedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, q Querier, id uuid.UUID, failureReason string) (bool, error)
}

// appointmentBalance is the slice of the appointments repository the
// refund flow needs.
type appointmentBalance interface {
	Get(ctx context.Context, q appointments.Querier, id uuid.UUID) (*appointments.Appointment, error)
	DeductPaid(ctx context.Context, q appointments.Querier, id uuid.UUID, amount float64) error
}

type intentLedger interface {
	Get(ctx context.Context, q payments.Querier, id uuid.UUID) (*payments.PaymentIntent, error)
	InsertTransaction(ctx context.Context, q payments.Querier, t *payments.PaymentTransaction) error
}

// GatewayRefunder pushes a refund to the payment provider and returns the
// provider's reference for it.
type GatewayRefunder interface {
	Refund(ctx context.Context, paymentRef string, amount float64) (string, error)
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service owns the refund workflow from request through settlement. A
// completed refund decrements the appointment's captured balance in the
// same transaction that closes the refund.
type Service struct {
	tx      txBeginner
	store   refundStore
	appts   appointmentBalance
	intents intentLedger
	gateway GatewayRefunder
	outbox  events.Writer
	metrics *metrics.SettlementMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewService wires the refund service from concrete repositories. The
// gateway may be nil; refunds then stay manual.
func NewService(
	pool *pgxpool.Pool,
	store *Repository,
	appts *appointments.Repository,
	intents *payments.Repository,
	gateway GatewayRefunder,
	outbox events.Writer,
	m *metrics.SettlementMetrics,
	logger *logging.Logger,
) *Service {
	if pool == nil {
		panic("refunds: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		tx:      pool,
		store:   store,
		appts:   appts,
		intents: intents,
		gateway: gateway,
		outbox:  outbox,
		metrics: m,
		logger:  logger.WithComponent("refunds"),
		now:     time.Now,
	}
}

// Request opens a Pending refund after validating the amount against the
// appointment's captured balance.
func (s *Service) Request(ctx context.Context, req *RequestRefund) (*Refund, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, ErrReasonRequired
	}
	amount := money.Round2(req.Amount)
	if amount <= 0 {
		return nil, &appointments.ValidationError{Field: "amount"}
	}

	a, err := s.appts.Get(ctx, nil, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if amount > a.PaidAmount {
		return nil, fmt.Errorf("%w: requested %.2f, captured %.2f", ErrRefundExceedsPaid, amount, a.PaidAmount)
	}

	method := req.Method
	if method == "" {
		method = MethodOriginalPayment
	}
	ref := &Refund{
		ID:            uuid.New(),
		AppointmentID: req.AppointmentID,
		IntentID:      req.IntentID,
		Amount:        amount,
		Method:        method,
		Status:        StatusPending,
		Reason:        req.Reason,
	}
	if err := s.store.Insert(ctx, nil, ref); err != nil {
		return nil, err
	}

	s.metrics.ObserveRefund("requested")
	s.logger.Info("refund requested",
		"refund_id", ref.ID, "appointment_id", req.AppointmentID, "amount", amount)
	return ref, nil
}

// Get loads a refund.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Refund, error) {
	return s.store.Get(ctx, nil, id)
}

// ListForAppointment returns an appointment's refund history.
func (s *Service) ListForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Refund, error) {
	return s.store.ListForAppointment(ctx, appointmentID)
}

// StartProcessing moves a Pending refund into Processing.
func (s *Service) StartProcessing(ctx context.Context, id uuid.UUID) (*Refund, error) {
	return s.move(ctx, id, StatusProcessing)
}

// Cancel voids a refund that has not settled yet.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Refund, error) {
	return s.move(ctx, id, StatusCancelled)
}

func (s *Service) move(ctx context.Context, id uuid.UUID, to string) (*Refund, error) {
	ref, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(ref.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidRefundTransition, ref.Status, to)
	}
	moved, err := s.store.Transition(ctx, nil, id, ref.Status, to)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, appointments.ErrConcurrentUpdate
	}
	s.metrics.ObserveRefund(strings.ToLower(to))
	ref.Status = to
	return ref, nil
}

// Complete settles a Processing refund: the refund closes, the captured
// balance comes down, and the notification event goes out, atomically.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, gatewayRef string) (*Refund, error) {
	ref, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(ref.Status, StatusCompleted) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidRefundTransition, ref.Status, StatusCompleted)
	}

	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("refunds: begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	closed, err := s.store.MarkCompleted(ctx, tx, id, gatewayRef, now)
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, appointments.ErrConcurrentUpdate
	}
	if err := s.appts.DeductPaid(ctx, tx, ref.AppointmentID, ref.Amount); err != nil {
		return nil, err
	}
	if ref.IntentID != nil {
		intent, err := s.intents.Get(ctx, tx, *ref.IntentID)
		if err != nil {
			return nil, err
		}
		err = s.intents.InsertTransaction(ctx, tx, &payments.PaymentTransaction{
			ID:         uuid.New(),
			IntentID:   intent.ID,
			Gateway:    intent.Gateway,
			GatewayRef: gatewayRef,
			Status:     "refunded",
			Amount:     -ref.Amount,
			Currency:   intent.Currency,
		})
		if err != nil {
			return nil, err
		}
	}
	_, err = s.outbox.InsertTx(ctx, tx, events.TypeRefundCompleted, events.RefundCompletedV1{
		EventID:       uuid.NewString(),
		AppointmentID: ref.AppointmentID.String(),
		RefundID:      ref.ID.String(),
		Amount:        ref.Amount,
		Method:        ref.Method,
		OccurredAt:    now,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("refunds: commit complete tx: %w", err)
	}

	s.metrics.ObserveRefund("completed")
	s.logger.Info("refund completed",
		"refund_id", ref.ID, "appointment_id", ref.AppointmentID,
		"amount", ref.Amount, "gateway_ref", gatewayRef)
	ref.Status = StatusCompleted
	ref.GatewayRef = gatewayRef
	ref.ProcessedAt = &now
	return ref, nil
}

// Fail records a refund the provider rejected. The captured balance stays
// untouched so the money can be returned another way.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, failureReason string) (*Refund, error) {
	ref, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(ref.Status, StatusFailed) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidRefundTransition, ref.Status, StatusFailed)
	}
	moved, err := s.store.MarkFailed(ctx, nil, id, failureReason)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, appointments.ErrConcurrentUpdate
	}
	s.metrics.ObserveRefund("failed")
	s.logger.Warn("refund failed",
		"refund_id", ref.ID, "reason", failureReason)
	ref.Status = StatusFailed
	ref.FailureReason = failureReason
	return ref, nil
}

// ProcessPending pushes a batch of Pending original-payment refunds to
// the gateway, settling or failing each. Manual refunds are skipped; they
// wait for staff. Returns how many refunds reached a terminal state.
func (s *Service) ProcessPending(ctx context.Context, limit int) (int, error) {
	if s.gateway == nil {
		return 0, nil
	}
	ctx, span := refundsTracer.Start(ctx, "refunds.process_pending")
	defer span.End()
	span.SetAttributes(attribute.Int("carserv.batch_limit", limit))
	pending, err := s.store.ListByStatus(ctx, StatusPending, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, ref := range pending {
		if ref.Method != MethodOriginalPayment || ref.IntentID == nil {
			continue
		}
		intent, err := s.intents.Get(ctx, nil, *ref.IntentID)
		if err != nil {
			s.logger.Error("refund intent lookup failed", "refund_id", ref.ID, "error", err)
			continue
		}
		if intent.GatewayRef == "" {
			continue
		}
		moved, err := s.store.Transition(ctx, nil, ref.ID, StatusPending, StatusProcessing)
		if err != nil || !moved {
			continue
		}

		gwRef, err := s.gateway.Refund(ctx, intent.GatewayRef, ref.Amount)
		if err != nil {
			s.logger.Error("gateway refund failed", "refund_id", ref.ID, "error", err)
			if _, ferr := s.Fail(ctx, ref.ID, err.Error()); ferr != nil {
				s.logger.Error("failed to mark refund failed", "refund_id", ref.ID, "error", ferr)
			}
			settled++
			continue
		}
		if _, err := s.Complete(ctx, ref.ID, gwRef); err != nil {
			s.logger.Error("refund completion failed", "refund_id", ref.ID, "error", err)
			continue
		}
		settled++
	}

	// Processing rows left behind by a crashed sweep are not retried
	// automatically: re-sending the gateway refund could pay out twice.
	// They stay visible until staff complete or fail them.
	stuck, err := s.store.ListByStatus(ctx, StatusProcessing, limit)
	if err != nil {
		return settled, err
	}
	for _, ref := range stuck {
		s.logger.Warn("refund stuck in processing, needs manual complete or fail",
			"refund_id", ref.ID, "appointment_id", ref.AppointmentID, "amount", ref.Amount)
	}
	return settled, nil
}
