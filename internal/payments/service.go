package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carserv/carserv-platform/internal/appointments"
	"github.com/carserv/carserv-platform/internal/events"
	"github.com/carserv/carserv-platform/internal/observability/metrics"
	"github.com/carserv/carserv-platform/pkg/logging"
	"github.com/carserv/carserv-platform/pkg/money"
)

var paymentsTracer = otel.Tracer("carserv.internal.payments")

type intentStore interface {
	InsertIntent(ctx context.Context, q Querier, i *PaymentIntent) error
	GetByCode(ctx context.Context, q Querier, code string) (*PaymentIntent, error)
	Get(ctx context.Context, q Querier, id uuid.UUID) (*PaymentIntent, error)
	FindPendingByIdempotencyKey(ctx context.Context, q Querier, appointmentID uuid.UUID, key string) (*PaymentIntent, error)
	CompleteIfPending(ctx context.Context, q Querier, id uuid.UUID, gatewayRef string, completedAt time.Time) (bool, error)
	MarkFailedIfPending(ctx context.Context, q Querier, id uuid.UUID, gatewayRef string) (bool, error)
	CancelIfPending(ctx context.Context, q Querier, id uuid.UUID) (bool, error)
	InsertTransaction(ctx context.Context, q Querier, t *PaymentTransaction) error
}

// appointmentLedger is the slice of the appointments repository the
// settlement flow needs: balance reads and atomic payment application.
type appointmentLedger interface {
	Get(ctx context.Context, q appointments.Querier, id uuid.UUID) (*appointments.Appointment, error)
	ApplyPayment(ctx context.Context, q appointments.Querier, id uuid.UUID, amount float64, intentID uuid.UUID) (*appointments.Appointment, error)
}

type velocityChecker interface {
	Allow(ctx context.Context, customerID string) (bool, error)
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ServiceConfig carries the tunables of the intent ledger.
type ServiceConfig struct {
	DefaultCurrency string
	IntentExpiry    time.Duration
	GatewayName     string
}

// Service owns the payment intent lifecycle: opening intents against an
// appointment's outstanding balance and settling them from gateway
// callbacks.
type Service struct {
	tx       txBeginner
	store    intentStore
	appts    appointmentLedger
	velocity velocityChecker
	outbox   events.Writer
	metrics  *metrics.SettlementMetrics
	logger   *logging.Logger
	config   ServiceConfig
	now      func() time.Time
}

// NewService wires the payment service from concrete repositories.
func NewService(
	pool *pgxpool.Pool,
	store *Repository,
	appts *appointments.Repository,
	velocity *VelocityChecker,
	outbox events.Writer,
	m *metrics.SettlementMetrics,
	logger *logging.Logger,
	config ServiceConfig,
) *Service {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "VND"
	}
	if config.IntentExpiry <= 0 {
		config.IntentExpiry = 24 * time.Hour
	}
	return &Service{
		tx:       pool,
		store:    store,
		appts:    appts,
		velocity: velocity,
		outbox:   outbox,
		metrics:  m,
		logger:   logger.WithComponent("payments"),
		config:   config,
		now:      time.Now,
	}
}

// CreateIntent opens a pending intent against the appointment's
// outstanding balance. A nil amount collects the full balance; a repeated
// idempotency key returns the already-open intent instead of a new one.
func (s *Service) CreateIntent(ctx context.Context, req *CreateIntentRequest) (*PaymentIntent, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.create_intent")
	defer span.End()
	span.SetAttributes(attribute.String("carserv.appointment_id", req.AppointmentID.String()))

	if req.AppointmentID == uuid.Nil {
		return nil, &appointments.ValidationError{Field: "appointment_id"}
	}

	a, err := s.appts.Get(ctx, nil, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	outstanding := a.Outstanding()
	if outstanding <= 0 {
		return nil, ErrNothingToPay
	}

	amount := outstanding
	if req.Amount != nil {
		amount = money.Round2(*req.Amount)
	}
	if amount <= 0 {
		return nil, &appointments.ValidationError{Field: "amount"}
	}
	if amount > outstanding {
		return nil, fmt.Errorf("%w: requested %.2f, outstanding %.2f", ErrAmountExceedsOutstanding, amount, outstanding)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.FindPendingByIdempotencyKey(ctx, nil, req.AppointmentID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("reusing open intent for idempotency key",
				"intent_code", existing.Code, "appointment_id", req.AppointmentID)
			return existing, nil
		}
	}

	allowed, err := s.velocity.Allow(ctx, a.CustomerID.String())
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrVelocityExceeded
	}

	intent := &PaymentIntent{
		ID:             uuid.New(),
		Code:           newIntentCode(),
		AppointmentID:  a.ID,
		CustomerID:     a.CustomerID,
		Amount:         amount,
		Currency:       money.NormalizeCurrency(req.Currency, s.config.DefaultCurrency),
		Status:         StatusPending,
		Gateway:        s.config.GatewayName,
		IdempotencyKey: req.IdempotencyKey,
		ExpiresAt:      s.now().Add(s.config.IntentExpiry),
	}
	if err := s.store.InsertIntent(ctx, nil, intent); err != nil {
		// Two requests with the same idempotency key can both miss the
		// lookup above; the loser hits the partial unique index and gets
		// the winner's intent back instead of a raw violation.
		var pgErr *pgconn.PgError
		if req.IdempotencyKey != "" && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, findErr := s.store.FindPendingByIdempotencyKey(ctx, nil, req.AppointmentID, req.IdempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				s.logger.Info("lost idempotency insert race, reusing open intent",
					"intent_code", existing.Code, "appointment_id", req.AppointmentID)
				return existing, nil
			}
		}
		return nil, err
	}

	s.metrics.ObserveIntentAmount(amount)
	s.logger.Info("payment intent created",
		"intent_code", intent.Code,
		"appointment_id", a.ID,
		"amount", amount,
		"currency", intent.Currency)
	return intent, nil
}

// GetIntent loads an intent by its public code.
func (s *Service) GetIntent(ctx context.Context, code string) (*PaymentIntent, error) {
	return s.store.GetByCode(ctx, nil, code)
}

// ApplyCallback settles an intent from a normalized gateway notification.
// Callbacks for terminal intents are recorded but change nothing, so
// gateway retries and duplicate webhooks stay harmless. A completed
// callback applies the payment to the appointment balance in the same
// transaction that closes the intent.
func (s *Service) ApplyCallback(ctx context.Context, result *CallbackResult) (*PaymentIntent, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.apply_callback")
	defer span.End()
	span.SetAttributes(
		attribute.String("carserv.intent_code", result.IntentCode),
		attribute.String("carserv.gateway_status", result.Status),
	)

	intent, err := s.store.GetByCode(ctx, nil, result.IntentCode)
	if err != nil {
		return nil, err
	}
	if TerminalStatus(intent.Status) {
		s.metrics.ObserveCallback("duplicate")
		s.logger.Info("callback for settled intent ignored",
			"intent_code", intent.Code, "status", intent.Status)
		return intent, nil
	}
	if result.Status == StatusPending {
		s.metrics.ObserveCallback("in_flight")
		return intent, nil
	}

	amount := intent.Amount
	if result.Amount > 0 {
		amount = money.Round2(result.Amount)
		if amount > intent.Amount {
			s.logger.Warn("gateway reported more than the intent amount, capping",
				"intent_code", intent.Code,
				"reported", amount,
				"intent_amount", intent.Amount)
			amount = intent.Amount
		}
	}

	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("payments: begin callback tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn := &PaymentTransaction{
		ID:           uuid.New(),
		IntentID:     intent.ID,
		Gateway:      result.Gateway,
		GatewayRef:   result.GatewayRef,
		Status:       result.Status,
		Amount:       amount,
		Currency:     intent.Currency,
		ErrorCode:    result.ErrorCode,
		ErrorMessage: result.ErrorMsg,
		RawPayload:   result.RawPayload,
	}
	if err := s.store.InsertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	now := s.now()
	switch result.Status {
	case StatusCompleted:
		closed, err := s.store.CompleteIfPending(ctx, tx, intent.ID, result.GatewayRef, now)
		if err != nil {
			return nil, err
		}
		if !closed {
			break
		}
		a, err := s.appts.ApplyPayment(ctx, tx, intent.AppointmentID, amount, intent.ID)
		if err != nil {
			return nil, err
		}
		_, err = s.outbox.InsertTx(ctx, tx, events.TypePaymentCompleted, events.PaymentCompletedV1{
			EventID:       uuid.NewString(),
			AppointmentID: intent.AppointmentID.String(),
			IntentCode:    intent.Code,
			Amount:        amount,
			Currency:      intent.Currency,
			Gateway:       result.Gateway,
			GatewayRef:    result.GatewayRef,
			OccurredAt:    now,
		})
		if err != nil {
			return nil, err
		}
		intent.Status = StatusCompleted
		intent.GatewayRef = result.GatewayRef
		intent.CompletedAt = &now
		s.metrics.ObserveCallback("completed")
		s.logger.Info("payment captured",
			"intent_code", intent.Code,
			"appointment_id", intent.AppointmentID,
			"amount", amount,
			"payment_status", a.PaymentStatus)

	case StatusFailed:
		if _, err := s.store.MarkFailedIfPending(ctx, tx, intent.ID, result.GatewayRef); err != nil {
			return nil, err
		}
		_, err = s.outbox.InsertTx(ctx, tx, events.TypePaymentFailed, events.PaymentFailedV1{
			EventID:       uuid.NewString(),
			AppointmentID: intent.AppointmentID.String(),
			IntentCode:    intent.Code,
			Amount:        amount,
			Gateway:       result.Gateway,
			ErrorCode:     result.ErrorCode,
			ErrorMessage:  result.ErrorMsg,
			OccurredAt:    now,
		})
		if err != nil {
			return nil, err
		}
		intent.Status = StatusFailed
		s.metrics.ObserveCallback("failed")
		s.logger.Warn("payment failed",
			"intent_code", intent.Code, "error_code", result.ErrorCode)

	case StatusCancelled:
		if _, err := s.store.CancelIfPending(ctx, tx, intent.ID); err != nil {
			return nil, err
		}
		intent.Status = StatusCancelled
		s.metrics.ObserveCallback("cancelled")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("payments: commit callback tx: %w", err)
	}
	return intent, nil
}

func newIntentCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "PI-" + strings.ToUpper(raw[:12])
}
