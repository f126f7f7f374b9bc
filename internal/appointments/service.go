package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carserv/carserv-platform/internal/catalog"
	"github.com/carserv/carserv-platform/internal/events"
	"github.com/carserv/carserv-platform/internal/observability/metrics"
	"github.com/carserv/carserv-platform/internal/pricing"
	"github.com/carserv/carserv-platform/internal/slots"
	"github.com/carserv/carserv-platform/internal/subscriptions"
	"github.com/carserv/carserv-platform/pkg/logging"
	"github.com/carserv/carserv-platform/pkg/money"
)

var appointmentsTracer = otel.Tracer("carserv.internal.appointments")

type catalogReader interface {
	GetServices(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]catalog.ServiceInfo, error)
	GetCustomerTier(ctx context.Context, customerID uuid.UUID) (string, error)
	GetPromotion(ctx context.Context, code string) (*pricing.Promotion, error)
}

type slotLedger interface {
	Reserve(ctx context.Context, q slots.Querier, slotID uuid.UUID) error
	Release(ctx context.Context, q slots.Querier, slotID uuid.UUID) error
	Get(ctx context.Context, q slots.Querier, slotID uuid.UUID) (*slots.TimeSlot, error)
	BookedWindowsForVehicle(ctx context.Context, q slots.Querier, vehicleID uuid.UUID) ([]slots.Window, error)
}

type usageStore interface {
	ListUsableForVehicle(ctx context.Context, q subscriptions.Querier, customerID, vehicleID uuid.UUID) ([]*subscriptions.Subscription, error)
	ReserveUsage(ctx context.Context, q subscriptions.Querier, usageID uuid.UUID) error
	ReleaseUsage(ctx context.Context, q subscriptions.Querier, usageID uuid.UUID) error
	StampUsage(ctx context.Context, q subscriptions.Querier, usageID, appointmentID uuid.UUID, when time.Time) error
	MarkFullyUsedIfDrained(ctx context.Context, q subscriptions.Querier, subscriptionID uuid.UUID) (bool, error)
}

type appointmentStore interface {
	Insert(ctx context.Context, q Querier, a *Appointment) error
	InsertServiceLine(ctx context.Context, q Querier, line *ServiceLine) error
	Get(ctx context.Context, q Querier, id uuid.UUID) (*Appointment, error)
	ListServiceLines(ctx context.Context, q Querier, appointmentID uuid.UUID) ([]ServiceLine, error)
	GetServiceLine(ctx context.Context, q Querier, lineID uuid.UUID) (*ServiceLine, error)
	TransitionStatus(ctx context.Context, q Querier, id uuid.UUID, from, to Status) (bool, error)
	SetCancellation(ctx context.Context, q Querier, id uuid.UUID, from, to Status, reason string) (bool, error)
	Complete(ctx context.Context, q Querier, id uuid.UUID, to Status, finalCost float64) (bool, error)
	OverrideServiceLine(ctx context.Context, q Querier, lineID uuid.UUID, source ServiceSource, price, discount float64, clearSubscription bool) error
	AddToEstimatedCost(ctx context.Context, q Querier, id uuid.UUID, delta, discountDelta float64) error
	InsertAuditEntry(ctx context.Context, q Querier, e *SourceAuditEntry) error
}

// refundRequester opens a refund inside the caller's transaction. Wired to
// the refunds store so cancellation and its refund commit together.
type refundRequester interface {
	RequestTx(ctx context.Context, tx pgx.Tx, appointmentID uuid.UUID, amount float64, reason string) (uuid.UUID, error)
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service coordinates booking creation and lifecycle transitions across
// the slot ledger, subscription quota, and payment balances.
type Service struct {
	tx      txBeginner
	store   appointmentStore
	catalog catalogReader
	slots   slotLedger
	subs    usageStore
	outbox  events.Writer
	refunds refundRequester
	metrics *metrics.SettlementMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewService wires the appointment service from concrete repositories.
func NewService(
	pool *pgxpool.Pool,
	store *Repository,
	cat *catalog.Repository,
	ledger *slots.Ledger,
	subs *subscriptions.Repository,
	outbox events.Writer,
	refunds refundRequester,
	m *metrics.SettlementMetrics,
	logger *logging.Logger,
) *Service {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		tx:      pool,
		store:   store,
		catalog: cat,
		slots:   ledger,
		subs:    subs,
		outbox:  outbox,
		refunds: refunds,
		metrics: m,
		logger:  logger.WithComponent("appointments"),
		now:     time.Now,
	}
}

// bookingPlan is the fully priced booking computed before any state is
// touched. Reservations happen only inside the transaction that persists
// the plan.
type bookingPlan struct {
	appointment *Appointment
	lines       []ServiceLine
	usageIDs    []uuid.UUID
}

// CreateBooking prices the requested services, allocates subscription
// quota, and persists the appointment atomically with its slot and usage
// reservations. A reservation lost to a concurrent booking is re-planned
// and retried once before failing.
func (s *Service) CreateBooking(ctx context.Context, req *BookingRequest) (*BookingResult, error) {
	ctx, span := appointmentsTracer.Start(ctx, "appointments.create_booking")
	defer span.End()
	span.SetAttributes(
		attribute.String("carserv.vehicle_id", req.VehicleID.String()),
		attribute.Int("carserv.service_count", len(req.ServiceIDs)),
	)

	if err := req.Validate(); err != nil {
		return nil, err
	}

	result, err := s.tryCreateBooking(ctx, req)
	if err != nil && (errors.Is(err, slots.ErrSlotUnavailable) || errors.Is(err, subscriptions.ErrInsufficientQuota)) {
		s.logger.Warn("booking lost reservation race, replanning",
			"vehicle_id", req.VehicleID, "error", err)
		result, err = s.tryCreateBooking(ctx, req)
	}
	if err != nil {
		s.observeBookingFailure(err)
		return nil, err
	}
	s.metrics.ObserveBooking("created")
	return result, nil
}

func (s *Service) tryCreateBooking(ctx context.Context, req *BookingRequest) (*BookingResult, error) {
	plan, err := s.buildPlan(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: begin booking tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.executePlan(ctx, tx, plan); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("appointments: commit booking tx: %w", err)
	}

	s.logger.Info("appointment created",
		"appointment_id", plan.appointment.ID,
		"customer_id", plan.appointment.CustomerID,
		"estimated_cost", plan.appointment.EstimatedCost,
		"covered_lines", len(plan.usageIDs))
	return &BookingResult{Appointment: plan.appointment, Services: plan.lines}, nil
}

// buildPlan resolves catalog data, tier and promotion discounts, and
// subscription coverage into service lines and totals. Read-only.
func (s *Service) buildPlan(ctx context.Context, req *BookingRequest, rescheduledFrom *uuid.UUID) (*bookingPlan, error) {
	serviceIDs := dedupe(req.ServiceIDs)

	services, err := s.catalog.GetServices(ctx, serviceIDs)
	if err != nil {
		return nil, err
	}
	tier, err := s.catalog.GetCustomerTier(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	tierPercent := pricing.TierDiscountPercent(tier)

	var promo *pricing.Promotion
	if req.PromotionCode != "" {
		promo, err = s.catalog.GetPromotion(ctx, req.PromotionCode)
		if err != nil {
			return nil, err
		}
	}

	subs, err := s.subs.ListUsableForVehicle(ctx, nil, req.CustomerID, req.VehicleID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	assigned := subscriptions.Allocate(subs, serviceIDs, now)

	if req.SlotID != nil {
		if err := s.checkVehicleConflict(ctx, req.VehicleID, *req.SlotID); err != nil {
			return nil, err
		}
	}

	appointmentID := uuid.New()
	paidSource := SourceRegular
	if len(assigned) > 0 {
		paidSource = SourceExtra
	}

	var (
		lines         []ServiceLine
		usageIDs      []uuid.UUID
		estimatedCost float64
		discountTotal float64
	)
	for _, serviceID := range serviceIDs {
		info := services[serviceID]
		line := ServiceLine{
			ID:               uuid.New(),
			AppointmentID:    appointmentID,
			ServiceID:        serviceID,
			OriginalPrice:    info.BasePrice,
			EstimatedMinutes: info.EstimatedMinutes,
		}
		if a, ok := assigned[serviceID]; ok {
			subID, usageID := a.SubscriptionID, a.UsageID
			line.Source = SourceSubscription
			line.SubscriptionID = &subID
			line.SubscriptionUsageID = &usageID
			line.Price = 0
			line.DiscountAmount = info.BasePrice
			usageIDs = append(usageIDs, usageID)
		} else {
			quote := pricing.Price(info.BasePrice, tierPercent, promo)
			line.Source = paidSource
			line.Price = quote.FinalPrice
			line.DiscountAmount = quote.DiscountAmount
		}
		estimatedCost += line.Price
		discountTotal += line.DiscountAmount
		lines = append(lines, line)
	}

	discountType := ""
	if promo != nil {
		discountType = "promotion"
	} else if tierPercent > 0 {
		discountType = "tier"
	}

	appt := &Appointment{
		ID:                appointmentID,
		CustomerID:        req.CustomerID,
		VehicleID:         req.VehicleID,
		CenterID:          req.CenterID,
		SlotID:            req.SlotID,
		Status:            StatusPending,
		EstimatedCost:     money.Round2(estimatedCost),
		PaymentStatus:     paymentStatusForEstimate(estimatedCost),
		DiscountAmount:    money.Round2(discountTotal),
		DiscountType:      discountType,
		Priority:          req.Priority,
		Source:            req.Source,
		Notes:             req.Notes,
		RescheduledFromID: rescheduledFrom,
	}
	return &bookingPlan{appointment: appt, lines: lines, usageIDs: usageIDs}, nil
}

// A fully covered booking owes nothing up front.
func paymentStatusForEstimate(estimated float64) string {
	if estimated <= 0 {
		return PaymentStatusCompleted
	}
	return PaymentStatusPending
}

// executePlan takes the reservations and persists the plan inside tx.
func (s *Service) executePlan(ctx context.Context, tx pgx.Tx, plan *bookingPlan) error {
	if plan.appointment.SlotID != nil {
		if err := s.slots.Reserve(ctx, tx, *plan.appointment.SlotID); err != nil {
			return err
		}
	}
	for _, usageID := range plan.usageIDs {
		if err := s.subs.ReserveUsage(ctx, tx, usageID); err != nil {
			return err
		}
	}
	if err := s.store.Insert(ctx, tx, plan.appointment); err != nil {
		return err
	}
	for i := range plan.lines {
		if err := s.store.InsertServiceLine(ctx, tx, &plan.lines[i]); err != nil {
			return err
		}
	}

	a := plan.appointment
	_, err := s.outbox.InsertTx(ctx, tx, events.TypeAppointmentCreated, events.AppointmentCreatedV1{
		EventID:       uuid.NewString(),
		AppointmentID: a.ID.String(),
		CustomerID:    a.CustomerID.String(),
		VehicleID:     a.VehicleID.String(),
		CenterID:      a.CenterID.String(),
		EstimatedCost: a.EstimatedCost,
		CreatedAt:     s.now(),
	})
	return err
}

func (s *Service) checkVehicleConflict(ctx context.Context, vehicleID, slotID uuid.UUID) error {
	slot, err := s.slots.Get(ctx, nil, slotID)
	if err != nil {
		return err
	}
	existing, err := s.slots.BookedWindowsForVehicle(ctx, nil, vehicleID)
	if err != nil {
		return err
	}
	if slots.ConflictsWithAny(slot.Window(), existing) {
		return ErrVehicleConflict
	}
	return nil
}

func (s *Service) observeBookingFailure(err error) {
	switch {
	case errors.Is(err, slots.ErrSlotUnavailable):
		s.metrics.ObserveBooking("slot_conflict")
	case errors.Is(err, subscriptions.ErrInsufficientQuota):
		s.metrics.ObserveBooking("quota_conflict")
	case errors.Is(err, ErrVehicleConflict):
		s.metrics.ObserveBooking("vehicle_conflict")
	default:
		s.metrics.ObserveBooking("error")
	}
}

// GetAppointment loads an appointment with its service lines.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*BookingResult, error) {
	a, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	lines, err := s.store.ListServiceLines(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	return &BookingResult{Appointment: a, Services: lines}, nil
}

// Confirm moves a Pending appointment to Confirmed.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed, events.TypeAppointmentConfirmed, "")
}

// CheckIn records the vehicle's arrival.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCheckedIn, "", "")
}

// StartService moves a checked-in appointment into InProgress.
func (s *Service) StartService(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusInProgress, "", "")
}

// MarkNoShow closes a Confirmed appointment whose vehicle never arrived,
// freeing the slot and any reserved quota.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusNoShow, events.TypeAppointmentCancelled, "no-show")
}

// transition performs one guarded status move, releasing reservations when
// the target status requires it.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, eventType, reason string) (*Appointment, error) {
	a, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, a.Status, to)
	}

	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var moved bool
	if reason != "" {
		moved, err = s.store.SetCancellation(ctx, tx, id, a.Status, to, reason)
	} else {
		moved, err = s.store.TransitionStatus(ctx, tx, id, a.Status, to)
	}
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrConcurrentUpdate
	}

	if to.releasesReservations() {
		if err := s.releaseReservations(ctx, tx, a); err != nil {
			return nil, err
		}
	}

	if eventType != "" {
		_, err = s.outbox.InsertTx(ctx, tx, eventType, events.AppointmentStatusChangedV1{
			EventID:       uuid.NewString(),
			AppointmentID: a.ID.String(),
			CustomerID:    a.CustomerID.String(),
			FromStatus:    string(a.Status),
			ToStatus:      string(to),
			Reason:        reason,
			OccurredAt:    s.now(),
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("appointments: commit transition tx: %w", err)
	}

	s.metrics.ObserveTransition(string(to))
	s.logger.Info("appointment status changed",
		"appointment_id", id, "from", a.Status, "to", to)
	a.Status = to
	return a, nil
}

// releaseReservations frees the slot and rolls back reserved-but-unspent
// subscription usage for an appointment leaving the live path.
func (s *Service) releaseReservations(ctx context.Context, tx pgx.Tx, a *Appointment) error {
	if a.SlotID != nil {
		if err := s.slots.Release(ctx, tx, *a.SlotID); err != nil {
			return err
		}
	}
	lines, err := s.store.ListServiceLines(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if line.SubscriptionUsageID == nil {
			continue
		}
		if err := s.subs.ReleaseUsage(ctx, tx, *line.SubscriptionUsageID); err != nil {
			return err
		}
	}
	return nil
}

// Cancel closes the appointment, releases its reservations, and opens a
// refund for any captured payment.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	ctx, span := appointmentsTracer.Start(ctx, "appointments.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("carserv.appointment_id", id.String()))

	a, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.CanTransitionTo(StatusCancelled) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, a.Status, StatusCancelled)
	}

	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	moved, err := s.store.SetCancellation(ctx, tx, id, a.Status, StatusCancelled, reason)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrConcurrentUpdate
	}
	if err := s.releaseReservations(ctx, tx, a); err != nil {
		return nil, err
	}

	var refundID *uuid.UUID
	if a.PaidAmount > 0 && s.refunds != nil {
		rid, err := s.refunds.RequestTx(ctx, tx, a.ID, a.PaidAmount, "appointment cancelled: "+reason)
		if err != nil {
			return nil, err
		}
		refundID = &rid
	}

	_, err = s.outbox.InsertTx(ctx, tx, events.TypeAppointmentCancelled, events.AppointmentStatusChangedV1{
		EventID:       uuid.NewString(),
		AppointmentID: a.ID.String(),
		CustomerID:    a.CustomerID.String(),
		FromStatus:    string(a.Status),
		ToStatus:      string(StatusCancelled),
		Reason:        reason,
		OccurredAt:    s.now(),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("appointments: commit cancel tx: %w", err)
	}

	s.metrics.ObserveTransition(string(StatusCancelled))
	s.logger.Info("appointment cancelled",
		"appointment_id", id, "reason", reason, "refund_opened", refundID != nil)
	a.Status = StatusCancelled
	a.CancellationReason = &reason
	return a, nil
}

// Complete finalizes an InProgress appointment. When finalCost is nil the
// estimate stands. Consumed subscription usage is stamped and drained
// subscriptions flip to FullyUsed in the same transaction. An unpaid
// balance at completion yields CompletedWithUnpaidBalance; the balance
// stays collectible but the status never changes retroactively.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, finalCost *float64) (*Appointment, error) {
	ctx, span := appointmentsTracer.Start(ctx, "appointments.complete")
	defer span.End()
	span.SetAttributes(attribute.String("carserv.appointment_id", id.String()))

	a, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, a.Status, StatusCompleted)
	}

	final := a.EstimatedCost
	if finalCost != nil {
		if *finalCost < 0 {
			return nil, errRequired("final_cost")
		}
		final = money.Round2(*finalCost)
	}
	target := StatusCompleted
	if money.Outstanding(final, a.PaidAmount) > 0 {
		target = StatusCompletedWithUnpaidBalance
	}

	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	moved, err := s.store.Complete(ctx, tx, id, target, final)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrConcurrentUpdate
	}

	lines, err := s.store.ListServiceLines(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	drainCandidates := make(map[uuid.UUID]struct{})
	for _, line := range lines {
		if line.SubscriptionUsageID == nil {
			continue
		}
		if err := s.subs.StampUsage(ctx, tx, *line.SubscriptionUsageID, id, now); err != nil {
			return nil, err
		}
		if line.SubscriptionID != nil {
			drainCandidates[*line.SubscriptionID] = struct{}{}
		}
	}
	for subID := range drainCandidates {
		if _, err := s.subs.MarkFullyUsedIfDrained(ctx, tx, subID); err != nil {
			return nil, err
		}
	}

	_, err = s.outbox.InsertTx(ctx, tx, events.TypeAppointmentCompleted, events.AppointmentStatusChangedV1{
		EventID:       uuid.NewString(),
		AppointmentID: a.ID.String(),
		CustomerID:    a.CustomerID.String(),
		FromStatus:    string(a.Status),
		ToStatus:      string(target),
		OccurredAt:    now,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("appointments: commit complete tx: %w", err)
	}

	s.metrics.ObserveTransition(string(target))
	s.logger.Info("appointment completed",
		"appointment_id", id, "status", target, "final_cost", final,
		"outstanding", money.Outstanding(final, a.PaidAmount))
	a.Status = target
	a.FinalCost = &final
	return a, nil
}

// Reschedule closes the old appointment and books a replacement in one
// transaction. The replacement links back through RescheduledFromID and
// its quota and pricing are computed fresh.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, req *BookingRequest) (*BookingResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	old, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !old.Status.CanTransitionTo(StatusRescheduled) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, old.Status, StatusRescheduled)
	}

	plan, err := s.buildPlan(ctx, req, &old.ID)
	if err != nil {
		return nil, err
	}

	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: begin reschedule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	moved, err := s.store.TransitionStatus(ctx, tx, id, old.Status, StatusRescheduled)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrConcurrentUpdate
	}
	if err := s.releaseReservations(ctx, tx, old); err != nil {
		return nil, err
	}
	if err := s.executePlan(ctx, tx, plan); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("appointments: commit reschedule tx: %w", err)
	}

	s.metrics.ObserveTransition(string(StatusRescheduled))
	s.logger.Info("appointment rescheduled",
		"old_appointment_id", id, "new_appointment_id", plan.appointment.ID)
	return &BookingResult{Appointment: plan.appointment, Services: plan.lines}, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
