package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/carserv/carserv-platform/internal/appointments"
	"github.com/carserv/carserv-platform/internal/observability/metrics"
	"github.com/carserv/carserv-platform/pkg/logging"
)

type stalePendingLister interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*appointments.Appointment, error)
}

type appointmentCanceller interface {
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*appointments.Appointment, error)
}

type intentExpirer interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) (int64, error)
}

type refundProcessor interface {
	ProcessPending(ctx context.Context, limit int) (int, error)
}

type driftRepairer interface {
	RepairPaymentDrift(ctx context.Context, limit int) (int64, error)
}

const autoCancelReason = "auto-cancelled: booking unpaid past the confirmation window"

// Sweeper periodically repairs settlement state: unpaid bookings past
// their window are cancelled, lapsed intents are expired, pending refunds
// are pushed to the gateway, and balance drift is reset from the intent
// ledger.
type Sweeper struct {
	stale          stalePendingLister
	canceller      appointmentCanceller
	intents        intentExpirer
	refunds        refundProcessor
	drift          driftRepairer
	metrics        *metrics.SettlementMetrics
	logger         *logging.Logger
	pendingTimeout time.Duration
	interval       time.Duration
	batchSize      int
	now            func() time.Time
}

// NewSweeper builds a sweeper with stock timings. The refund processor
// and drift repairer may be nil to skip those sweeps.
func NewSweeper(
	stale stalePendingLister,
	canceller appointmentCanceller,
	intents intentExpirer,
	refunds refundProcessor,
	drift driftRepairer,
	m *metrics.SettlementMetrics,
	logger *logging.Logger,
) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		stale:          stale,
		canceller:      canceller,
		intents:        intents,
		refunds:        refunds,
		drift:          drift,
		metrics:        m,
		logger:         logger.WithComponent("reconcile"),
		pendingTimeout: 48 * time.Hour,
		interval:       time.Hour,
		batchSize:      100,
		now:            time.Now,
	}
}

// WithPendingTimeout overrides how long an unpaid booking may stay Pending.
func (s *Sweeper) WithPendingTimeout(d time.Duration) *Sweeper {
	if d > 0 {
		s.pendingTimeout = d
	}
	return s
}

// WithInterval overrides the sweep cadence.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithBatchSize overrides how many rows each sweep touches per run.
func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Run sweeps on a ticker until the context is cancelled. One sweep runs
// immediately on start.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("reconciliation sweeper started",
		"interval", s.interval, "batch_size", s.batchSize, "pending_timeout", s.pendingTimeout)
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every sweep a single time. Sweeps are independent; one
// failing does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.cancelStalePending(ctx)
	s.expireIntents(ctx)
	s.processRefunds(ctx)
	s.repairDrift(ctx)
}

func (s *Sweeper) cancelStalePending(ctx context.Context) {
	cutoff := s.now().Add(-s.pendingTimeout)
	stale, err := s.stale.ListStalePending(ctx, cutoff, s.batchSize)
	if err != nil {
		s.logger.Error("stale pending listing failed", "error", err)
		return
	}
	cancelled := 0
	for _, a := range stale {
		if _, err := s.canceller.Cancel(ctx, a.ID, autoCancelReason); err != nil {
			s.logger.Error("auto-cancel failed", "appointment_id", a.ID, "error", err)
			continue
		}
		cancelled++
	}
	s.metrics.ObserveSweepAction("auto_cancel", cancelled)
	if cancelled > 0 {
		s.logger.Info("stale pending appointments cancelled", "count", cancelled)
	}
}

func (s *Sweeper) expireIntents(ctx context.Context) {
	n, err := s.intents.ExpireStale(ctx, s.now(), s.batchSize)
	if err != nil {
		s.logger.Error("intent expiry failed", "error", err)
		return
	}
	s.metrics.ObserveSweepAction("expire_intents", int(n))
	if n > 0 {
		s.logger.Info("stale payment intents expired", "count", n)
	}
}

func (s *Sweeper) processRefunds(ctx context.Context) {
	if s.refunds == nil {
		return
	}
	n, err := s.refunds.ProcessPending(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("refund processing failed", "error", err)
		return
	}
	s.metrics.ObserveSweepAction("process_refunds", n)
	if n > 0 {
		s.logger.Info("pending refunds settled", "count", n)
	}
}

func (s *Sweeper) repairDrift(ctx context.Context) {
	if s.drift == nil {
		return
	}
	n, err := s.drift.RepairPaymentDrift(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("payment drift repair failed", "error", err)
		return
	}
	s.metrics.ObserveSweepAction("repair_drift", int(n))
	if n > 0 {
		s.logger.Warn("payment balances repaired from intent ledger", "count", n)
	}
}
