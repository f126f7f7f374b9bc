package appointments

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/carserv/carserv-platform/pkg/money"
)

// AdjustServiceSource applies a manual staff override to one service line,
// rewriting its billing source and price. Every override lands in the
// audit log with the given reason. Leaving the Subscription source on a
// not-yet-completed appointment returns the reserved usage to the pool;
// after completion the consumed usage stays spent and the correction is
// money-only.
func (s *Service) AdjustServiceSource(ctx context.Context, appointmentID, lineID uuid.UUID, req *AdjustServiceRequest) (*SourceAuditEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	a, err := s.store.Get(ctx, nil, appointmentID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case StatusCancelled, StatusRescheduled, StatusNoShow:
		return nil, fmt.Errorf("%w: cannot adjust a %s appointment", ErrInvalidStatusTransition, a.Status)
	}

	line, err := s.store.GetServiceLine(ctx, nil, lineID)
	if err != nil {
		return nil, err
	}
	if line.AppointmentID != appointmentID {
		return nil, ErrServiceLineNotFound
	}

	newPrice := money.Round2(req.NewPrice)
	newDiscount := money.Round2(line.OriginalPrice - newPrice)
	if newDiscount < 0 {
		newDiscount = 0
	}

	completed := a.Status == StatusCompleted || a.Status == StatusCompletedWithUnpaidBalance
	leavingSubscription := line.Source == SourceSubscription && req.NewSource != SourceSubscription

	tx, err := s.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: begin adjust tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if leavingSubscription && !completed && line.SubscriptionUsageID != nil {
		if err := s.subs.ReleaseUsage(ctx, tx, *line.SubscriptionUsageID); err != nil {
			return nil, err
		}
	}

	err = s.store.OverrideServiceLine(ctx, tx, lineID, req.NewSource, newPrice, newDiscount, leavingSubscription)
	if err != nil {
		return nil, err
	}

	// Cost() already ignores the estimate once a final cost exists, so the
	// shift only applies to open appointments.
	if a.FinalCost == nil {
		delta := newPrice - line.Price
		discountDelta := newDiscount - line.DiscountAmount
		if err := s.store.AddToEstimatedCost(ctx, tx, appointmentID, delta, discountDelta); err != nil {
			return nil, err
		}
	}

	if req.RefundIssued && s.refunds != nil {
		overpaid := money.Round2(line.Price - newPrice)
		if overpaid > a.PaidAmount {
			overpaid = a.PaidAmount
		}
		if overpaid > 0 {
			reason := "service source adjusted: " + req.Reason
			if _, err := s.refunds.RequestTx(ctx, tx, appointmentID, overpaid, reason); err != nil {
				return nil, err
			}
		}
	}

	entry := &SourceAuditEntry{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		ServiceLineID: lineID,
		OldSource:     line.Source,
		NewSource:     req.NewSource,
		OldPrice:      line.Price,
		NewPrice:      newPrice,
		Reason:        req.Reason,
		RefundIssued:  req.RefundIssued,
		StaffID:       req.StaffID,
		CreatedAt:     s.now(),
	}
	if err := s.store.InsertAuditEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("appointments: commit adjust tx: %w", err)
	}

	s.logger.Info("service source adjusted",
		"appointment_id", appointmentID, "service_line_id", lineID,
		"old_source", line.Source, "new_source", req.NewSource,
		"staff_id", req.StaffID)
	return entry, nil
}
