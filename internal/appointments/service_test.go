package appointments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/carserv/carserv-platform/internal/catalog"
	"github.com/carserv/carserv-platform/internal/events"
	"github.com/carserv/carserv-platform/internal/pricing"
	"github.com/carserv/carserv-platform/internal/slots"
	"github.com/carserv/carserv-platform/internal/subscriptions"
	"github.com/carserv/carserv-platform/pkg/logging"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { t.rolledBack = true; return nil }

type fakeBeginner struct {
	txs []*fakeTx
}

func (b *fakeBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	b.txs = append(b.txs, tx)
	return tx, nil
}

func (b *fakeBeginner) lastCommitted() bool {
	if len(b.txs) == 0 {
		return false
	}
	return b.txs[len(b.txs)-1].committed
}

type fakeCatalog struct {
	services map[uuid.UUID]catalog.ServiceInfo
	tier     string
	promo    *pricing.Promotion
}

func (c *fakeCatalog) GetServices(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]catalog.ServiceInfo, error) {
	out := make(map[uuid.UUID]catalog.ServiceInfo, len(ids))
	for _, id := range ids {
		info, ok := c.services[id]
		if !ok {
			return nil, catalog.ErrServiceNotFound
		}
		out[id] = info
	}
	return out, nil
}

func (c *fakeCatalog) GetCustomerTier(ctx context.Context, customerID uuid.UUID) (string, error) {
	return c.tier, nil
}

func (c *fakeCatalog) GetPromotion(ctx context.Context, code string) (*pricing.Promotion, error) {
	if c.promo == nil {
		return nil, catalog.ErrPromotionNotFound
	}
	return c.promo, nil
}

type fakeSlots struct {
	slot        *slots.TimeSlot
	windows     []slots.Window
	reserveErrs []error
	reserved    []uuid.UUID
	released    []uuid.UUID
}

func (f *fakeSlots) Reserve(ctx context.Context, q slots.Querier, slotID uuid.UUID) error {
	if len(f.reserveErrs) > 0 {
		err := f.reserveErrs[0]
		f.reserveErrs = f.reserveErrs[1:]
		if err != nil {
			return err
		}
	}
	f.reserved = append(f.reserved, slotID)
	return nil
}

func (f *fakeSlots) Release(ctx context.Context, q slots.Querier, slotID uuid.UUID) error {
	f.released = append(f.released, slotID)
	return nil
}

func (f *fakeSlots) Get(ctx context.Context, q slots.Querier, slotID uuid.UUID) (*slots.TimeSlot, error) {
	if f.slot == nil {
		return nil, slots.ErrSlotNotFound
	}
	return f.slot, nil
}

func (f *fakeSlots) BookedWindowsForVehicle(ctx context.Context, q slots.Querier, vehicleID uuid.UUID) ([]slots.Window, error) {
	return f.windows, nil
}

type fakeSubs struct {
	subs     []*subscriptions.Subscription
	reserved []uuid.UUID
	released []uuid.UUID
	stamped  []uuid.UUID
	drained  []uuid.UUID
}

func (f *fakeSubs) ListUsableForVehicle(ctx context.Context, q subscriptions.Querier, customerID, vehicleID uuid.UUID) ([]*subscriptions.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSubs) ReserveUsage(ctx context.Context, q subscriptions.Querier, usageID uuid.UUID) error {
	f.reserved = append(f.reserved, usageID)
	return nil
}

func (f *fakeSubs) ReleaseUsage(ctx context.Context, q subscriptions.Querier, usageID uuid.UUID) error {
	f.released = append(f.released, usageID)
	return nil
}

func (f *fakeSubs) StampUsage(ctx context.Context, q subscriptions.Querier, usageID, appointmentID uuid.UUID, when time.Time) error {
	f.stamped = append(f.stamped, usageID)
	return nil
}

func (f *fakeSubs) MarkFullyUsedIfDrained(ctx context.Context, q subscriptions.Querier, subscriptionID uuid.UUID) (bool, error) {
	f.drained = append(f.drained, subscriptionID)
	return true, nil
}

type fakeStore struct {
	existing        *Appointment
	existingLines   []ServiceLine
	transitionOK    bool
	inserted        []*Appointment
	insertedLines   []ServiceLine
	transitions     []Status
	cancelReason    string
	completedWith   Status
	completedCost   float64
	overrides       []uuid.UUID
	estimateDelta   float64
	discountDelta   float64
	auditEntries    []*SourceAuditEntry
	overrideCleared bool
}

func (f *fakeStore) Insert(ctx context.Context, q Querier, a *Appointment) error {
	f.inserted = append(f.inserted, a)
	return nil
}

func (f *fakeStore) InsertServiceLine(ctx context.Context, q Querier, line *ServiceLine) error {
	f.insertedLines = append(f.insertedLines, *line)
	return nil
}

func (f *fakeStore) Get(ctx context.Context, q Querier, id uuid.UUID) (*Appointment, error) {
	if f.existing == nil || f.existing.ID != id {
		return nil, ErrAppointmentNotFound
	}
	cp := *f.existing
	return &cp, nil
}

func (f *fakeStore) ListServiceLines(ctx context.Context, q Querier, appointmentID uuid.UUID) ([]ServiceLine, error) {
	return f.existingLines, nil
}

func (f *fakeStore) GetServiceLine(ctx context.Context, q Querier, lineID uuid.UUID) (*ServiceLine, error) {
	for i := range f.existingLines {
		if f.existingLines[i].ID == lineID {
			cp := f.existingLines[i]
			return &cp, nil
		}
	}
	return nil, ErrServiceLineNotFound
}

func (f *fakeStore) TransitionStatus(ctx context.Context, q Querier, id uuid.UUID, from, to Status) (bool, error) {
	if !f.transitionOK {
		return false, nil
	}
	f.transitions = append(f.transitions, to)
	return true, nil
}

func (f *fakeStore) SetCancellation(ctx context.Context, q Querier, id uuid.UUID, from, to Status, reason string) (bool, error) {
	if !f.transitionOK {
		return false, nil
	}
	f.transitions = append(f.transitions, to)
	f.cancelReason = reason
	return true, nil
}

func (f *fakeStore) Complete(ctx context.Context, q Querier, id uuid.UUID, to Status, finalCost float64) (bool, error) {
	if !f.transitionOK {
		return false, nil
	}
	f.completedWith = to
	f.completedCost = finalCost
	return true, nil
}

func (f *fakeStore) OverrideServiceLine(ctx context.Context, q Querier, lineID uuid.UUID, source ServiceSource, price, discount float64, clearSubscription bool) error {
	f.overrides = append(f.overrides, lineID)
	f.overrideCleared = clearSubscription
	return nil
}

func (f *fakeStore) AddToEstimatedCost(ctx context.Context, q Querier, id uuid.UUID, delta, discountDelta float64) error {
	f.estimateDelta += delta
	f.discountDelta += discountDelta
	return nil
}

func (f *fakeStore) InsertAuditEntry(ctx context.Context, q Querier, e *SourceAuditEntry) error {
	f.auditEntries = append(f.auditEntries, e)
	return nil
}

type fakeOutbox struct {
	types []string
}

func (f *fakeOutbox) InsertTx(ctx context.Context, q events.Querier, eventType string, payload any) (uuid.UUID, error) {
	f.types = append(f.types, eventType)
	return uuid.New(), nil
}

type refundRequest struct {
	appointmentID uuid.UUID
	amount        float64
	reason        string
}

type fakeRefunds struct {
	requests []refundRequest
}

func (f *fakeRefunds) RequestTx(ctx context.Context, tx pgx.Tx, appointmentID uuid.UUID, amount float64, reason string) (uuid.UUID, error) {
	f.requests = append(f.requests, refundRequest{appointmentID, amount, reason})
	return uuid.New(), nil
}

type serviceFixture struct {
	svc     *Service
	tx      *fakeBeginner
	store   *fakeStore
	catalog *fakeCatalog
	slots   *fakeSlots
	subs    *fakeSubs
	outbox  *fakeOutbox
	refunds *fakeRefunds
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		tx:      &fakeBeginner{},
		store:   &fakeStore{transitionOK: true},
		catalog: &fakeCatalog{services: map[uuid.UUID]catalog.ServiceInfo{}, tier: pricing.TierStandard},
		slots:   &fakeSlots{},
		subs:    &fakeSubs{},
		outbox:  &fakeOutbox{},
		refunds: &fakeRefunds{},
	}
	f.svc = &Service{
		tx:      f.tx,
		store:   f.store,
		catalog: f.catalog,
		slots:   f.slots,
		subs:    f.subs,
		outbox:  f.outbox,
		refunds: f.refunds,
		logger:  logging.Default(),
		now:     func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) },
	}
	return f
}

func activeSubscription(vehicleID, serviceID uuid.UUID, remaining int) *subscriptions.Subscription {
	subID := uuid.New()
	return &subscriptions.Subscription{
		ID:        subID,
		VehicleID: vehicleID,
		Status:    subscriptions.StatusActive,
		Usages: []subscriptions.ServiceUsage{{
			ID:                   uuid.New(),
			SubscriptionID:       subID,
			ServiceID:            serviceID,
			TotalAllowedQuantity: remaining,
		}},
	}
}

func TestCreateBookingWithSubscriptionCoverage(t *testing.T) {
	f := newServiceFixture()
	covered, paid := uuid.New(), uuid.New()
	f.catalog.services[covered] = catalog.ServiceInfo{ID: covered, Name: "Oil Change", BasePrice: 100, EstimatedMinutes: 30}
	f.catalog.services[paid] = catalog.ServiceInfo{ID: paid, Name: "Brake Check", BasePrice: 50, EstimatedMinutes: 45}
	f.catalog.tier = pricing.TierGold

	req := &BookingRequest{
		CustomerID: uuid.New(),
		VehicleID:  uuid.New(),
		CenterID:   uuid.New(),
		ServiceIDs: []uuid.UUID{covered, paid},
	}
	f.subs.subs = []*subscriptions.Subscription{activeSubscription(req.VehicleID, covered, 2)}

	result, err := f.svc.CreateBooking(context.Background(), req)
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if got := result.Appointment.EstimatedCost; got != 45 {
		t.Errorf("estimated cost = %v, want 45", got)
	}
	if got := result.Appointment.Status; got != StatusPending {
		t.Errorf("status = %s, want Pending", got)
	}
	if len(result.Services) != 2 {
		t.Fatalf("service lines = %d, want 2", len(result.Services))
	}

	byService := map[uuid.UUID]ServiceLine{}
	for _, l := range result.Services {
		byService[l.ServiceID] = l
	}
	if l := byService[covered]; l.Source != SourceSubscription || l.Price != 0 || l.DiscountAmount != 100 {
		t.Errorf("covered line = %+v", l)
	}
	if l := byService[paid]; l.Source != SourceExtra || l.Price != 45 || l.DiscountAmount != 5 {
		t.Errorf("paid line = %+v", l)
	}

	if len(f.subs.reserved) != 1 {
		t.Errorf("usage reservations = %d, want 1", len(f.subs.reserved))
	}
	if len(f.outbox.types) != 1 || f.outbox.types[0] != events.TypeAppointmentCreated {
		t.Errorf("outbox events = %v", f.outbox.types)
	}
	if !f.tx.lastCommitted() {
		t.Error("booking transaction was not committed")
	}
}

func TestCreateBookingAllRegularWithoutCoverage(t *testing.T) {
	f := newServiceFixture()
	svc := uuid.New()
	f.catalog.services[svc] = catalog.ServiceInfo{ID: svc, BasePrice: 200}

	result, err := f.svc.CreateBooking(context.Background(), &BookingRequest{
		CustomerID: uuid.New(),
		VehicleID:  uuid.New(),
		CenterID:   uuid.New(),
		ServiceIDs: []uuid.UUID{svc},
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if result.Services[0].Source != SourceRegular {
		t.Errorf("source = %s, want Regular", result.Services[0].Source)
	}
	if result.Appointment.EstimatedCost != 200 {
		t.Errorf("estimated cost = %v, want 200", result.Appointment.EstimatedCost)
	}
}

func TestCreateBookingWithoutSlot(t *testing.T) {
	f := newServiceFixture()
	svc := uuid.New()
	f.catalog.services[svc] = catalog.ServiceInfo{ID: svc, BasePrice: 120}

	result, err := f.svc.CreateBooking(context.Background(), &BookingRequest{
		CustomerID: uuid.New(),
		VehicleID:  uuid.New(),
		CenterID:   uuid.New(),
		ServiceIDs: []uuid.UUID{svc},
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if result.Appointment.SlotID != nil {
		t.Errorf("slot_id = %v, want nil", result.Appointment.SlotID)
	}
	if len(f.slots.reserved) != 0 {
		t.Errorf("slot reservations = %d, want 0", len(f.slots.reserved))
	}
	if len(f.store.inserted) != 1 {
		t.Errorf("inserted appointments = %d, want 1", len(f.store.inserted))
	}
}

func TestCreateBookingRejectsEmptyServices(t *testing.T) {
	f := newServiceFixture()
	_, err := f.svc.CreateBooking(context.Background(), &BookingRequest{
		CustomerID: uuid.New(),
		VehicleID:  uuid.New(),
		CenterID:   uuid.New(),
	})
	if !errors.Is(err, ErrNoServicesRequested) {
		t.Fatalf("err = %v, want ErrNoServicesRequested", err)
	}
	if len(f.tx.txs) != 0 {
		t.Error("no transaction should have been opened")
	}
}

func TestCreateBookingRetriesLostSlotRace(t *testing.T) {
	f := newServiceFixture()
	svc := uuid.New()
	slotID := uuid.New()
	f.catalog.services[svc] = catalog.ServiceInfo{ID: svc, BasePrice: 80}
	f.slots.slot = &slots.TimeSlot{ID: slotID}
	f.slots.reserveErrs = []error{slots.ErrSlotUnavailable}

	result, err := f.svc.CreateBooking(context.Background(), &BookingRequest{
		CustomerID: uuid.New(),
		VehicleID:  uuid.New(),
		CenterID:   uuid.New(),
		SlotID:     &slotID,
		ServiceIDs: []uuid.UUID{svc},
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if result == nil || len(f.slots.reserved) != 1 {
		t.Errorf("retry did not reserve the slot")
	}
	if len(f.store.inserted) != 1 {
		t.Errorf("inserted appointments = %d, want 1", len(f.store.inserted))
	}
}

func TestCreateBookingFailsAfterSecondSlotConflict(t *testing.T) {
	f := newServiceFixture()
	svc := uuid.New()
	slotID := uuid.New()
	f.catalog.services[svc] = catalog.ServiceInfo{ID: svc, BasePrice: 80}
	f.slots.slot = &slots.TimeSlot{ID: slotID}
	f.slots.reserveErrs = []error{slots.ErrSlotUnavailable, slots.ErrSlotUnavailable}

	_, err := f.svc.CreateBooking(context.Background(), &BookingRequest{
		CustomerID: uuid.New(),
		VehicleID:  uuid.New(),
		CenterID:   uuid.New(),
		SlotID:     &slotID,
		ServiceIDs: []uuid.UUID{svc},
	})
	if !errors.Is(err, slots.ErrSlotUnavailable) {
		t.Fatalf("err = %v, want ErrSlotUnavailable", err)
	}
	if len(f.store.inserted) != 0 {
		t.Error("no appointment should have been inserted")
	}
}

func TestCreateBookingVehicleConflict(t *testing.T) {
	f := newServiceFixture()
	svc := uuid.New()
	slotID := uuid.New()
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	f.catalog.services[svc] = catalog.ServiceInfo{ID: svc, BasePrice: 80}
	f.slots.slot = &slots.TimeSlot{
		ID:        slotID,
		SlotDate:  day,
		StartTime: day.Add(9 * time.Hour),
		EndTime:   day.Add(10 * time.Hour),
	}
	f.slots.windows = []slots.Window{{
		Date:  day,
		Start: day.Add(9*time.Hour + 30*time.Minute),
		End:   day.Add(11 * time.Hour),
	}}

	_, err := f.svc.CreateBooking(context.Background(), &BookingRequest{
		CustomerID: uuid.New(),
		VehicleID:  uuid.New(),
		CenterID:   uuid.New(),
		SlotID:     &slotID,
		ServiceIDs: []uuid.UUID{svc},
	})
	if !errors.Is(err, ErrVehicleConflict) {
		t.Fatalf("err = %v, want ErrVehicleConflict", err)
	}
}

func TestConfirmPendingAppointment(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	f.store.existing = &Appointment{ID: id, Status: StatusPending}

	a, err := f.svc.Confirm(context.Background(), id)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if a.Status != StatusConfirmed {
		t.Errorf("status = %s, want Confirmed", a.Status)
	}
	if len(f.outbox.types) != 1 || f.outbox.types[0] != events.TypeAppointmentConfirmed {
		t.Errorf("outbox events = %v", f.outbox.types)
	}
}

func TestConfirmCompletedAppointmentFails(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	f.store.existing = &Appointment{ID: id, Status: StatusCompleted}

	_, err := f.svc.Confirm(context.Background(), id)
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("err = %v, want ErrInvalidStatusTransition", err)
	}
}

func TestConfirmLostRace(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	f.store.existing = &Appointment{ID: id, Status: StatusPending}
	f.store.transitionOK = false

	_, err := f.svc.Confirm(context.Background(), id)
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("err = %v, want ErrConcurrentUpdate", err)
	}
}

func TestCompleteFullyPaid(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	f.store.existing = &Appointment{ID: id, Status: StatusInProgress, EstimatedCost: 150, PaidAmount: 150}

	a, err := f.svc.Complete(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if a.Status != StatusCompleted {
		t.Errorf("status = %s, want Completed", a.Status)
	}
	if f.store.completedCost != 150 {
		t.Errorf("final cost = %v, want 150", f.store.completedCost)
	}
}

func TestCompleteWithOutstandingBalance(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	subID, usageID := uuid.New(), uuid.New()
	f.store.existing = &Appointment{ID: id, Status: StatusInProgress, EstimatedCost: 200, PaidAmount: 50}
	f.store.existingLines = []ServiceLine{{
		ID:                  uuid.New(),
		AppointmentID:       id,
		Source:              SourceSubscription,
		SubscriptionID:      &subID,
		SubscriptionUsageID: &usageID,
	}}

	final := 180.0
	a, err := f.svc.Complete(context.Background(), id, &final)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if a.Status != StatusCompletedWithUnpaidBalance {
		t.Errorf("status = %s, want CompletedWithUnpaidBalance", a.Status)
	}
	if len(f.subs.stamped) != 1 || f.subs.stamped[0] != usageID {
		t.Errorf("stamped usages = %v", f.subs.stamped)
	}
	if len(f.subs.drained) != 1 || f.subs.drained[0] != subID {
		t.Errorf("drain checks = %v", f.subs.drained)
	}
}

func TestCancelPaidAppointmentOpensRefund(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	slotID, usageID := uuid.New(), uuid.New()
	f.store.existing = &Appointment{ID: id, Status: StatusConfirmed, SlotID: &slotID, PaidAmount: 120.5}
	f.store.existingLines = []ServiceLine{{
		ID:                  uuid.New(),
		AppointmentID:       id,
		SubscriptionUsageID: &usageID,
	}}

	a, err := f.svc.Cancel(context.Background(), id, "customer request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.Status != StatusCancelled {
		t.Errorf("status = %s, want Cancelled", a.Status)
	}
	if len(f.slots.released) != 1 || f.slots.released[0] != slotID {
		t.Errorf("released slots = %v", f.slots.released)
	}
	if len(f.subs.released) != 1 || f.subs.released[0] != usageID {
		t.Errorf("released usages = %v", f.subs.released)
	}
	if len(f.refunds.requests) != 1 {
		t.Fatalf("refund requests = %d, want 1", len(f.refunds.requests))
	}
	if got := f.refunds.requests[0].amount; got != 120.5 {
		t.Errorf("refund amount = %v, want 120.5", got)
	}
}

func TestCancelUnpaidAppointmentSkipsRefund(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	f.store.existing = &Appointment{ID: id, Status: StatusPending}

	if _, err := f.svc.Cancel(context.Background(), id, "never mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(f.refunds.requests) != 0 {
		t.Errorf("refund requests = %d, want 0", len(f.refunds.requests))
	}
}

func TestRescheduleBooksReplacement(t *testing.T) {
	f := newServiceFixture()
	oldID := uuid.New()
	oldSlot := uuid.New()
	svc := uuid.New()
	f.store.existing = &Appointment{ID: oldID, Status: StatusConfirmed, SlotID: &oldSlot}
	f.catalog.services[svc] = catalog.ServiceInfo{ID: svc, BasePrice: 60}

	result, err := f.svc.Reschedule(context.Background(), oldID, &BookingRequest{
		CustomerID: uuid.New(),
		VehicleID:  uuid.New(),
		CenterID:   uuid.New(),
		ServiceIDs: []uuid.UUID{svc},
	})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if result.Appointment.RescheduledFromID == nil || *result.Appointment.RescheduledFromID != oldID {
		t.Errorf("rescheduled_from_id = %v, want %s", result.Appointment.RescheduledFromID, oldID)
	}
	if len(f.slots.released) != 1 || f.slots.released[0] != oldSlot {
		t.Errorf("released slots = %v", f.slots.released)
	}
	if len(f.store.transitions) != 1 || f.store.transitions[0] != StatusRescheduled {
		t.Errorf("transitions = %v", f.store.transitions)
	}
	if len(f.store.inserted) != 1 {
		t.Errorf("inserted appointments = %d, want 1", len(f.store.inserted))
	}
}

func TestAdjustRejectsShortReason(t *testing.T) {
	f := newServiceFixture()
	_, err := f.svc.AdjustServiceSource(context.Background(), uuid.New(), uuid.New(), &AdjustServiceRequest{
		NewSource: SourceRegular,
		Reason:    "typo",
		StaffID:   uuid.New(),
	})
	if !errors.Is(err, ErrAdjustReasonTooShort) {
		t.Fatalf("err = %v, want ErrAdjustReasonTooShort", err)
	}
}

func TestAdjustLeavingSubscriptionReleasesUsage(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	lineID := uuid.New()
	subID, usageID := uuid.New(), uuid.New()
	f.store.existing = &Appointment{ID: id, Status: StatusConfirmed, EstimatedCost: 0}
	f.store.existingLines = []ServiceLine{{
		ID:                  lineID,
		AppointmentID:       id,
		Source:              SourceSubscription,
		SubscriptionID:      &subID,
		SubscriptionUsageID: &usageID,
		OriginalPrice:       80,
		Price:               0,
		DiscountAmount:      80,
	}}

	entry, err := f.svc.AdjustServiceSource(context.Background(), id, lineID, &AdjustServiceRequest{
		NewSource: SourceRegular,
		NewPrice:  80,
		Reason:    "customer not eligible for package coverage",
		StaffID:   uuid.New(),
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(f.subs.released) != 1 || f.subs.released[0] != usageID {
		t.Errorf("released usages = %v", f.subs.released)
	}
	if !f.store.overrideCleared {
		t.Error("subscription link should have been cleared")
	}
	if f.store.estimateDelta != 80 {
		t.Errorf("estimate delta = %v, want 80", f.store.estimateDelta)
	}
	if entry.OldSource != SourceSubscription || entry.NewSource != SourceRegular {
		t.Errorf("audit entry = %+v", entry)
	}
	if len(f.store.auditEntries) != 1 {
		t.Errorf("audit entries = %d, want 1", len(f.store.auditEntries))
	}
}

func TestAdjustCompletedKeepsConsumedUsage(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	lineID := uuid.New()
	usageID := uuid.New()
	final := 100.0
	f.store.existing = &Appointment{ID: id, Status: StatusCompleted, FinalCost: &final, PaidAmount: 100}
	f.store.existingLines = []ServiceLine{{
		ID:                  lineID,
		AppointmentID:       id,
		Source:              SourceSubscription,
		SubscriptionUsageID: &usageID,
		OriginalPrice:       40,
		Price:               0,
	}}

	_, err := f.svc.AdjustServiceSource(context.Background(), id, lineID, &AdjustServiceRequest{
		NewSource: SourceRegular,
		NewPrice:  40,
		Reason:    "coverage applied in error, billing correction",
		StaffID:   uuid.New(),
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(f.subs.released) != 0 {
		t.Errorf("consumed usage must stay spent, released = %v", f.subs.released)
	}
	if f.store.estimateDelta != 0 {
		t.Errorf("estimate should not move after completion, delta = %v", f.store.estimateDelta)
	}
}

func TestAdjustWithRefund(t *testing.T) {
	f := newServiceFixture()
	id := uuid.New()
	lineID := uuid.New()
	f.store.existing = &Appointment{ID: id, Status: StatusCompletedWithUnpaidBalance, PaidAmount: 30}
	f.store.existingLines = []ServiceLine{{
		ID:            lineID,
		AppointmentID: id,
		Source:        SourceRegular,
		OriginalPrice: 50,
		Price:         50,
	}}

	_, err := f.svc.AdjustServiceSource(context.Background(), id, lineID, &AdjustServiceRequest{
		NewSource:    SourceSubscription,
		NewPrice:     0,
		Reason:       "service covered by package, refunding payment",
		RefundIssued: true,
		StaffID:      uuid.New(),
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(f.refunds.requests) != 1 {
		t.Fatalf("refund requests = %d, want 1", len(f.refunds.requests))
	}
	// capped at the captured amount, not the full price drop
	if got := f.refunds.requests[0].amount; got != 30 {
		t.Errorf("refund amount = %v, want 30", got)
	}
}
