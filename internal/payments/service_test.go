package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carserv/carserv-platform/internal/appointments"
	"github.com/carserv/carserv-platform/internal/events"
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

type fakeIntentStore struct {
	intents        map[string]*PaymentIntent
	byKey          map[string]*PaymentIntent
	inserted       []*PaymentIntent
	transactions   []*PaymentTransaction
	completed      []uuid.UUID
	failed         []uuid.UUID
	insertErr      error
	missKeyLookups int
}

func newFakeIntentStore() *fakeIntentStore {
	return &fakeIntentStore{
		intents: map[string]*PaymentIntent{},
		byKey:   map[string]*PaymentIntent{},
	}
}

func (f *fakeIntentStore) InsertIntent(ctx context.Context, q Querier, i *PaymentIntent) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, i)
	f.intents[i.Code] = i
	if i.IdempotencyKey != "" {
		f.byKey[i.IdempotencyKey] = i
	}
	return nil
}

func (f *fakeIntentStore) GetByCode(ctx context.Context, q Querier, code string) (*PaymentIntent, error) {
	i, ok := f.intents[code]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *i
	return &cp, nil
}

func (f *fakeIntentStore) Get(ctx context.Context, q Querier, id uuid.UUID) (*PaymentIntent, error) {
	for _, i := range f.intents {
		if i.ID == id {
			cp := *i
			return &cp, nil
		}
	}
	return nil, ErrIntentNotFound
}

func (f *fakeIntentStore) FindPendingByIdempotencyKey(ctx context.Context, q Querier, appointmentID uuid.UUID, key string) (*PaymentIntent, error) {
	if f.missKeyLookups > 0 {
		f.missKeyLookups--
		return nil, nil
	}
	i, ok := f.byKey[key]
	if !ok || i.Status != StatusPending {
		return nil, nil
	}
	return i, nil
}

func (f *fakeIntentStore) CompleteIfPending(ctx context.Context, q Querier, id uuid.UUID, gatewayRef string, completedAt time.Time) (bool, error) {
	for _, i := range f.intents {
		if i.ID == id && i.Status == StatusPending {
			i.Status = StatusCompleted
			i.GatewayRef = gatewayRef
			f.completed = append(f.completed, id)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIntentStore) MarkFailedIfPending(ctx context.Context, q Querier, id uuid.UUID, gatewayRef string) (bool, error) {
	for _, i := range f.intents {
		if i.ID == id && i.Status == StatusPending {
			i.Status = StatusFailed
			f.failed = append(f.failed, id)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIntentStore) CancelIfPending(ctx context.Context, q Querier, id uuid.UUID) (bool, error) {
	for _, i := range f.intents {
		if i.ID == id && i.Status == StatusPending {
			i.Status = StatusCancelled
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIntentStore) InsertTransaction(ctx context.Context, q Querier, t *PaymentTransaction) error {
	f.transactions = append(f.transactions, t)
	return nil
}

type fakeLedger struct {
	appointment *appointments.Appointment
	applied     []float64
}

func (f *fakeLedger) Get(ctx context.Context, q appointments.Querier, id uuid.UUID) (*appointments.Appointment, error) {
	if f.appointment == nil || f.appointment.ID != id {
		return nil, appointments.ErrAppointmentNotFound
	}
	cp := *f.appointment
	return &cp, nil
}

func (f *fakeLedger) ApplyPayment(ctx context.Context, q appointments.Querier, id uuid.UUID, amount float64, intentID uuid.UUID) (*appointments.Appointment, error) {
	f.applied = append(f.applied, amount)
	f.appointment.PaidAmount += amount
	if f.appointment.PaidAmount >= f.appointment.Cost() {
		f.appointment.PaymentStatus = appointments.PaymentStatusCompleted
	}
	cp := *f.appointment
	return &cp, nil
}

type fakeVelocity struct {
	allowed bool
	calls   int
}

func (f *fakeVelocity) Allow(ctx context.Context, customerID string) (bool, error) {
	f.calls++
	return f.allowed, nil
}

type fakeOutbox struct {
	types []string
}

func (f *fakeOutbox) InsertTx(ctx context.Context, q events.Querier, eventType string, payload any) (uuid.UUID, error) {
	f.types = append(f.types, eventType)
	return uuid.New(), nil
}

type paymentFixture struct {
	svc      *Service
	tx       *fakeBeginner
	store    *fakeIntentStore
	ledger   *fakeLedger
	velocity *fakeVelocity
	outbox   *fakeOutbox
}

func newPaymentFixture() *paymentFixture {
	f := &paymentFixture{
		tx:       &fakeBeginner{},
		store:    newFakeIntentStore(),
		ledger:   &fakeLedger{},
		velocity: &fakeVelocity{allowed: true},
		outbox:   &fakeOutbox{},
	}
	f.svc = &Service{
		tx:       f.tx,
		store:    f.store,
		appts:    f.ledger,
		velocity: f.velocity,
		outbox:   f.outbox,
		logger:   logging.Default(),
		config: ServiceConfig{
			DefaultCurrency: "VND",
			IntentExpiry:    24 * time.Hour,
			GatewayName:     "mercadopago",
		},
		now: func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	return f
}

func TestCreateIntentDefaultsToFullOutstanding(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 400,
		PaidAmount:    20,
	}

	intent, err := f.svc.CreateIntent(context.Background(), &CreateIntentRequest{
		AppointmentID: f.ledger.appointment.ID,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.Amount != 380 {
		t.Errorf("amount = %v, want 380", intent.Amount)
	}
	if intent.Currency != "VND" {
		t.Errorf("currency = %s, want VND", intent.Currency)
	}
	if intent.Status != StatusPending {
		t.Errorf("status = %s, want Pending", intent.Status)
	}
	wantExpiry := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	if !intent.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires_at = %v, want %v", intent.ExpiresAt, wantExpiry)
	}
}

func TestCreateIntentRejectsOverpayment(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 100,
		PaidAmount:    60,
	}

	amount := 50.0
	_, err := f.svc.CreateIntent(context.Background(), &CreateIntentRequest{
		AppointmentID: f.ledger.appointment.ID,
		Amount:        &amount,
	})
	if !errors.Is(err, ErrAmountExceedsOutstanding) {
		t.Fatalf("err = %v, want ErrAmountExceedsOutstanding", err)
	}
}

func TestCreateIntentNothingToPay(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 150,
		PaidAmount:    150,
	}

	_, err := f.svc.CreateIntent(context.Background(), &CreateIntentRequest{
		AppointmentID: f.ledger.appointment.ID,
	})
	if !errors.Is(err, ErrNothingToPay) {
		t.Fatalf("err = %v, want ErrNothingToPay", err)
	}
}

func TestCreateIntentReusesIdempotencyKey(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 200,
	}

	req := &CreateIntentRequest{
		AppointmentID:  f.ledger.appointment.ID,
		IdempotencyKey: "retry-abc123",
	}
	first, err := f.svc.CreateIntent(context.Background(), req)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := f.svc.CreateIntent(context.Background(), req)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.Code != second.Code {
		t.Errorf("codes differ: %s vs %s", first.Code, second.Code)
	}
	if len(f.store.inserted) != 1 {
		t.Errorf("inserted intents = %d, want 1", len(f.store.inserted))
	}
}

func TestCreateIntentLostInsertRaceReturnsWinner(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 200,
	}
	winner := &PaymentIntent{
		ID:             uuid.New(),
		Code:           newIntentCode(),
		AppointmentID:  f.ledger.appointment.ID,
		CustomerID:     f.ledger.appointment.CustomerID,
		Amount:         200,
		Status:         StatusPending,
		IdempotencyKey: "retry-abc123",
	}
	f.store.intents[winner.Code] = winner
	f.store.byKey[winner.IdempotencyKey] = winner
	// first key lookup misses, as when two requests race the insert
	f.store.missKeyLookups = 1
	f.store.insertErr = &pgconn.PgError{Code: "23505"}

	got, err := f.svc.CreateIntent(context.Background(), &CreateIntentRequest{
		AppointmentID:  f.ledger.appointment.ID,
		IdempotencyKey: winner.IdempotencyKey,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if got.Code != winner.Code {
		t.Errorf("code = %s, want winner %s", got.Code, winner.Code)
	}
	if len(f.store.inserted) != 0 {
		t.Errorf("inserted intents = %d, want 0", len(f.store.inserted))
	}
}

func TestCreateIntentVelocityBlocked(t *testing.T) {
	f := newPaymentFixture()
	f.velocity.allowed = false
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 90,
	}

	_, err := f.svc.CreateIntent(context.Background(), &CreateIntentRequest{
		AppointmentID: f.ledger.appointment.ID,
	})
	if !errors.Is(err, ErrVelocityExceeded) {
		t.Fatalf("err = %v, want ErrVelocityExceeded", err)
	}
}

func seedPendingIntent(f *paymentFixture, amount float64) *PaymentIntent {
	intent := &PaymentIntent{
		ID:            uuid.New(),
		Code:          newIntentCode(),
		AppointmentID: f.ledger.appointment.ID,
		CustomerID:    f.ledger.appointment.CustomerID,
		Amount:        amount,
		Currency:      "VND",
		Status:        StatusPending,
		Gateway:       "mercadopago",
		ExpiresAt:     time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}
	f.store.intents[intent.Code] = intent
	return intent
}

func TestApplyCallbackCompletesIntentAndSettlesBalance(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 380,
	}
	intent := seedPendingIntent(f, 380)

	got, err := f.svc.ApplyCallback(context.Background(), &CallbackResult{
		Gateway:    "mercadopago",
		EventID:    "evt-1",
		IntentCode: intent.Code,
		GatewayRef: "9001",
		Status:     StatusCompleted,
		Amount:     380,
		Currency:   "VND",
	})
	if err != nil {
		t.Fatalf("apply callback: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want Completed", got.Status)
	}
	if len(f.ledger.applied) != 1 || f.ledger.applied[0] != 380 {
		t.Errorf("applied payments = %v", f.ledger.applied)
	}
	if f.ledger.appointment.PaymentStatus != appointments.PaymentStatusCompleted {
		t.Errorf("appointment payment status = %s", f.ledger.appointment.PaymentStatus)
	}
	if len(f.outbox.types) != 1 || f.outbox.types[0] != events.TypePaymentCompleted {
		t.Errorf("outbox events = %v", f.outbox.types)
	}
	if len(f.store.transactions) != 1 {
		t.Errorf("transactions = %d, want 1", len(f.store.transactions))
	}
}

func TestApplyCallbackCapsOverReportedAmount(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 500,
	}
	intent := seedPendingIntent(f, 200)

	_, err := f.svc.ApplyCallback(context.Background(), &CallbackResult{
		Gateway:    "mercadopago",
		IntentCode: intent.Code,
		GatewayRef: "9100",
		Status:     StatusCompleted,
		Amount:     275.50,
		Currency:   "VND",
	})
	if err != nil {
		t.Fatalf("apply callback: %v", err)
	}
	if len(f.ledger.applied) != 1 || f.ledger.applied[0] != 200 {
		t.Errorf("applied payments = %v, want [200]", f.ledger.applied)
	}
	if len(f.store.transactions) != 1 || f.store.transactions[0].Amount != 200 {
		t.Errorf("transactions = %+v, want amount 200", f.store.transactions)
	}
}

func TestApplyCallbackDuplicateIsNoOp(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 380,
	}
	intent := seedPendingIntent(f, 380)

	result := &CallbackResult{
		Gateway:    "mercadopago",
		IntentCode: intent.Code,
		GatewayRef: "9001",
		Status:     StatusCompleted,
		Amount:     380,
	}
	if _, err := f.svc.ApplyCallback(context.Background(), result); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if _, err := f.svc.ApplyCallback(context.Background(), result); err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if len(f.ledger.applied) != 1 {
		t.Errorf("payment applied %d times, want 1", len(f.ledger.applied))
	}
	if len(f.store.transactions) != 1 {
		t.Errorf("transactions = %d, want 1", len(f.store.transactions))
	}
}

func TestApplyCallbackFailedPayment(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 120,
	}
	intent := seedPendingIntent(f, 120)

	got, err := f.svc.ApplyCallback(context.Background(), &CallbackResult{
		Gateway:    "mercadopago",
		IntentCode: intent.Code,
		Status:     StatusFailed,
		ErrorCode:  "cc_rejected",
		ErrorMsg:   "insufficient funds",
	})
	if err != nil {
		t.Fatalf("apply callback: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want Failed", got.Status)
	}
	if len(f.store.transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(f.store.transactions))
	}
	if txn := f.store.transactions[0]; txn.ErrorCode != "cc_rejected" || txn.ErrorMessage != "insufficient funds" {
		t.Errorf("transaction error fields = %q/%q", txn.ErrorCode, txn.ErrorMessage)
	}
	if len(f.ledger.applied) != 0 {
		t.Errorf("no payment should have been applied, got %v", f.ledger.applied)
	}
	if len(f.outbox.types) != 1 || f.outbox.types[0] != events.TypePaymentFailed {
		t.Errorf("outbox events = %v", f.outbox.types)
	}
}

func TestApplyCallbackInFlightStatusLeavesIntentOpen(t *testing.T) {
	f := newPaymentFixture()
	f.ledger.appointment = &appointments.Appointment{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		EstimatedCost: 75,
	}
	intent := seedPendingIntent(f, 75)

	got, err := f.svc.ApplyCallback(context.Background(), &CallbackResult{
		Gateway:    "mercadopago",
		IntentCode: intent.Code,
		Status:     NormalizeGatewayStatus("in_process"),
	})
	if err != nil {
		t.Fatalf("apply callback: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want Pending", got.Status)
	}
	if len(f.store.transactions) != 0 {
		t.Errorf("transactions = %d, want 0", len(f.store.transactions))
	}
}

func TestNormalizeGatewayStatus(t *testing.T) {
	cases := map[string]string{
		"approved":    StatusCompleted,
		"APPROVED":    StatusCompleted,
		"accredited":  StatusCompleted,
		"rejected":    StatusFailed,
		"cc_rejected": StatusFailed,
		"cancelled":   StatusCancelled,
		"in_process":  StatusPending,
		"pending":     StatusPending,
		"":            StatusPending,
		"weird":       StatusPending,
	}
	for in, want := range cases {
		if got := NormalizeGatewayStatus(in); got != want {
			t.Errorf("NormalizeGatewayStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
