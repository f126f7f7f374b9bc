package reconcile

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestRepairPaymentDrift(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)
	store := NewStoreWithQuerier(mock)

	mock.ExpectExec("WITH captured AS").
		WithArgs(100).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.RepairPaymentDrift(context.Background(), 100)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if n != 2 {
		t.Errorf("repaired = %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
