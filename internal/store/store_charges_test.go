package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestInsertChargeReturnsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
INSERT INTO payment_charges (booking_id, user_id, amount_cents, currency, charge_id, status, failure_message)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`)
	mock.ExpectQuery(query).
		WithArgs("bk-1", "user-1", int64(359000), "THB", "", ChargeStatusPending, "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := st.InsertCharge(context.Background(), ChargeRecord{
		BookingID:   "bk-1",
		UserID:      "user-1",
		AmountCents: 359000,
		Currency:    "THB",
	})
	if err != nil {
		t.Fatalf("InsertCharge: %v", err)
	}
	if id != 42 {
		t.Fatalf("id = %d, want 42", id)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertChargeValidates(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if _, err := st.InsertCharge(context.Background(), ChargeRecord{AmountCents: 100}); err == nil {
		t.Fatalf("expected error for missing booking_id")
	}
	if _, err := st.InsertCharge(context.Background(), ChargeRecord{BookingID: "bk-1"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestUpdateChargeStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
UPDATE payment_charges
SET status=$2,
    charge_id=COALESCE(NULLIF($3,''), charge_id),
    failure_message=$4
WHERE id=$1
`)
	mock.ExpectExec(query).
		WithArgs(int64(99), ChargeStatusSucceeded, "chrg_test_1", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = st.UpdateChargeStatus(context.Background(), 99, ChargeStatusSucceeded, "chrg_test_1", "")
	if err == nil {
		t.Fatalf("expected not-found error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListCharges(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()

	query := regexp.QuoteMeta(`
SELECT id, booking_id, user_id, amount_cents, currency, COALESCE(charge_id,''), status, COALESCE(failure_message,''), created_at
FROM payment_charges
WHERE booking_id=$1
ORDER BY created_at ASC
`)
	rows := sqlmock.NewRows([]string{"id", "booking_id", "user_id", "amount_cents", "currency", "charge_id", "status", "failure_message", "created_at"}).
		AddRow(int64(1), "bk-1", "user-1", int64(359000), "THB", "", ChargeStatusFailed, "card declined", now.Add(-time.Minute)).
		AddRow(int64(2), "bk-1", "user-1", int64(359000), "THB", "chrg_test_2", ChargeStatusSucceeded, "", now)
	mock.ExpectQuery(query).WithArgs("bk-1").WillReturnRows(rows)

	out, err := st.ListCharges(context.Background(), "bk-1")
	if err != nil {
		t.Fatalf("ListCharges: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 charges, got %d", len(out))
	}
	if out[0].FailureMessage != "card declined" {
		t.Fatalf("first charge failure = %q", out[0].FailureMessage)
	}
	if out[1].ChargeID != "chrg_test_2" || out[1].Status != ChargeStatusSucceeded {
		t.Fatalf("unexpected second charge: %+v", out[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
