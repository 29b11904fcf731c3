package store

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestClaimIdempotencyFirstClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`)
	mock.ExpectQuery(query).
		WithArgs("booking", "bk-1").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))

	claimed, err := st.ClaimIdempotency(context.Background(), "booking", "bk-1")
	if err != nil {
		t.Fatalf("ClaimIdempotency: %v", err)
	}
	if !claimed {
		t.Fatalf("first claim should succeed")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimIdempotencyReplay(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`)
	mock.ExpectQuery(query).
		WithArgs("booking", "bk-1").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}))

	claimed, err := st.ClaimIdempotency(context.Background(), "booking", "bk-1")
	if err != nil {
		t.Fatalf("ClaimIdempotency: %v", err)
	}
	if claimed {
		t.Fatalf("replay should not claim")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimIdempotencyValidates(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if _, err := st.ClaimIdempotency(context.Background(), "", "bk-1"); err == nil {
		t.Fatalf("expected error for empty scope")
	}
	if _, err := st.ClaimIdempotency(context.Background(), "booking", ""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
