package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	core "github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/budget"
)

func TestUpsertBudgetConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	maxCost := 2.5
	maxTokens := int64(250000)
	cfg := budget.Config{
		MaxCost:   &maxCost,
		MaxTokens: &maxTokens,
		Metadata:  map[string]interface{}{"set_by": "admin"},
	}

	query := regexp.QuoteMeta(`
INSERT INTO budget_configs (session_id, max_cost, max_tokens, max_turn_seconds, approval_threshold, require_approval, metadata, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (session_id) DO UPDATE SET
  max_cost = EXCLUDED.max_cost,
  max_tokens = EXCLUDED.max_tokens,
  max_turn_seconds = EXCLUDED.max_turn_seconds,
  approval_threshold = EXCLUDED.approval_threshold,
  require_approval = EXCLUDED.require_approval,
  metadata = EXCLUDED.metadata,
  updated_at = NOW();
`)
	mock.ExpectExec(query).
		WithArgs("sess-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpsertBudgetConfig(context.Background(), "sess-1", cfg); err != nil {
		t.Fatalf("UpsertBudgetConfig: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertBudgetConfigRejectsNegative(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	bad := -1.0
	if err := st.UpsertBudgetConfig(context.Background(), "sess-1", budget.Config{MaxCost: &bad}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestGetBudgetConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
SELECT max_cost, max_tokens, max_turn_seconds, approval_threshold, require_approval, metadata
FROM budget_configs
WHERE session_id=$1
`)
	rows := sqlmock.NewRows([]string{"max_cost", "max_tokens", "max_turn_seconds", "approval_threshold", "require_approval", "metadata"}).
		AddRow(2.5, int64(250000), nil, 20000.0, true, []byte(`{"set_by":"admin"}`))
	mock.ExpectQuery(query).WithArgs("sess-1").WillReturnRows(rows)

	cfg, ok, err := st.GetBudgetConfig(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetBudgetConfig: %v", err)
	}
	if !ok {
		t.Fatalf("expected config present")
	}
	if cfg.MaxCost == nil || *cfg.MaxCost != 2.5 {
		t.Fatalf("max_cost = %v", cfg.MaxCost)
	}
	if cfg.MaxTimeSeconds != nil {
		t.Fatalf("max_turn_seconds should be unset")
	}
	if cfg.ApprovalThreshold == nil || *cfg.ApprovalThreshold != 20000 {
		t.Fatalf("approval_threshold = %v", cfg.ApprovalThreshold)
	}
	if !cfg.RequireApproval {
		t.Fatalf("require_approval should be true")
	}
	if cfg.Metadata["set_by"] != "admin" {
		t.Fatalf("metadata = %v", cfg.Metadata)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetBudgetConfigMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
SELECT max_cost, max_tokens, max_turn_seconds, approval_threshold, require_approval, metadata
FROM budget_configs
WHERE session_id=$1
`)
	mock.ExpectQuery(query).WithArgs("sess-missing").WillReturnRows(sqlmock.NewRows([]string{"max_cost"}))

	_, ok, err := st.GetBudgetConfig(context.Background(), "sess-missing")
	if err != nil {
		t.Fatalf("GetBudgetConfig: %v", err)
	}
	if ok {
		t.Fatalf("expected no config")
	}
}

func TestCreatePendingApproval(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
INSERT INTO budget_approvals (id, session_id, trip_id, user_id, booking_amount, currency, threshold, reason, status, requested_at)
VALUES ($1,$2,$3,$4,$5,$6,COALESCE((SELECT approval_threshold FROM budget_configs WHERE session_id=$2),0),$7,'pending',NOW())
ON CONFLICT (session_id) WHERE status='pending' DO UPDATE SET
  trip_id = EXCLUDED.trip_id,
  booking_amount = EXCLUDED.booking_amount,
  currency = EXCLUDED.currency,
  threshold = EXCLUDED.threshold,
  reason = EXCLUDED.reason,
  requested_at = NOW()
RETURNING id
`)
	mock.ExpectQuery(query).
		WithArgs(sqlmock.AnyArg(), "sess-1", "trip-1", "user-1", 35900.0, "THB", "agent booking over approval threshold").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("appr-1"))

	id, err := st.CreatePendingApproval(context.Background(), core.ApprovalRequest{
		TripID:    "trip-1",
		SessionID: "sess-1",
		UserID:    "user-1",
		Amount:    core.Money{Amount: 35900, Currency: "THB"},
		Reason:    "agent booking over approval threshold",
	})
	if err != nil {
		t.Fatalf("CreatePendingApproval: %v", err)
	}
	if id != "appr-1" {
		t.Fatalf("id = %q, want appr-1", id)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDecideBudgetApprovalNotPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
UPDATE budget_approvals
SET status=$2,
    decided_at=NOW(),
    decided_by=$3
WHERE id=$1 AND status='pending'
`)
	mock.ExpectExec(query).
		WithArgs("appr-1", ApprovalStatusApproved, "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.DecideBudgetApproval(context.Background(), "appr-1", true, "user-1"); err == nil {
		t.Fatalf("expected error for already-decided approval")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPendingBudgetApproval(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	requested := time.Now().Add(-2 * time.Minute)

	query := regexp.QuoteMeta(`
SELECT id, session_id, trip_id, user_id, booking_amount, currency, threshold, COALESCE(reason,''), status, requested_at, decided_at, decided_by
FROM budget_approvals
WHERE session_id=$1 AND status='pending'
ORDER BY requested_at ASC
LIMIT 1
`)
	rows := sqlmock.NewRows([]string{"id", "session_id", "trip_id", "user_id", "booking_amount", "currency", "threshold", "reason", "status", "requested_at", "decided_at", "decided_by"}).
		AddRow("appr-1", "sess-1", "trip-1", "user-1", 35900.0, "THB", 20000.0, "agent booking over approval threshold", ApprovalStatusPending, requested, nil, nil)
	mock.ExpectQuery(query).WithArgs("sess-1").WillReturnRows(rows)

	rec, ok, err := st.PendingBudgetApproval(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("PendingBudgetApproval: %v", err)
	}
	if !ok {
		t.Fatalf("expected a pending approval")
	}
	if rec.ID != "appr-1" || rec.BookingAmount != 35900 || rec.Threshold != 20000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.DecidedAt != nil || rec.DecidedBy != nil {
		t.Fatalf("pending approval should have no decision fields")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
