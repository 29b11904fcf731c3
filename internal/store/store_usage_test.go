package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	core "github.com/voyatrip/voya/internal/agent/core"
)

func TestRecordLLMUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
INSERT INTO llm_usage (session_id, user_id, model, operation, input_tokens, output_tokens, cost)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`)
	mock.ExpectExec(query).
		WithArgs("sess-1", "user-1", "gemini-2.0-flash", "controller", int64(1200), int64(80), 0.0031).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.RecordLLMUsage(context.Background(), core.LLMUsage{
		SessionID: "sess-1",
		UserID:    "user-1",
		Role:      "controller",
		Model:     "gemini-2.0-flash",
		TokensIn:  1200,
		TokensOut: 80,
		Cost:      0.0031,
	})
	if err != nil {
		t.Fatalf("RecordLLMUsage: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordLLMUsageRequiresSessionAndModel(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if err := st.RecordLLMUsage(context.Background(), core.LLMUsage{Model: "gemini-2.0-flash"}); err == nil {
		t.Fatalf("expected error for missing session_id")
	}
	if err := st.RecordLLMUsage(context.Background(), core.LLMUsage{SessionID: "sess-1"}); err == nil {
		t.Fatalf("expected error for missing model")
	}
}

func TestUsageTotals(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost),0)
FROM llm_usage
WHERE session_id=$1
`)
	rows := sqlmock.NewRows([]string{"count", "in", "out", "cost"}).AddRow(int64(7), int64(5400), int64(900), 0.042)
	mock.ExpectQuery(query).WithArgs("sess-1").WillReturnRows(rows)

	sum, err := st.UsageTotals(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("UsageTotals: %v", err)
	}
	if sum.Calls != 7 || sum.InputTokens != 5400 || sum.OutputTokens != 900 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.Cost != 0.042 {
		t.Fatalf("cost = %v, want 0.042", sum.Cost)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUsageByModel(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	since := time.Now().Add(-24 * time.Hour)

	query := regexp.QuoteMeta(`
SELECT model, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost),0)
FROM llm_usage
WHERE created_at >= $1
GROUP BY model
ORDER BY SUM(cost) DESC
`)
	rows := sqlmock.NewRows([]string{"model", "calls", "in", "out", "cost"}).
		AddRow("gemini-2.0-flash", int64(40), int64(90000), int64(7000), 0.31).
		AddRow("gemini-2.0-flash-lite", int64(12), int64(8000), int64(2400), 0.02)
	mock.ExpectQuery(query).WithArgs(since).WillReturnRows(rows)

	out, err := st.UsageByModel(context.Background(), since)
	if err != nil {
		t.Fatalf("UsageByModel: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 models, got %d", len(out))
	}
	if out[0].Model != "gemini-2.0-flash" || out[0].Calls != 40 {
		t.Fatalf("unexpected first row: %+v", out[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUsageByDay(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	since := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	query := regexp.QuoteMeta(`
SELECT date_trunc('day', created_at) AS day, COUNT(*), COALESCE(SUM(cost),0)
FROM llm_usage
WHERE created_at >= $1
GROUP BY day
ORDER BY day ASC
`)
	rows := sqlmock.NewRows([]string{"day", "calls", "cost"}).
		AddRow(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), int64(18), 0.11).
		AddRow(time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC), int64(5), 0.03)
	mock.ExpectQuery(query).WithArgs(since).WillReturnRows(rows)

	out, err := st.UsageByDay(context.Background(), since)
	if err != nil {
		t.Fatalf("UsageByDay: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 days, got %d", len(out))
	}
	if out[1].Calls != 5 {
		t.Fatalf("second day calls = %d, want 5", out[1].Calls)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
