package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	core "github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/budget"
)

// Store is the relational ledger beside the Mongo document store: LLM usage,
// payment charges, session budgets, booking approvals and idempotency claims.
type Store struct {
	DB *sql.DB
}

// Charge statuses persisted for payment_charges rows.
const (
	ChargeStatusPending   = "pending"
	ChargeStatusSucceeded = "succeeded"
	ChargeStatusFailed    = "failed"
	ChargeStatusRefunded  = "refunded"
)

// Booking approval statuses.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusDenied   = "denied"
)

// UsageSummary aggregates llm_usage rows for a session or a time window.
type UsageSummary struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// ModelUsage is a per-model aggregate for the admin usage endpoints.
type ModelUsage struct {
	Model        string  `json:"model"`
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// DailyUsage is a per-day call and cost aggregate.
type DailyUsage struct {
	Day   time.Time `json:"day"`
	Calls int64     `json:"calls"`
	Cost  float64   `json:"cost"`
}

// ChargeRecord is one attempt to charge a booking through the payment provider.
type ChargeRecord struct {
	ID             int64     `json:"id"`
	BookingID      string    `json:"booking_id"`
	UserID         string    `json:"user_id"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	ChargeID       string    `json:"charge_id,omitempty"`
	Status         string    `json:"status"`
	FailureMessage string    `json:"failure_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ApprovalRecord is a booking held until the user confirms the spend.
type ApprovalRecord struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	TripID        string     `json:"trip_id"`
	UserID        string     `json:"user_id"`
	BookingAmount float64    `json:"booking_amount"`
	Currency      string     `json:"currency"`
	Threshold     float64    `json:"threshold"`
	Reason        string     `json:"reason,omitempty"`
	Status        string     `json:"status"`
	RequestedAt   time.Time  `json:"requested_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	DecidedBy     *string    `json:"decided_by,omitempty"`
}

// New connects using DATABASE_URL or the discrete POSTGRES_* variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN opens the ledger database and verifies the connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// LLM usage ledger

// RecordLLMUsage appends one model call to the llm_usage ledger.
func (s *Store) RecordLLMUsage(ctx context.Context, u core.LLMUsage) error {
	if u.SessionID == "" || u.Model == "" {
		return fmt.Errorf("session_id and model are required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO llm_usage (session_id, user_id, model, operation, input_tokens, output_tokens, cost)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, u.SessionID, u.UserID, u.Model, u.Role, u.TokensIn, u.TokensOut, u.Cost)
	return err
}

// UsageTotals sums the ledger for one session.
func (s *Store) UsageTotals(ctx context.Context, sessionID string) (UsageSummary, error) {
	if sessionID == "" {
		return UsageSummary{}, fmt.Errorf("session_id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost),0)
FROM llm_usage
WHERE session_id=$1
`, sessionID)
	var sum UsageSummary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.Cost); err != nil {
		return UsageSummary{}, err
	}
	return sum, nil
}

// UsageSince sums the ledger across all sessions from t onward.
func (s *Store) UsageSince(ctx context.Context, t time.Time) (UsageSummary, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost),0)
FROM llm_usage
WHERE created_at >= $1
`, t)
	var sum UsageSummary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.Cost); err != nil {
		return UsageSummary{}, err
	}
	return sum, nil
}

// UsageByModel breaks spend down per model, most expensive first.
func (s *Store) UsageByModel(ctx context.Context, since time.Time) ([]ModelUsage, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT model, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost),0)
FROM llm_usage
WHERE created_at >= $1
GROUP BY model
ORDER BY SUM(cost) DESC
`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Calls, &m.InputTokens, &m.OutputTokens, &m.Cost); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UsageByDay breaks spend down per calendar day, oldest first.
func (s *Store) UsageByDay(ctx context.Context, since time.Time) ([]DailyUsage, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT date_trunc('day', created_at) AS day, COUNT(*), COALESCE(SUM(cost),0)
FROM llm_usage
WHERE created_at >= $1
GROUP BY day
ORDER BY day ASC
`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Day, &d.Calls, &d.Cost); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Payment charges

// InsertCharge records a charge attempt and returns the ledger row id.
func (s *Store) InsertCharge(ctx context.Context, rec ChargeRecord) (int64, error) {
	if rec.BookingID == "" {
		return 0, fmt.Errorf("booking_id required")
	}
	if rec.AmountCents <= 0 {
		return 0, fmt.Errorf("amount_cents must be positive")
	}
	if rec.Status == "" {
		rec.Status = ChargeStatusPending
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO payment_charges (booking_id, user_id, amount_cents, currency, charge_id, status, failure_message)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, rec.BookingID, rec.UserID, rec.AmountCents, rec.Currency, rec.ChargeID, rec.Status, rec.FailureMessage).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateChargeStatus moves a charge row to its settled state. An empty
// chargeID keeps the provider reference already on the row.
func (s *Store) UpdateChargeStatus(ctx context.Context, id int64, status, chargeID, failureMessage string) error {
	if status == "" {
		return fmt.Errorf("status required")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE payment_charges
SET status=$2,
    charge_id=COALESCE(NULLIF($3,''), charge_id),
    failure_message=$4
WHERE id=$1
`, id, status, chargeID, failureMessage)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("charge %d not found", id)
	}
	return nil
}

// ListCharges returns every charge attempt for a booking, oldest first.
func (s *Store) ListCharges(ctx context.Context, bookingID string) ([]ChargeRecord, error) {
	if bookingID == "" {
		return nil, fmt.Errorf("booking_id required")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, booking_id, user_id, amount_cents, currency, COALESCE(charge_id,''), status, COALESCE(failure_message,''), created_at
FROM payment_charges
WHERE booking_id=$1
ORDER BY created_at ASC
`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChargeRecord
	for rows.Next() {
		var rec ChargeRecord
		if err := rows.Scan(&rec.ID, &rec.BookingID, &rec.UserID, &rec.AmountCents, &rec.Currency, &rec.ChargeID, &rec.Status, &rec.FailureMessage, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Session budgets

// UpsertBudgetConfig stores per-session spending limits.
func (s *Store) UpsertBudgetConfig(ctx context.Context, sessionID string, cfg budget.Config) error {
	if sessionID == "" {
		return fmt.Errorf("session_id required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	meta := cfg.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal budget metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
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
`, sessionID, cfg.MaxCost, cfg.MaxTokens, cfg.MaxTimeSeconds, cfg.ApprovalThreshold, cfg.RequireApproval, payload)
	return err
}

// GetBudgetConfig loads the session's limits if any were set.
func (s *Store) GetBudgetConfig(ctx context.Context, sessionID string) (budget.Config, bool, error) {
	if sessionID == "" {
		return budget.Config{}, false, fmt.Errorf("session_id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT max_cost, max_tokens, max_turn_seconds, approval_threshold, require_approval, metadata
FROM budget_configs
WHERE session_id=$1
`, sessionID)
	var (
		cfg     budget.Config
		maxCost sql.NullFloat64
		maxTok  sql.NullInt64
		maxTime sql.NullInt64
		thresh  sql.NullFloat64
		metaRaw []byte
	)
	if err := row.Scan(&maxCost, &maxTok, &maxTime, &thresh, &cfg.RequireApproval, &metaRaw); err != nil {
		if err == sql.ErrNoRows {
			return budget.Config{}, false, nil
		}
		return budget.Config{}, false, err
	}
	if maxCost.Valid {
		v := maxCost.Float64
		cfg.MaxCost = &v
	}
	if maxTok.Valid {
		v := maxTok.Int64
		cfg.MaxTokens = &v
	}
	if maxTime.Valid {
		v := maxTime.Int64
		cfg.MaxTimeSeconds = &v
	}
	if thresh.Valid {
		v := thresh.Float64
		cfg.ApprovalThreshold = &v
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &cfg.Metadata); err != nil {
			return budget.Config{}, false, fmt.Errorf("decode budget metadata: %w", err)
		}
	}
	return cfg, true, nil
}

// Booking approvals

// CreatePendingApproval records a booking held for user confirmation and
// returns the approval id. A session carries at most one pending approval;
// a new hold replaces it. The threshold is snapshotted from the session's
// budget config at request time.
func (s *Store) CreatePendingApproval(ctx context.Context, req core.ApprovalRequest) (string, error) {
	if req.SessionID == "" || req.TripID == "" {
		return "", fmt.Errorf("session_id and trip_id are required")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
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
`, uuid.NewString(), req.SessionID, req.TripID, req.UserID, req.Amount.Amount, req.Amount.Currency, req.Reason).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetBudgetApproval loads one approval by id.
func (s *Store) GetBudgetApproval(ctx context.Context, id string) (ApprovalRecord, bool, error) {
	if id == "" {
		return ApprovalRecord{}, false, fmt.Errorf("id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, session_id, trip_id, user_id, booking_amount, currency, threshold, COALESCE(reason,''), status, requested_at, decided_at, decided_by
FROM budget_approvals
WHERE id=$1
`, id)
	var rec ApprovalRecord
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.TripID, &rec.UserID, &rec.BookingAmount, &rec.Currency, &rec.Threshold, &rec.Reason, &rec.Status, &rec.RequestedAt, &rec.DecidedAt, &rec.DecidedBy); err != nil {
		if err == sql.ErrNoRows {
			return ApprovalRecord{}, false, nil
		}
		return ApprovalRecord{}, false, err
	}
	return rec, true, nil
}

// DecideBudgetApproval settles a pending approval. Deciding one that is no
// longer pending fails so a double-tap cannot book twice.
func (s *Store) DecideBudgetApproval(ctx context.Context, id string, approve bool, decidedBy string) error {
	if id == "" || decidedBy == "" {
		return fmt.Errorf("id and decided_by required")
	}
	status := ApprovalStatusDenied
	if approve {
		status = ApprovalStatusApproved
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE budget_approvals
SET status=$2,
    decided_at=NOW(),
    decided_by=$3
WHERE id=$1 AND status='pending'
`, id, status, decidedBy)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("approval %s is not pending", id)
	}
	return nil
}

// PendingBudgetApproval returns the session's pending approval if one exists.
func (s *Store) PendingBudgetApproval(ctx context.Context, sessionID string) (ApprovalRecord, bool, error) {
	if sessionID == "" {
		return ApprovalRecord{}, false, fmt.Errorf("session_id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, session_id, trip_id, user_id, booking_amount, currency, threshold, COALESCE(reason,''), status, requested_at, decided_at, decided_by
FROM budget_approvals
WHERE session_id=$1 AND status='pending'
ORDER BY requested_at ASC
LIMIT 1
`, sessionID)
	var rec ApprovalRecord
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.TripID, &rec.UserID, &rec.BookingAmount, &rec.Currency, &rec.Threshold, &rec.Reason, &rec.Status, &rec.RequestedAt, &rec.DecidedAt, &rec.DecidedBy); err != nil {
		if err == sql.ErrNoRows {
			return ApprovalRecord{}, false, nil
		}
		return ApprovalRecord{}, false, err
	}
	return rec, true, nil
}

// Idempotency

// ClaimIdempotency records (scope, key) and reports whether this caller holds
// the claim. Replays return false with no error.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}
