package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/store"
)

type adminDocsStub struct {
	users    int64
	trips    int64
	sessions map[string]int64 // keyed by status filter
	bookings map[string]int64
}

func (s *adminDocsStub) CountUsers(ctx context.Context) (int64, error) { return s.users, nil }
func (s *adminDocsStub) CountTrips(ctx context.Context) (int64, error) { return s.trips, nil }

func (s *adminDocsStub) CountSessions(ctx context.Context, status string) (int64, error) {
	return s.sessions[status], nil
}

func (s *adminDocsStub) CountBookingsByStatus(ctx context.Context) (map[string]int64, error) {
	return s.bookings, nil
}

func (s *adminDocsStub) ListUsers(ctx context.Context, offset, limit int) ([]docstore.User, error) {
	return nil, nil
}

func (s *adminDocsStub) ListAllBookings(ctx context.Context, status string, offset, limit int) ([]docstore.Booking, error) {
	return nil, nil
}

func (s *adminDocsStub) ListAllSessions(ctx context.Context, status string, offset, limit int) ([]docstore.ChatSession, error) {
	return nil, nil
}

type adminLedgerStub struct {
	totals   store.UsageSummary
	gotSince time.Time
}

func (s *adminLedgerStub) UsageSince(ctx context.Context, t time.Time) (store.UsageSummary, error) {
	s.gotSince = t
	return s.totals, nil
}

func (s *adminLedgerStub) UsageByModel(ctx context.Context, since time.Time) ([]store.ModelUsage, error) {
	return nil, nil
}

func (s *adminLedgerStub) UsageByDay(ctx context.Context, since time.Time) ([]store.DailyUsage, error) {
	return nil, nil
}

func newAdminContext(target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "admin-1")
	return ctx, rec
}

func TestOverviewAggregatesCounters(t *testing.T) {
	docs := &adminDocsStub{
		users:    12,
		trips:    40,
		sessions: map[string]int64{"": 55, docstore.SessionActive: 3},
		bookings: map[string]int64{"paid": 7, "failed": 1},
	}
	ledger := &adminLedgerStub{totals: store.UsageSummary{Calls: 321, Cost: 4.56}}
	h := &AdminHandler{Docs: docs, Ledger: ledger}

	ctx, rec := newAdminContext("/api/admin/overview")
	if err := h.overview(ctx); err != nil {
		t.Fatalf("overview returned error: %v", err)
	}
	var resp AdminOverviewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Users != 12 || resp.Trips != 40 || resp.Sessions != 55 || resp.ActiveSessions != 3 {
		t.Fatalf("unexpected counters %+v", resp)
	}
	if resp.BookingsByStatus["paid"] != 7 {
		t.Fatalf("unexpected bookings %+v", resp.BookingsByStatus)
	}
	if resp.LLMCalls != 321 || resp.LLMCost != 4.56 {
		t.Fatalf("unexpected llm totals %+v", resp)
	}
	if !ledger.gotSince.IsZero() {
		t.Fatalf("overview should aggregate all-time usage, got since %v", ledger.gotSince)
	}
}

func TestUsageParsesSinceParam(t *testing.T) {
	ledger := &adminLedgerStub{}
	h := &AdminHandler{Docs: &adminDocsStub{}, Ledger: ledger}

	ctx, rec := newAdminContext("/api/admin/usage?since=2026-01-02")
	if err := h.usage(ctx); err != nil {
		t.Fatalf("usage returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	if !ledger.gotSince.Equal(want) {
		t.Fatalf("expected since %v, got %v", want, ledger.gotSince)
	}
}

func TestUsageRejectsJunkSince(t *testing.T) {
	h := &AdminHandler{Docs: &adminDocsStub{}, Ledger: &adminLedgerStub{}}
	ctx, _ := newAdminContext("/api/admin/usage?since=last-tuesday")
	err := h.usage(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestParseSince(t *testing.T) {
	got, err := parseSince("")
	if err != nil {
		t.Fatalf("empty since: %v", err)
	}
	want := time.Now().AddDate(0, 0, -7)
	if got.Before(want.Add(-time.Minute)) || got.After(want.Add(time.Minute)) {
		t.Fatalf("empty since should default a week back, got %v", got)
	}

	got, err = parseSince("2026-03-01T10:30:00Z")
	if err != nil || !got.Equal(time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339 parse: %v %v", got, err)
	}

	if _, err := parseSince("yesterday"); err == nil {
		t.Fatalf("expected error for junk input")
	}
}
