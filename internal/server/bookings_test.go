package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/store"
)

type bookingDocsStub struct {
	bookings      map[string]*docstore.Booking
	trips         map[string]*core.TripPlan
	updatedStatus string
	updatedReason string
	savedTrip     *core.TripPlan
}

func (s *bookingDocsStub) GetBooking(ctx context.Context, id string) (*docstore.Booking, error) {
	if b, ok := s.bookings[id]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, docstore.ErrNotFound
}

func (s *bookingDocsStub) ListBookings(ctx context.Context, userID string, offset, limit int) ([]docstore.Booking, error) {
	var out []docstore.Booking
	for _, b := range s.bookings {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *bookingDocsStub) UpdateBookingStatus(ctx context.Context, id, status, failureReason string) error {
	s.updatedStatus = status
	s.updatedReason = failureReason
	return nil
}

func (s *bookingDocsStub) GetTrip(ctx context.Context, id string) (*core.TripPlan, error) {
	if trip, ok := s.trips[id]; ok {
		return trip, nil
	}
	return nil, docstore.ErrNotFound
}

func (s *bookingDocsStub) SaveTrip(ctx context.Context, trip *core.TripPlan) error {
	s.savedTrip = trip
	return nil
}

type bookingLedgerStub struct {
	charges       []store.ChargeRecord
	updatedID     int64
	updatedStatus string
}

func (s *bookingLedgerStub) ListCharges(ctx context.Context, bookingID string) ([]store.ChargeRecord, error) {
	return s.charges, nil
}

func (s *bookingLedgerStub) UpdateChargeStatus(ctx context.Context, id int64, status, chargeID, failureMessage string) error {
	s.updatedID = id
	s.updatedStatus = status
	return nil
}

type refunderStub struct {
	err         error
	gotChargeID string
	gotCents    int64
}

func (s *refunderStub) Refund(ctx context.Context, chargeID string, amountCents int64) (string, error) {
	s.gotChargeID = chargeID
	s.gotCents = amountCents
	if s.err != nil {
		return "", s.err
	}
	return "rfnd_test_1", nil
}

func pendingBooking() *docstore.Booking {
	return &docstore.Booking{
		ID:       "bk-1",
		TripID:   "trip-1",
		UserID:   "user-1",
		Status:   docstore.BookingPending,
		Amount:   12500.50,
		Currency: "THB",
	}
}

func newBookingContext(bookingID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/bookings/"+bookingID+"/cancel", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues(bookingID)
	return ctx, rec
}

func TestCancelPendingBooking(t *testing.T) {
	docs := &bookingDocsStub{bookings: map[string]*docstore.Booking{"bk-1": pendingBooking()}}
	pay := &refunderStub{}
	h := &BookingsHandler{Docs: docs, Payments: pay}

	ctx, rec := newBookingContext("bk-1")
	if err := h.cancel(ctx); err != nil {
		t.Fatalf("cancel returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if docs.updatedStatus != docstore.BookingCancelled || docs.updatedReason != "cancelled by user" {
		t.Fatalf("booking not marked cancelled: %q %q", docs.updatedStatus, docs.updatedReason)
	}
	if pay.gotChargeID != "" {
		t.Fatalf("no charge was placed, refund must not run")
	}
	var body docstore.Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != docstore.BookingCancelled {
		t.Fatalf("unexpected body status %q", body.Status)
	}
}

func TestCancelRefundsPlacedCharge(t *testing.T) {
	booking := pendingBooking()
	booking.Status = docstore.BookingProcessing
	booking.ChargeID = "chrg_test_1"
	docs := &bookingDocsStub{
		bookings: map[string]*docstore.Booking{"bk-1": booking},
		trips: map[string]*core.TripPlan{
			"trip-1": {ID: "trip-1", UserID: "user-1", Status: core.TripStatusBooking, BookingID: "bk-1"},
		},
	}
	ledger := &bookingLedgerStub{charges: []store.ChargeRecord{
		{ID: 7, BookingID: "bk-1", ChargeID: "chrg_test_1", Status: store.ChargeStatusSucceeded},
	}}
	pay := &refunderStub{}
	h := &BookingsHandler{Docs: docs, Ledger: ledger, Payments: pay}

	ctx, _ := newBookingContext("bk-1")
	if err := h.cancel(ctx); err != nil {
		t.Fatalf("cancel returned error: %v", err)
	}
	if pay.gotChargeID != "chrg_test_1" {
		t.Fatalf("expected refund against the placed charge, got %q", pay.gotChargeID)
	}
	if pay.gotCents != 1250050 {
		t.Fatalf("expected satang conversion 1250050, got %d", pay.gotCents)
	}
	if ledger.updatedID != 7 || ledger.updatedStatus != store.ChargeStatusRefunded {
		t.Fatalf("ledger charge not marked refunded: id=%d status=%q", ledger.updatedID, ledger.updatedStatus)
	}
	if docs.savedTrip == nil || docs.savedTrip.Status != core.TripStatusReady || docs.savedTrip.BookingID != "" {
		t.Fatalf("trip not released: %+v", docs.savedTrip)
	}
}

func TestCancelSettledBookingConflicts(t *testing.T) {
	booking := pendingBooking()
	booking.Status = docstore.BookingPaid
	docs := &bookingDocsStub{bookings: map[string]*docstore.Booking{"bk-1": booking}}
	h := &BookingsHandler{Docs: docs}

	ctx, _ := newBookingContext("bk-1")
	err := h.cancel(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
	if docs.updatedStatus != "" {
		t.Fatalf("settled booking must not be touched")
	}
}

func TestCancelForeignBookingHidden(t *testing.T) {
	booking := pendingBooking()
	booking.UserID = "someone-else"
	h := &BookingsHandler{Docs: &bookingDocsStub{bookings: map[string]*docstore.Booking{"bk-1": booking}}}

	ctx, _ := newBookingContext("bk-1")
	err := h.cancel(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}

func TestCancelRefundFailureSurfaces(t *testing.T) {
	booking := pendingBooking()
	booking.ChargeID = "chrg_test_1"
	docs := &bookingDocsStub{bookings: map[string]*docstore.Booking{"bk-1": booking}}
	pay := &refunderStub{err: errors.New("gateway timeout")}
	h := &BookingsHandler{Docs: docs, Payments: pay}

	ctx, _ := newBookingContext("bk-1")
	err := h.cancel(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %#v", err)
	}
	// The booking stays cancelled; only the refund needs a retry.
	if docs.updatedStatus != docstore.BookingCancelled {
		t.Fatalf("expected booking cancelled before the refund attempt, got %q", docs.updatedStatus)
	}
}
