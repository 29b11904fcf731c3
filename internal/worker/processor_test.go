package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/payments"
	"github.com/voyatrip/voya/internal/queue/streams"
	"github.com/voyatrip/voya/internal/store"
	"github.com/voyatrip/voya/internal/travel"
)

type ledgerStub struct {
	mu           sync.Mutex
	claimed      map[string]bool
	charges      []store.ChargeRecord
	chargeStatus []string
}

func (s *ledgerStub) ClaimIdempotency(_ context.Context, scope, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed == nil {
		s.claimed = map[string]bool{}
	}
	k := scope + "|" + key
	if s.claimed[k] {
		return false, nil
	}
	s.claimed[k] = true
	return true, nil
}

func (s *ledgerStub) InsertCharge(_ context.Context, rec store.ChargeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges = append(s.charges, rec)
	return int64(len(s.charges)), nil
}

func (s *ledgerStub) UpdateChargeStatus(_ context.Context, id int64, status, chargeID, failureMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargeStatus = append(s.chargeStatus, status)
	return nil
}

type docsStub struct {
	mu       sync.Mutex
	booking  *docstore.Booking
	trip     *core.TripPlan
	user     *docstore.User
	statuses []string
	reasons  []string
	orderIDs []string
	chargeID string
	saved    *core.TripPlan
}

func (s *docsStub) GetBooking(_ context.Context, id string) (*docstore.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.booking == nil || s.booking.ID != id {
		return nil, docstore.ErrNotFound
	}
	cp := *s.booking
	return &cp, nil
}

func (s *docsStub) UpdateBookingStatus(_ context.Context, id, status, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	s.reasons = append(s.reasons, failureReason)
	s.booking.Status = status
	return nil
}

func (s *docsStub) SetBookingCharge(_ context.Context, id, chargeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargeID = chargeID
	return nil
}

func (s *docsStub) SetBookingOrders(_ context.Context, id string, orderIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderIDs = orderIDs
	return nil
}

func (s *docsStub) GetTrip(_ context.Context, id string) (*core.TripPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trip == nil || s.trip.ID != id {
		return nil, docstore.ErrNotFound
	}
	return s.trip.Clone(), nil
}

func (s *docsStub) SaveTrip(_ context.Context, trip *core.TripPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = trip
	return nil
}

func (s *docsStub) GetUserByID(_ context.Context, id string) (*docstore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, docstore.ErrNotFound
	}
	return s.user, nil
}

func (s *docsStub) lastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

type paymentsStub struct {
	result  payments.ChargeResult
	err     error
	refunds []string
	charges []payments.ChargeRequest
}

func (s *paymentsStub) Charge(_ context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	s.charges = append(s.charges, req)
	if s.err != nil {
		return payments.ChargeResult{}, s.err
	}
	return s.result, nil
}

func (s *paymentsStub) Refund(_ context.Context, chargeID string, amountCents int64) (string, error) {
	s.refunds = append(s.refunds, chargeID)
	return "rfnd_test_1", nil
}

type travelStub struct {
	flightOrders   int
	hotelOrders    int
	transferOrders int
	flightErr      error
	transferErr    error
}

func (s *travelStub) CreateFlightOrder(_ context.Context, offer map[string]interface{}, travelers []travel.Traveler) (string, error) {
	if s.flightErr != nil {
		return "", s.flightErr
	}
	s.flightOrders++
	return fmt.Sprintf("fo-%d", s.flightOrders), nil
}

func (s *travelStub) CreateHotelOrder(_ context.Context, offerID string, guests []travel.Traveler) (string, error) {
	s.hotelOrders++
	return fmt.Sprintf("ho-%d", s.hotelOrders), nil
}

func (s *travelStub) CreateTransferOrder(_ context.Context, offerID string, passengers []travel.Traveler) (string, error) {
	if s.transferErr != nil {
		return "", s.transferErr
	}
	s.transferOrders++
	return fmt.Sprintf("to-%d", s.transferOrders), nil
}

type notifyStub struct {
	confirmed []string
	failed    []string
	reasons   []string
}

func (s *notifyStub) BookingConfirmed(_ context.Context, token string, b *docstore.Booking) {
	s.confirmed = append(s.confirmed, b.ID)
}

func (s *notifyStub) BookingFailed(_ context.Context, token string, b *docstore.Booking, reason string) {
	s.failed = append(s.failed, b.ID)
	s.reasons = append(s.reasons, reason)
}

type fixture struct {
	proc   *Processor
	ledger *ledgerStub
	docs   *docsStub
	pay    *paymentsStub
	trav   *travelStub
	notify *notifyStub
	client *redis.Client
}

func bookedTrip() *core.TripPlan {
	return &core.TripPlan{
		ID:       "trip-1",
		UserID:   "user-1",
		Title:    "Chiang Mai getaway",
		Currency: "THB",
		Status:   core.TripStatusReady,
		Segments: []core.Segment{
			{
				ID:     "seg-1",
				Type:   core.SegmentFlight,
				Status: core.SegmentConfirmed,
				SelectedOption: &core.Option{
					ID:    "fl-1",
					Price: core.Money{Amount: 4500, Currency: "THB"},
					Details: map[string]interface{}{
						"offer": map[string]interface{}{"id": "1", "type": "flight-offer"},
					},
				},
			},
			{
				ID:     "seg-2",
				Type:   core.SegmentHotel,
				Status: core.SegmentConfirmed,
				SelectedOption: &core.Option{
					ID:    "ht-1",
					Price: core.Money{Amount: 6200, Currency: "THB"},
					Details: map[string]interface{}{
						"offer_id": "HOTEL-OFFER-1",
					},
				},
			},
			{
				ID:     "seg-3",
				Type:   core.SegmentTransfer,
				Status: core.SegmentConfirmed,
				SelectedOption: &core.Option{
					ID:    "tr-1",
					Price: core.Money{Amount: 900, Currency: "THB"},
					Details: map[string]interface{}{
						"offer_id": "TRANSFER-OFFER-1",
					},
				},
			},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	trip := bookedTrip()
	f := &fixture{
		ledger: &ledgerStub{},
		docs: &docsStub{
			booking: &docstore.Booking{
				ID:       "bk-1",
				TripID:   "trip-1",
				UserID:   "user-1",
				Status:   docstore.BookingPending,
				Amount:   11600,
				Currency: "THB",
				Segments: trip.Segments,
			},
			trip: trip,
			user: &docstore.User{
				ID:          "user-1",
				Email:       "nok@example.com",
				DisplayName: "Nok Suwan",
				PushToken:   "device-1",
			},
		},
		pay:    &paymentsStub{result: payments.ChargeResult{ChargeID: "chrg_test_1", Status: "successful", Paid: true}},
		trav:   &travelStub{},
		notify: &notifyStub{},
		client: client,
	}
	f.proc = NewProcessor(
		log.New(io.Discard, "", 0),
		Deps{
			Ledger:    f.ledger,
			Docs:      f.docs,
			Payments:  f.pay,
			Travel:    f.trav,
			Notify:    f.notify,
			Publisher: streams.NewPublisher(client),
			Consumer:  streams.NewConsumer(client, streams.GroupBookingWorkers, "worker-test"),
		},
		nil, nil)
	return f
}

func requestedMessage(t *testing.T, payload streams.BookingRequestedPayload) streams.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return streams.Message{
		ID: "1-0",
		Envelope: streams.Envelope{
			EventID:        "evt-1",
			EventType:      streams.StreamBookingRequested,
			OccurredAt:     time.Now().UTC(),
			PayloadVersion: streams.PayloadVersionV1,
			Data:           data,
		},
	}
}

func settledEvents(t *testing.T, client *redis.Client) []streams.BookingSettledPayload {
	t.Helper()
	entries, err := client.XRange(context.Background(), streams.StreamBookingSettled, "-", "+").Result()
	if err != nil {
		t.Fatalf("read settled stream: %v", err)
	}
	out := make([]streams.BookingSettledPayload, 0, len(entries))
	for _, e := range entries {
		env, err := streams.UnmarshalEnvelope([]byte(e.Values["envelope"].(string)))
		if err != nil {
			t.Fatalf("unmarshal settled envelope: %v", err)
		}
		var p streams.BookingSettledPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatalf("unmarshal settled payload: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func TestHandleBookingConfirmsTrip(t *testing.T) {
	f := newFixture(t)
	msg := requestedMessage(t, streams.BookingRequestedPayload{
		BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
		Amount: 11600, Currency: "THB", CardToken: "tokn_test_1", Source: streams.SourceManual,
	})

	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("handle booking: %v", err)
	}

	if got := f.docs.lastStatus(); got != docstore.BookingConfirmed {
		t.Fatalf("expected booking confirmed, got %q (history %v)", got, f.docs.statuses)
	}
	if len(f.pay.charges) != 1 {
		t.Fatalf("expected 1 charge, got %d", len(f.pay.charges))
	}
	if f.pay.charges[0].AmountCents != 1160000 {
		t.Fatalf("expected 1160000 satang, got %d", f.pay.charges[0].AmountCents)
	}
	if f.docs.chargeID != "chrg_test_1" {
		t.Fatalf("expected charge id recorded, got %q", f.docs.chargeID)
	}
	if len(f.docs.orderIDs) != 3 {
		t.Fatalf("expected 3 order ids, got %v", f.docs.orderIDs)
	}
	if f.trav.flightOrders != 1 || f.trav.hotelOrders != 1 || f.trav.transferOrders != 1 {
		t.Fatalf("unexpected order counts: %+v", f.trav)
	}
	if f.docs.saved == nil || f.docs.saved.Status != core.TripStatusBooked {
		t.Fatalf("expected trip saved as booked, got %+v", f.docs.saved)
	}
	if f.docs.saved.BookingID != "bk-1" {
		t.Fatalf("expected booking id on trip, got %q", f.docs.saved.BookingID)
	}
	if len(f.notify.confirmed) != 1 {
		t.Fatalf("expected confirmation push, got %v", f.notify.confirmed)
	}

	settled := settledEvents(t, f.client)
	if len(settled) != 1 || settled[0].Status != docstore.BookingConfirmed {
		t.Fatalf("unexpected settled events %+v", settled)
	}
}

func TestHandleBookingDeclinedCard(t *testing.T) {
	f := newFixture(t)
	f.pay.result = payments.ChargeResult{
		ChargeID:       "chrg_test_2",
		Status:         "failed",
		Paid:           false,
		FailureMessage: "insufficient funds",
	}
	msg := requestedMessage(t, streams.BookingRequestedPayload{
		BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
		Amount: 11600, Currency: "THB", CardToken: "tokn_test_1", Source: streams.SourceManual,
	})

	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("handle booking: %v", err)
	}

	if got := f.docs.lastStatus(); got != docstore.BookingFailed {
		t.Fatalf("expected booking failed, got %q", got)
	}
	if f.trav.flightOrders != 0 {
		t.Fatalf("expected no orders after declined charge")
	}
	if len(f.notify.failed) != 1 || f.notify.reasons[0] != "payment declined: insufficient funds" {
		t.Fatalf("unexpected failure notification %v %v", f.notify.failed, f.notify.reasons)
	}
	settled := settledEvents(t, f.client)
	if len(settled) != 1 || settled[0].Status != docstore.BookingFailed {
		t.Fatalf("unexpected settled events %+v", settled)
	}
	if len(f.ledger.chargeStatus) == 0 || f.ledger.chargeStatus[len(f.ledger.chargeStatus)-1] != store.ChargeStatusFailed {
		t.Fatalf("expected failed charge row, got %v", f.ledger.chargeStatus)
	}
}

func TestHandleBookingChargeError(t *testing.T) {
	f := newFixture(t)
	f.pay.err = fmt.Errorf("gateway timeout")
	msg := requestedMessage(t, streams.BookingRequestedPayload{
		BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
		Amount: 11600, Currency: "THB", CardToken: "tokn_test_1", Source: streams.SourceManual,
	})

	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("handle booking: %v", err)
	}

	if got := f.docs.lastStatus(); got != docstore.BookingFailed {
		t.Fatalf("expected booking failed, got %q", got)
	}
	if len(f.notify.reasons) != 1 || f.notify.reasons[0] != "payment failed: gateway timeout" {
		t.Fatalf("unexpected reasons %v", f.notify.reasons)
	}
	if f.ledger.chargeStatus[len(f.ledger.chargeStatus)-1] != store.ChargeStatusFailed {
		t.Fatalf("expected failed charge row, got %v", f.ledger.chargeStatus)
	}
}

func TestHandleBookingNoPaymentMethod(t *testing.T) {
	f := newFixture(t)
	msg := requestedMessage(t, streams.BookingRequestedPayload{
		BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
		Amount: 11600, Currency: "THB", Source: streams.SourceAgent,
	})

	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("handle booking: %v", err)
	}

	if got := f.docs.lastStatus(); got != docstore.BookingFailed {
		t.Fatalf("expected booking failed, got %q", got)
	}
	if len(f.pay.charges) != 0 {
		t.Fatalf("expected no charge attempt, got %d", len(f.pay.charges))
	}
	if len(f.notify.reasons) != 1 || f.notify.reasons[0] != "no payment method on file" {
		t.Fatalf("unexpected reasons %v", f.notify.reasons)
	}
}

func TestHandleBookingUsesStoredCustomer(t *testing.T) {
	f := newFixture(t)
	f.docs.user.PaymentCustomerID = "cust_test_1"
	msg := requestedMessage(t, streams.BookingRequestedPayload{
		BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
		Amount: 11600, Currency: "THB", Source: streams.SourceAgent,
	})

	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("handle booking: %v", err)
	}

	if len(f.pay.charges) != 1 || f.pay.charges[0].CustomerID != "cust_test_1" {
		t.Fatalf("expected stored customer charge, got %+v", f.pay.charges)
	}
	if got := f.docs.lastStatus(); got != docstore.BookingConfirmed {
		t.Fatalf("expected booking confirmed, got %q", got)
	}
}

func TestHandleBookingRefundsWhenOrdersFail(t *testing.T) {
	f := newFixture(t)
	f.trav.flightErr = fmt.Errorf("offer no longer available")
	msg := requestedMessage(t, streams.BookingRequestedPayload{
		BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
		Amount: 11600, Currency: "THB", CardToken: "tokn_test_1", Source: streams.SourceManual,
	})

	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("handle booking: %v", err)
	}

	if got := f.docs.lastStatus(); got != docstore.BookingFailed {
		t.Fatalf("expected booking failed, got %q", got)
	}
	if len(f.pay.refunds) != 1 || f.pay.refunds[0] != "chrg_test_1" {
		t.Fatalf("expected refund of chrg_test_1, got %v", f.pay.refunds)
	}
	if f.ledger.chargeStatus[len(f.ledger.chargeStatus)-1] != store.ChargeStatusRefunded {
		t.Fatalf("expected refunded charge row, got %v", f.ledger.chargeStatus)
	}
}

func TestHandleBookingTransferVoucherless(t *testing.T) {
	f := newFixture(t)
	f.trav.transferErr = fmt.Errorf("provider does not support orders")
	msg := requestedMessage(t, streams.BookingRequestedPayload{
		BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
		Amount: 11600, Currency: "THB", CardToken: "tokn_test_1", Source: streams.SourceManual,
	})

	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("handle booking: %v", err)
	}

	if got := f.docs.lastStatus(); got != docstore.BookingConfirmed {
		t.Fatalf("expected booking confirmed, got %q", got)
	}
	if len(f.docs.orderIDs) != 2 {
		t.Fatalf("expected 2 order ids without transfer, got %v", f.docs.orderIDs)
	}
}

func TestHandleBookingIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	msg := requestedMessage(t, streams.BookingRequestedPayload{
		BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
		Amount: 11600, Currency: "THB", CardToken: "tokn_test_1", Source: streams.SourceManual,
	})

	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("replay handle: %v", err)
	}

	if len(f.pay.charges) != 1 {
		t.Fatalf("expected exactly one charge across replays, got %d", len(f.pay.charges))
	}
	settled := settledEvents(t, f.client)
	if len(settled) != 1 {
		t.Fatalf("expected one settled event, got %d", len(settled))
	}
}

func TestHandleBookingSkipsTerminalBooking(t *testing.T) {
	f := newFixture(t)
	f.docs.booking.Status = docstore.BookingConfirmed
	msg := requestedMessage(t, streams.BookingRequestedPayload{
		BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
		Amount: 11600, Currency: "THB", CardToken: "tokn_test_1", Source: streams.SourceManual,
	})

	if err := f.proc.handleBookingRequested(context.Background(), msg); err != nil {
		t.Fatalf("handle booking: %v", err)
	}
	if len(f.pay.charges) != 0 {
		t.Fatalf("expected no charge for terminal booking")
	}
}

func TestStartProcessesPublishedBooking(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := streams.EnsureGroup(ctx, f.client, streams.StreamBookingRequested, streams.GroupBookingWorkers); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	pub := streams.NewPublisher(f.client)
	if _, err := pub.PublishRaw(ctx, streams.StreamBookingRequested, streams.StreamBookingRequested,
		streams.PayloadVersionV1, streams.BookingRequestedPayload{
			BookingID: "bk-1", TripID: "trip-1", UserID: "user-1",
			Amount: 11600, Currency: "THB", CardToken: "tokn_test_1", Source: streams.SourceManual,
		}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.proc.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.docs.lastStatus() == docstore.BookingConfirmed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("processor exit: %v", err)
	}
	if got := f.docs.lastStatus(); got != docstore.BookingConfirmed {
		t.Fatalf("expected booking confirmed via stream, got %q", got)
	}
}
