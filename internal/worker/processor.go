// Package worker executes bookings: it consumes booking.requested events,
// charges the traveler, creates the upstream travel orders and settles the
// booking. Exactly-once execution comes from Postgres idempotency claims, not
// from the stream itself.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/payments"
	"github.com/voyatrip/voya/internal/queue/streams"
	"github.com/voyatrip/voya/internal/store"
	"github.com/voyatrip/voya/internal/travel"
)

const staleClaimAge = 2 * time.Minute

// LedgerAPI captures the Postgres ledger methods the worker needs.
type LedgerAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	InsertCharge(ctx context.Context, rec store.ChargeRecord) (int64, error)
	UpdateChargeStatus(ctx context.Context, id int64, status, chargeID, failureMessage string) error
}

// DocsAPI captures the document store methods the worker needs.
type DocsAPI interface {
	GetBooking(ctx context.Context, id string) (*docstore.Booking, error)
	UpdateBookingStatus(ctx context.Context, id, status, failureReason string) error
	SetBookingCharge(ctx context.Context, id, chargeID string) error
	SetBookingOrders(ctx context.Context, id string, orderIDs []string) error
	GetTrip(ctx context.Context, id string) (*core.TripPlan, error)
	SaveTrip(ctx context.Context, trip *core.TripPlan) error
	GetUserByID(ctx context.Context, id string) (*docstore.User, error)
}

// PaymentsAPI is the charge slice of the payments service.
type PaymentsAPI interface {
	Charge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error)
	Refund(ctx context.Context, chargeID string, amountCents int64) (string, error)
}

// TravelAPI is the order-creation slice of the Amadeus client.
type TravelAPI interface {
	CreateFlightOrder(ctx context.Context, offer map[string]interface{}, travelers []travel.Traveler) (string, error)
	CreateHotelOrder(ctx context.Context, offerID string, guests []travel.Traveler) (string, error)
	CreateTransferOrder(ctx context.Context, offerID string, passengers []travel.Traveler) (string, error)
}

// Notifier pushes booking outcomes to the traveler's device.
type Notifier interface {
	BookingConfirmed(ctx context.Context, token string, b *docstore.Booking)
	BookingFailed(ctx context.Context, token string, b *docstore.Booking, reason string)
}

// Deps wires the processor's collaborators.
type Deps struct {
	Ledger    LedgerAPI
	Docs      DocsAPI
	Payments  PaymentsAPI
	Travel    TravelAPI
	Notify    Notifier
	Publisher *streams.Publisher
	Consumer  *streams.Consumer
}

// Processor drives booking execution by consuming booking.requested events.
type Processor struct {
	logger         *log.Logger
	ledger         LedgerAPI
	docs           DocsAPI
	payments       PaymentsAPI
	travel         TravelAPI
	notify         Notifier
	consumer       *streams.Consumer
	publisher      *streams.Publisher
	tracer         trace.Tracer
	bookingCounter otelmetric.Int64Counter
	failureCounter otelmetric.Int64Counter
	orderCounter   otelmetric.Int64Counter
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, deps Deps, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}

	proc := &Processor{
		logger:    logger,
		ledger:    deps.Ledger,
		docs:      deps.Docs,
		payments:  deps.Payments,
		travel:    deps.Travel,
		notify:    deps.Notify,
		consumer:  deps.Consumer,
		publisher: deps.Publisher,
		tracer:    tracer,
	}
	if meter != nil {
		var err error
		proc.bookingCounter, err = meter.Int64Counter("worker_bookings_confirmed")
		if err != nil {
			logger.Printf("warn: create booking counter failed: %v", err)
		}
		proc.failureCounter, err = meter.Int64Counter("worker_bookings_failed")
		if err != nil {
			logger.Printf("warn: create failure counter failed: %v", err)
		}
		proc.orderCounter, err = meter.Int64Counter("worker_orders_created")
		if err != nil {
			logger.Printf("warn: create order counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, continuously processing booking.requested events until the
// context is cancelled. Stale pending entries left by a dead worker are
// reclaimed once on boot.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("booking worker starting; consuming stream %s", streams.StreamBookingRequested)
	if err := p.reclaimStale(ctx); err != nil {
		p.logger.Printf("warn: reclaim stale messages failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("booking worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, streams.StreamBookingRequested,
			streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		for _, msg := range msgs {
			if err := p.handleBookingRequested(ctx, msg); err != nil {
				p.logger.Printf("error handling booking message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, streams.StreamBookingRequested, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

func (p *Processor) reclaimStale(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, streams.StreamBookingRequested, staleClaimAge, start, 16)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := p.handleBookingRequested(ctx, msg); err != nil {
				p.logger.Printf("error handling reclaimed message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, streams.StreamBookingRequested, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack reclaimed message %s: %v", msg.ID, err)
			}
		}
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
}

func (p *Processor) handleBookingRequested(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_booking")
	defer span.End()

	claimed, err := p.ledger.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip event %s: already processed", msg.Envelope.EventID)
		return nil
	}

	var payload streams.BookingRequestedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal booking payload: %w", err)
	}

	booking, err := p.docs.GetBooking(ctx, payload.BookingID)
	if err != nil {
		return fmt.Errorf("load booking %s: %w", payload.BookingID, err)
	}
	switch booking.Status {
	case docstore.BookingConfirmed, docstore.BookingFailed, docstore.BookingCancelled:
		p.logger.Printf("booking %s already %s; skipping", booking.ID, booking.Status)
		return nil
	}

	trip, err := p.docs.GetTrip(ctx, booking.TripID)
	if err != nil {
		p.settleFailure(ctx, booking, nil, fmt.Sprintf("trip %s not found", booking.TripID))
		return nil
	}
	user, err := p.docs.GetUserByID(ctx, booking.UserID)
	if err != nil {
		p.logger.Printf("warn: load user %s: %v", booking.UserID, err)
		user = &docstore.User{ID: booking.UserID}
	}

	if err := p.docs.UpdateBookingStatus(ctx, booking.ID, docstore.BookingProcessing, ""); err != nil {
		return fmt.Errorf("mark booking processing: %w", err)
	}

	chargeResult, chargeRowID, err := p.charge(ctx, booking, trip, user, payload.CardToken)
	if err != nil {
		p.settleFailure(ctx, booking, user, err.Error())
		return nil
	}

	if err := p.docs.SetBookingCharge(ctx, booking.ID, chargeResult.ChargeID); err != nil {
		p.logger.Printf("warn: record charge id on booking %s: %v", booking.ID, err)
	}
	if err := p.docs.UpdateBookingStatus(ctx, booking.ID, docstore.BookingPaid, ""); err != nil {
		p.logger.Printf("warn: mark booking %s paid: %v", booking.ID, err)
	}

	orderIDs, err := p.createOrders(ctx, booking, trip, user)
	if err != nil {
		p.refund(ctx, booking, chargeResult.ChargeID, chargeRowID)
		p.settleFailure(ctx, booking, user, fmt.Sprintf("order creation failed, payment refunded: %v", err))
		return nil
	}

	if err := p.docs.SetBookingOrders(ctx, booking.ID, orderIDs); err != nil {
		p.logger.Printf("warn: record order ids on booking %s: %v", booking.ID, err)
	}
	if err := p.docs.UpdateBookingStatus(ctx, booking.ID, docstore.BookingConfirmed, ""); err != nil {
		p.logger.Printf("warn: mark booking %s confirmed: %v", booking.ID, err)
	}

	trip.Status = core.TripStatusBooked
	trip.BookingID = booking.ID
	if err := p.docs.SaveTrip(ctx, trip); err != nil {
		p.logger.Printf("warn: mark trip %s booked: %v", trip.ID, err)
	}

	if p.notify != nil {
		booking.Status = docstore.BookingConfirmed
		booking.OrderIDs = orderIDs
		p.notify.BookingConfirmed(ctx, user.PushToken, booking)
	}
	p.publishSettled(ctx, booking, docstore.BookingConfirmed, "")
	if p.bookingCounter != nil {
		p.bookingCounter.Add(ctx, 1)
	}
	p.logger.Printf("booking %s confirmed: %d orders, charge %s", booking.ID, len(orderIDs), chargeResult.ChargeID)
	return nil
}

// charge runs the payment and keeps the Postgres charge ledger in step with
// it. The returned error carries a traveler-readable failure reason.
func (p *Processor) charge(ctx context.Context, booking *docstore.Booking, trip *core.TripPlan, user *docstore.User, cardToken string) (payments.ChargeResult, int64, error) {
	req := payments.ChargeRequest{
		AmountCents: payments.Satang(booking.Amount),
		Currency:    booking.Currency,
		Token:       cardToken,
		Description: chargeDescription(trip),
		Metadata: map[string]interface{}{
			"booking_id": booking.ID,
			"trip_id":    booking.TripID,
		},
	}
	if req.Token == "" {
		req.CustomerID = user.PaymentCustomerID
	}
	if req.Token == "" && req.CustomerID == "" {
		return payments.ChargeResult{}, 0, fmt.Errorf("no payment method on file")
	}

	rowID, err := p.ledger.InsertCharge(ctx, store.ChargeRecord{
		BookingID:   booking.ID,
		UserID:      booking.UserID,
		AmountCents: req.AmountCents,
		Currency:    booking.Currency,
		Status:      store.ChargeStatusPending,
	})
	if err != nil {
		return payments.ChargeResult{}, 0, fmt.Errorf("charge could not be recorded")
	}

	result, err := p.payments.Charge(ctx, req)
	if err != nil {
		if uerr := p.ledger.UpdateChargeStatus(ctx, rowID, store.ChargeStatusFailed, "", err.Error()); uerr != nil {
			p.logger.Printf("warn: update charge %d: %v", rowID, uerr)
		}
		return payments.ChargeResult{}, rowID, fmt.Errorf("payment failed: %v", err)
	}
	if !result.Paid {
		reason := result.FailureMessage
		if reason == "" {
			reason = "card declined"
		}
		if uerr := p.ledger.UpdateChargeStatus(ctx, rowID, store.ChargeStatusFailed, result.ChargeID, reason); uerr != nil {
			p.logger.Printf("warn: update charge %d: %v", rowID, uerr)
		}
		return payments.ChargeResult{}, rowID, fmt.Errorf("payment declined: %s", reason)
	}

	if uerr := p.ledger.UpdateChargeStatus(ctx, rowID, store.ChargeStatusSucceeded, result.ChargeID, ""); uerr != nil {
		p.logger.Printf("warn: update charge %d: %v", rowID, uerr)
	}
	return result, rowID, nil
}

// createOrders books every confirmed segment upstream. Flights and hotels must
// succeed; transfer orders degrade to voucherless records when the provider
// does not support ordering.
func (p *Processor) createOrders(ctx context.Context, booking *docstore.Booking, trip *core.TripPlan, user *docstore.User) ([]string, error) {
	segments := booking.Segments
	if len(segments) == 0 {
		segments = trip.Segments
	}
	travelers := []travel.Traveler{leadTraveler(user)}

	orderIDs := make([]string, 0, len(segments))
	for i := range segments {
		seg := &segments[i]
		if seg.Status != core.SegmentConfirmed || seg.SelectedOption == nil {
			continue
		}
		sel := seg.SelectedOption

		switch seg.Type {
		case core.SegmentFlight:
			offer, _ := sel.Details["offer"].(map[string]interface{})
			id, err := p.travel.CreateFlightOrder(ctx, offer, travelers)
			if err != nil {
				return nil, fmt.Errorf("flight segment %s: %w", seg.ID, err)
			}
			orderIDs = append(orderIDs, id)
		case core.SegmentHotel:
			offerID, _ := sel.Details["offer_id"].(string)
			id, err := p.travel.CreateHotelOrder(ctx, offerID, travelers)
			if err != nil {
				return nil, fmt.Errorf("hotel segment %s: %w", seg.ID, err)
			}
			orderIDs = append(orderIDs, id)
		case core.SegmentTransfer:
			offerID, _ := sel.Details["offer_id"].(string)
			id, err := p.travel.CreateTransferOrder(ctx, offerID, travelers)
			if err != nil {
				p.logger.Printf("transfer segment %s booked voucherless: %v", seg.ID, err)
				continue
			}
			orderIDs = append(orderIDs, id)
		}
		if p.orderCounter != nil {
			p.orderCounter.Add(ctx, 1)
		}
	}
	return orderIDs, nil
}

func (p *Processor) refund(ctx context.Context, booking *docstore.Booking, chargeID string, chargeRowID int64) {
	if chargeID == "" {
		return
	}
	if _, err := p.payments.Refund(ctx, chargeID, payments.Satang(booking.Amount)); err != nil {
		p.logger.Printf("warn: refund charge %s for booking %s: %v", chargeID, booking.ID, err)
		return
	}
	if chargeRowID > 0 {
		if err := p.ledger.UpdateChargeStatus(ctx, chargeRowID, store.ChargeStatusRefunded, chargeID, ""); err != nil {
			p.logger.Printf("warn: update charge %d: %v", chargeRowID, err)
		}
	}
}

func (p *Processor) settleFailure(ctx context.Context, booking *docstore.Booking, user *docstore.User, reason string) {
	if err := p.docs.UpdateBookingStatus(ctx, booking.ID, docstore.BookingFailed, reason); err != nil {
		p.logger.Printf("warn: mark booking %s failed: %v", booking.ID, err)
	}
	if p.notify != nil && user != nil {
		booking.Status = docstore.BookingFailed
		p.notify.BookingFailed(ctx, user.PushToken, booking, reason)
	}
	p.publishSettled(ctx, booking, docstore.BookingFailed, reason)
	if p.failureCounter != nil {
		p.failureCounter.Add(ctx, 1)
	}
	p.logger.Printf("booking %s failed: %s", booking.ID, reason)
}

func (p *Processor) publishSettled(ctx context.Context, booking *docstore.Booking, status, reason string) {
	payload := streams.BookingSettledPayload{
		BookingID: booking.ID,
		TripID:    booking.TripID,
		UserID:    booking.UserID,
		Status:    status,
		Reason:    reason,
	}
	_, err := p.publisher.PublishRaw(ctx, streams.StreamBookingSettled, streams.StreamBookingSettled,
		streams.PayloadVersionV1, payload, streams.WithMaxLenApprox(streams.BookingStreamMaxLen))
	if err != nil {
		p.logger.Printf("warn: publish booking.settled for %s: %v", booking.ID, err)
	}
}

func chargeDescription(trip *core.TripPlan) string {
	if trip.Title != "" {
		return fmt.Sprintf("Voya trip: %s", trip.Title)
	}
	return fmt.Sprintf("Voya trip %s", trip.ID)
}

// leadTraveler derives the lead passenger from the account profile.
func leadTraveler(user *docstore.User) travel.Traveler {
	first, last := splitName(user.DisplayName)
	return travel.Traveler{
		FirstName: first,
		LastName:  last,
		Email:     user.Email,
	}
}

func splitName(display string) (string, string) {
	parts := strings.Fields(display)
	switch len(parts) {
	case 0:
		return "Traveler", "Voya"
	case 1:
		return parts[0], parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
	}
}
