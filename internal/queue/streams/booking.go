package streams

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
)

const (
	// StreamBookingRequested carries bookings awaiting execution by the worker.
	StreamBookingRequested = "booking.requested"
	// StreamBookingSettled carries terminal booking outcomes, confirmed or failed.
	StreamBookingSettled = "booking.settled"

	// GroupBookingWorkers is the consumer group the booking worker reads under.
	GroupBookingWorkers = "booking-workers"

	// PayloadVersionV1 versions the booking payloads below.
	PayloadVersionV1 = "v1"

	// BookingStreamMaxLen bounds both booking streams via approximate trimming.
	BookingStreamMaxLen = 100_000
)

// Booking request sources.
const (
	SourceAgent  = "auto"
	SourceManual = "manual"
)

// BookingRequestedPayload is the data carried by a booking.requested envelope.
// Amount is in the trip currency's major unit.
type BookingRequestedPayload struct {
	BookingID string  `json:"booking_id"`
	TripID    string  `json:"trip_id"`
	SessionID string  `json:"session_id,omitempty"`
	UserID    string  `json:"user_id"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	CardToken string  `json:"card_token,omitempty"`
	Source    string  `json:"source"`
}

// BookingSettledPayload is the data carried by a booking.settled envelope.
// Status is the terminal booking status; Reason is set on failures.
type BookingSettledPayload struct {
	BookingID string `json:"booking_id"`
	TripID    string `json:"trip_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// BookingDocs is the slice of the document store the enqueuer needs.
type BookingDocs interface {
	GetTrip(ctx context.Context, id string) (*core.TripPlan, error)
	CreateBooking(ctx context.Context, b *docstore.Booking) error
	UpdateBookingStatus(ctx context.Context, id, status, failureReason string) error
}

// Enqueuer persists a pending booking record and hands it to the worker via
// the booking.requested stream. Both the chat orchestrator and the manual
// booking endpoint go through it.
type Enqueuer struct {
	docs BookingDocs
	pub  *Publisher
	log  *log.Logger
}

// NewEnqueuer builds the booking pipeline entry point.
func NewEnqueuer(docs BookingDocs, pub *Publisher) *Enqueuer {
	return &Enqueuer{
		docs: docs,
		pub:  pub,
		log:  log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// RequestBooking validates the trip, writes a pending booking with a snapshot
// of the confirmed segments, and publishes booking.requested. The returned id
// is the booking id the worker will settle under. The trip document itself is
// not touched here; callers move it to the booking status on success.
func (e *Enqueuer) RequestBooking(ctx context.Context, req core.BookingRequest) (string, error) {
	if req.TripID == "" || req.UserID == "" {
		return "", fmt.Errorf("trip_id and user_id are required")
	}

	trip, err := e.docs.GetTrip(ctx, req.TripID)
	if err != nil {
		return "", fmt.Errorf("load trip %s: %w", req.TripID, err)
	}
	if trip.UserID != req.UserID {
		return "", fmt.Errorf("trip %s does not belong to user", req.TripID)
	}
	if trip.Status == core.TripStatusBooked || trip.Status == core.TripStatusBooking {
		return "", fmt.Errorf("trip %s is already %s", req.TripID, trip.Status)
	}
	if !trip.AllConfirmed() {
		return "", fmt.Errorf("trip %s has unconfirmed segments", req.TripID)
	}

	total := req.Total
	if total.Amount <= 0 {
		total = trip.ConfirmedTotal()
	}
	if total.Amount <= 0 {
		return "", fmt.Errorf("trip %s has no priced selections", req.TripID)
	}

	booking := &docstore.Booking{
		ID:             uuid.NewString(),
		TripID:         trip.ID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		Amount:         total.Amount,
		Currency:       total.Currency,
		RequestedBy:    req.RequestedBy,
		IdempotencyKey: req.IdempotencyKey,
		Segments:       trip.Clone().Segments,
	}
	if err := e.docs.CreateBooking(ctx, booking); err != nil {
		return "", fmt.Errorf("create booking: %w", err)
	}

	source := SourceManual
	if req.RequestedBy == "agent" {
		source = SourceAgent
	}
	payload := BookingRequestedPayload{
		BookingID: booking.ID,
		TripID:    trip.ID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Amount:    total.Amount,
		Currency:  total.Currency,
		CardToken: req.CardToken,
		Source:    source,
	}
	_, err = e.pub.PublishRaw(ctx, StreamBookingRequested, StreamBookingRequested,
		PayloadVersionV1, payload, WithMaxLenApprox(BookingStreamMaxLen))
	if err != nil {
		// Without a stream entry the worker will never pick the booking up.
		if markErr := e.docs.UpdateBookingStatus(ctx, booking.ID, docstore.BookingFailed, "enqueue failed"); markErr != nil {
			e.log.Printf("mark booking %s failed after enqueue error: %v", booking.ID, markErr)
		}
		return "", fmt.Errorf("enqueue booking: %w", err)
	}

	e.log.Printf("booking %s enqueued for trip %s (%.2f %s, %s)",
		booking.ID, trip.ID, total.Amount, total.Currency, source)
	return booking.ID, nil
}
