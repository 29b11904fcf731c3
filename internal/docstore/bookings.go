package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/voyatrip/voya/internal/agent/core"
)

// Booking lifecycle. The worker moves a booking pending → processing →
// paid → confirmed, or to failed; cancelled only happens by admin action.
const (
	BookingPending    = "pending"
	BookingProcessing = "processing"
	BookingPaid       = "paid"
	BookingConfirmed  = "confirmed"
	BookingFailed     = "failed"
	BookingCancelled  = "cancelled"
)

// Booking is the durable record of one booking attempt for a trip.
type Booking struct {
	ID             string         `bson:"_id" json:"id"`
	TripID         string         `bson:"trip_id" json:"trip_id"`
	SessionID      string         `bson:"session_id,omitempty" json:"session_id,omitempty"`
	UserID         string         `bson:"user_id" json:"user_id"`
	Status         string         `bson:"status" json:"status"`
	Amount         float64        `bson:"amount" json:"amount"`
	Currency       string         `bson:"currency" json:"currency"`
	RequestedBy    string         `bson:"requested_by" json:"requested_by"`
	IdempotencyKey string         `bson:"idempotency_key,omitempty" json:"-"`
	ChargeID       string         `bson:"charge_id,omitempty" json:"charge_id,omitempty"`
	OrderIDs       []string       `bson:"order_ids,omitempty" json:"order_ids,omitempty"`
	FailureReason  string         `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	Segments       []core.Segment `bson:"segments_snapshot,omitempty" json:"segments_snapshot,omitempty"`
	CreatedAt      time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at" json:"updated_at"`
}

// CreateBooking inserts a new booking record in pending state.
func (s *Store) CreateBooking(ctx context.Context, b *Booking) error {
	if b.ID == "" || b.TripID == "" || b.UserID == "" {
		return fmt.Errorf("booking needs id, trip_id and user_id")
	}
	now := time.Now().UTC()
	b.Status = BookingPending
	b.CreatedAt = now
	b.UpdatedAt = now
	if _, err := s.bookings().InsertOne(ctx, b); err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// GetBooking fetches one booking.
func (s *Store) GetBooking(ctx context.Context, id string) (*Booking, error) {
	var b Booking
	err := s.bookings().FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find booking: %w", err)
	}
	return &b, nil
}

// ListBookings pages one user's bookings, newest first.
func (s *Store) ListBookings(ctx context.Context, userID string, offset, limit int) ([]Booking, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(clampLimit(limit))
	cur, err := s.bookings().Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer cur.Close(ctx)

	var bookings []Booking
	if err := cur.All(ctx, &bookings); err != nil {
		return nil, fmt.Errorf("decode bookings: %w", err)
	}
	return bookings, nil
}

// ListAllBookings pages bookings across users for the admin surface,
// optionally filtered by status.
func (s *Store) ListAllBookings(ctx context.Context, status string, offset, limit int) ([]Booking, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(clampLimit(limit))
	cur, err := s.bookings().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list all bookings: %w", err)
	}
	defer cur.Close(ctx)

	var bookings []Booking
	if err := cur.All(ctx, &bookings); err != nil {
		return nil, fmt.Errorf("decode bookings: %w", err)
	}
	return bookings, nil
}

// UpdateBookingStatus moves a booking through its lifecycle. failureReason is
// stored only for failed bookings.
func (s *Store) UpdateBookingStatus(ctx context.Context, id, status, failureReason string) error {
	set := bson.M{"status": status, "updated_at": time.Now().UTC()}
	if status == BookingFailed && failureReason != "" {
		set["failure_reason"] = failureReason
	}
	res, err := s.bookings().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBookingCharge records the payment charge id.
func (s *Store) SetBookingCharge(ctx context.Context, id, chargeID string) error {
	res, err := s.bookings().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"charge_id": chargeID, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("set booking charge: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBookingOrders records the upstream order ids created for the booking.
func (s *Store) SetBookingOrders(ctx context.Context, id string, orderIDs []string) error {
	res, err := s.bookings().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"order_ids": orderIDs, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("set booking orders: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBookingsByStatus aggregates booking counts for the admin overview.
func (s *Store) CountBookingsByStatus(ctx context.Context) (map[string]int64, error) {
	cur, err := s.bookings().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("count bookings: %w", err)
	}
	defer cur.Close(ctx)

	counts := make(map[string]int64)
	for cur.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int64  `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode booking count: %w", err)
		}
		counts[row.Status] = row.Count
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("booking counts cursor: %w", err)
	}
	return counts, nil
}
