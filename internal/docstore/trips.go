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

// SaveTrip upserts the full trip document. The orchestrator holds the
// per-session turn lock, so whole-document writes do not race.
func (s *Store) SaveTrip(ctx context.Context, trip *core.TripPlan) error {
	if trip == nil || trip.ID == "" {
		return fmt.Errorf("trip with id is required")
	}
	trip.UpdatedAt = time.Now().UTC()
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = trip.UpdatedAt
	}
	_, err := s.trips().ReplaceOne(ctx,
		bson.M{"_id": trip.ID},
		trip,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save trip: %w", err)
	}
	return nil
}

// GetTrip fetches a trip plan by id.
func (s *Store) GetTrip(ctx context.Context, id string) (*core.TripPlan, error) {
	var trip core.TripPlan
	err := s.trips().FindOne(ctx, bson.M{"_id": id}).Decode(&trip)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trip: %w", err)
	}
	return &trip, nil
}

// ListTrips pages a user's trips, most recently updated first.
func (s *Store) ListTrips(ctx context.Context, userID string, offset, limit int) ([]core.TripPlan, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(clampLimit(limit))
	cur, err := s.trips().Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer cur.Close(ctx)

	var trips []core.TripPlan
	if err := cur.All(ctx, &trips); err != nil {
		return nil, fmt.Errorf("decode trips: %w", err)
	}
	return trips, nil
}

// ListTripsByStatus returns trips in a given lifecycle state, oldest first.
// The scheduler uses it to find stuck bookings.
func (s *Store) ListTripsByStatus(ctx context.Context, status core.TripStatus, limit int) ([]core.TripPlan, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}}).
		SetLimit(clampLimit(limit))
	cur, err := s.trips().Find(ctx, bson.M{"status": status}, opts)
	if err != nil {
		return nil, fmt.Errorf("list trips by status: %w", err)
	}
	defer cur.Close(ctx)

	var trips []core.TripPlan
	if err := cur.All(ctx, &trips); err != nil {
		return nil, fmt.Errorf("decode trips: %w", err)
	}
	return trips, nil
}

// DeleteTrip removes a trip owned by the user.
func (s *Store) DeleteTrip(ctx context.Context, userID, id string) error {
	res, err := s.trips().DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return fmt.Errorf("delete trip: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CountTrips returns the total number of trips.
func (s *Store) CountTrips(ctx context.Context) (int64, error) {
	n, err := s.trips().CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count trips: %w", err)
	}
	return n, nil
}
