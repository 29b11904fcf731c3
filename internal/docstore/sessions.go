package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	SessionActive = "active"
	SessionIdle   = "idle"
	SessionClosed = "closed"
)

// ChatSession is one conversation thread with its running totals.
type ChatSession struct {
	ID           string    `bson:"_id" json:"id"`
	UserID       string    `bson:"user_id" json:"user_id"`
	Title        string    `bson:"title" json:"title"`
	Mode         string    `bson:"mode" json:"mode"`
	Language     string    `bson:"language,omitempty" json:"language,omitempty"`
	TripID       string    `bson:"trip_id,omitempty" json:"trip_id,omitempty"`
	Status       string    `bson:"status" json:"status"`
	TurnCount    int       `bson:"turn_count" json:"turn_count"`
	TotalCost    float64   `bson:"total_cost" json:"total_cost"`
	TotalTokens  int64     `bson:"total_tokens" json:"total_tokens"`
	LastActiveAt time.Time `bson:"last_active_at" json:"last_active_at"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

// CreateSession opens a new chat session for the user.
func (s *Store) CreateSession(ctx context.Context, userID, title, mode string) (*ChatSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}
	if mode != "agent" {
		mode = "normal"
	}
	now := time.Now().UTC()
	session := &ChatSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        title,
		Mode:         mode,
		Status:       SessionActive,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	if _, err := s.sessions().InsertOne(ctx, session); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	var session ChatSession
	err := s.sessions().FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &session, nil
}

// ListSessions pages a user's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, userID string, offset, limit int) ([]ChatSession, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "last_active_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(clampLimit(limit))
	cur, err := s.sessions().Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer cur.Close(ctx)

	var sessions []ChatSession
	if err := cur.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionMode switches between normal and agent mode.
func (s *Store) UpdateSessionMode(ctx context.Context, id, mode string) error {
	if mode != "normal" && mode != "agent" {
		return fmt.Errorf("unknown mode %q", mode)
	}
	res, err := s.sessions().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"mode": mode, "last_active_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("update session mode: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionTitle renames a session.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	res, err := s.sessions().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"title": title}})
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionTrip points the session at its active trip plan.
func (s *Store) SetSessionTrip(ctx context.Context, sessionID, tripID string) error {
	_, err := s.sessions().UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$set": bson.M{"trip_id": tripID}})
	if err != nil {
		return fmt.Errorf("set session trip: %w", err)
	}
	return nil
}

// SetSessionLanguage records the detected conversation language.
func (s *Store) SetSessionLanguage(ctx context.Context, sessionID, language string) error {
	_, err := s.sessions().UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$set": bson.M{"language": language}})
	if err != nil {
		return fmt.Errorf("set session language: %w", err)
	}
	return nil
}

// TouchSession bumps the turn counter and activity timestamp after a turn.
func (s *Store) TouchSession(ctx context.Context, id string, cost float64, tokens int64) error {
	_, err := s.sessions().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": bson.M{"last_active_at": time.Now().UTC(), "status": SessionActive},
			"$inc": bson.M{"turn_count": 1, "total_cost": cost, "total_tokens": tokens},
		})
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// RefreshSession bumps the activity timestamp without touching the turn
// counters. Used for activity that is not a chat turn, like a live relay.
func (s *Store) RefreshSession(ctx context.Context, id string) error {
	_, err := s.sessions().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_active_at": time.Now().UTC(), "status": SessionActive}})
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	return nil
}

// CloseSession marks a session closed.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	res, err := s.sessions().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": SessionClosed}})
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSessionsIdle downgrades active sessions with no recent activity.
// Called by the scheduler.
func (s *Store) MarkSessionsIdle(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.sessions().UpdateMany(ctx,
		bson.M{"status": SessionActive, "last_active_at": bson.M{"$lt": olderThan}},
		bson.M{"$set": bson.M{"status": SessionIdle}})
	if err != nil {
		return 0, fmt.Errorf("mark sessions idle: %w", err)
	}
	return res.ModifiedCount, nil
}

// ListAllSessions pages sessions across every user, most recently active
// first, optionally filtered by status. Admin use.
func (s *Store) ListAllSessions(ctx context.Context, status string, offset, limit int) ([]ChatSession, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_active_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(clampLimit(limit))
	cur, err := s.sessions().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list all sessions: %w", err)
	}
	defer cur.Close(ctx)

	var sessions []ChatSession
	if err := cur.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

// CountSessions returns the total session count, optionally by status.
func (s *Store) CountSessions(ctx context.Context, status string) (int64, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	n, err := s.sessions().CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
