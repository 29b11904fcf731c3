package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/voyatrip/voya/internal/agent/core"
)

// Message is one stored conversation entry. Assistant messages carry the
// executed actions and the turn's usage alongside the text.
type Message struct {
	ID        string              `bson:"_id" json:"id"`
	SessionID string              `bson:"session_id" json:"session_id"`
	UserID    string              `bson:"user_id" json:"user_id"`
	Role      string              `bson:"role" json:"role"`
	Content   string              `bson:"content" json:"content"`
	Actions   []core.ActionRecord `bson:"actions,omitempty" json:"actions,omitempty"`
	Usage     *core.TurnUsage     `bson:"usage,omitempty" json:"usage,omitempty"`
	CreatedAt time.Time           `bson:"created_at" json:"created_at"`
}

// AppendMessage stores one conversation entry.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.SessionID == "" || msg.Role == "" {
		return fmt.Errorf("message needs session_id and role")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if _, err := s.conversations().InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages for a session in chronological
// order. With limit > 0 the window is the most recent messages, still
// ascending, which is what prompt builders want.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	filter := bson.M{"session_id": sessionID}

	if limit > 0 {
		// Fetch the tail descending, then reverse.
		opts := options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetLimit(int64(limit))
		cur, err := s.conversations().Find(ctx, filter, opts)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		defer cur.Close(ctx)

		var msgs []Message
		if err := cur.All(ctx, &msgs); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		return msgs, nil
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer cur.Close(ctx)

	var msgs []Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

// DeleteConversation removes every message in a session.
func (s *Store) DeleteConversation(ctx context.Context, sessionID string) error {
	if _, err := s.conversations().DeleteMany(ctx, bson.M{"session_id": sessionID}); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// PruneMessages deletes messages older than the cutoff. Scheduler job.
func (s *Store) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conversations().DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.DeletedCount, nil
}
