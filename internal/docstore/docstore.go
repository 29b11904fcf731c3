// Package docstore is the MongoDB persistence layer: users, chat sessions,
// trip plans, conversation transcripts and bookings. The relational ledgers
// (usage, charges, budgets) live in internal/store; everything document
// shaped lives here.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	collUsers         = "users"
	collSessions      = "sessions"
	collTrips         = "trips"
	collConversations = "conversations"
	collBookings      = "bookings"

	defaultConnectTimeout = 10 * time.Second
	maxPageSize           = 100
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("docstore: not found")

// ErrDuplicateEmail is returned when a user email is already registered.
var ErrDuplicateEmail = errors.New("docstore: email already registered")

// Store wraps a mongo database with the collection-level operations the
// service uses.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *log.Logger
}

// New connects to MongoDB and pings it before returning.
func New(ctx context.Context, uri, dbName string, connectTimeout time.Duration) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if dbName == "" {
		dbName = "voya"
	}
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetRetryWrites(true).
		SetConnectTimeout(connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Store{
		client: client,
		db:     client.Database(dbName),
		logger: log.New(log.Writer(), "[DOCSTORE] ", log.LstdFlags),
	}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) users() *mongo.Collection         { return s.db.Collection(collUsers) }
func (s *Store) sessions() *mongo.Collection      { return s.db.Collection(collSessions) }
func (s *Store) trips() *mongo.Collection         { return s.db.Collection(collTrips) }
func (s *Store) conversations() *mongo.Collection { return s.db.Collection(collConversations) }
func (s *Store) bookings() *mongo.Collection      { return s.db.Collection(collBookings) }

// EnsureIndexes creates the indexes the query paths depend on. Safe to call
// on every startup; Mongo treats existing identical indexes as a no-op.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	type spec struct {
		coll    *mongo.Collection
		indexes []mongo.IndexModel
	}
	specs := []spec{
		{s.users(), []mongo.IndexModel{
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.sessions(), []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "last_active_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_active_at", Value: 1}}},
		}},
		{s.trips(), []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		}},
		{s.conversations(), []mongo.IndexModel{
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		}},
		{s.bookings(), []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "trip_id", Value: 1}}},
		}},
	}
	for _, sp := range specs {
		if _, err := sp.coll.Indexes().CreateMany(ctx, sp.indexes); err != nil {
			return fmt.Errorf("create indexes on %s: %w", sp.coll.Name(), err)
		}
	}
	return nil
}

// isDuplicateKey reports whether err is a unique-index violation (code 11000).
func isDuplicateKey(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == 11000 {
		return true
	}
	return false
}

// clampLimit bounds page sizes so admin listings cannot pull whole
// collections.
func clampLimit(limit int) int64 {
	if limit <= 0 {
		return 20
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return int64(limit)
}
