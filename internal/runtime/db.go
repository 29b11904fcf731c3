package runtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/voyatrip/voya/config"
	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/store"
)

// BuildPostgresDSN constructs a ledger DSN from the application configuration.
func BuildPostgresDSN(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}
	p := cfg.Storage.Postgres
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	return p.DSN(), nil
}

// Stores bundles the three persistence backends: the Mongo document store,
// the Postgres ledger and the Redis client used for streams and locks.
type Stores struct {
	Docs   *docstore.Store
	Ledger *store.Store
	Redis  *redis.Client
}

// OpenStores connects every backend the service needs. On any failure the
// already-opened backends are closed before the error is returned.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	docs, err := docstore.New(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database, cfg.Storage.Mongo.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		_ = docs.Close(ctx)
		return nil, err
	}
	ledger, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		_ = docs.Close(ctx)
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = docs.Close(ctx)
		_ = ledger.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Stores{Docs: docs, Ledger: ledger, Redis: rdb}, nil
}

// Close releases every backend. Errors are collected, not short-circuited,
// so one failing backend cannot leak the others.
func (s *Stores) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.Docs != nil {
		if err := s.Docs.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close document store: %w", err)
		}
	}
	if s.Ledger != nil {
		if err := s.Ledger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close ledger store: %w", err)
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close redis: %w", err)
		}
	}
	return firstErr
}
