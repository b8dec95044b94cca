// Package cache keeps the marketplace shipping catalog in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"adsync/resolve"
)

const (
	// DefaultTTL is how long a fetched catalog is reused.
	DefaultTTL = 24 * time.Hour

	catalogKey = "adsync:shipping-catalog"
)

// Source fetches the catalog when the cache has none.
type Source interface {
	ShippingCatalog(ctx context.Context) ([]resolve.CatalogOption, error)
}

type store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Catalog is a read-through cache in front of a Source. Redis errors fall
// back to the source.
type Catalog struct {
	store  store
	source Source
	ttl    time.Duration
	logger *slog.Logger
}

// NewClient connects to Redis at addr and checks the connection.
func NewClient(ctx context.Context, addr string, logger *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		if closeErr := rdb.Close(); closeErr != nil {
			logger.Warn("Failed to close Redis client", "error", closeErr)
		}
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	logger.Info("Connected to Redis", "addr", addr)
	return rdb, nil
}

// NewCatalog creates a new catalog cache.
func NewCatalog(client *redis.Client, source Source, ttl time.Duration, logger *slog.Logger) *Catalog {
	return newCatalog(client, source, ttl, logger)
}

func newCatalog(s store, source Source, ttl time.Duration, logger *slog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{store: s, source: source, ttl: ttl, logger: logger}
}

// ShippingCatalog returns the cached catalog or fetches and stores it.
func (c *Catalog) ShippingCatalog(ctx context.Context) ([]resolve.CatalogOption, error) {
	data, err := c.store.Get(ctx, catalogKey).Bytes()
	switch {
	case err == nil:
		var options []resolve.CatalogOption
		if err := json.Unmarshal(data, &options); err == nil {
			c.logger.Debug("Shipping catalog served from cache", "options", len(options))
			return options, nil
		}
		c.logger.Warn("Discarding unreadable cached shipping catalog", "error", err)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("Redis get failed, fetching shipping catalog", "key", catalogKey, "error", err)
	}

	options, err := c.source.ShippingCatalog(ctx)
	if err != nil {
		return nil, err
	}
	data, err = json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("encode shipping catalog: %w", err)
	}
	if err := c.store.Set(ctx, catalogKey, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache shipping catalog", "key", catalogKey, "error", err)
	}
	return options, nil
}
