/*
Package cache puts an optional Redis read-through cache in front of the
catalog lists terminals pull on sync.

Only read-only reference lists go through here. Nothing the ledger reads
inside an event transaction is ever cached, so a stale entry can at worst
show a terminal an outdated list for one TTL.

A nil client disables caching: every call goes straight to the Source.
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/ledger"
)

const keyPrefix = "stock-engine:sync:"

// Source is the uncached provider of the sync lists.
type Source interface {
	Stores(ctx context.Context) ([]ledger.StoreInfo, error)
	ConsumptionTypes(ctx context.Context) ([]ledger.ConsumptionType, error)
	ExchangeReasons(ctx context.Context) ([]ledger.ExchangeReason, error)
	Recipes(ctx context.Context, store ledger.StoreID) ([]ledger.RecipeItem, error)
	OpenCounts(ctx context.Context, store ledger.StoreID) ([]ledger.CountSession, error)
}

// Catalog implements Source, caching the results of another Source.
type Catalog struct {
	src    Source
	client redis.UniversalClient
	ttl    time.Duration
	logger logrus.FieldLogger
}

var _ Source = (*Catalog)(nil)

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not create cache: %w", err)
	}
	return client, nil
}

// New wraps src. client may be nil.
func New(src Source, client redis.UniversalClient, ttl time.Duration, logger logrus.FieldLogger) *Catalog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Catalog{src: src, client: client, ttl: ttl, logger: logger}
}

func (c *Catalog) Stores(ctx context.Context) ([]ledger.StoreInfo, error) {
	return readThrough(ctx, c, "stores", c.src.Stores)
}

func (c *Catalog) ConsumptionTypes(ctx context.Context) ([]ledger.ConsumptionType, error) {
	return readThrough(ctx, c, "consumption-types", c.src.ConsumptionTypes)
}

func (c *Catalog) ExchangeReasons(ctx context.Context) ([]ledger.ExchangeReason, error) {
	return readThrough(ctx, c, "exchange-reasons", c.src.ExchangeReasons)
}

func (c *Catalog) Recipes(ctx context.Context, store ledger.StoreID) ([]ledger.RecipeItem, error) {
	return readThrough(ctx, c, recipesKey(store), func(ctx context.Context) ([]ledger.RecipeItem, error) {
		return c.src.Recipes(ctx, store)
	})
}

// OpenCounts is read through the cache too; a session finalized within the
// TTL is still rejected by the Count event itself.
func (c *Catalog) OpenCounts(ctx context.Context, store ledger.StoreID) ([]ledger.CountSession, error) {
	return readThrough(ctx, c, fmt.Sprintf("counts:%d", store), func(ctx context.Context) ([]ledger.CountSession, error) {
		return c.src.OpenCounts(ctx, store)
	})
}

// InvalidateRecipes drops the cached recipe list of a store. Recipe rows
// carry component averages, which a production revises.
func (c *Catalog) InvalidateRecipes(ctx context.Context, store ledger.StoreID) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, keyPrefix+recipesKey(store)).Err()
}

// Invalidate drops every cached list.
func (c *Catalog) Invalidate(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	var keys []string
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func recipesKey(store ledger.StoreID) string {
	return fmt.Sprintf("recipes:%d", store)
}

// readThrough serves key from Redis, or loads and stores it. Redis errors
// are logged and fall back to the source.
func readThrough[T any](ctx context.Context, c *Catalog, key string, load func(context.Context) (T, error)) (T, error) {
	if c.client == nil {
		return load(ctx)
	}
	key = keyPrefix + key
	log := c.logger.WithField("cache_key", key)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		log.Warn("discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		log.WithError(err).Warn("cache read failed; reading source")
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Warn("cache encode failed")
		return v, nil
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		log.WithError(err).Warn("cache write failed")
	}
	return v, nil
}
