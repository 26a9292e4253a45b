package costing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/recipe-costing/internal/units"
)

const (
	catalogVersionKey = "costing:catalog:version"
	// BumpChannel carries catalog version bumps between instances.
	BumpChannel = "costing.catalog.bump"
)

// Catalog is the unit reference data visible to one owner.
type Catalog struct {
	Units   []units.Unit   `json:"units"`
	Factors []units.Factor `json:"factors"`
}

// CatalogCache keeps factor catalogs in Redis under a global version that is
// bumped whenever a factor changes.
type CatalogCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCatalogCache constructs the cache. A nil client disables caching.
func NewCatalogCache(client *redis.Client, ttl time.Duration) *CatalogCache {
	return &CatalogCache{client: client, ttl: ttl}
}

// Version returns the current catalog version, initialising when missing.
func (c *CatalogCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, catalogVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, catalogVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, catalogVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, catalogVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// Key composes the versioned cache key of an owner's catalog.
func (c *CatalogCache) Key(ctx context.Context, ownerID string) (string, error) {
	owner := ownerID
	if owner == "" {
		owner = "_system"
	}
	base := strings.Join([]string{"costing", "catalog", owner}, ":")
	if c == nil || c.client == nil {
		return base, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", base, ver), nil
}

// Fetch returns the cached catalog of ownerID or populates it with loader.
func (c *CatalogCache) Fetch(ctx context.Context, ownerID string, loader func(context.Context) (Catalog, error)) (Catalog, error) {
	if loader == nil {
		return Catalog{}, errors.New("costing: catalog loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.Key(ctx, ownerID)
	if err != nil {
		return Catalog{}, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cat Catalog
		if err := json.Unmarshal(payload, &cat); err != nil {
			return Catalog{}, fmt.Errorf("costing: decode catalog: %w", err)
		}
		return cat, nil
	}
	if !errors.Is(err, redis.Nil) {
		return Catalog{}, err
	}
	cat, err := loader(ctx)
	if err != nil {
		return Catalog{}, err
	}
	raw, err := json.Marshal(cat)
	if err != nil {
		return Catalog{}, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// Bump invalidates every cached catalog and notifies listeners.
func (c *CatalogCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, catalogVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, BumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation follows version bumps published on channel until ctx
// is cancelled.
func (c *CatalogCache) ListenForInvalidation(ctx context.Context, channel string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if channel == "" {
		channel = BumpChannel
	}
	pubsub := c.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if ver, err := strconv.ParseInt(msg.Payload, 10, 64); err == nil {
					_ = c.client.Set(ctx, catalogVersionKey, ver, 0).Err()
					continue
				}
				_ = c.client.Incr(ctx, catalogVersionKey).Err()
			}
		}
	}()
	return nil
}
