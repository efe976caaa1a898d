// Package cache holds the worker-side campaign status cache. The dispatch
// worker checks campaign status before every send; caching it keeps a large
// campaign from hammering Postgres with one status read per message.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"campaigner/internal/domain"
)

func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("invalid REDIS_ADDR: %s", addr)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

type StatusCache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{Client: client, TTL: ttl}
}

func statusKey(tenantID, campaignID string) string {
	return "campaign_status:" + tenantID + ":" + campaignID
}

// Get returns the cached status. found is false on a miss; redis being down
// is also reported as a miss so the worker falls through to the store.
func (c *StatusCache) Get(ctx context.Context, tenantID, campaignID string) (domain.CampaignStatus, bool, error) {
	val, err := c.Client.Get(ctx, statusKey(tenantID, campaignID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return domain.CampaignStatus(val), true, nil
}

func (c *StatusCache) Set(ctx context.Context, tenantID, campaignID string, status domain.CampaignStatus) error {
	return c.Client.Set(ctx, statusKey(tenantID, campaignID), string(status), c.TTL).Err()
}

// Invalidate drops the cached entry so the next probe sees the new status
// immediately instead of after TTL expiry. Cancel relies on this.
func (c *StatusCache) Invalidate(ctx context.Context, tenantID, campaignID string) error {
	return c.Client.Del(ctx, statusKey(tenantID, campaignID)).Err()
}
