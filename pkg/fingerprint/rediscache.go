package fingerprint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/types"
)

// redisCache shares fingerprint results across scanner-node processes
// through the optional redis_url configuration key, so repeated scans of
// the same base URL hit a shared cache regardless of which node runs them.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache builds a Cache backed by the given Redis client. Entries
// expire after ttl (0 disables expiry).
func NewRedisCache(client *redis.Client, ttl time.Duration) Cache {
	return &redisCache{client: client, ttl: ttl}
}

func (c *redisCache) key(url string) string {
	return "vulnscan:fingerprint:" + url
}

func (c *redisCache) Get(url string) ([]types.Fingerprint, bool) {
	ctx := context.Background()
	data, err := c.client.Get(ctx, c.key(url)).Bytes()
	if err != nil {
		return nil, false
	}
	var fps []types.Fingerprint
	if err := json.Unmarshal(data, &fps); err != nil {
		log.Logger.Debug().Err(err).Msg("fingerprint cache entry corrupt")
		return nil, false
	}
	return fps, true
}

func (c *redisCache) Set(url string, fps []types.Fingerprint) {
	ctx := context.Background()
	data, err := json.Marshal(fps)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(url), data, c.ttl).Err(); err != nil {
		log.Logger.Debug().Err(err).Msg("fingerprint cache write failed")
	}
}

func (c *redisCache) Clear() {
	ctx := context.Background()
	iter := c.client.Scan(ctx, 0, "vulnscan:fingerprint:*", 0).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
}
