package daily

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const cacheKeyPrefix = "daily:snapshot:"

// RedisCache keeps finalized snapshots in redis as msgpack.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache instantiates the cache. A zero ttl keeps entries forever.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(date time.Time) string {
	return cacheKeyPrefix + DateOf(date).Format(time.DateOnly)
}

// Get loads a cached snapshot.
func (c *RedisCache) Get(ctx context.Context, date time.Time) (Snapshot, bool, error) {
	if c == nil || c.client == nil {
		return Snapshot{}, false, nil
	}
	payload, err := c.client.Get(ctx, cacheKey(date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, err
	}
	snap.Date = DateOf(snap.Date.UTC())
	return snap, true, nil
}

// Set stores snap. Snapshots that are still open are skipped; they change on
// every read.
func (c *RedisCache) Set(ctx context.Context, snap Snapshot) error {
	if c == nil || c.client == nil || !snap.Finalized {
		return nil
	}
	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(snap.Date), payload, c.ttl).Err()
}
