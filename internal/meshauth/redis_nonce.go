package meshauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceCache backs the replay guard with Redis SETNX, so a nonce seen by
// any Hub process sharing this Redis instance is rejected everywhere —
// needed once a deployment runs more than one Hub process against the same
// peer set.
type RedisNonceCache struct {
	client    *redis.Client
	keyPrefix string
}

func newRedisNonceCache(addr string) (*RedisNonceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisNonceCache{client: client, keyPrefix: "meshhub:nonce:"}, nil
}

// markSeen atomically records (source, nonce) with a TTL derived from
// expiry, returning false if the key already existed (a replay). Redis'
// own key expiry does the pruning a TTL map would otherwise need to do by
// hand.
func (c *RedisNonceCache) markSeen(source, nonce string, expiry time.Time) bool {
	ttl := time.Until(expiry)
	if ttl <= 0 {
		ttl = time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := c.keyPrefix + source + ":" + nonce
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		// Redis unreachable mid-run: fail closed would drop every envelope,
		// so we fail open (replay protection lapses, not delivery) and log,
		// matching transport.Send's degrade-gracefully posture on dial failure.
		slog.Warn("meshauth: redis nonce check failed, allowing envelope", "error", err)
		return true
	}
	return ok
}

// Close releases the underlying Redis connection pool.
func (c *RedisNonceCache) Close() error {
	return c.client.Close()
}
