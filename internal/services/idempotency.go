package services

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// IdempotencyGuard short-circuits repeated submissions of the same request key.
// The database constraints stay authoritative; the guard only stops the obvious
// double click before it opens a transaction. A nil client lets everything through.
type IdempotencyGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewIdempotencyGuard(client *redis.Client, prefix string, ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &IdempotencyGuard{client: client, prefix: prefix, ttl: ttl}
}

// Claim reserves key. It returns false when the key was already claimed.
// Redis failures are logged and treated as a successful claim.
func (g *IdempotencyGuard) Claim(ctx context.Context, key string) bool {
	if g == nil || g.client == nil || key == "" {
		return true
	}
	ok, err := g.client.SetNX(ctx, g.prefix+key, "1", g.ttl).Result()
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("idempotency check unavailable")
		return true
	}
	return ok
}

// Release drops a claim so a failed request can be retried.
func (g *IdempotencyGuard) Release(ctx context.Context, key string) {
	if g == nil || g.client == nil || key == "" {
		return
	}
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		log.WithError(err).WithField("key", key).Warn("failed to release idempotency key")
	}
}
