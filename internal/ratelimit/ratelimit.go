package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is the subset of Redis commands the limiter uses.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Profile is one windowed rate limit. Three profiles coexist: a broad
// default on general traffic, a strict one on provider-invoking operations,
// and a stricter one on upload operations.
type Profile struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Result reports the outcome of one increment.
type Result struct {
	TotalHits int64
	ResetAt   time.Time
	Limited   bool
}

// Limiter counts requests per identity in fixed windows backed by atomic
// Redis increments. If the backing store is unreachable it fails open:
// availability over strict enforcement.
type Limiter struct {
	client Counter
	logger *log.Logger
	now    func() time.Time
}

func New(client Counter, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.New(log.Writer(), "[RATE] ", log.LstdFlags)
	}
	return &Limiter{client: client, logger: logger, now: time.Now}
}

// Increment charges one hit for identity under the given profile and
// reports the running total and window reset time.
func (l *Limiter) Increment(ctx context.Context, identity string, p Profile) Result {
	if l == nil || l.client == nil {
		now := time.Now()
		if l != nil {
			now = l.now()
		}
		return Result{ResetAt: now.Truncate(p.Window).Add(p.Window)}
	}

	windowStart := l.now().Truncate(p.Window)
	resetAt := windowStart.Add(p.Window)

	key := fmt.Sprintf("finsight:rl:%s:%s:%d", p.Name, identity, windowStart.Unix())
	hits, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		// Fail open: a broken counter store must not reject traffic.
		l.logger.Printf("counter store unreachable, failing open for %s/%s: %v", p.Name, identity, err)
		return Result{ResetAt: resetAt}
	}
	if hits == 1 {
		if err := l.client.Expire(ctx, key, p.Window+time.Minute).Err(); err != nil {
			l.logger.Printf("window expiry for %s failed: %v", key, err)
		}
	}

	return Result{
		TotalHits: hits,
		ResetAt:   resetAt,
		Limited:   hits > p.Limit,
	}
}
