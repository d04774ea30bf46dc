// Package ratelimit throttles position reports per device with a Redis
// fixed-window counter (INCR + EXPIRE), so the budget is shared by every
// server a device might reconnect to.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule is a rate limiting policy: key prefix, allowed count and window.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RuleReport is the default report budget: 10 reports per second per device.
var RuleReport = Rule{Key: "rl:report:", Limit: 10, Window: time.Second}

// NewReportRule returns RuleReport with a custom limit and window.
func NewReportRule(limit int, window time.Duration) Rule {
	r := RuleReport
	r.Limit = limit
	r.Window = window
	return r
}

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiter creates a Limiter on client.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.Named("ratelimit")}
}

// Allow counts one request for identifier and reports whether it is within
// rule. Redis errors fail open: the request is allowed and the error returned
// for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("INCR failed, allowing", zap.String("key", key), zap.Error(err))
		return true, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	if count == 1 {
		if err := l.client.PExpire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("EXPIRE failed, allowing", zap.String("key", key), zap.Error(err))
			// A counter without TTL would block the device forever.
			l.client.Del(ctx, key)
			return true, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until identifier's current window resets,
// rounded up to whole seconds and at least one second.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return 1
	}
	secs := int((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Remaining returns how many requests identifier has left in the current
// window. Redis errors report the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+identifier).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, fmt.Errorf("ratelimit: get %s: %w", rule.Key+identifier, err)
	}
	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}
