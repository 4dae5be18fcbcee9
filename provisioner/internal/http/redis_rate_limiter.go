package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisQuotaPrefix  = "provisioner:quota:"
	redisQuotaTimeout = 250 * time.Millisecond
)

// redisRateLimiter shares quota windows between replicas. Each window is one counter whose
// expiry is set by the request that opens it.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter connects to addr and returns a shared limiter. Once running, Redis
// errors let requests through.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{client: client, logger: logger}, nil
}

func (rl *redisRateLimiter) Allow(ctx context.Context, key string, rule quotaRule) rateDecision {
	if !rule.enabled() {
		return rateDecision{allowed: true}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisQuotaTimeout)
	defer cancel()

	window := rule.windowOrDefault()
	redisKey := redisQuotaPrefix + key
	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		pttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		rl.logger.Warn("quota check failed, allowing request", "key", key, "error", err)
		return rateDecision{allowed: true}
	}
	remaining := pttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	count := int(incr.Val())
	return rateDecision{
		allowed:   count <= rule.limit,
		count:     count,
		windowEnd: time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {
	if err := rl.client.Close(); err != nil {
		rl.logger.Warn("close redis quota client", "error", err)
	}
}
