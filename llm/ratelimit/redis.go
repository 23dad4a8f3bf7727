package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLimiter shares one fixed-window counter across processes. Keys
// carry the window index so expiry and reset coincide:
//
//	ratelimit:{subject}:{model}:{windowIndex} → count
//
// Redis failures fail open: the local limiter is an optimisation, and
// letting a request through is cheaper than refusing service when Redis
// is down.
type RedisLimiter struct {
	client *redis.Client
	limits map[string]Limit
	def    Limit
	logger *zap.Logger
}

// NewRedisLimiter creates a limiter over an existing client.
func NewRedisLimiter(client *redis.Client, def Limit, logger *zap.Logger) *RedisLimiter {
	if def.Requests <= 0 || def.Window <= 0 {
		def = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client: client,
		limits: make(map[string]Limit),
		def:    def,
		logger: logger,
	}
}

// SetLimit installs a per-model budget. Not safe to call concurrently
// with TryAcquire; seed limits at startup.
func (l *RedisLimiter) SetLimit(modelID string, limit Limit) {
	if limit.Requests <= 0 || limit.Window <= 0 {
		return
	}
	l.limits[modelID] = limit
}

// TryAcquire implements Limiter.
func (l *RedisLimiter) TryAcquire(ctx context.Context, subject, modelID string) bool {
	limit, ok := l.limits[modelID]
	if !ok {
		limit = l.def
	}

	idx := time.Now().UnixMilli() / limit.Window.Milliseconds()
	k := fmt.Sprintf("ratelimit:%s:%s:%d", subject, modelID, idx)

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		l.logger.Warn("rate-limit INCR failed, failing open", zap.Error(err))
		return true
	}
	if count == 1 {
		// Keep the key one extra window so late stragglers still see it.
		if err := l.client.Expire(ctx, k, 2*limit.Window).Err(); err != nil {
			l.logger.Warn("rate-limit EXPIRE failed", zap.Error(err))
		}
	}
	return count <= int64(limit.Requests)
}
