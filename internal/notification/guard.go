package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/logger"
	"mingle/pkg/circuitbreaker"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/metrics"
)

// Guard hands out one-time delivery claims. A claim that cannot be taken
// means someone already delivered (or is delivering) the notification.
type Guard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisGuard struct {
	client   redis.Cmdable
	cb       *circuitbreaker.Wrapper
	fallback string
	logger   logger.Logger
}

func NewRedisGuard(client redis.Cmdable, cbCfg config.CircuitBreakerConfig, fallback string, log logger.Logger) *RedisGuard {
	if fallback == "" {
		fallback = constants.FallbackAllow
	}
	return &RedisGuard{
		client:   client,
		cb:       circuitbreaker.FromConfig("redis-notify", cbCfg),
		fallback: fallback,
		logger:   log,
	}
}

func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	claimed, err := g.setNX(ctx, key, ttl)
	if err == nil {
		return claimed, nil
	}

	if g.fallback == constants.FallbackAllow {
		metrics.FallbackUsageTotal.WithLabelValues("notification", "allow_on_error", fallbackReason(g.cb)).Inc()
		g.logger.WarnwCtx(ctx, "Redis error during notification claim, delivering anyway (fallback: allow)",
			"key", key,
			"error", err,
		)
		return true, nil
	}

	metrics.FallbackUsageTotal.WithLabelValues("notification", "deny_on_error", fallbackReason(g.cb)).Inc()
	return false, apperrors.ErrServiceUnavailable.WithCause(err)
}

func (g *RedisGuard) setNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if g.cb == nil {
		return g.client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	}

	result, err := g.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return g.client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	})
	g.cb.RecordRequest(err == nil)
	if err != nil {
		if g.cb.IsOpen() {
			return false, fmt.Errorf("circuit breaker is open for redis-notify: %w", err)
		}
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}

	claimed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("redis SetNX returned invalid result type")
	}
	return claimed, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func fallbackReason(cb *circuitbreaker.Wrapper) string {
	if cb != nil && cb.IsOpen() {
		return "circuit_open"
	}
	return "redis_error"
}

// MemoryGuard is the in-process Guard used when no Redis is configured.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{claims: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expires, ok := g.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	g.claims[key] = now.Add(ttl)
	return true, nil
}

func (g *MemoryGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, key)
	return nil
}
