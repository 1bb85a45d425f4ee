package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"taskhub/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const (
	// RegisterKeyPrefix 发码频控的键前缀，后接规范化后的邮箱。
	RegisterKeyPrefix = "taskhub:ratelimit:register:"
	// SMTPKey SMTP 全局发送限速使用的键。
	SMTPKey = "taskhub:ratelimit:smtp"
)

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + (delta * rate) / 1000.0)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms}
`

// Limiter 基于 Redis 的令牌桶，每个 key 一个桶，多实例共享。
type Limiter struct {
	rdb    *redis.Client
	prefix string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
	now    func() time.Time
}

// NewLimiter 创建限速器。rate 为每秒补充的令牌数，rate 或 burst 不大于 0 时不限速。
func NewLimiter(rdb *redis.Client, logger *slog.Logger, prefix string, rate float64, burst float64) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		rdb:    rdb,
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
		now:    time.Now,
	}
}

func (l *Limiter) disabled() bool {
	return l == nil || l.rdb == nil || l.rate <= 0 || l.burst <= 0
}

// Allow 尝试为 key 取一个令牌，不阻塞。被拒绝时返回建议的重试等待时间。
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.disabled() {
		return true, 0, nil
	}
	allowed, waitMs, err := l.take(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if !allowed {
		metrics.RateLimitRejectedTotal.Inc()
		l.logger.Debug("rate limited", slog.String("key", key), slog.Int64("retry_after_ms", waitMs))
	}
	return allowed, time.Duration(waitMs) * time.Millisecond, nil
}

// Wait 阻塞直到 key 有可用令牌或 ctx 结束。
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.disabled() {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := l.take(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (l *Limiter) take(ctx context.Context, key string) (bool, int64, error) {
	now := l.now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{l.prefix + key}, l.rate, l.burst, now, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
