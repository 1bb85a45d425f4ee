package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiter_AllowBurstThenReject(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewLimiter(rdb, nil, RegisterKeyPrefix, 1.0/60, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := limiter.Allow(ctx, "a@b.com")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected request %d within burst to pass", i)
		}
	}

	ok, retryAfter, err := limiter.Allow(ctx, "a@b.com")
	if err != nil {
		t.Fatalf("allow over burst: %v", err)
	}
	if ok {
		t.Fatalf("expected request over burst to be rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("unexpected retry after %v", retryAfter)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewLimiter(rdb, nil, RegisterKeyPrefix, 1.0/60, 1)
	ctx := context.Background()

	if ok, _, _ := limiter.Allow(ctx, "a@b.com"); !ok {
		t.Fatalf("expected first key to pass")
	}
	if ok, _, _ := limiter.Allow(ctx, "c@d.com"); !ok {
		t.Fatalf("expected second key to pass")
	}
	if ok, _, _ := limiter.Allow(ctx, "a@b.com"); ok {
		t.Fatalf("expected first key to be limited")
	}
	if exists, err := rdb.Exists(ctx, RegisterKeyPrefix+"a@b.com").Result(); err != nil || exists != 1 {
		t.Fatalf("expected bucket key with prefix, exists=%d err=%v", exists, err)
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewLimiter(rdb, nil, RegisterKeyPrefix, 1.0/60, 1)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	ctx := context.Background()

	if ok, _, _ := limiter.Allow(ctx, "a@b.com"); !ok {
		t.Fatalf("expected first request to pass")
	}
	if ok, _, _ := limiter.Allow(ctx, "a@b.com"); ok {
		t.Fatalf("expected second request to be limited")
	}

	limiter.now = func() time.Time { return base.Add(61 * time.Second) }
	if ok, _, _ := limiter.Allow(ctx, "a@b.com"); !ok {
		t.Fatalf("expected request after refill to pass")
	}
}

func TestLimiter_DisabledAlwaysAllows(t *testing.T) {
	limiter := NewLimiter(nil, nil, RegisterKeyPrefix, 0, 0)
	for i := 0; i < 5; i++ {
		ok, _, err := limiter.Allow(context.Background(), "a@b.com")
		if err != nil || !ok {
			t.Fatalf("disabled limiter should allow, ok=%v err=%v", ok, err)
		}
	}
	if err := limiter.Wait(context.Background(), SMTPKey); err != nil {
		t.Fatalf("disabled wait: %v", err)
	}
}

func TestLimiter_WaitBlocksUntilToken(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewLimiter(rdb, nil, "", 10, 1)
	if err := limiter.Wait(context.Background(), SMTPKey); err != nil {
		t.Fatalf("warm wait: %v", err)
	}

	start := time.Now()
	if err := limiter.Wait(context.Background(), SMTPKey); err != nil {
		t.Fatalf("blocked wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("expected blocking, elapsed=%v", elapsed)
	}
}

func TestLimiter_WaitContextTimeout(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewLimiter(rdb, nil, "", 1, 1)
	if err := limiter.Wait(context.Background(), SMTPKey); err != nil {
		t.Fatalf("warm wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, SMTPKey); !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
}

func TestLimiter_ConcurrentAllow(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewLimiter(rdb, nil, RegisterKeyPrefix, 1.0/60, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := limiter.Allow(context.Background(), "a@b.com")
			if err != nil || !ok {
				return
			}
			mu.Lock()
			success++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if success != 5 {
		t.Fatalf("expected 5 successes, got %d", success)
	}
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func closeRedis(t *testing.T, rdb *redis.Client) {
	t.Helper()
	if err := rdb.Close(); err != nil {
		t.Fatalf("close redis: %v", err)
	}
}
