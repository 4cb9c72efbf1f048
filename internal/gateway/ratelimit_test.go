package gateway

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/deploy-control-plane/internal/config"
	"github.com/crosslogic/deploy-control-plane/pkg/cache"
	"go.uber.org/zap"
)

func setupLimiterCache(t *testing.T) (*cache.Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	cfg := config.RedisConfig{
		Host: mr.Host(),
		Port: func() int {
			port, _ := strconv.Atoi(mr.Port())
			return port
		}(),
		DB: 0,
	}
	c, err := cache.NewCache(cfg)
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	return c, func() {
		c.Close()
		mr.Close()
	}
}

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	cacheClient, cleanup := setupLimiterCache(t)
	defer cleanup()

	rl := NewRateLimiter(cacheClient, zap.NewNop(), 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	allowed, info, err := rl.CheckRateLimitWithInfo(ctx, "owner-1")
	if err != nil || !allowed {
		t.Fatalf("first request should be allowed: %v", err)
	}
	if info.Remaining != 1 {
		t.Fatalf("expected 1 remaining, got %d", info.Remaining)
	}

	allowed, info, err = rl.CheckRateLimitWithInfo(ctx, "owner-1")
	if err != nil || !allowed {
		t.Fatalf("second request should be allowed: %v", err)
	}
	if info.Remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", info.Remaining)
	}
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	cacheClient, cleanup := setupLimiterCache(t)
	defer cleanup()

	rl := NewRateLimiter(cacheClient, zap.NewNop(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	allowed, _, err := rl.CheckRateLimitWithInfo(ctx, "owner-2")
	if err != nil || !allowed {
		t.Fatalf("first request should be allowed: %v", err)
	}

	allowed, info, err := rl.CheckRateLimitWithInfo(ctx, "owner-2")
	if err != nil {
		t.Fatalf("second request error: %v", err)
	}
	if allowed {
		t.Fatal("second request should be rejected")
	}
	if info.RetryAfter < 1 {
		t.Fatalf("expected positive retry-after, got %d", info.RetryAfter)
	}
}

func TestRateLimiterIsolatesByOwner(t *testing.T) {
	cacheClient, cleanup := setupLimiterCache(t)
	defer cleanup()

	rl := NewRateLimiter(cacheClient, zap.NewNop(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	allowed, _, err := rl.CheckRateLimitWithInfo(ctx, "owner-a")
	if err != nil || !allowed {
		t.Fatalf("owner-a request should be allowed: %v", err)
	}
	allowed, _, err = rl.CheckRateLimitWithInfo(ctx, "owner-b")
	if err != nil || !allowed {
		t.Fatalf("owner-b request should be allowed regardless of owner-a's usage: %v", err)
	}
}
