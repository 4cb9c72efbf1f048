package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/crosslogic/deploy-control-plane/pkg/cache"
	"go.uber.org/zap"
)

// RateLimitInfo contains rate limit information for response headers.
type RateLimitInfo struct {
	Limit      int64
	Remaining  int64
	ResetAt    int64
	RetryAfter int64
}

// RateLimiter throttles mutating requests (checkout, deployment create/cancel/retry)
// per authenticated owner. Grounded on the reference gateway's Redis
// INCR-then-EXPIRE fixed per-minute-window idiom, narrowed from its three-layer
// key/environment/tenant hierarchy to a single owner-keyed layer since this
// service has no API-key/environment concept.
type RateLimiter struct {
	cache        *cache.Cache
	logger       *zap.Logger
	requestsPerMin int64
}

// NewRateLimiter creates a new rate limiter. requestsPerMin <= 0 falls back
// to a default of 60.
func NewRateLimiter(cache *cache.Cache, logger *zap.Logger, requestsPerMin int64) *RateLimiter {
	if requestsPerMin <= 0 {
		requestsPerMin = 60
	}
	return &RateLimiter{cache: cache, logger: logger, requestsPerMin: requestsPerMin}
}

// CheckRateLimitWithInfo checks and records one request against ownerID's
// per-minute window, returning the decision plus response-header info.
func (rl *RateLimiter) CheckRateLimitWithInfo(ctx context.Context, ownerID string) (bool, *RateLimitInfo, error) {
	now := time.Now()
	resetAt := now.Truncate(time.Minute).Add(time.Minute).Unix()
	minuteKey := fmt.Sprintf("ratelimit:owner:%s:minute:%s", ownerID, now.Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, minuteKey)
	if err != nil {
		return false, nil, err
	}
	if count == 1 {
		if err := rl.cache.Expire(ctx, minuteKey, 65*time.Second); err != nil {
			rl.logger.Warn("failed to set rate limit key expiry", zap.String("owner_id", ownerID), zap.Error(err))
		}
	}

	info := &RateLimitInfo{Limit: rl.requestsPerMin, ResetAt: resetAt}
	if count > rl.requestsPerMin {
		rl.logger.Warn("owner rate limit exceeded", zap.String("owner_id", ownerID))
		info.Remaining = 0
		info.RetryAfter = resetAt - now.Unix()
		if info.RetryAfter < 1 {
			info.RetryAfter = 1
		}
		return false, info, nil
	}

	info.Remaining = rl.requestsPerMin - count
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	return true, info, nil
}

// GetRateLimitHeaders returns HTTP headers for rate limit information.
func (info *RateLimitInfo) GetRateLimitHeaders() map[string]string {
	if info == nil {
		return nil
	}
	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(info.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(info.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
	}
	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(info.RetryAfter, 10)
	}
	return headers
}
