// Package security holds request-shaping middleware for the public
// endpoints: purchase traffic is limited per buyer, callback traffic
// per source address.
package security

import (
	"fmt"
	"net"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// allow counts one hit in a fixed window and reports whether the
// caller is still under the limit. Redis errors fail open; dropping
// buyers because the limiter is down is worse than not limiting.
func (r *RateLimiter) allow(e *core.RequestEvent, key string, limit int64, window time.Duration) bool {
	ctx := e.Request.Context()

	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		r.redis.Expire(ctx, key, window)
	}
	return count <= limit
}

// PurchaseRateLimit bounds purchase starts per authenticated buyer.
func (r *RateLimiter) PurchaseRateLimit(perMinute int64) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if e.Auth == nil {
			return apis.NewUnauthorizedError("Unauthorized", nil)
		}

		key := fmt.Sprintf("ratelimit:purchase:%s", e.Auth.Id)
		if !r.allow(e, key, perMinute, time.Minute) {
			return apis.NewTooManyRequestsError("Too many purchase attempts. Please try again later.", nil)
		}
		return e.Next()
	}
}

// CallbackRateLimit bounds callback posts per source address, so a
// misbehaving party cannot grind the signature check.
func (r *RateLimiter) CallbackRateLimit(perMinute int64) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		ip, _, err := net.SplitHostPort(e.Request.RemoteAddr)
		if err != nil {
			ip = e.Request.RemoteAddr
		}

		key := fmt.Sprintf("ratelimit:callback:%s", ip)
		if !r.allow(e, key, perMinute, time.Minute) {
			return apis.NewTooManyRequestsError("Too many requests", nil)
		}
		return e.Next()
	}
}
