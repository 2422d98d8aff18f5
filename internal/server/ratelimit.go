package server

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/recall/internal/fault"
)

const rateLimitWindow = time.Minute

// RateLimit enforces a per-tenant fixed-window quota backed by redis.
// Counters are INCR + first-write EXPIRE so concurrent requests cannot lose
// increments. Redis trouble fails open: an unavailable limiter must not take
// the API down with it.
func RateLimit(rdb *redis.Client, perMinute int, logger *log.Logger) echo.MiddlewareFunc {
	if perMinute <= 0 {
		perMinute = 100
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ident, ok := identityOf(c)
			if !ok {
				// auth middleware rejects unauthenticated callers
				return next(c)
			}

			now := time.Now()
			windowStart := now.Truncate(rateLimitWindow)
			key := fmt.Sprintf("rl:%s:%d", ident.Subject, windowStart.Unix())

			ctx := c.Request().Context()
			count, err := rdb.Incr(ctx, key).Result()
			if err != nil {
				logger.Printf("WARN: rate limiter unavailable: %v", err)
				return next(c)
			}
			if count == 1 {
				if err := rdb.Expire(ctx, key, rateLimitWindow+time.Second).Err(); err != nil {
					logger.Printf("WARN: rate limiter expire %s: %v", key, err)
				}
			}

			reset := windowStart.Add(rateLimitWindow)
			remaining := int64(perMinute) - count
			if remaining < 0 {
				remaining = 0
			}
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(perMinute))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

			if count > int64(perMinute) {
				retryAfter := time.Until(reset)
				if retryAfter < time.Second {
					retryAfter = time.Second
				}
				return &fault.Error{Kind: fault.RateLimited, Msg: "rate limit exceeded", RetryAfter: retryAfter}
			}
			return next(c)
		}
	}
}
