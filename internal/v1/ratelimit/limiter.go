// Package ratelimit implements per-endpoint IP rate limiting using
// Redis or local memory as the backing store.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agatx/serenada/internal/v1/config"
	"github.com/agatx/serenada/internal/v1/logging"
	"github.com/agatx/serenada/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Endpoint names rate limiters are registered under.
const (
	EndpointWSUpgrade  = "ws_upgrade"
	EndpointSSEPost    = "sse_post"
	EndpointRoomIDMint = "room_id_mint"
	EndpointCredMint   = "cred_mint"
	EndpointDiagnostic = "diagnostic"
)

// RateLimiter holds one ulule/limiter instance per hub entry point, all
// keyed by client IP since the hub has no concept of authenticated users.
type RateLimiter struct {
	limiters    map[string]*limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter from the per-endpoint rates in cfg.
// When redisClient is nil the limiter falls back to an in-memory store,
// appropriate for a single-instance deployment or local development.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rates := map[string]string{
		EndpointWSUpgrade:  cfg.RateLimitWSUpgrade,
		EndpointSSEPost:    cfg.RateLimitSSEPost,
		EndpointRoomIDMint: cfg.RateLimitRoomIDMint,
		EndpointCredMint:   cfg.RateLimitCredMint,
		EndpointDiagnostic: cfg.RateLimitDiagnostic,
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	limiters := make(map[string]*limiter.Limiter, len(rates))
	for endpoint, formatted := range rates {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %w", endpoint, err)
		}
		limiters[endpoint] = limiter.New(store, rate)
	}

	return &RateLimiter{
		limiters:    limiters,
		store:       store,
		redisClient: redisClient,
	}, nil
}

// Middleware returns a Gin middleware that enforces the rate limit
// registered for endpoint, keyed by client IP.
func (rl *RateLimiter) Middleware(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, ok := rl.limiters[endpoint]
		if !ok {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := c.ClientIP()

		limCtx, err := inst.Get(ctx, key)
		if err != nil {
			// Fail open: availability over strictness when the store is down.
			logging.Error(ctx, "rate limiter store failed", zap.String("endpoint", endpoint), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limCtx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(limCtx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limCtx.Reset, 10))

		metrics.RateLimitRequests.WithLabelValues(endpoint).Inc()

		if limCtx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(endpoint).Inc()
			c.Header("Retry-After", strconv.FormatInt(limCtx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": limCtx.Reset,
			})
			return
		}

		c.Next()
	}
}

// Allow checks the rate limit for endpoint/key outside of a Gin handler
// chain, for callers that need a yes/no answer without the Gin-specific
// response handling Middleware does. Returns true if the request is
// allowed.
func (rl *RateLimiter) Allow(ctx context.Context, endpoint, key string) bool {
	inst, ok := rl.limiters[endpoint]
	if !ok {
		return true
	}

	limCtx, err := inst.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.String("endpoint", endpoint), zap.Error(err))
		return true // Fail open
	}

	metrics.RateLimitRequests.WithLabelValues(endpoint).Inc()

	if limCtx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(endpoint).Inc()
		return false
	}

	return true
}
