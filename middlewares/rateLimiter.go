package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/redis/go-redis/v9"
)

// RateLimiter counts requests per caller in fixed windows. Redis is looked
// up per request because it connects after the router is built; without it
// every request passes.
type RateLimiter struct {
	client func() *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client func() *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// rateLimitKey buckets authenticated callers by actor so a shared egress IP
// does not starve suppliers behind it.
func rateLimitKey(c *gin.Context, window time.Duration) string {
	caller := "ip:" + c.ClientIP()
	if actor, ok := utils.GetActorIdFromContext(c.Request.Context()); ok && actor != "" {
		caller = "actor:" + actor
	}
	slot := time.Now().Unix() / int64(window.Seconds())
	return fmt.Sprintf("ratelimit:%s:%d", caller, slot)
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := rl.client()
		if client == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := rateLimitKey(c, rl.window)

		var incr *redis.IntCmd
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, rl.window)
			return nil
		})
		if err != nil {
			// Fails open: a Redis outage must not take the API down.
			c.Next()
			return
		}
		if incr.Val() > rl.limit {
			c.Header("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded; try again in %d seconds", int(rl.window.Seconds())),
			})
			return
		}
		c.Next()
	}
}
