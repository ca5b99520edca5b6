// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the in-memory, per-client token-bucket limiter that
// guards the dashboard read API. Webhook routes are mounted outside it: the
// platforms retry throttled deliveries, so limiting them only multiplies
// traffic.
//
// Buckets come from golang.org/x/time/rate and are keyed by client IP unless
// a different keyFunc is supplied. The limiter is process-local.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// keyFunc selects the identity used to key a rate-limit bucket.
//
// Implementations should return a stable string for the duration of a request
// (e.g., "key:<value>" or "ip:<addr>"). The returned key is used to look up the
// corresponding token bucket.
type keyFunc func(*gin.Context) string

// KeyByIP keys buckets by client IP ("ip:203.0.113.7").
func KeyByIP() keyFunc {
	return func(c *gin.Context) string {
		return "ip:" + c.ClientIP()
	}
}

// KeyByHeaderOrIP prefers a non-empty request header (for example a
// dashboard API key) and falls back to the client IP. Prefixes keep the two
// namespaces apart.
func KeyByHeaderOrIP(header string) keyFunc {
	return func(c *gin.Context) string {
		if v := strings.TrimSpace(c.GetHeader(header)); v != "" {
			return "key:" + v
		}
		return "ip:" + c.ClientIP()
	}
}

// RateLimiter is a per-key token-bucket limiter. Buckets live in a go-cache
// with a sliding idle expiry, so clients that stop calling are forgotten
// without a sweep of our own. Safe for concurrent use.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	keyFn   keyFunc
	buckets *cache.Cache
}

// DefaultBucketIdle is how long an unused bucket is kept.
const DefaultBucketIdle = 10 * time.Minute

// NewRateLimiter constructs a RateLimiter with the given tokens-per-second
// and burst size, keyed by keyFn. A burst <= 0 is coerced to 1 and a nil
// keyFn means KeyByIP.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = KeyByIP()
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		buckets: cache.New(DefaultBucketIdle, DefaultBucketIdle/2),
	}
}

// bucket returns the limiter for key, creating it if absent, and pushes its
// expiry out by the idle window.
func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	if v, found := rl.buckets.Get(key); found {
		rl.buckets.SetDefault(key, v)
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	if err := rl.buckets.Add(key, lim, cache.DefaultExpiration); err != nil {
		// Lost the race to a concurrent request for the same key.
		if v, found := rl.buckets.Get(key); found {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

// Buckets reports how many client buckets are live.
func (rl *RateLimiter) Buckets() int { return rl.buckets.ItemCount() }

// Handler returns a Gin middleware that enforces per-key token-bucket limits.
// A denied request gets 429 with Retry-After set to the time until the next
// token, rounded up to whole seconds:
//
//	HTTP/1.1 429 Too Many Requests
//	{
//	  "request_id": "<uuid>",
//	  "code":       "too_many_requests",
//	  "message":    "rate limit exceeded"
//	}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := rl.bucket(rl.keyFn(c))

		r := lim.Reserve()
		if !r.OK() {
			rl.deny(c, time.Second)
			return
		}
		if d := r.Delay(); d > 0 {
			r.Cancel()
			rl.deny(c, d)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) deny(c *gin.Context, wait time.Duration) {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "too_many_requests",
		"message":    "rate limit exceeded",
	})
}
