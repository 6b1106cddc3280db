package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimiter is a fixed-window limiter backed by Redis. The key function
// picks the bucket for a request; an empty key skips limiting.
type RateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	keyFn  func(*http.Request) string
}

// NewRateLimiter builds a limiter keyed by the authenticated account. It must
// run after APIKeyAuth; unauthenticated requests pass through untouched.
func NewRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RateLimiter {
	rl := newLimiter(client, prefix, limit, window)
	rl.keyFn = func(r *http.Request) string {
		acc := AccountFromCtx(r.Context())
		if acc == nil {
			return ""
		}
		return "credits:" + acc.AccountID.String()
	}
	return rl
}

// NewSourceRateLimiter builds a limiter keyed by the caller's address, for
// endpoints with no account identity such as the billing webhook.
func NewSourceRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RateLimiter {
	rl := newLimiter(client, prefix, limit, window)
	rl.keyFn = func(r *http.Request) string {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			host = h
		}
		return "source:" + host
	}
	return rl
}

func newLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RateLimiter {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "meterline:rate_limit"
	}
	return &RateLimiter{
		client: client,
		prefix: strings.TrimSuffix(p, ":"),
		limit:  limit,
		window: window,
	}
}

// Limit rejects requests over the window's budget with 429 and Retry-After.
// A nil limiter or Redis failure lets the request through rather than
// turning a cache outage into an API outage.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl == nil || rl.client == nil || rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		bucket := rl.keyFn(r)
		if bucket == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := rl.prefix + ":" + bucket
		windowMs := rl.window.Milliseconds()
		if windowMs < 1000 {
			windowMs = 1000
		}

		raw, err := rateLimitScript.Run(r.Context(), rl.client, []string{key}, windowMs).Result()
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		values, ok := raw.([]interface{})
		if !ok || len(values) != 2 {
			next.ServeHTTP(w, r)
			return
		}
		count, _ := values[0].(int64)
		ttlMs, _ := values[1].(int64)
		if ttlMs < 0 {
			ttlMs = windowMs
		}

		if count > int64(rl.limit) {
			retryAfter := int((ttlMs + 999) / 1000)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
