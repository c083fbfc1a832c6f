// Package ratelimit throttles endpoint classes with fixed-window counters in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
)

// Class groups endpoints that share a budget.
type Class string

const (
	ClassAuth      Class = "auth"
	ClassOTPSend   Class = "otp_send"
	ClassOTPVerify Class = "otp_verify"
)

var ErrRateLimited = apperr.New(apperr.KindRateLimited, "RATE_LIMITED", "too many requests")

// incrWindow bumps the counter and starts the window on the first hit.
// Returns {count, remaining ttl in ms}.
var incrWindow = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// RedisLimiter counts hits per (class, key) in windows of a fixed length.
// A limit of zero or less disables the class.
type RedisLimiter struct {
	client redis.UniversalClient
	limits map[Class]int
	window time.Duration
	prefix string
	logger *zap.SugaredLogger
}

func NewRedisLimiter(client redis.UniversalClient, limits map[Class]int, window time.Duration, logger *zap.SugaredLogger) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisLimiter{client: client, limits: limits, window: window, prefix: "auth:ratelimit:", logger: logger}
}

// Allow records a hit for key in class.
func (l *RedisLimiter) Allow(ctx context.Context, class Class, key string) (Decision, error) {
	limit := l.limits[class]
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	res, err := incrWindow.Run(ctx, l.client, []string{l.prefix + string(class) + ":" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{Allowed: true, Limit: limit}, fmt.Errorf("rate limit %s: %w", class, err)
	}
	if len(res) != 2 {
		return Decision{Allowed: true, Limit: limit}, fmt.Errorf("rate limit %s: unexpected script result", class)
	}
	d := Decision{Count: res[0], Limit: limit, Allowed: res[0] <= int64(limit)}
	if !d.Allowed {
		d.RetryAfter = time.Duration(res[1]) * time.Millisecond
		if d.RetryAfter <= 0 {
			d.RetryAfter = l.window
		}
	}
	return d, nil
}

// Middleware throttles requests of class per client IP. Redis errors let
// the request through.
func (l *RedisLimiter) Middleware(class Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), class, clientIP(r))
			if err != nil {
				l.logger.Warnw("rate limiter unavailable; allowing request", "class", class, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			}
			if !d.Allowed {
				secs := int((d.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				l.logger.Infow("rate limited", "class", class, "ip", clientIP(r), "count", d.Count)
				apperr.Write(w, ErrRateLimited, false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Passthrough returns middleware that applies no limit, for deployments without Redis.
func Passthrough(Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
