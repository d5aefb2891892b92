// Package middleware holds HTTP middlewares shared by the gateway and the
// safety service.
package middleware

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/safecircle/internal/auth"
)

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ratelimit_rejected_total",
	Help: "Requests rejected by the rate limiter.",
}, []string{"scope"})

// Bucket scopes.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeSOS   = "sos"
)

type RateConfig struct {
	Rate  float64
	Burst float64
}

// Limits configures one token bucket per scope. SOS triggers get their own
// bucket so a noisy location uploader cannot starve an emergency.
type Limits struct {
	Read  RateConfig
	Write RateConfig
	SOS   RateConfig
}

type RateLimiter struct {
	client    redis.Scripter
	limits    Limits
	logger    *zap.Logger
	luaScript *redis.Script
	now       func() time.Time
}

func NewRateLimiter(client redis.Scripter, limits Limits, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{client: client, limits: limits, logger: logger, luaScript: redis.NewScript(tokenBucketLua), now: time.Now}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := scopeFor(r)
		cfg := l.configFor(scope)
		if cfg.Rate <= 0 || cfg.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		identifier := clientIdentifier(r)
		if identifier == "" {
			identifier = "anonymous"
		}
		allowed, retryAfter, err := l.allow(r.Context(), scope, identifier, cfg)
		if err != nil {
			// An emergency must never be dropped because the limiter is down.
			if scope == ScopeSOS {
				l.logger.Warn("rate limiter unavailable, admitting sos", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}

		if !allowed {
			rateLimited.WithLabelValues(scope).Inc()
			if retryAfter > 0 {
				w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			}
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) configFor(scope string) RateConfig {
	switch scope {
	case ScopeSOS:
		return l.limits.SOS
	case ScopeRead:
		return l.limits.Read
	default:
		return l.limits.Write
	}
}

func (l *RateLimiter) allow(ctx context.Context, scope string, identifier string, cfg RateConfig) (bool, time.Duration, error) {
	key := strings.Join([]string{"rl", scope, identifier}, ":")
	result, err := l.luaScript.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst).Result()
	if err != nil {
		return false, 0, err
	}

	reply, ok := result.([]interface{})
	if !ok || len(reply) != 2 {
		return false, 0, errors.New("ratelimit: unexpected script reply")
	}
	allowed, ok1 := reply[0].(int64)
	waitMS, ok2 := reply[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, errors.New("ratelimit: non-integer script reply")
	}
	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Duration(waitMS) * time.Millisecond, nil
}

func scopeFor(r *http.Request) string {
	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v1/sos") {
		return ScopeSOS
	}
	if isReadMethod(r.Method) {
		return ScopeRead
	}
	return ScopeWrite
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func clientIdentifier(r *http.Request) string {
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		return "user:" + userID.String()
	}
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// tokenBucketLua refills KEYS[1] at ARGV[2] tokens/s up to ARGV[3] and takes
// one token. Replies {1, 0} when admitted, {0, wait_ms} otherwise.
const tokenBucketLua = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
if rate <= 0 then
  return {1, 0}
end

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(bucket[1]) or burst
local ts = tonumber(bucket[2]) or now
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate / 1000)
  ts = now
end

local admitted = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  admitted = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', ts)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate) + 1000)
return {admitted, wait}
`
