package security

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitRemainingHeader reports the tokens left in the caller's bucket.
const RateLimitRemainingHeader = "X-RateLimit-Remaining"

var errUnexpectedReply = errors.New("unexpected token bucket reply")

// RedisTokenBucket is a token bucket shared by every replica through Redis.
// A nil client or a non-positive capacity or rate disables limiting.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
	Now        func() time.Time
}

// NewRedisTokenBucket builds a limiter allowing capacity requests in a burst,
// refilled at refillPerSecond.
func NewRedisTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64) *RedisTokenBucket {
	return &RedisTokenBucket{
		Redis:      client,
		Prefix:     prefix,
		Capacity:   capacity,
		RefillRate: refillPerSecond,
		Now:        time.Now,
	}
}

// Decision is the outcome of one token request.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the next whole token; zero when allowed.
	RetryAfter time.Duration
}

// tokenBucketScript keeps each bucket as a hash of its token level and the
// millisecond time of the last take. It replies {allowed, whole tokens left,
// ms until the next token}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'level', 'ts')
local level = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now_ms

level = math.min(capacity, level + math.max(0, now_ms - ts) * rate / 1000)
local allowed = 0
local wait_ms = 0
if level >= 1 then
  allowed = 1
  level = level - 1
else
  wait_ms = math.ceil((1 - level) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'ts', now_ms)
redis.call('PEXPIRE', KEYS[1], ARGV[4])

return {allowed, math.floor(level), wait_ms}
`)

func (l *RedisTokenBucket) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

func (l *RedisTokenBucket) enabled() bool {
	return l != nil && l.Redis != nil && l.Capacity > 0 && l.RefillRate > 0
}

// Allow takes one token from rawKey's bucket.
func (l *RedisTokenBucket) Allow(ctx context.Context, rawKey string) (Decision, error) {
	if !l.enabled() {
		return Decision{Allowed: true}, nil
	}

	clock := l.Now
	if clock == nil {
		clock = time.Now
	}
	// An idle bucket expires once it would have refilled completely.
	idle := time.Duration(float64(l.Capacity)/l.RefillRate*float64(time.Second)) + time.Second

	reply, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(rawKey)},
		l.Capacity, l.RefillRate, clock().UnixMilli(), idle.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(reply) != 3 {
		return Decision{}, errUnexpectedReply
	}

	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  int(reply[1]),
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

// RateLimitMiddleware limits requests per key. Requests for which keyFn
// returns "" pass through. The limiter fails closed when Redis errors.
func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !l.enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Allow(r.Context(), key)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set(RateLimitRemainingHeader, strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
