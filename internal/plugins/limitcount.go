package plugins

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/gateway/internal/plugin"
	"github.com/wudi/gateway/internal/reqctx"
)

// LimitCountSchema is the config schema for limit-count.
const LimitCountSchema = `{
	"type": "object",
	"properties": {
		"count": {"type": "integer", "minimum": 1},
		"time_window": {"type": "integer", "minimum": 1},
		"key": {"type": "string"}
	},
	"required": ["count", "time_window"]
}`

// slidingWindowScript is a Lua sorted-set sliding window, ported verbatim
// from internal/middleware/ratelimit/redis.go: ZREMRANGEBYSCORE trims
// anything outside the window, ZCARD counts what's left, and a ZADD
// records this request when under the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    return {0, 0, now + window}
end
`)

// LimitCount is spec.md's count+window rate limiter. Grounded on
// internal/middleware/ratelimit/limiter.go's token-bucket Allow (in-memory
// path, adapted to a plain mutex-guarded map instead of the teacher's
// sharded map since this plugin's key space is per-route rather than
// global) and redis.go's sliding-window Lua script (distributed path, used
// whenever a *redis.Client is supplied). Fails open on Redis error, same
// as the teacher's Middleware.
type LimitCount struct {
	redis *redis.Client

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
}

func NewLimitCount(redisClient *redis.Client) *LimitCount {
	return &LimitCount{redis: redisClient, buckets: make(map[string]*tokenBucket)}
}

func (p *LimitCount) Name() string { return "limit-count" }

func (p *LimitCount) Access(ctx *reqctx.Context, cfg map[string]any) (plugin.Result, error) {
	count := intValue(cfg["count"], 0)
	windowSeconds := intValue(cfg["time_window"], 60)
	if count <= 0 {
		return plugin.Continue(), nil
	}
	window := time.Duration(windowSeconds) * time.Second

	key, _ := cfg["key"].(string)
	rateKey := rateLimitKey(ctx, key)

	var allowed bool
	var remaining int
	var resetTime time.Time
	var err error
	if p.redis != nil {
		allowed, remaining, resetTime, err = p.allowRedis(ctx.Request.Context(), rateKey, count, window)
		if err != nil {
			// Fail open: an unreachable limiter store must never block
			// traffic it can't actually account for.
			allowed, remaining, resetTime = true, count, time.Now().Add(window)
		}
	} else {
		allowed, remaining, resetTime = p.allowMemory(rateKey, count, window)
	}

	ctx.Set(p.Name(), "limit", strconv.Itoa(count))
	ctx.Set(p.Name(), "remaining", strconv.Itoa(remaining))
	ctx.Set(p.Name(), "reset", strconv.FormatInt(resetTime.Unix(), 10))
	if !allowed {
		return plugin.Stop(http.StatusTooManyRequests, `{"error_msg":"rate limit exceeded"}`), nil
	}
	return plugin.Continue(), nil
}

// HeaderFilter copies the rate-limit accounting Access recorded onto the
// actual response headers, since Access only has ctx to write to, not a
// ResponseWriter — the same X-RateLimit-* headers the teacher's
// Middleware sets directly, just one phase later.
func (p *LimitCount) HeaderFilter(ctx *reqctx.Context, cfg map[string]any) error {
	if ctx.Response == nil {
		return nil
	}
	if v, ok := ctx.Get(p.Name(), "limit"); ok {
		ctx.Response.Header.Set("X-RateLimit-Limit", v.(string))
	}
	if v, ok := ctx.Get(p.Name(), "remaining"); ok {
		ctx.Response.Header.Set("X-RateLimit-Remaining", v.(string))
	}
	if v, ok := ctx.Get(p.Name(), "reset"); ok {
		ctx.Response.Header.Set("X-RateLimit-Reset", v.(string))
	}
	return nil
}

func (p *LimitCount) allowRedis(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetTime time.Time, err error) {
	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	nowMs := time.Now().UnixMilli()
	windowMs := window.Milliseconds()

	result, err := slidingWindowScript.Run(runCtx, p.redis, []string{"gw:limit-count:" + key}, nowMs, windowMs, limit).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("limit-count: redis script: %w", err)
	}
	return result[0] == 1, int(result[1]), time.UnixMilli(result[2]), nil
}

func (p *LimitCount) allowMemory(key string, limit int, window time.Duration) (allowed bool, remaining int, resetTime time.Time) {
	now := time.Now()
	rate := float64(limit) / window.Seconds()

	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(limit), lastTime: now}
		p.buckets[key] = b
	}

	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > float64(limit) {
		b.tokens = float64(limit)
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), now.Add(window)
	}
	waitTime := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return false, 0, now.Add(waitTime)
}

// rateLimitKey implements the key strategies the teacher's BuildKeyFunc
// supports (plain "client_id"/"header:X"/unspecified-means-IP), trimmed to
// the strategies this plugin's schema actually exposes. "client_id" reads
// whatever key-auth or jwt-auth recorded earlier in the chain via the
// namespaced extension map, falling back to client IP when no auth plugin
// ran first — same fallback the teacher's BuildKeyFunc uses.
func rateLimitKey(ctx *reqctx.Context, keyStrategy string) string {
	r := ctx.Request
	switch {
	case keyStrategy == "client_id":
		if v, ok := ctx.Get("key-auth", "client_id"); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
		if v, ok := ctx.Get("jwt-auth", "client_id"); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	case len(keyStrategy) > len("header:") && keyStrategy[:len("header:")] == "header:":
		name := keyStrategy[len("header:"):]
		if v := r.Header.Get(name); v != "" {
			return "header:" + name + ":" + v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func intValue(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
