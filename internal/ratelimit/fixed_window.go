package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter counts hits per key in fixed Redis-backed time windows.
type FixedWindowLimiter struct {
	client   redis.Scripter
	prefix   string
	limit    int
	window   time.Duration
	failOpen bool
	now      func() time.Time
}

// Options configures a FixedWindowLimiter.
type Options struct {
	Prefix string
	Limit  int
	Window time.Duration
	// FailOpen admits requests when Redis is unreachable instead of rejecting them.
	FailOpen bool
}

// NewFixedWindowLimiter creates a limiter on an existing Redis client.
func NewFixedWindowLimiter(client redis.Scripter, opts Options) (*FixedWindowLimiter, error) {
	if client == nil {
		return nil, errors.New("rate limiter requires a redis client")
	}
	if opts.Limit <= 0 || opts.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "flipbook:ratelimit"
	}
	return &FixedWindowLimiter{
		client:   client,
		prefix:   prefix,
		limit:    opts.Limit,
		window:   opts.Window,
		failOpen: opts.FailOpen,
		now:      time.Now,
	}, nil
}

// Allow reports whether key is within quota for the current window. Redis errors
// are returned alongside the decision dictated by the failure mode.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return l.failOpen, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return count <= int64(l.limit), nil
}
