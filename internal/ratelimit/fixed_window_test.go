package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, srv *miniredis.Miniredis, limit int, failOpen bool) *FixedWindowLimiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewFixedWindowLimiter(client, Options{
		Prefix:   "test:ratelimit",
		Limit:    limit,
		Window:   time.Second,
		FailOpen: failOpen,
	})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter
}

func TestFixedWindowLimiterBlocksOverQuota(t *testing.T) {
	limiter := newLimiter(t, miniredis.RunT(t), 2, false)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "ip-1")
		if err != nil || !ok {
			t.Fatalf("request %d should pass: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := limiter.Allow(ctx, "ip-1"); ok {
		t.Fatalf("third request should be blocked")
	}
	if ok, _ := limiter.Allow(ctx, "ip-2"); !ok {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterFailureModes(t *testing.T) {
	tests := []struct {
		name     string
		failOpen bool
	}{
		{"fail closed", false},
		{"fail open", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := miniredis.RunT(t)
			limiter := newLimiter(t, srv, 1, tc.failOpen)
			srv.Close()
			ok, err := limiter.Allow(context.Background(), "ip-1")
			if err == nil {
				t.Fatalf("expected redis error to surface")
			}
			if ok != tc.failOpen {
				t.Fatalf("allow = %v, want %v", ok, tc.failOpen)
			}
		})
	}
}

func TestNewFixedWindowLimiterValidates(t *testing.T) {
	if _, err := NewFixedWindowLimiter(nil, Options{Limit: 1, Window: time.Second}); err == nil {
		t.Fatalf("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewFixedWindowLimiter(client, Options{Limit: 0, Window: time.Second}); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
