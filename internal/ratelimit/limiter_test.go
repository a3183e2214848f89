package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zap.NewNop()), mr
}

func TestAllow_WithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, _ := l.Allow(ctx, "u1", rule)
	if ok {
		t.Fatal("fourth request should be limited")
	}

	// Other identifiers are unaffected.
	if ok, _ := l.Allow(ctx, "u2", rule); !ok {
		t.Fatal("separate identifier should be allowed")
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	l.Allow(ctx, "u1", rule)
	if ok, _ := l.Allow(ctx, "u1", rule); ok {
		t.Fatal("second request should be limited")
	}

	mr.FastForward(11 * time.Second)
	if ok, _ := l.Allow(ctx, "u1", rule); !ok {
		t.Fatal("request after the window should be allowed")
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	ok, err := l.Allow(context.Background(), "u1", RuleJoin)
	if !ok {
		t.Fatal("limiter should fail open when redis is down")
	}
	if err == nil {
		t.Fatal("expected the redis error to be returned")
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	if n, _ := l.Remaining(ctx, "u1", rule); n != 5 {
		t.Fatalf("expected full limit, got %d", n)
	}
	l.Allow(ctx, "u1", rule)
	l.Allow(ctx, "u1", rule)
	if n, _ := l.Remaining(ctx, "u1", rule); n != 3 {
		t.Fatalf("expected 3 remaining, got %d", n)
	}
}

func TestRetryAfter(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 30 * time.Second}

	if n, _ := l.RetryAfter(ctx, "u1", rule); n != 0 {
		t.Fatalf("expected 0 with no window, got %d", n)
	}

	l.Allow(ctx, "u1", rule)
	mr.FastForward(10 * time.Second)

	n, err := l.RetryAfter(ctx, "u1", rule)
	if err != nil {
		t.Fatalf("RetryAfter: %v", err)
	}
	if n != 20 {
		t.Fatalf("expected 20s, got %d", n)
	}
}
