package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T, l Limiter, key string) {
	t.Helper()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		ok, err := l.Allowed(ctx, key)
		if err != nil {
			t.Fatalf("Allowed: %v", err)
		}
		if !ok {
			t.Fatalf("locked out after %d failures, want 3", i-1)
		}
		n, err := l.Record(ctx, key)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if n != i {
			t.Errorf("Record count = %d, want %d", n, i)
		}
	}

	ok, err := l.Allowed(ctx, key)
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if ok {
		t.Fatal("expected lockout after 3 failures")
	}

	if err := l.Clear(ctx, key); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := l.Allowed(ctx, key); !ok {
		t.Error("expected key to be allowed after Clear")
	}
}

func TestMemoryLimiter(t *testing.T) {
	testLimiter(t, NewMemoryLimiter(3, time.Minute), "ip:10.0.0.1")
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(1, time.Minute)

	l.Record(ctx, "ip:10.0.0.1")
	if ok, _ := l.Allowed(ctx, "ip:10.0.0.1"); ok {
		t.Error("expected first key locked")
	}
	if ok, _ := l.Allowed(ctx, "ip:10.0.0.2"); !ok {
		t.Error("expected second key allowed")
	}
}

func TestMemoryLimiter_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 30, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2, 15*time.Minute)
	l.now = func() time.Time { return now }

	l.Record(ctx, "k")
	l.Record(ctx, "k")
	if ok, _ := l.Allowed(ctx, "k"); ok {
		t.Fatal("expected lockout")
	}

	// The window starts at the first failure and does not slide.
	now = now.Add(15 * time.Minute)
	if ok, _ := l.Allowed(ctx, "k"); !ok {
		t.Error("expected lockout to expire after the window")
	}
	if n, _ := l.Record(ctx, "k"); n != 1 {
		t.Errorf("count after expiry = %d, want 1", n)
	}
}

// TestRedisLimiter runs against a live Redis when TEST_REDIS_URL is set.
func TestRedisLimiter(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse TEST_REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	l := NewRedisLimiter(rdb, 3, time.Minute)
	key := "test:" + uuid.New().String()
	testLimiter(t, l, key)

	l.Record(context.Background(), key)
	ttl, err := rdb.TTL(context.Background(), "ratelimit:"+key).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within (0, 1m]", ttl)
	}
}
