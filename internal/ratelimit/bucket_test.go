package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, capacity int, refill float64) *UploadLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewUploadLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), capacity, refill)
}

func TestUploadLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, 2, 1)
	start := time.Now()
	l.now = func() time.Time { return start }

	for i := 0; i < 2; i++ {
		d, err := l.AllowCar(ctx, "car-1")
		if err != nil || !d.Allowed {
			t.Fatalf("upload %d should be allowed, got %+v err=%v", i+1, d, err)
		}
	}
	d, err := l.AllowCar(ctx, "car-1")
	if err != nil || d.Allowed {
		t.Fatalf("third upload should be rejected, got %+v err=%v", d, err)
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("expected retry after 1s, got %s", d.RetryAfter)
	}

	other, err := l.AllowCar(ctx, "car-2")
	if err != nil || !other.Allowed {
		t.Fatalf("buckets are per car")
	}
}

func TestUploadLimiterRefill(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, 1, 0.5)
	start := time.Now()
	l.now = func() time.Time { return start }

	if d, _ := l.AllowCar(ctx, "car-1"); !d.Allowed {
		t.Fatalf("first upload should be allowed")
	}
	l.now = func() time.Time { return start.Add(time.Second) }
	d, err := l.AllowCar(ctx, "car-1")
	if err != nil || d.Allowed {
		t.Fatalf("half a token is not enough, got %+v err=%v", d, err)
	}
	if d.Remaining < 0.49 || d.Remaining > 0.51 {
		t.Fatalf("expected half a token left, got %v", d.Remaining)
	}
	l.now = func() time.Time { return start.Add(2 * time.Second) }
	if d, _ := l.AllowCar(ctx, "car-1"); !d.Allowed {
		t.Fatalf("bucket should have refilled after 2s, got %+v", d)
	}
}
