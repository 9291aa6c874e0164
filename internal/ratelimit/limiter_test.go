package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisCounter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCounter(client, "test:")
}

type failingCounter struct{ calls int }

func (f *failingCounter) Increment(context.Context, string, time.Duration) (int64, error) {
	f.calls++
	return 0, errors.New("dial tcp: connection refused")
}

func TestWindowBoundary(t *testing.T) {
	_, counter := newRedis(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)}
	lim := New(counter, WithClock(clock.Now))
	ctx := context.Background()

	const ceiling = 3
	for i := 1; i <= ceiling; i++ {
		d, err := lim.CheckAndIncrement(ctx, "user-1", ceiling, time.Hour)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("call %d unexpectedly throttled", i)
		}
		if d.Remaining != int64(ceiling-i) {
			t.Fatalf("call %d: remaining=%d", i, d.Remaining)
		}
	}

	d, err := lim.CheckAndIncrement(ctx, "user-1", ceiling, time.Hour)
	if err != nil {
		t.Fatalf("over-limit call: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected the (N+1)th call to be throttled")
	}
	if want := 59*time.Minute + 55*time.Second; d.RetryAfter != want {
		t.Fatalf("retry after = %s, want %s", d.RetryAfter, want)
	}

	clock.Advance(time.Hour)
	d, err = lim.CheckAndIncrement(ctx, "user-1", ceiling, time.Hour)
	if err != nil {
		t.Fatalf("next window: %v", err)
	}
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("expected first call of next window allowed with count 1, got %+v", d)
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	_, counter := newRedis(t)
	lim := New(counter)
	ctx := context.Background()

	if d, _ := lim.CheckAndIncrement(ctx, "a", 1, time.Minute); !d.Allowed {
		t.Fatal("a should be allowed")
	}
	if d, _ := lim.CheckAndIncrement(ctx, "b", 1, time.Minute); !d.Allowed {
		t.Fatal("b should be allowed")
	}
	if d, _ := lim.CheckAndIncrement(ctx, "a", 1, time.Minute); d.Allowed {
		t.Fatal("second call for a should be throttled")
	}
}

func TestRedisKeysExpire(t *testing.T) {
	mr, counter := newRedis(t)
	if _, err := counter.Increment(context.Background(), "k", 90*time.Second); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if ttl := mr.TTL("test:k"); ttl <= 0 || ttl > 90*time.Second {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	mr.FastForward(91 * time.Second)
	if mr.Exists("test:k") {
		t.Fatal("expected key to expire")
	}
}

func TestConcurrentIncrementsAreAtomic(t *testing.T) {
	_, counter := newRedis(t)
	lim := New(counter)
	ctx := context.Background()

	const workers, ceiling = 50, 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := lim.CheckAndIncrement(ctx, "shared", ceiling, time.Hour)
			if err != nil {
				t.Errorf("CheckAndIncrement: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != ceiling {
		t.Fatalf("expected exactly %d allowed, got %d", ceiling, allowed)
	}
}

func TestFailOpenWhenStoreUnreachable(t *testing.T) {
	mr, counter := newRedis(t)
	mr.Close()

	lim := New(counter)
	for i := 0; i < 5; i++ {
		d, err := lim.CheckAndIncrement(context.Background(), "user-1", 1, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("call %d throttled while store unreachable", i)
		}
		if !d.Degraded {
			t.Fatalf("call %d not flagged degraded", i)
		}
	}
}

func TestLocalFallbackEnforcesPerInstance(t *testing.T) {
	fc := &failingCounter{}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	lim := New(fc, WithFallback(FallbackLocal), WithClock(clock.Now))
	ctx := context.Background()

	d, _ := lim.CheckAndIncrement(ctx, "k", 2, time.Minute)
	if !d.Allowed || !d.Degraded {
		t.Fatalf("first call: %+v", d)
	}
	lim.CheckAndIncrement(ctx, "k", 2, time.Minute)
	d, _ = lim.CheckAndIncrement(ctx, "k", 2, time.Minute)
	if d.Allowed {
		t.Fatal("expected local fallback to throttle the third call")
	}
	if fc.calls != 3 {
		t.Fatalf("expected the shared store to be retried on every call, got %d", fc.calls)
	}

	clock.Advance(time.Minute)
	if d, _ := lim.CheckAndIncrement(ctx, "k", 2, time.Minute); !d.Allowed {
		t.Fatal("expected new window to be allowed")
	}
}

func TestCancelledContextIsReturned(t *testing.T) {
	lim := New(&failingCounter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lim.CheckAndIncrement(ctx, "k", 1, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnlimitedCeiling(t *testing.T) {
	fc := &failingCounter{}
	lim := New(fc)
	d, err := lim.CheckAndIncrement(context.Background(), "k", 0, time.Minute)
	if err != nil || !d.Allowed {
		t.Fatalf("expected unlimited allow, got %+v %v", d, err)
	}
	if fc.calls != 0 {
		t.Fatal("unlimited ceiling must not touch the counter")
	}
}

func TestParseFallback(t *testing.T) {
	if p, err := ParseFallback(""); err != nil || p != FallbackOpen {
		t.Fatalf("empty: %v %v", p, err)
	}
	if p, err := ParseFallback("LOCAL"); err != nil || p != FallbackLocal {
		t.Fatalf("local: %v %v", p, err)
	}
	if _, err := ParseFallback("closed"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
