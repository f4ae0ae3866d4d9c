package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	down   bool
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}}
}

func (f *fakeCounter) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(_ context.Context, key string, _ time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func TestIncrementLimitsAfterN(t *testing.T) {
	ctx := context.Background()
	l := New(newFakeCounter(), nil)
	p := Profile{Name: "provider", Limit: 5, Window: time.Minute}

	for i := 1; i <= 5; i++ {
		res := l.Increment(ctx, "1.2.3.4", p)
		if res.Limited {
			t.Fatalf("request %d should be allowed", i)
		}
		if res.TotalHits != int64(i) {
			t.Fatalf("expected %d hits, got %d", i, res.TotalHits)
		}
	}

	res := l.Increment(ctx, "1.2.3.4", p)
	if !res.Limited {
		t.Fatal("6th request in the window must be limited")
	}
	if res.ResetAt.IsZero() {
		t.Fatal("reset time missing")
	}
}

func TestIncrementIsolatesIdentities(t *testing.T) {
	ctx := context.Background()
	l := New(newFakeCounter(), nil)
	p := Profile{Name: "default", Limit: 1, Window: time.Minute}

	l.Increment(ctx, "a", p)
	if !l.Increment(ctx, "a", p).Limited {
		t.Fatal("identity a should be limited")
	}
	if l.Increment(ctx, "b", p).Limited {
		t.Fatal("identity b has its own window")
	}
}

func TestWindowBoundaryResetsCount(t *testing.T) {
	ctx := context.Background()
	counter := newFakeCounter()
	l := New(counter, nil)
	p := Profile{Name: "default", Limit: 1, Window: time.Minute}

	base := time.Date(2026, 8, 30, 10, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }
	l.Increment(ctx, "a", p)
	if !l.Increment(ctx, "a", p).Limited {
		t.Fatal("second hit in window should be limited")
	}

	l.now = func() time.Time { return base.Add(time.Minute) }
	if l.Increment(ctx, "a", p).Limited {
		t.Fatal("count must reset at the window boundary")
	}
}

func TestFailOpenWhenStoreUnreachable(t *testing.T) {
	ctx := context.Background()
	counter := newFakeCounter()
	counter.down = true
	l := New(counter, nil)
	p := Profile{Name: "provider", Limit: 1, Window: time.Minute}

	for i := 0; i < 10; i++ {
		if l.Increment(ctx, "a", p).Limited {
			t.Fatal("limiter must fail open when the counter store is down")
		}
	}
}

func TestNilClientFailsOpenOnInjectedClock(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil)
	p := Profile{Name: "default", Limit: 1, Window: time.Minute}

	base := time.Date(2026, 8, 30, 10, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	res := l.Increment(ctx, "a", p)
	if res.Limited {
		t.Fatal("limiter without a counter store must fail open")
	}
	if want := base.Truncate(p.Window).Add(p.Window); !res.ResetAt.Equal(want) {
		t.Fatalf("reset at %v, want %v from the injected clock", res.ResetAt, want)
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	e := echo.New()
	l := New(newFakeCounter(), nil)
	mw := Middleware(l, Profile{Name: "upload", Limit: 1, Window: time.Minute})
	handler := mw(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	call := func() (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodPost, "/api/documents", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		rec := httptest.NewRecorder()
		return rec, handler(e.NewContext(req, rec))
	}

	if _, err := call(); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	_, err := call()
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
}
