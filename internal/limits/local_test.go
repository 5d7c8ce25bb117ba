package limits

import (
	"context"
	"testing"
	"time"

	"github.com/nimbleworks/chat_gateway/internal/config"
	"github.com/nimbleworks/chat_gateway/internal/requestctx"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time          { return c.current }
func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }
func (c *fakeClock) Set(t time.Time)         { c.current = t }

func newTestLocalLimiter(quotas config.RateLimitConfig) (*LocalLimiter, *fakeClock) {
	limiter := NewLocalLimiter(quotas, time.UTC)
	clock := &fakeClock{current: time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)}
	limiter.SetClock(clock.Now)
	return limiter, clock
}

func TestLocalLimiterFreeTierBurstScenario(t *testing.T) {
	quotas := testQuotas()
	quotas.Free.RequestsPerMinute = 10
	quotas.Free.RequestsPerDay = 200
	limiter, clock := newTestLocalLimiter(quotas)

	ctx := context.Background()
	id := requestctx.Anonymous("203.0.113.9")

	// 10 requests inside one second drain the bucket.
	for i := 0; i < 10; i++ {
		dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		clock.Advance(90 * time.Millisecond)
	}

	dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("11th request: %v", err)
	}
	if dec.Allowed {
		t.Fatal("11th request should be denied")
	}
	if dec.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", dec.RetryAfter)
	}

	rec, ok := limiter.AbuseState(id.Key())
	if !ok {
		t.Fatal("expected an abuse record")
	}
	if rec.BurstCount < 10 {
		t.Fatalf("expected burst count >= 10, got %d", rec.BurstCount)
	}
	if !rec.Flagged {
		t.Fatal("expected caller to be flagged")
	}
}

func TestLocalLimiterFlaggedCallerGetsWarningNotBlock(t *testing.T) {
	quotas := testQuotas()
	quotas.Free.RequestsPerMinute = 60
	quotas.Free.RequestsPerDay = 500
	limiter, clock := newTestLocalLimiter(quotas)

	ctx := context.Background()
	id := requestctx.Anonymous("198.51.100.7")

	// Trip the burst threshold without draining the bucket.
	for i := 0; i < 12; i++ {
		if _, err := limiter.CheckAndConsume(ctx, id, "/v1/chat"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		clock.Advance(time.Second)
	}

	dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("flagged request: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("flagging is a soft throttle; the request should still pass")
	}
	if dec.Headers[HeaderAbuseWarning] == "" {
		t.Fatal("expected abuse warning header")
	}
}

func TestLocalLimiterDailyQuotaChecksFirst(t *testing.T) {
	quotas := testQuotas()
	quotas.Pro.RequestsPerMinute = 100
	quotas.Pro.RequestsPerDay = 3
	limiter, clock := newTestLocalLimiter(quotas)

	ctx := context.Background()
	id := requestctx.Authenticated("user-day", "PRO")

	for i := 0; i < 3; i++ {
		dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		clock.Advance(time.Second)
	}

	dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("fourth request: %v", err)
	}
	if dec.Allowed {
		t.Fatal("fourth request should be denied on the daily quota")
	}
	if dec.Scope != ScopeDay {
		t.Fatalf("expected day scope, got %q", dec.Scope)
	}
}

func TestLocalLimiterDailyCounterResetsAtMidnight(t *testing.T) {
	quotas := testQuotas()
	quotas.Pro.RequestsPerMinute = 100
	quotas.Pro.RequestsPerDay = 2
	limiter, clock := newTestLocalLimiter(quotas)

	ctx := context.Background()
	id := requestctx.Authenticated("user-midnight", "PRO")

	for i := 0; i < 2; i++ {
		if _, err := limiter.CheckAndConsume(ctx, id, "/v1/chat"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		clock.Advance(time.Second)
	}
	dec, _ := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if dec.Allowed {
		t.Fatal("third request today should be denied")
	}

	clock.Set(time.Date(2026, time.March, 4, 0, 0, 5, 0, time.UTC))
	dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("post-midnight request: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("daily counter should reset after the date rolls over")
	}
}

func TestLocalLimiterRefillIsContinuous(t *testing.T) {
	quotas := testQuotas()
	quotas.Free.RequestsPerMinute = 60 // one token per second
	quotas.Free.RequestsPerDay = 500
	limiter, clock := newTestLocalLimiter(quotas)

	ctx := context.Background()
	id := requestctx.Authenticated("user-refill", "FREE")

	// Drain the bucket.
	for i := 0; i < 60; i++ {
		if _, err := limiter.CheckAndConsume(ctx, id, "/v1/chat"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	dec, _ := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if dec.Allowed {
		t.Fatal("drained bucket should deny")
	}

	clock.Advance(1100 * time.Millisecond)
	dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("post-refill request: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("one second of refill should admit one request")
	}
}

func TestLocalLimiterResetClearsState(t *testing.T) {
	limiter, _ := newTestLocalLimiter(testQuotas())
	ctx := context.Background()
	id := requestctx.Anonymous("192.0.2.1")

	for i := 0; i < 3; i++ {
		limiter.CheckAndConsume(ctx, id, "/v1/chat")
	}
	dec, _ := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if dec.Allowed {
		t.Fatal("bucket should be drained before reset")
	}

	limiter.Reset()
	dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("post-reset request: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("reset should restore a full bucket")
	}
	if _, ok := limiter.AbuseState(id.Key()); ok {
		// A fresh record is created by the post-reset request itself.
		rec, _ := limiter.AbuseState(id.Key())
		if rec.RequestCount != 1 {
			t.Fatalf("expected a fresh abuse record, got count %d", rec.RequestCount)
		}
	}
}

func TestBypassList(t *testing.T) {
	bypass := NewBypassList([]string{"/healthz", "/metrics", "/.well-known", "/auth"})

	cases := []struct {
		path string
		want bool
	}{
		{"/healthz", true},
		{"/metrics", true},
		{"/.well-known/openid-configuration", true},
		{"/auth/login", true},
		{"/v1/chat", false},
		{"/healthzz", false},
	}
	for _, tc := range cases {
		if got := bypass.Contains(tc.path); got != tc.want {
			t.Errorf("Contains(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
