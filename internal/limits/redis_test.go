package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nimbleworks/chat_gateway/internal/config"
	"github.com/nimbleworks/chat_gateway/internal/requestctx"
)

func testQuotas() config.RateLimitConfig {
	return config.RateLimitConfig{
		Free:    config.TierQuota{RequestsPerMinute: 3, RequestsPerDay: 5, TokensPerDay: 1000},
		Starter: config.TierQuota{RequestsPerMinute: 30, RequestsPerDay: 1500, TokensPerDay: 500000},
		Pro:     config.TierQuota{RequestsPerMinute: 60, RequestsPerDay: 5000, TokensPerDay: 2000000},
		Ultra:   config.TierQuota{RequestsPerMinute: 120, RequestsPerDay: 20000, TokensPerDay: 10000000},
		Abuse: config.AbuseConfig{
			BurstGap:       5 * time.Second,
			BurstThreshold: 10,
			Window:         10 * time.Minute,
			WindowRequests: 50,
			TokenPenalty:   0.5,
		},
	}
}

func newTestRedisLimiter(t *testing.T, quotas config.RateLimitConfig) (*RedisLimiter, func()) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	limiter := NewRedisLimiter(client, quotas)
	cleanup := func() {
		client.Close()
		server.Close()
	}
	return limiter, cleanup
}

func TestRedisLimiterEnforcesMinuteQuota(t *testing.T) {
	limiter, cleanup := newTestRedisLimiter(t, testQuotas())
	defer cleanup()

	ctx := context.Background()
	id := requestctx.Authenticated("user-1", "FREE")

	for i := 0; i < 3; i++ {
		dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("fourth request: %v", err)
	}
	if dec.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if dec.Scope != ScopeMinute {
		t.Fatalf("expected minute scope, got %q", dec.Scope)
	}
	if dec.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", dec.RetryAfter)
	}
	if dec.Headers[HeaderRetryAfter] == "" {
		t.Fatal("expected Retry-After header on deny")
	}
}

func TestRedisLimiterDailyQuotaChecksFirst(t *testing.T) {
	quotas := testQuotas()
	quotas.Free.RequestsPerMinute = 100
	quotas.Free.RequestsPerDay = 2
	limiter, cleanup := newTestRedisLimiter(t, quotas)
	defer cleanup()

	ctx := context.Background()
	id := requestctx.Authenticated("user-2", "FREE")

	for i := 0; i < 2; i++ {
		dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("third request: %v", err)
	}
	if dec.Allowed {
		t.Fatal("third request should be denied despite minute headroom")
	}
	if dec.Scope != ScopeDay {
		t.Fatalf("expected day scope, got %q", dec.Scope)
	}
	if dec.Headers[HeaderDailyRemaining] != "0" {
		t.Fatalf("expected zero daily remaining, got %q", dec.Headers[HeaderDailyRemaining])
	}
}

func TestRedisLimiterMinuteDenyRestoresDailyQuota(t *testing.T) {
	quotas := testQuotas()
	quotas.Free.RequestsPerMinute = 1
	quotas.Free.RequestsPerDay = 5
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer server.Close()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	limiter := NewRedisLimiter(client, quotas)

	ctx := context.Background()
	id := requestctx.Authenticated("user-5", "FREE")

	dec, err := limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("first request should be allowed")
	}

	dec, err = limiter.CheckAndConsume(ctx, id, "/v1/chat")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if dec.Allowed || dec.Scope != ScopeMinute {
		t.Fatalf("expected a minute-scope deny, got allowed=%v scope=%q", dec.Allowed, dec.Scope)
	}
	if dec.Headers[HeaderDailyRemaining] != "4" {
		t.Fatalf("minute deny must not burn daily quota, remaining %q", dec.Headers[HeaderDailyRemaining])
	}

	subject := id.Key() + ":" + id.Tier.String()
	val, err := client.Get(ctx, dailyKey(subject, time.Now().UTC())).Result()
	if err != nil {
		t.Fatalf("read daily counter: %v", err)
	}
	if val != "1" {
		t.Fatalf("expected daily counter 1 after rollback, got %s", val)
	}
}

func TestRedisLimiterSurfacesBackendErrors(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	limiter := NewRedisLimiter(client, testQuotas())
	server.Close()

	_, err = limiter.CheckAndConsume(context.Background(), requestctx.Authenticated("user-3", "PRO"), "/v1/chat")
	if err == nil {
		t.Fatal("expected an error when the backend is unreachable")
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestRedisLimiterAllowSetsHeaders(t *testing.T) {
	limiter, cleanup := newTestRedisLimiter(t, testQuotas())
	defer cleanup()

	dec, err := limiter.CheckAndConsume(context.Background(), requestctx.Authenticated("user-4", "STARTER"), "/v1/chat")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("first request should be allowed")
	}
	if dec.Headers[HeaderLimit] != "30" {
		t.Fatalf("expected limit 30, got %q", dec.Headers[HeaderLimit])
	}
	if dec.Headers[HeaderRemaining] != "29" {
		t.Fatalf("expected remaining 29, got %q", dec.Headers[HeaderRemaining])
	}
	if dec.Headers[HeaderDailyRemaining] != "1499" {
		t.Fatalf("expected daily remaining 1499, got %q", dec.Headers[HeaderDailyRemaining])
	}
	if dec.Headers[HeaderReset] == "" {
		t.Fatal("expected reset header")
	}
}
