package limits

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimbleworks/chat_gateway/internal/config"
	"github.com/nimbleworks/chat_gateway/internal/requestctx"
	"github.com/nimbleworks/chat_gateway/internal/tier"
	"github.com/nimbleworks/chat_gateway/internal/timeutil"
)

const minuteWindow = time.Minute

// RedisLimiter enforces tier quotas against a distributed counter backend:
// a one-minute sliding window (sorted set) and a one-day fixed window
// (INCR + EXPIRE keyed by UTC date). Atomicity of the counters is the
// backend's job; this layer only issues increment-with-expiry primitives.
type RedisLimiter struct {
	client *redis.Client
	quotas config.RateLimitConfig
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, quotas config.RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		quotas: quotas,
		now:    time.Now,
	}
}

// CheckAndConsume checks the daily quota first, then the per-minute quota.
// Either exceeded quota alone is sufficient to deny. Backend errors surface
// to the caller; there is no fail-open or fail-closed fallback.
func (l *RedisLimiter) CheckAndConsume(ctx context.Context, id requestctx.Identity, endpoint string) (Decision, error) {
	quota := tier.Quotas(id.Tier, l.quotas)
	subject := id.Key() + ":" + id.Tier.String()
	now := l.now().UTC()

	dayCount, dayReset, err := l.incrDaily(ctx, subject, now)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	dailyRemaining := quota.RequestsPerDay - int(dayCount)
	if int(dayCount) > quota.RequestsPerDay {
		used, _, err := l.minuteUsage(ctx, subject, now)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return denyDecision(ScopeDay, ceilSeconds(dayReset.Sub(now)),
			quota.RequestsPerMinute, quota.RequestsPerMinute-used, now.Add(minuteWindow), 0), nil
	}

	minuteCount, oldest, err := l.slideMinute(ctx, subject, now, quota.RequestsPerMinute)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if minuteCount > quota.RequestsPerMinute {
		// A minute-denied attempt must not burn daily quota, mirroring the
		// sorted-set rollback and the local backend.
		l.client.Decr(ctx, dailyKey(subject, now))
		retry := minuteWindow
		if !oldest.IsZero() {
			retry = oldest.Add(minuteWindow).Sub(now)
		}
		return denyDecision(ScopeMinute, ceilSeconds(retry),
			quota.RequestsPerMinute, 0, now.Add(retry), dailyRemaining+1), nil
	}

	return allowDecision(quota.RequestsPerMinute, quota.RequestsPerMinute-minuteCount,
		now.Add(minuteWindow), dailyRemaining), nil
}

// Reset is a no-op: distributed counters live in the backend and tests run
// against a fresh miniredis instance.
func (l *RedisLimiter) Reset() {}

func dailyKey(subject string, now time.Time) string {
	return fmt.Sprintf("rl:day:%s:%s", subject, now.Format("20060102"))
}

func minuteKey(subject string) string {
	return fmt.Sprintf("rl:min:%s", subject)
}

func (l *RedisLimiter) incrDaily(ctx context.Context, subject string, now time.Time) (int64, time.Time, error) {
	reset := timeutil.NextMidnight(now, time.UTC)
	key := dailyKey(subject, now)
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, reset, err
	}
	if cnt == 1 {
		l.client.Expire(ctx, key, reset.Sub(now)+time.Minute)
	}
	return cnt, reset, nil
}

// slideMinute appends the request to the sliding window and returns the
// resulting cardinality plus the oldest entry's timestamp. The entry is
// rolled back when the window is over quota so a denied request does not
// consume headroom.
func (l *RedisLimiter) slideMinute(ctx context.Context, subject string, now time.Time, rpm int) (int, time.Time, error) {
	key := minuteKey(subject)
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()[:8]
	cutoff := strconv.FormatInt(now.Add(-minuteWindow).UnixNano(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, 2*minuteWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	count := int(card.Val())
	if count > rpm {
		l.client.ZRem(ctx, key, member)
	}

	var oldestTime time.Time
	if zs := oldest.Val(); len(zs) > 0 {
		oldestTime = time.Unix(0, int64(zs[0].Score))
	}
	return count, oldestTime, nil
}

// minuteUsage reports the current window cardinality without consuming.
func (l *RedisLimiter) minuteUsage(ctx context.Context, subject string, now time.Time) (int, time.Time, error) {
	key := minuteKey(subject)
	cutoff := strconv.FormatInt(now.Add(-minuteWindow).UnixNano(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	var oldestTime time.Time
	if zs := oldest.Val(); len(zs) > 0 {
		oldestTime = time.Unix(0, int64(zs[0].Score))
	}
	return int(card.Val()), oldestTime, nil
}
