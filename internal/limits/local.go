package limits

import (
	"context"
	"sync"
	"time"

	"github.com/nimbleworks/chat_gateway/internal/config"
	"github.com/nimbleworks/chat_gateway/internal/requestctx"
	"github.com/nimbleworks/chat_gateway/internal/tier"
	"github.com/nimbleworks/chat_gateway/internal/timeutil"
)

// LocalLimiter is the in-process fallback used when no distributed counter
// backend is configured. It keeps a continuous token bucket per
// identity+tier and a FREE-tier abuse heuristic. All state mutations happen
// under one mutex, so concurrent checks for the same subject never lose or
// double-apply a decision.
type LocalLimiter struct {
	quotas config.RateLimitConfig
	abuse  config.AbuseConfig
	loc    *time.Location
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucketState
	records map[string]*AbuseRecord
}

// bucketState mirrors the admission state for one identity+tier.
// Invariant: 0 <= tokens <= RequestsPerMinute.
type bucketState struct {
	tokens        float64
	lastRefill    time.Time
	requestsToday int
	lastReset     time.Time
}

// AbuseRecord tracks FREE-tier burst behavior. Flagging is a soft throttle:
// flagged callers pay a token penalty per request but are never blocked
// outright by the heuristic itself.
type AbuseRecord struct {
	FirstSeenAt   time.Time
	RequestCount  int
	BurstCount    int
	LastRequestAt time.Time
	Flagged       bool
}

func NewLocalLimiter(quotas config.RateLimitConfig, loc *time.Location) *LocalLimiter {
	if loc == nil {
		loc = time.UTC
	}
	return &LocalLimiter{
		quotas:  quotas,
		abuse:   quotas.Abuse,
		loc:     loc,
		now:     time.Now,
		buckets: make(map[string]*bucketState),
		records: make(map[string]*AbuseRecord),
	}
}

// CheckAndConsume refills the caller's bucket, applies the daily check
// first (mirroring distributed mode), then the per-minute token check.
// The whole path never suspends, so it is atomic relative to other
// in-flight requests.
func (l *LocalLimiter) CheckAndConsume(_ context.Context, id requestctx.Identity, endpoint string) (Decision, error) {
	quota := tier.Quotas(id.Tier, l.quotas)
	subject := id.Key() + ":" + id.Tier.String()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.buckets[subject]
	if state == nil {
		state = &bucketState{
			tokens:     float64(quota.RequestsPerMinute),
			lastRefill: now,
			lastReset:  now,
		}
		l.buckets[subject] = state
	}

	l.refill(state, quota, now)
	l.rolloverDay(state, now)

	cost := 1.0
	abuseWarning := false
	if id.Tier == tier.Free {
		rec := l.touchAbuse(id.Key(), now)
		if rec.Flagged {
			cost += l.abuse.TokenPenalty
			abuseWarning = true
		}
	}

	refillPerSecond := float64(quota.RequestsPerMinute) / 60.0
	dailyRemaining := quota.RequestsPerDay - state.requestsToday

	if state.requestsToday >= quota.RequestsPerDay {
		dec := denyDecision(ScopeDay, ceilSeconds(timeutil.NextMidnight(now, l.loc).Sub(now)),
			quota.RequestsPerMinute, int(state.tokens), l.resetAt(state, quota, now), 0)
		if abuseWarning {
			dec.Headers[HeaderAbuseWarning] = "rate of requests is unusually high"
		}
		return dec, nil
	}

	if state.tokens < cost {
		retry := time.Duration((cost - state.tokens) / refillPerSecond * float64(time.Second))
		dec := denyDecision(ScopeMinute, ceilSeconds(retry),
			quota.RequestsPerMinute, 0, now.Add(ceilSeconds(retry)), dailyRemaining)
		if abuseWarning {
			dec.Headers[HeaderAbuseWarning] = "rate of requests is unusually high"
		}
		return dec, nil
	}

	state.tokens -= cost
	state.requestsToday++
	dec := allowDecision(quota.RequestsPerMinute, int(state.tokens),
		l.resetAt(state, quota, now), dailyRemaining-1)
	if abuseWarning {
		dec.Headers[HeaderAbuseWarning] = "rate of requests is unusually high"
	}
	return dec, nil
}

// Reset restores the limiter to its empty initial state. Test hook.
func (l *LocalLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucketState)
	l.records = make(map[string]*AbuseRecord)
}

// AbuseState returns a copy of the abuse record for the caller, if any.
func (l *LocalLimiter) AbuseState(identityKey string) (AbuseRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.records[identityKey]
	if rec == nil {
		return AbuseRecord{}, false
	}
	return *rec, true
}

// SetClock overrides the limiter's clock. Test hook.
func (l *LocalLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// refill adds tokens continuously at requestsPerMinute/60000 per
// millisecond, capped at the bucket size.
func (l *LocalLimiter) refill(state *bucketState, quota config.TierQuota, now time.Time) {
	elapsed := now.Sub(state.lastRefill)
	if elapsed <= 0 {
		return
	}
	rate := float64(quota.RequestsPerMinute) / float64(time.Minute)
	state.tokens += float64(elapsed) * rate
	if max := float64(quota.RequestsPerMinute); state.tokens > max {
		state.tokens = max
	}
	state.lastRefill = now
}

// rolloverDay clears the daily counter when the wall-clock date changes.
func (l *LocalLimiter) rolloverDay(state *bucketState, now time.Time) {
	last := state.lastReset.In(l.loc)
	cur := now.In(l.loc)
	if last.Year() != cur.Year() || last.YearDay() != cur.YearDay() {
		state.requestsToday = 0
		state.lastReset = now
	}
}

// touchAbuse updates the FREE-tier burst record for this attempt and
// returns it. Once flagged, a record stays flagged.
func (l *LocalLimiter) touchAbuse(key string, now time.Time) *AbuseRecord {
	rec := l.records[key]
	if rec == nil {
		rec = &AbuseRecord{FirstSeenAt: now}
		l.records[key] = rec
	}

	rec.RequestCount++
	if !rec.LastRequestAt.IsZero() && now.Sub(rec.LastRequestAt) < l.abuse.BurstGap {
		rec.BurstCount++
	} else {
		rec.BurstCount = 0
	}
	rec.LastRequestAt = now

	if rec.BurstCount >= l.abuse.BurstThreshold {
		rec.Flagged = true
	}
	if now.Sub(rec.FirstSeenAt) < l.abuse.Window && rec.RequestCount > l.abuse.WindowRequests {
		rec.Flagged = true
	}
	return rec
}

// resetAt estimates when the bucket is full again, surfaced as
// X-RateLimit-Reset.
func (l *LocalLimiter) resetAt(state *bucketState, quota config.TierQuota, now time.Time) time.Time {
	missing := float64(quota.RequestsPerMinute) - state.tokens
	if missing <= 0 {
		return now
	}
	rate := float64(quota.RequestsPerMinute) / float64(time.Minute)
	return now.Add(time.Duration(missing / rate))
}
