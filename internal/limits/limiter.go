package limits

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nimbleworks/chat_gateway/internal/requestctx"
)

// ErrBackendUnavailable wraps failures of the distributed counter backend.
// The caller sees the error directly; admission never silently fails open
// or closed when redis is unreachable.
var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Deny scopes.
const (
	ScopeMinute = "minute"
	ScopeDay    = "day"
)

// Header names owned by the admission controller.
const (
	HeaderLimit          = "X-RateLimit-Limit"
	HeaderRemaining      = "X-RateLimit-Remaining"
	HeaderReset          = "X-RateLimit-Reset"
	HeaderDailyRemaining = "X-RateLimit-Daily-Remaining"
	HeaderRetryAfter     = "Retry-After"
	HeaderAbuseWarning   = "X-Abuse-Warning"
)

// Decision is the outcome of one admission check. Headers are populated on
// both the allow and deny paths.
type Decision struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Duration
	Headers    map[string]string
}

// Strategy decides allow/deny per request against the caller's tier quotas.
// Exactly one implementation is constructed at startup: RedisLimiter when a
// distributed backend is configured, LocalLimiter otherwise.
type Strategy interface {
	CheckAndConsume(ctx context.Context, id requestctx.Identity, endpoint string) (Decision, error)
	// Reset restores the limiter to its empty initial state. Test hook.
	Reset()
}

// BypassList short-circuits admission for operational paths.
type BypassList struct {
	prefixes []string
}

func NewBypassList(paths []string) *BypassList {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		cleaned = append(cleaned, p)
	}
	return &BypassList{prefixes: cleaned}
}

// Contains reports whether the path skips the admission controller entirely.
func (b *BypassList) Contains(path string) bool {
	if b == nil {
		return false
	}
	for _, prefix := range b.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func allowDecision(limit, remaining int, reset time.Time, dailyRemaining int) Decision {
	return Decision{
		Allowed: true,
		Headers: baseHeaders(limit, remaining, reset, dailyRemaining),
	}
}

func denyDecision(scope string, retryAfter time.Duration, limit, remaining int, reset time.Time, dailyRemaining int) Decision {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	headers := baseHeaders(limit, remaining, reset, dailyRemaining)
	headers[HeaderRetryAfter] = strconv.FormatInt(int64(retryAfter.Round(time.Second)/time.Second), 10)
	return Decision{
		Allowed:    false,
		Scope:      scope,
		RetryAfter: retryAfter,
		Headers:    headers,
	}
}

func baseHeaders(limit, remaining int, reset time.Time, dailyRemaining int) map[string]string {
	if remaining < 0 {
		remaining = 0
	}
	if dailyRemaining < 0 {
		dailyRemaining = 0
	}
	return map[string]string{
		HeaderLimit:          strconv.Itoa(limit),
		HeaderRemaining:      strconv.Itoa(remaining),
		HeaderReset:          strconv.FormatInt(reset.Unix(), 10),
		HeaderDailyRemaining: strconv.Itoa(dailyRemaining),
	}
}

// ceilSeconds rounds the duration up to whole seconds for Retry-After.
func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}
