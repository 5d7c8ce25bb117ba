package ratelimitstats

import (
	"sort"
	"sync"
	"time"

	"github.com/nimbleworks/chat_gateway/internal/config"
	"github.com/nimbleworks/chat_gateway/internal/tier"
)

// Event is one recorded rate-limit decision. Remaining and Limit describe
// the minute-scope quota at decision time; Limit is zero when the backend
// did not report one.
type Event struct {
	UserID    string    `json:"user_id"`
	Tier      tier.Tier `json:"tier"`
	Endpoint  string    `json:"endpoint"`
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	Limit     int64     `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}

// Consumer is one row of the top-consumers table.
type Consumer struct {
	UserID   string    `json:"user_id"`
	Tier     tier.Tier `json:"tier"`
	Requests int64     `json:"requests"`
	Denied   int64     `json:"denied"`
	DenyRate float64   `json:"deny_rate"`
}

// EndpointStats is one row of the top-endpoints table.
type EndpointStats struct {
	Endpoint    string `json:"endpoint"`
	Requests    int64  `json:"requests"`
	Denied      int64  `json:"denied"`
	UniqueUsers int    `json:"unique_users"`
}

// TierStats is the per-tier traffic breakdown.
type TierStats struct {
	Tier     tier.Tier `json:"tier"`
	Requests int64     `json:"requests"`
	Denied   int64     `json:"denied"`
	DenyRate float64   `json:"deny_rate"`
}

// HourBucket counts rejections and near-limit events for one clock hour.
type HourBucket struct {
	Hour      string `json:"hour"`
	Denied    int64  `json:"denied"`
	NearLimit int64  `json:"near_limit"`
}

// Dashboard is the aggregate analytics view over the retention window.
type Dashboard struct {
	TotalRequests int64           `json:"total_requests"`
	TotalDenied   int64           `json:"total_denied"`
	DenyRate      float64         `json:"deny_rate"`
	TopConsumers  []Consumer      `json:"top_consumers"`
	TopEndpoints  []EndpointStats `json:"top_endpoints"`
	ByTier        []TierStats     `json:"by_tier"`
	ByHour        []HourBucket    `json:"by_hour"`
}

const (
	topLimit        = 20
	historyLimit    = 100
	nearLimitLimit  = 100
	nearLimitUsage  = 0.8
	cleanupMinEvery = 1000
)

// Service is the in-memory rate-limit analytics store. Events append to a
// slice; expiry is amortized into Record rather than swept by a timer.
type Service struct {
	cfg config.AnalyticsConfig
	now func() time.Time

	mu         sync.RWMutex
	events     []Event
	sinceSweep int
}

func NewService(cfg config.AnalyticsConfig) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100_000
	}
	return &Service{cfg: cfg, now: time.Now}
}

// Record appends one decision. When the buffer exceeds the entry cap the
// expired prefix is dropped in place; the occasional linear pass amortizes
// to O(1) per event.
func (s *Service) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.sinceSweep++
	// The sinceSweep gate bounds sweep frequency; between attempts the
	// buffer can overshoot the cap by at most cleanupMinEvery-1 events.
	if len(s.events) > s.cfg.MaxEntries && s.sinceSweep >= cleanupMinEvery {
		s.dropExpiredLocked()
		s.sinceSweep = 0
	}
	s.mu.Unlock()
}

// dropExpiredLocked removes events older than the retention window. Events
// are appended in arrival order so a prefix scan suffices.
func (s *Service) dropExpiredLocked() {
	cutoff := s.now().Add(-s.cfg.Retention)
	idx := 0
	for idx < len(s.events) && s.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return
	}
	kept := make([]Event, len(s.events)-idx)
	copy(kept, s.events[idx:])
	s.events = kept
}

// Dashboard aggregates the retained window: totals, top consumers by
// volume, top endpoints with unique-user counts, per-tier rates, and
// hourly rejection buckets.
func (s *Service) Dashboard() Dashboard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-s.cfg.Retention)
	dash := Dashboard{
		TopConsumers: []Consumer{},
		TopEndpoints: []EndpointStats{},
		ByTier:       []TierStats{},
		ByHour:       []HourBucket{},
	}

	consumers := make(map[string]*Consumer)
	consumerOrder := make([]string, 0)
	type endpointAgg struct {
		stats EndpointStats
		users map[string]struct{}
	}
	endpoints := make(map[string]*endpointAgg)
	endpointOrder := make([]string, 0)
	tiers := make(map[tier.Tier]*TierStats)
	hours := make(map[string]*HourBucket)
	hourOrder := make([]string, 0)

	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		dash.TotalRequests++
		if !e.Allowed {
			dash.TotalDenied++
		}

		c := consumers[e.UserID]
		if c == nil {
			c = &Consumer{UserID: e.UserID, Tier: e.Tier}
			consumers[e.UserID] = c
			consumerOrder = append(consumerOrder, e.UserID)
		}
		c.Tier = e.Tier
		c.Requests++
		if !e.Allowed {
			c.Denied++
		}

		ep := endpoints[e.Endpoint]
		if ep == nil {
			ep = &endpointAgg{
				stats: EndpointStats{Endpoint: e.Endpoint},
				users: make(map[string]struct{}),
			}
			endpoints[e.Endpoint] = ep
			endpointOrder = append(endpointOrder, e.Endpoint)
		}
		ep.stats.Requests++
		if !e.Allowed {
			ep.stats.Denied++
		}
		ep.users[e.UserID] = struct{}{}

		ts := tiers[e.Tier]
		if ts == nil {
			ts = &TierStats{Tier: e.Tier}
			tiers[e.Tier] = ts
		}
		ts.Requests++
		if !e.Allowed {
			ts.Denied++
		}

		hour := e.Timestamp.UTC().Format("2006-01-02T15")
		hb := hours[hour]
		if hb == nil {
			hb = &HourBucket{Hour: hour}
			hours[hour] = hb
			hourOrder = append(hourOrder, hour)
		}
		if !e.Allowed {
			hb.Denied++
		}
		if nearLimit(e) {
			hb.NearLimit++
		}
	}

	if dash.TotalRequests > 0 {
		dash.DenyRate = float64(dash.TotalDenied) / float64(dash.TotalRequests) * 100
	}

	for _, userID := range consumerOrder {
		c := consumers[userID]
		if c.Requests > 0 {
			c.DenyRate = float64(c.Denied) / float64(c.Requests) * 100
		}
		dash.TopConsumers = append(dash.TopConsumers, *c)
	}
	sort.SliceStable(dash.TopConsumers, func(i, j int) bool {
		return dash.TopConsumers[i].Requests > dash.TopConsumers[j].Requests
	})
	if len(dash.TopConsumers) > topLimit {
		dash.TopConsumers = dash.TopConsumers[:topLimit]
	}

	for _, endpoint := range endpointOrder {
		ep := endpoints[endpoint]
		ep.stats.UniqueUsers = len(ep.users)
		dash.TopEndpoints = append(dash.TopEndpoints, ep.stats)
	}
	sort.SliceStable(dash.TopEndpoints, func(i, j int) bool {
		return dash.TopEndpoints[i].Requests > dash.TopEndpoints[j].Requests
	})
	if len(dash.TopEndpoints) > topLimit {
		dash.TopEndpoints = dash.TopEndpoints[:topLimit]
	}

	for _, t := range tier.All() {
		ts := tiers[t]
		if ts == nil {
			continue
		}
		if ts.Requests > 0 {
			ts.DenyRate = float64(ts.Denied) / float64(ts.Requests) * 100
		}
		dash.ByTier = append(dash.ByTier, *ts)
	}

	sort.Strings(hourOrder)
	for _, hour := range hourOrder {
		dash.ByHour = append(dash.ByHour, *hours[hour])
	}
	return dash
}

// UserHistory returns a user's retained decisions, most recent first,
// capped at 100.
func (s *Service) UserHistory(userID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-s.cfg.Retention)
	history := make([]Event, 0)
	for i := len(s.events) - 1; i >= 0 && len(history) < historyLimit; i-- {
		e := s.events[i]
		if e.UserID != userID || e.Timestamp.Before(cutoff) {
			continue
		}
		history = append(history, e)
	}
	return history
}

// NearLimitEvents returns retained decisions where the caller had consumed
// at least 80% of a known minute quota, most recent first, capped at 100.
// Events with a missing or zero limit are skipped, never treated as
// near-limit.
func (s *Service) NearLimitEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-s.cfg.Retention)
	out := make([]Event, 0)
	for i := len(s.events) - 1; i >= 0 && len(out) < nearLimitLimit; i-- {
		e := s.events[i]
		if e.Timestamp.Before(cutoff) || !nearLimit(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports the raw buffered event count. Test hook.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Reset restores the empty initial state. Test hook.
func (s *Service) Reset() {
	s.mu.Lock()
	s.events = nil
	s.sinceSweep = 0
	s.mu.Unlock()
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func nearLimit(e Event) bool {
	if e.Limit <= 0 {
		return false
	}
	used := float64(e.Limit-e.Remaining) / float64(e.Limit)
	return used >= nearLimitUsage
}
